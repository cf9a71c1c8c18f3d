// Package engine bridges the upstream gateway wire protocol to the
// downstream client API. A single goroutine owns all engine state:
// inbound frames, the 1 Hz housekeeping tick, and posted API calls are
// serialized through one select loop, so none of the bookkeeping needs
// locks.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/rtx-gateway/internal/metrics"
	"github.com/rickgao/rtx-gateway/internal/wire"
)

// Engine owns the channel pool, the order and symbol books, and the
// callback registry. Construct with New, drive with Run, and call the
// exported API methods from any goroutine.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	sender  Sender
	journal Journal
	id      string

	clients map[Client]struct{}
	pool    *channelPool
	reg     callbackRegistry

	orders         map[string]*Order
	pendingOrders  map[string]*Order
	tickets        map[string]*Order
	pendingTickets map[string]*Order
	symbols        map[string]*Symbol

	accounts              []string
	accountRequestPending bool
	currentAccount        string
	primaryExchange       map[string]string
	route                 orderRoute

	connected            bool
	connectionStatus     string
	lastConnectionStatus string
	secondsDisconnected  int
	lastMinute           int
	feedZone             *time.Location
	localZone            *time.Location
	gatewayTime          time.Time

	callbackMetrics map[string]*CallbackMetrics

	tasks chan func()
	fatal chan error
	nowFn func() time.Time
}

// New creates an engine. sender transmits command lines upstream;
// journal may be nil to disable audit records.
func New(cfg Config, sender Sender, journal Journal, logger *slog.Logger) (*Engine, error) {
	if cfg.Channel == "" {
		cfg.Channel = "rtx"
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if journal == nil {
		journal = nopJournal{}
	}

	feedZone := time.Local
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading feed timezone: %w", err)
		}
		feedZone = loc
	}

	e := &Engine{
		cfg:                   cfg,
		logger:                logger,
		sender:                sender,
		journal:               journal,
		id:                    "RTX",
		clients:               map[Client]struct{}{},
		pool:                  newChannelPool(),
		orders:                map[string]*Order{},
		pendingOrders:         map[string]*Order{},
		tickets:               map[string]*Order{},
		pendingTickets:        map[string]*Order{},
		symbols:               map[string]*Symbol{},
		accountRequestPending: true,
		primaryExchange:       map[string]string{},
		connectionStatus:      StatusInitializing,
		lastMinute:            -1,
		feedZone:              feedZone,
		localZone:             time.Local,
		callbackMetrics:       map[string]*CallbackMetrics{},
		tasks:                 make(chan func(), 256),
		fatal:                 make(chan error, 1),
		nowFn:                 time.Now,
	}

	route := cfg.Route
	if route == "" {
		route = "DEMO"
	}
	r, err := parseOrderRoute(route)
	if err != nil {
		return nil, err
	}
	e.route = r

	return e, nil
}

func (e *Engine) now() time.Time {
	return e.nowFn()
}

// Run drives the engine until ctx is cancelled or an unrecoverable
// gateway failure forces termination. events is the upstream wire
// event stream.
func (e *Engine) Run(ctx context.Context, events <-chan wire.Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-e.fatal:
			return err
		case f := <-e.tasks:
			f()
		case ev, ok := <-events:
			if !ok {
				return wire.ErrClosed
			}
			e.handleEvent(ev)
		case now := <-ticker.C:
			e.everySecond(now)
		}
	}
}

// post schedules f onto the engine goroutine.
func (e *Engine) post(f func()) {
	e.tasks <- f
}

func (e *Engine) handleEvent(ev wire.Event) {
	switch ev.Type {
	case wire.EventConnected:
		e.updateConnectionStatus(StatusConnecting)
		e.logger.Info("awaiting startup response from gateway")
	case wire.EventDisconnected:
		metrics.Connected.Set(0)
		e.connected = false
		e.secondsDisconnected = 0
		e.accountRequestPending = false
		e.accounts = nil
		e.pool.reset()
		e.updateConnectionStatus(StatusDisconnected)
		if errors.Is(ev.Err, wire.ErrLineTooLong) {
			// A line-length breach is a protocol failure, not a network
			// blip; terminate for a supervised restart.
			e.forceDisconnect("maximum line length exceeded")
			return
		}
		e.errorHandler(e.id, fmt.Sprintf("gateway disconnected: %v", ev.Err))
	case wire.EventFrame:
		e.handleFrame(ev.Frame)
	}
}

func (e *Engine) handleFrame(f wire.Frame) {
	metrics.FramesReceived.WithLabelValues(f.Type).Inc()
	if e.cfg.LogAPIMessages {
		e.logger.Info("gateway frame", "type", f.Type, "id", f.ID, "data", string(f.Data))
	}

	if f.Type == "system" {
		var sys systemData
		if err := json.Unmarshal(f.Data, &sys); err != nil {
			e.errorHandler(e.id, fmt.Sprintf("unparseable system frame: %s", f.Data))
			return
		}
		e.handleSystem(sys)
		return
	}

	c, ok := e.pool.lookup(f.ID)
	if !ok {
		e.errorHandler(e.id, fmt.Sprintf("frame received on unknown channel: %s %s", f.Type, f.ID))
		return
	}
	c.receive(f.Type, f.Data)
}

func (e *Engine) handleSystem(sys systemData) {
	if sys.Msg != "startup" {
		e.errorHandler(e.id, fmt.Sprintf("unknown system message: %+v", sys))
		return
	}
	e.connected = true
	e.secondsDisconnected = 0
	e.accounts = nil
	e.accountRequestPending = true
	e.updateConnectionStatus(StatusStartup)
	e.logger.Info("connected to gateway", "item", sys.Item)
	metrics.Connected.Set(1)
	e.setupLocalQueries()
}

// setupLocalQueries runs the startup sequence: the account list, the
// long-lived order advise, and an initial order book refresh.
func (e *Engine) setupLocalQueries() {
	e.rtxRequest("ACCOUNT_GATEWAY", "ORDER", "ACCOUNT", "*", "",
		"accounts", e.cfg.Timeouts.Account, &e.reg.accountData,
		func(result any, err error) {
			if err != nil {
				e.handleInitialAccountFailure(err.Error())
				return
			}
			rows, _ := result.([]map[string]string)
			e.handleAccounts(rows)
		})

	e.orderChannel().advise("ORDERS", "*", "", e.handleOrderAdvise)

	e.rtxRequest("ACCOUNT_GATEWAY", "ORDER", "ORDERS", "*", "",
		"orders", e.cfg.Timeouts.OrderStatus, &e.reg.openOrders,
		func(result any, err error) {
			if err != nil {
				e.errorHandler(e.id, fmt.Sprintf("initial order refresh failed: %v", err))
				return
			}
			e.logger.Info("initial order refresh complete")
		})
}

// rtxRequest opens (or reuses) a channel, issues a request, and tracks
// the callback on the given registry list.
func (e *Engine) rtxRequest(service, topic, table, what, where, label string, timeout time.Duration, list *[]*Callback, cont Continuation) {
	cxn := e.channelFor(service, topic)
	cb := e.newCallback(cxn.id, label, timeout, cont)
	cxn.request(table, what, where, cb)
	*list = append(*list, cb)
}

// channelFor returns an idle channel for the service and topic, or
// opens a new one.
func (e *Engine) channelFor(service, topic string) *Channel {
	if c := e.pool.acquire(service + ";" + topic); c != nil {
		return c
	}
	return e.newChannel(service, topic)
}

// everySecond runs housekeeping: the clock poll, the disconnect
// watchdog, and the callback expiry sweep.
func (e *Engine) everySecond(now time.Time) {
	if e.connected {
		if e.cfg.EnableSecondsTick {
			e.rtxRequest("TA_SRV", "LIVEQUOTE", "LIVEQUOTE", "DISP_NAME,TRDTIM_1,TRD_DATE",
				"DISP_NAME='$TIME'", "tick", e.cfg.Timeouts.Timer, &e.reg.timers,
				func(result any, err error) {
					if err != nil {
						// A timer expiry is already reported by the sweep.
						e.logger.Info("time poll error", "err", err)
						return
					}
					rows, _ := result.([]map[string]string)
					e.handleTime(rows)
				})
		}
	} else {
		e.secondsDisconnected++
		if e.secondsDisconnected > disconnectSeconds {
			e.forceDisconnect(fmt.Sprintf("gateway connection timed out after %d seconds", e.secondsDisconnected))
		}
	}
	e.reg.sweep(e.now())

	if now.Unix()%60 == 0 {
		e.everyMinute()
	}
}

func (e *Engine) everyMinute() {
	e.logger.Debug("housekeeping", "channels", e.pool.size(), "clients", len(e.clients))
	if len(e.callbackMetrics) > 0 {
		e.logger.Info("callback metrics", "metrics", marshalResult(e.callbackMetrics))
	}
}

// handleTime processes the 1 Hz $TIME poll. The TRDTIM_1 field coming
// back as a no-record error means the login failed, which is fatal.
func (e *Engine) handleTime(rows []map[string]string) {
	if len(rows) == 0 {
		e.errorHandler(e.id, "time poll: unexpected null input")
		return
	}
	timeField := rows[0]["TRDTIM_1"]
	dateField := rows[0]["TRD_DATE"]

	if timeField == "Error 17" {
		e.forceDisconnect("gateway reports $TIME symbol unknown; connection has failed")
		return
	}
	if _, isErr := parseTQLError(timeField); isErr {
		e.errorHandler(e.id, "time poll: time field "+timeField)
		return
	}

	t, err := parseGatewayTime(dateField, timeField, e.feedZone)
	if err != nil {
		e.errorHandler(e.id, fmt.Sprintf("time poll: %v", err))
		return
	}
	e.gatewayTime = t.In(e.localZone)
	if minute := e.gatewayTime.Minute(); minute != e.lastMinute {
		e.lastMinute = minute
		e.writeAllClients(fmt.Sprintf("time: %s %s:00",
			e.gatewayTime.Format("2006-01-02"), e.gatewayTime.Format("15:04")))
	}
}

// parseGatewayTime combines the feed's date and time fields in the feed
// timezone. Both fields may carry trailing components beyond the parts
// used here.
func parseGatewayTime(date, clock string, zone *time.Location) (time.Time, error) {
	dparts := strings.Split(date, "-")
	tparts := strings.Split(clock, ":")
	if len(dparts) < 3 || len(tparts) < 3 {
		return time.Time{}, fmt.Errorf("malformed gateway time %q %q", date, clock)
	}
	nums := make([]int, 6)
	for i, s := range []string{dparts[0], dparts[1], dparts[2], tparts[0], tparts[1], tparts[2]} {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed gateway time %q %q", date, clock)
		}
		nums[i] = n
	}
	return time.Date(nums[0], time.Month(nums[1]), nums[2], nums[3], nums[4], nums[5], 0, zone), nil
}

// gatewaySend transmits one command line upstream.
func (e *Engine) gatewaySend(line string) {
	if e.cfg.DebugAPIMessages {
		e.logger.Debug("gateway send", "len", len(line), "line", line)
	} else if e.cfg.LogAPIMessages {
		e.logger.Info("gateway send", "line", line)
	}
	verb, _, _ := strings.Cut(line, " ")
	metrics.LinesSent.WithLabelValues(verb).Inc()
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(line); err != nil {
		e.logger.Warn("gateway send failed", "err", err)
	}
}

// writeAllClients broadcasts one message, prefixed with the channel
// name, to every downstream client.
func (e *Engine) writeAllClients(msg string) {
	if e.cfg.LogClientMessages {
		e.logger.Info("broadcast", "msg", e.cfg.Channel+"."+msg)
	}
	full := e.cfg.Channel + "." + msg
	for c := range e.clients {
		c.Send(full)
	}
	metrics.Emissions.Inc()
}

// errorHandler reports an error to the log and to all clients.
func (e *Engine) errorHandler(id, msg string) {
	e.logger.Error("alert", "id", id, "msg", msg)
	e.writeAllClients(fmt.Sprintf("error: %s %s", id, msg))
}

// forceDisconnect terminates the process-level run loop; a supervisor
// is expected to restart the gateway from scratch.
func (e *Engine) forceDisconnect(reason string) {
	e.updateConnectionStatus(StatusDisconnected)
	metrics.Connected.Set(0)
	e.errorHandler(e.id, "gateway disconnect: "+reason)
	select {
	case e.fatal <- fmt.Errorf("gateway disconnect: %s", reason):
	default:
	}
}

// updateConnectionStatus records the status and notifies clients on
// change.
func (e *Engine) updateConnectionStatus(status string) {
	e.connectionStatus = status
	if status != e.lastConnectionStatus {
		e.lastConnectionStatus = status
		e.writeAllClients("connection-status-changed: " + status)
	}
}

// formatResults shapes a raw result set for the caller according to the
// callback label.
func (e *Engine) formatResults(label, id string, result any) any {
	rows, _ := result.([]map[string]string)
	switch label {
	case "account_data":
		return formatAccountData(rows)
	case "positions":
		return e.formatPositions(rows)
	case "orders", "executions":
		if label == "executions" {
			return e.formatExecutions(rows)
		}
		return e.formatOrders(rows, "")
	case "order_status":
		return e.formatOrders(rows, id)
	}
	return result
}

func (e *Engine) newOrderID() string {
	return uuid.NewString()
}

// Public API. Every method below may be called from any goroutine; the
// work is posted to the engine goroutine and the continuation fires
// there.

// OpenClient subscribes a downstream client to broadcasts.
func (e *Engine) OpenClient(c Client) {
	e.post(func() {
		e.clients[c] = struct{}{}
		metrics.Clients.Set(float64(len(e.clients)))
	})
}

// CloseClient unsubscribes a client and releases its symbol watches.
func (e *Engine) CloseClient(c Client) {
	e.post(func() {
		delete(e.clients, c)
		metrics.Clients.Set(float64(len(e.clients)))
		for sym, s := range e.symbols {
			if _, watching := s.clients[c]; watching {
				e.disableSymbol(sym, c)
			}
		}
	})
}

// ConnectionStatus reports the current upstream connection state.
func (e *Engine) ConnectionStatus(cont Continuation) {
	e.post(func() { cont(e.connectionStatus, nil) })
}

// SetAccount selects the current account.
func (e *Engine) SetAccount(account string, cont Continuation) {
	e.post(func() { e.setAccount(account, cont) })
}

// RequestAccounts returns the known account list.
func (e *Engine) RequestAccounts(cont Continuation) {
	e.post(func() { e.requestAccounts(cont) })
}

// RequestPositions returns net positions per account and symbol.
func (e *Engine) RequestPositions(cont Continuation) {
	e.post(func() { e.requestPositions(cont) })
}

// RequestOrders returns the rendered order book.
func (e *Engine) RequestOrders(cont Continuation) {
	e.post(func() { e.requestOrders(cont) })
}

// RequestOrder returns the rendered state of one order.
func (e *Engine) RequestOrder(oid string, cont Continuation) {
	e.post(func() { e.requestOrder(oid, cont) })
}

// RequestExecutions returns the filled subset of the order book.
func (e *Engine) RequestExecutions(cont Continuation) {
	e.post(func() { e.requestExecutions(cont) })
}

// RequestAccountData returns balance fields for one account.
func (e *Engine) RequestAccountData(account string, fields []string, cont Continuation) {
	e.post(func() { e.requestAccountData(account, fields, cont) })
}

// MarketOrder submits a market order; negative quantity sells.
func (e *Engine) MarketOrder(account, route, symbol string, quantity int, cont Continuation) {
	e.post(func() { e.submitOrder(account, route, "market", 0, 0, symbol, quantity, "", "", cont) })
}

// LimitOrder submits a limit order.
func (e *Engine) LimitOrder(account, route, symbol string, limitPrice float64, quantity int, cont Continuation) {
	e.post(func() { e.submitOrder(account, route, "limit", limitPrice, 0, symbol, quantity, "", "", cont) })
}

// StopOrder submits a stop order.
func (e *Engine) StopOrder(account, route, symbol string, stopPrice float64, quantity int, cont Continuation) {
	e.post(func() { e.submitOrder(account, route, "stop", 0, stopPrice, symbol, quantity, "", "", cont) })
}

// StopLimitOrder submits a stop-limit order.
func (e *Engine) StopLimitOrder(account, route, symbol string, stopPrice, limitPrice float64, quantity int, cont Continuation) {
	e.post(func() { e.submitOrder(account, route, "stoplimit", limitPrice, stopPrice, symbol, quantity, "", "", cont) })
}

// StageMarketOrder submits a staged market order carrying a tag.
func (e *Engine) StageMarketOrder(tag, account, route, symbol string, quantity int, cont Continuation) {
	e.post(func() { e.submitOrder(account, route, "market", 0, 0, symbol, quantity, tag, "", cont) })
}

// ChangeOrder resubmits an existing order with new terms.
func (e *Engine) ChangeOrder(oid, account, route, orderType string, price, stopPrice float64, symbol string, quantity int, cont Continuation) {
	e.post(func() { e.submitOrder(account, route, orderType, price, stopPrice, symbol, quantity, "", oid, cont) })
}

// CreateStagedOrderTicket prepares a staged-order ticket.
func (e *Engine) CreateStagedOrderTicket(account string, cont Continuation) {
	e.post(func() { e.createStagedOrderTicket(account, cont) })
}

// CancelOrder cancels an order by permanent id.
func (e *Engine) CancelOrder(oid string, cont Continuation) {
	e.post(func() { e.cancelOrder(oid, cont) })
}

// GlobalCancel cancels every live or pending order.
func (e *Engine) GlobalCancel() {
	e.post(func() { e.globalCancel() })
}

// AddSymbol subscribes a client to a symbol's market data.
func (e *Engine) AddSymbol(symbol string, client Client, cont Continuation) {
	e.post(func() { e.enableSymbol(symbol, client, cont) })
}

// DelSymbol unsubscribes a client from a symbol.
func (e *Engine) DelSymbol(symbol string, client Client) {
	e.post(func() { e.disableSymbol(symbol, client) })
}

// QuerySymbol returns a symbol's current quote snapshot, or nil when
// the symbol is not watched.
func (e *Engine) QuerySymbol(symbol string, cont Continuation) {
	e.post(func() {
		if s, ok := e.symbols[symbol]; ok {
			cont(s.export(), nil)
			return
		}
		cont(nil, nil)
	})
}

// QuerySymbols returns the watched symbol list.
func (e *Engine) QuerySymbols(cont Continuation) {
	e.post(func() {
		syms := make([]string, 0, len(e.symbols))
		for sym := range e.symbols {
			syms = append(syms, sym)
		}
		cont(syms, nil)
	})
}

// SetOrderRoute replaces the default order route.
func (e *Engine) SetOrderRoute(route string, cont Continuation) {
	e.post(func() {
		if err := e.setOrderRoute(route); err != nil {
			cont(nil, err)
			return
		}
		cont(e.getOrderRoute(), nil)
	})
}

// GetOrderRoute reports the active order route.
func (e *Engine) GetOrderRoute(cont Continuation) {
	e.post(func() { cont(e.getOrderRoute(), nil) })
}

// SetPrimaryExchange pins a symbol to an exchange for submissions; an
// empty exchange clears the pin.
func (e *Engine) SetPrimaryExchange(symbol, exchange string, cont Continuation) {
	e.post(func() {
		if exchange != "" {
			e.primaryExchange[symbol] = exchange
		} else {
			delete(e.primaryExchange, symbol)
		}
		cont(e.primaryExchange, nil)
	})
}

// QueryBars is not supported by the upstream gateway.
func (e *Engine) QueryBars(symbol string, period int, start, end string, cont Continuation) {
	e.post(func() {
		e.errorHandler(e.id, "query bars unimplemented")
		cont(nil, ErrNotImplemented)
	})
}

// QueryCallbackMetrics reports per-label callback timing aggregates.
func (e *Engine) QueryCallbackMetrics(cont Continuation) {
	e.post(func() { cont(e.callbackMetrics, nil) })
}
