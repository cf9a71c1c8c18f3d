package engine

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// subUpdate captures the delta one sub-order row applied to its parent.
type subUpdate struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields"`
	Time   float64           `json:"time"`
}

// Order tracks one upstream order and the sub-order rows folded into
// it. Orders are keyed by ORIGINAL_ORDER_ID once the gateway assigns
// one; a pending submission is keyed by its CLIENT_ORDER_ID until then.
type Order struct {
	eng       *Engine
	oid       string
	fields    map[string]string
	callback  *Callback
	updates   []subUpdate
	suborders map[string]map[string]string
}

func newOrder(e *Engine, oid string, fields map[string]string, cb *Callback) *Order {
	if fields == nil {
		fields = map[string]string{}
	}
	return &Order{
		eng:       e,
		oid:       oid,
		fields:    fields,
		callback:  cb,
		suborders: map[string]map[string]string{},
	}
}

// initialUpdate applies the first row delivered for a freshly promoted
// order and fires the submitter's callback with the rendered state.
func (o *Order) initialUpdate(row map[string]string) {
	o.update(row)
	if o.callback != nil {
		o.callback.complete(o.render())
		o.callback = nil
	}
}

// update folds one row into the order. Rows are classified against the
// sub-order table by ORDER_ID; only new or changed rows mutate the base
// fields, so a refresh cannot move order state backwards. If the base
// fields changed, a status event is emitted downstream.
func (o *Order) update(row map[string]string) {
	before := maps.Clone(o.fields)

	orderID, hasID := row["ORDER_ID"]
	var change string
	if hasID {
		switch prev, seen := o.suborders[orderID]; {
		case !seen:
			change = "new"
		case maps.Equal(prev, row):
			change = "dup"
		default:
			change = "changed"
		}
		o.suborders[orderID] = row
	} else {
		o.eng.errorHandler(o.oid, fmt.Sprintf("order update without ORDER_ID: %v", row))
		orderID = "unknown"
		change = "error"
	}

	if o.eng.cfg.LogOrderUpdates {
		o.eng.logger.Info("order update", "oid", o.oid, "order_id", orderID, "change", change)
	}

	if change == "new" || change == "changed" {
		changes := map[string]string{}
		for k, v := range row {
			if ov, ok := o.fields[k]; !ok || ov != v {
				changes[k] = v
			}
			o.fields[k] = v
		}
		if len(changes) > 0 {
			if o.eng.cfg.LogOrderUpdates {
				o.eng.logger.Info("order changes", "oid", o.oid, "order_id", orderID, "changes", changes)
			}
			if orderID != o.oid {
				updateType := changes["TYPE"]
				if updateType == "" {
					updateType = "Undefined"
				}
				o.updates = append(o.updates, subUpdate{
					ID:     orderID,
					Type:   updateType,
					Fields: changes,
					Time:   float64(o.eng.now().UnixNano()) / 1e9,
				})
			}
		}
	}

	if !maps.Equal(o.fields, before) {
		o.eng.sendOrderStatus(o)
	}
}

// updateFillFields copies the raw fill counters into the derived
// filled/remaining/avgfillprice fields.
func (o *Order) updateFillFields() {
	if t := o.fields["TYPE"]; t != "UserSubmitOrder" && t != "ExchangeTradeOrder" {
		return
	}
	if v, ok := o.fields["VOLUME_TRADED"]; ok {
		o.fields["filled"] = v
	}
	if v, ok := o.fields["ORDER_RESIDUAL"]; ok {
		o.fields["remaining"] = v
	}
	if v, ok := o.fields["AVG_PRICE"]; ok {
		o.fields["avgfillprice"] = v
	}
}

// render derives the caller-visible status fields and returns the full
// field map with the sub-update history attached.
func (o *Order) render() map[string]any {
	o.fields["permid"] = o.fields["ORIGINAL_ORDER_ID"]
	o.fields["symbol"] = o.fields["DISP_NAME"]
	o.fields["account"] = makeAccount(o.fields)

	status, ok := o.fields["CURRENT_STATUS"]
	if !ok {
		status = "UNDEFINED"
		o.fields["CURRENT_STATUS"] = status
	}
	otype, ok := o.fields["TYPE"]
	if !ok {
		otype = "Undefined"
		o.fields["TYPE"] = otype
	}

	switch status {
	case "PENDING":
		o.fields["status"] = "Submitted"
	case "LIVE":
		o.fields["status"] = "Pending"
		o.updateFillFields()
	case "COMPLETED":
		switch {
		case o.isFilled():
			o.fields["status"] = "Filled"
			if otype == "ExchangeTradeOrder" {
				o.updateFillFields()
			}
		case otype == "UserSubmitOrder" || otype == "UserSubmitStagedOrder" ||
			otype == "UserSubmitStatus" || otype == "ExchangeReportStatus":
			o.fields["status"] = "Submitted"
			o.updateFillFields()
		case otype == "UserSubmitCancel":
			o.fields["status"] = "Cancelled"
		case otype == "UserSubmitChange":
			o.fields["status"] = "Changed"
		case otype == "ExchangeAcceptOrder":
			o.fields["status"] = "Accepted"
		case otype == "ExchangeTradeOrder":
			o.updateFillFields()
		case otype == "ClerkReject" || otype == "ExchangeKillOrder":
			o.fields["status"] = "Error"
		default:
			o.eng.errorHandler(o.oid, "unknown TYPE: "+otype)
			o.fields["status"] = "Error"
		}
	case "CANCELLED":
		o.fields["status"] = "Cancelled"
	case "DELETED":
		o.fields["status"] = "Error"
	default:
		o.eng.errorHandler(o.oid, "unknown CURRENT_STATUS: "+status)
		o.fields["status"] = "Error"
	}

	out := make(map[string]any, len(o.fields)+1)
	for k, v := range o.fields {
		out[k] = v
	}
	out["updates"] = o.updates
	return out
}

// isFilled reports whether the order has completed with its full
// original volume traded.
func (o *Order) isFilled() bool {
	if o.fields["CURRENT_STATUS"] != "COMPLETED" || !o.hasFillType() {
		return false
	}
	original, ok := o.fields["ORIGINAL_VOLUME"]
	if !ok {
		return false
	}
	traded, ok := o.fields["VOLUME_TRADED"]
	return ok && original == traded
}

// hasFillType reports whether the base row or any sub-update is an
// exchange trade.
func (o *Order) hasFillType() bool {
	if o.fields["TYPE"] == "ExchangeTradeOrder" {
		return true
	}
	for _, u := range o.updates {
		if u.Type == "ExchangeTradeOrder" {
			return true
		}
	}
	return false
}

// makeAccount renders a row's account fields in dotted form.
func makeAccount(row map[string]string) string {
	return fmt.Sprintf("%s.%s.%s.%s", row["BANK"], row["BRANCH"], row["CUSTOMER"], row["DEPOSIT"])
}

// handleOrderAdvise receives rows from the long-lived ORDERS advise. A
// nil row means the subscription died, which invalidates the whole
// session.
func (e *Engine) handleOrderAdvise(c *Channel, row map[string]string) {
	if row == nil {
		e.forceDisconnect("order status advise terminated; connection has failed")
		return
	}
	e.handleOrderRow(row)
}

// handleOrderRow is the single funnel for order rows from every source:
// the startup refresh, the advise stream, and request responses.
func (e *Engine) handleOrderRow(row map[string]string) {
	oid, ok := row["ORIGINAL_ORDER_ID"]
	if !ok {
		e.errorHandler(e.id, fmt.Sprintf("order row without ORIGINAL_ORDER_ID: %v", row))
		return
	}

	if coid, ok := row["CLIENT_ORDER_ID"]; ok {
		if _, pending := e.pendingTickets[coid]; pending {
			e.handleTicketRow(row)
			return
		}
		if o, pending := e.pendingOrders[coid]; pending {
			// Newly created order; move it under its permanent id so
			// the submission callback stays attached.
			o.initialUpdate(row)
			e.orders[oid] = o
			delete(e.pendingOrders, coid)
			return
		}
	}
	if o, pending := e.pendingOrders[oid]; pending {
		// Change order; keyed by its ORIGINAL_ORDER_ID while pending.
		o.initialUpdate(row)
		delete(e.pendingOrders, oid)
		return
	}
	if o, known := e.orders[oid]; known {
		o.update(row)
		return
	}
	o := newOrder(e, oid, nil, nil)
	e.orders[oid] = o
	o.update(row)
}

// handleTicketRow promotes a pending staged-order ticket when its row
// arrives.
func (e *Engine) handleTicketRow(row map[string]string) {
	tid, ok := row["CLIENT_ORDER_ID"]
	if !ok {
		return
	}
	if t, pending := e.pendingTickets[tid]; pending {
		t.initialUpdate(row)
		e.tickets[tid] = t
		delete(e.pendingTickets, tid)
	}
}

// sendOrderStatus broadcasts one order status event and journals it.
func (e *Engine) sendOrderStatus(o *Order) {
	fields := o.render()
	permid, _ := fields["permid"].(string)
	account, _ := fields["account"].(string)
	otype, _ := fields["TYPE"].(string)
	status, _ := fields["status"].(string)
	e.writeAllClients(fmt.Sprintf("order.%s %s %s %s", permid, account, otype, status))
	if e.journal != nil {
		e.journal.OrderEvent(permid, account, otype, status)
	}
}

// fieldList builds the ordered k=v,k=v payload the order gateway
// expects; insertion order is significant.
type fieldList struct {
	keys []string
	vals map[string]string
}

func newFieldList() *fieldList {
	return &fieldList{vals: map[string]string{}}
}

func (f *fieldList) set(k, v string) {
	if _, ok := f.vals[k]; !ok {
		f.keys = append(f.keys, k)
	}
	f.vals[k] = v
}

func (f *fieldList) get(k string) string {
	return f.vals[k]
}

func (f *fieldList) encode() string {
	parts := make([]string, 0, len(f.keys))
	for _, k := range f.keys {
		parts = append(parts, k+"="+f.vals[k])
	}
	return strings.Join(parts, ",")
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// submitOrder builds and pokes one order submission. A non-empty staged
// tag marks a staged order; a non-empty refersTo oid marks a change to
// an existing order. Runs on the engine goroutine.
func (e *Engine) submitOrder(account, route, orderType string, price, stopPrice float64, symbol string, quantity int, staged, refersTo string, cont Continuation) {
	if !e.verifyAccount(account) {
		e.newCallback("0", "submit-order", 0, cont).complete(map[string]any{
			"status": "Error", "errorMsg": "account unknown",
		})
		return
	}
	if route != "" {
		if err := e.setOrderRoute(route); err != nil {
			e.newCallback("0", "submit-order", 0, cont).complete(map[string]any{
				"status": "Error", "errorMsg": "undefined order route: " + route,
			})
			return
		}
	}

	o := newFieldList()
	parts := strings.SplitN(account, ".", 4)
	o.set("BANK", parts[0])
	o.set("BRANCH", parts[1])
	o.set("CUSTOMER", parts[2])
	o.set("DEPOSIT", parts[3])

	if quantity >= 0 {
		o.set("BUYORSELL", "Buy")
	} else {
		o.set("BUYORSELL", "Sell")
	}
	o.set("GOOD_UNTIL", "DAY")
	for _, kv := range e.route.fields() {
		o.set(kv.key, kv.value)
	}

	o.set("DISP_NAME", symbol)
	o.set("STYP", defaultSType)

	exchange := e.primaryExchange[symbol]
	if exchange == "" {
		exchange = defaultExchange
	}
	o.set("EXCHANGE", exchange)

	switch orderType {
	case "market":
		o.set("PRICE_TYPE", "Market")
	case "limit":
		o.set("PRICE_TYPE", "AsEntered")
		o.set("PRICE", formatPrice(price))
	case "stop":
		o.set("PRICE_TYPE", "Stop")
		o.set("STOP_PRICE", formatPrice(stopPrice))
	case "stoplimit":
		o.set("PRICE_TYPE", "StopLimit")
		o.set("STOP_PRICE", formatPrice(stopPrice))
		o.set("PRICE", formatPrice(price))
	default:
		e.errorHandler(e.id, "unknown order type: "+orderType)
		e.newCallback("0", "submit-order", 0, cont).complete(map[string]any{
			"status": "Error", "errorMsg": "unknown order type: " + orderType,
		})
		return
	}

	o.set("VOLUME_TYPE", "AsEntered")
	if quantity < 0 {
		quantity = -quantity
	}
	o.set("VOLUME", strconv.Itoa(quantity))

	staging := ""
	if staged != "" {
		o.set("ORDER_TAG", staged)
		staging = "Staged"
	}

	submission := "Change"
	oid := refersTo
	if refersTo != "" {
		o.set("REFERS_TO_ID", refersTo)
	} else {
		oid = e.newOrderID()
		o.set("CLIENT_ORDER_ID", oid)
		submission = "Order"
	}

	o.set("TYPE", "UserSubmit"+staging+submission)

	cb := e.newCallback(oid, "order", e.cfg.Timeouts.Order, cont)
	e.reg.orders = append(e.reg.orders, cb)
	if existing, ok := e.orders[oid]; ok {
		e.pendingOrders[oid] = existing
		existing.callback = cb
	} else {
		e.pendingOrders[oid] = newOrder(e, oid, maps.Clone(o.vals), cb)
	}

	ackCB := e.newCallback(oid, "order-ack", e.cfg.Timeouts.Order, func(result any, err error) {
		e.logger.Info("order submission acknowledged", "oid", oid, "result", result, "err", err)
	})
	statusCB := e.newCallback(oid, "order", e.cfg.Timeouts.Order, func(result any, err error) {
		e.logger.Info("order submitted", "oid", oid, "result", result, "err", err)
	})
	e.orderChannel().poke("ORDERS", "*", "", o.encode(), ackCB, statusCB)
}

// createStagedOrderTicket pokes a staged-order ticket request and
// registers the ticket under a generated T- id until its row arrives.
func (e *Engine) createStagedOrderTicket(account string, cont Continuation) {
	if !e.verifyAccount(account) {
		e.newCallback("0", "create-staged-order-ticket", 0, cont).complete(map[string]any{
			"status": "Error", "errorMsg": "account unknown",
		})
		return
	}

	o := newFieldList()
	parts := strings.SplitN(account, ".", 4)
	o.set("BANK", parts[0])
	o.set("BRANCH", parts[1])
	o.set("CUSTOMER", parts[2])
	o.set("DEPOSIT", parts[3])
	tid := "T-" + e.newOrderID()
	o.set("CLIENT_ORDER_ID", tid)
	o.set("DISP_NAME", "N/A")
	o.set("STYP", defaultSType)
	o.set("EXIT_VEHICLE", "NONE")
	o.set("TYPE", "UserSubmitStagedOrder")

	cb := e.newCallback(tid, "ticket", e.cfg.Timeouts.Order, cont)
	e.reg.tickets = append(e.reg.tickets, cb)
	e.pendingTickets[tid] = newOrder(e, tid, maps.Clone(o.vals), cb)

	ackCB := e.newCallback(tid, "ticket-ack", e.cfg.Timeouts.Order, func(result any, err error) {
		e.logger.Info("staged order ticket acknowledged", "tid", tid, "result", result, "err", err)
	})
	statusCB := e.newCallback(tid, "ticket", e.cfg.Timeouts.Order, func(result any, err error) {
		e.logger.Info("staged order ticket submitted", "tid", tid, "result", result, "err", err)
	})
	e.orderChannel().poke("ORDERS", "*", "", o.encode(), ackCB, statusCB)
}

// cancelOrder pokes a cancel for a known live order. Unknown and
// already-cancelled orders complete immediately with a synthetic error.
func (e *Engine) cancelOrder(oid string, cont Continuation) {
	e.logger.Info("cancel order", "oid", oid)
	cb := e.newCallback(oid, "cancel_order", e.cfg.Timeouts.Order, cont)
	order, ok := e.orders[oid]
	if !ok {
		cb.complete(map[string]any{"status": "Error", "errorMsg": "Order not found", "id": oid})
		return
	}
	if order.fields["status"] == "Cancelled" {
		cb.complete(map[string]any{"status": "Error", "errorMsg": "Already cancelled.", "id": oid})
		return
	}
	msg := newFieldList()
	msg.set("TYPE", "UserSubmitCancel")
	msg.set("REFERS_TO_ID", oid)
	e.orderChannel().poke("ORDERS", "*", "", msg.encode(), nil, cb)
	e.reg.cancels = append(e.reg.cancels, cb)
}

// globalCancel cancels every order still showing LIVE or PENDING.
func (e *Engine) globalCancel() {
	e.rtxRequest("ACCOUNT_GATEWAY", "ORDER",
		"ORDERS", "ORDER_ID,ORIGINAL_ORDER_ID,CURRENT_STATUS,TYPE", "CURRENT_STATUS={'LIVE','PENDING'}",
		"global_cancel", e.cfg.Timeouts.Order, &e.reg.openOrders,
		func(result any, err error) {
			if err != nil {
				e.errorHandler(e.id, fmt.Sprintf("global cancel query failed: %v", err))
				return
			}
			rows, _ := result.([]map[string]string)
			for _, row := range rows {
				status := row["CURRENT_STATUS"]
				if status == "LIVE" || status == "PENDING" {
					e.cancelOrder(row["ORIGINAL_ORDER_ID"], func(result any, err error) {
						e.logger.Info("global cancel", "result", result, "err", err)
					})
				}
			}
		})
}

// orderChannel returns a ready channel bound to the order gateway.
func (e *Engine) orderChannel() *Channel {
	return e.channelFor("ACCOUNT_GATEWAY", "ORDER")
}
