package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// handleAccounts processes the startup account query. An empty result
// is fatal since nothing downstream can work without accounts.
func (e *Engine) handleAccounts(rows []map[string]string) {
	if len(rows) == 0 {
		e.handleInitialAccountFailure("initial account query returned no data")
		return
	}

	seen := map[string]struct{}{}
	accounts := make([]string, 0, len(rows))
	for _, row := range rows {
		a := makeAccount(row)
		if _, dup := seen[a]; !dup {
			seen[a] = struct{}{}
			accounts = append(accounts, a)
		}
	}
	sort.Strings(accounts)
	e.accounts = accounts
	e.accountRequestPending = false
	e.writeAllClients("accounts: " + marshalResult(e.accounts))
	e.updateConnectionStatus(StatusUp)

	for _, cb := range e.reg.accountRequests {
		cb.complete(e.accounts)
	}
	for _, cb := range e.reg.setAccounts {
		e.logger.Info("processing deferred set-account response", "account", cb.id)
		e.processSetAccount(cb.id, cb)
	}
}

func (e *Engine) handleInitialAccountFailure(msg string) {
	e.forceDisconnect("initial account query failed: " + msg)
}

// setAccount selects the current account, deferring until the startup
// account list arrives when necessary.
func (e *Engine) setAccount(account string, cont Continuation) {
	cb := e.newCallback(account, "set-account", 0, cont)
	switch {
	case len(e.accounts) > 0:
		e.processSetAccount(account, cb)
	case e.accountRequestPending:
		e.reg.setAccounts = append(e.reg.setAccounts, cb)
	default:
		e.errorHandler(e.id, "set account: no data, but no account request pending")
		cb.complete(nil)
	}
}

func (e *Engine) verifyAccount(account string) bool {
	for _, a := range e.accounts {
		if a == account {
			return true
		}
	}
	e.errorHandler(e.id, fmt.Sprintf("account %s not found", account))
	return false
}

func (e *Engine) processSetAccount(account string, cb *Callback) {
	ok := e.verifyAccount(account)
	if ok {
		e.currentAccount = account
		e.writeAllClients("current-account: " + e.currentAccount)
	}
	cb.complete(ok)
}

// requestAccounts answers from the cached list, or defers until the
// startup query completes.
func (e *Engine) requestAccounts(cont Continuation) {
	cb := e.newCallback("0", "request-accounts", e.cfg.Timeouts.Account, cont)
	switch {
	case len(e.accounts) > 0:
		cb.complete(e.accounts)
	case e.accountRequestPending:
		e.reg.accountRequests = append(e.reg.accountRequests, cb)
	default:
		e.errorHandler(e.id, "request accounts: no data, but no account request pending")
		cb.complete(nil)
	}
}

// requestPositions queries open positions across all accounts.
func (e *Engine) requestPositions(cont Continuation) {
	cxn := e.orderChannel()
	cb := e.newCallback("0", "positions", e.cfg.Timeouts.Position, cont)
	cxn.request("POSITION", "*", "", cb)
	e.reg.positions = append(e.reg.positions, cb)
}

// requestOrders refreshes and renders the full order book.
func (e *Engine) requestOrders(cont Continuation) {
	cxn := e.orderChannel()
	cb := e.newCallback("0", "orders", e.cfg.Timeouts.OrderStatus, cont)
	cxn.request("ORDERS", "*", "", cb)
	e.reg.openOrders = append(e.reg.openOrders, cb)
}

// requestOrder renders the status of a single order by permanent id.
func (e *Engine) requestOrder(oid string, cont Continuation) {
	cb := e.newCallback(oid, "order_status", e.cfg.Timeouts.OrderStatus, cont)
	e.orderChannel().request("ORDERS", "*", fmt.Sprintf("ORIGINAL_ORDER_ID='%s'", oid), cb)
	e.reg.orderStatuses = append(e.reg.orderStatuses, cb)
}

// requestExecutions renders the filled subset of the order book.
func (e *Engine) requestExecutions(cont Continuation) {
	cb := e.newCallback("0", "executions", e.cfg.Timeouts.OrderStatus, cont)
	e.orderChannel().request("ORDERS", "*", "", cb)
	e.reg.executions = append(e.reg.executions, cb)
}

// requestAccountData queries balance fields for one account.
func (e *Engine) requestAccountData(account string, fields []string, cont Continuation) {
	cxn := e.orderChannel()
	cb := e.newCallback("0", "account_data", e.cfg.Timeouts.Account, cont)
	parts := strings.SplitN(account, ".", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	where := fmt.Sprintf("BANK='%s',BRANCH='%s',CUSTOMER='%s',DEPOSIT='%s'",
		parts[0], parts[1], parts[2], parts[3])
	what := "*"
	if len(fields) > 0 {
		what = strings.Join(fields, ",")
	}
	cxn.request("DEPOSIT", what, where, cb)
	e.reg.accountData = append(e.reg.accountData, cb)
}

// formatAccountData returns the first row with a derived _cash field
// from the excess equity balance.
func formatAccountData(rows []map[string]string) map[string]any {
	if len(rows) == 0 {
		return nil
	}
	row := rows[0]
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	if eq, ok := row["EXCESS_EQ"]; ok {
		f, err := strconv.ParseFloat(eq, 64)
		if err == nil {
			out["_cash"] = math.Round(f*100) / 100
		}
	}
	return out
}

// formatPositions folds position rows into {account: {symbol: net}}.
// Long positions add, short positions subtract.
func (e *Engine) formatPositions(rows []map[string]string) map[string]map[string]int {
	positions := map[string]map[string]int{}
	for _, a := range e.accounts {
		positions[a] = map[string]int{}
	}
	for _, pos := range rows {
		if pos == nil {
			continue
		}
		account := makeAccount(pos)
		symbol := pos["DISP_NAME"]
		if positions[account] == nil {
			positions[account] = map[string]int{}
		}
		net := positions[account][symbol]
		for _, sf := range []struct {
			mult  int
			field string
		}{{1, "LONGPOS"}, {1, "LONGPOS0"}, {-1, "SHORTPOS"}, {-1, "SHORTPOS0"}} {
			if v, ok := pos[sf.field]; ok {
				n, err := strconv.Atoi(v)
				if err == nil {
					net += sf.mult * n
				}
			}
		}
		positions[account][symbol] = net
	}
	return positions
}

// formatOrders funnels the rows through the order book and renders
// either the whole book or, when oid is set, the single named order.
func (e *Engine) formatOrders(rows []map[string]string, oid string) any {
	for _, row := range rows {
		if row != nil {
			e.handleOrderRow(row)
		}
	}
	if oid != "" {
		o, ok := e.orders[oid]
		if !ok {
			return nil
		}
		return o.render()
	}
	results := map[string]any{}
	for k, o := range e.orders {
		results[k] = o.render()
	}
	return results
}

// formatExecutions renders only the fully filled orders.
func (e *Engine) formatExecutions(rows []map[string]string) map[string]any {
	for _, row := range rows {
		if row != nil {
			e.handleOrderRow(row)
		}
	}
	results := map[string]any{}
	for k, o := range e.orders {
		if o.isFilled() {
			results[k] = o.render()
		}
	}
	return results
}
