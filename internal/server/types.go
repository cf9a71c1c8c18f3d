package server

import (
	"errors"

	"github.com/rickgao/rtx-gateway/internal/engine"
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrNotStarted     = errors.New("server not started")
)

// Gateway is the engine surface the downstream servers drive. All
// methods are safe to call from any goroutine; continuations fire on
// the engine goroutine.
type Gateway interface {
	OpenClient(c engine.Client)
	CloseClient(c engine.Client)
	ConnectionStatus(cont engine.Continuation)

	SetAccount(account string, cont engine.Continuation)
	RequestAccounts(cont engine.Continuation)
	RequestPositions(cont engine.Continuation)
	RequestOrders(cont engine.Continuation)
	RequestOrder(oid string, cont engine.Continuation)
	RequestExecutions(cont engine.Continuation)
	RequestAccountData(account string, fields []string, cont engine.Continuation)

	MarketOrder(account, route, symbol string, quantity int, cont engine.Continuation)
	LimitOrder(account, route, symbol string, limitPrice float64, quantity int, cont engine.Continuation)
	StopOrder(account, route, symbol string, stopPrice float64, quantity int, cont engine.Continuation)
	StopLimitOrder(account, route, symbol string, stopPrice, limitPrice float64, quantity int, cont engine.Continuation)
	StageMarketOrder(tag, account, route, symbol string, quantity int, cont engine.Continuation)
	ChangeOrder(oid, account, route, orderType string, price, stopPrice float64, symbol string, quantity int, cont engine.Continuation)
	CreateStagedOrderTicket(account string, cont engine.Continuation)
	CancelOrder(oid string, cont engine.Continuation)
	GlobalCancel()

	AddSymbol(symbol string, client engine.Client, cont engine.Continuation)
	DelSymbol(symbol string, client engine.Client)
	QuerySymbol(symbol string, cont engine.Continuation)
	QuerySymbols(cont engine.Continuation)

	SetOrderRoute(route string, cont engine.Continuation)
	GetOrderRoute(cont engine.Continuation)
	SetPrimaryExchange(symbol, exchange string, cont engine.Continuation)
	QueryCallbackMetrics(cont engine.Continuation)
}
