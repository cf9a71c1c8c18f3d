package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rickgao/rtx-gateway/internal/engine"
)

// fakeGateway answers every call synchronously and records what it was
// asked to do.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	result any
	err    error

	clients map[engine.Client]struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		result:  map[string]any{"ok": true},
		clients: map[engine.Client]struct{}{},
	}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGateway) lastCall() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return ""
	}
	return g.calls[len(g.calls)-1]
}

func (g *fakeGateway) complete(cont engine.Continuation) {
	cont(g.result, g.err)
}

func (g *fakeGateway) OpenClient(c engine.Client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	g.record("OpenClient")
}

func (g *fakeGateway) CloseClient(c engine.Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.record("CloseClient")
}

func (g *fakeGateway) ConnectionStatus(cont engine.Continuation) {
	g.record("ConnectionStatus")
	g.complete(cont)
}

func (g *fakeGateway) SetAccount(account string, cont engine.Continuation) {
	g.record("SetAccount " + account)
	g.complete(cont)
}

func (g *fakeGateway) RequestAccounts(cont engine.Continuation) {
	g.record("RequestAccounts")
	g.complete(cont)
}

func (g *fakeGateway) RequestPositions(cont engine.Continuation) {
	g.record("RequestPositions")
	g.complete(cont)
}

func (g *fakeGateway) RequestOrders(cont engine.Continuation) {
	g.record("RequestOrders")
	g.complete(cont)
}

func (g *fakeGateway) RequestOrder(oid string, cont engine.Continuation) {
	g.record("RequestOrder " + oid)
	g.complete(cont)
}

func (g *fakeGateway) RequestExecutions(cont engine.Continuation) {
	g.record("RequestExecutions")
	g.complete(cont)
}

func (g *fakeGateway) RequestAccountData(account string, fields []string, cont engine.Continuation) {
	call := "RequestAccountData " + account
	for _, f := range fields {
		call += " " + f
	}
	g.record(call)
	g.complete(cont)
}

func (g *fakeGateway) MarketOrder(account, route, symbol string, quantity int, cont engine.Continuation) {
	g.record("MarketOrder " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) LimitOrder(account, route, symbol string, limitPrice float64, quantity int, cont engine.Continuation) {
	g.record("LimitOrder " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) StopOrder(account, route, symbol string, stopPrice float64, quantity int, cont engine.Continuation) {
	g.record("StopOrder " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) StopLimitOrder(account, route, symbol string, stopPrice, limitPrice float64, quantity int, cont engine.Continuation) {
	g.record("StopLimitOrder " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) StageMarketOrder(tag, account, route, symbol string, quantity int, cont engine.Continuation) {
	g.record("StageMarketOrder " + tag + " " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) ChangeOrder(oid, account, route, orderType string, price, stopPrice float64, symbol string, quantity int, cont engine.Continuation) {
	g.record("ChangeOrder " + oid + " " + orderType)
	g.complete(cont)
}

func (g *fakeGateway) CreateStagedOrderTicket(account string, cont engine.Continuation) {
	g.record("CreateStagedOrderTicket " + account)
	g.complete(cont)
}

func (g *fakeGateway) CancelOrder(oid string, cont engine.Continuation) {
	g.record("CancelOrder " + oid)
	g.complete(cont)
}

func (g *fakeGateway) GlobalCancel() {
	g.record("GlobalCancel")
}

func (g *fakeGateway) AddSymbol(symbol string, client engine.Client, cont engine.Continuation) {
	g.record("AddSymbol " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) DelSymbol(symbol string, client engine.Client) {
	g.record("DelSymbol " + symbol)
}

func (g *fakeGateway) QuerySymbol(symbol string, cont engine.Continuation) {
	g.record("QuerySymbol " + symbol)
	g.complete(cont)
}

func (g *fakeGateway) QuerySymbols(cont engine.Continuation) {
	g.record("QuerySymbols")
	g.complete(cont)
}

func (g *fakeGateway) SetOrderRoute(route string, cont engine.Continuation) {
	g.record("SetOrderRoute " + route)
	g.complete(cont)
}

func (g *fakeGateway) GetOrderRoute(cont engine.Continuation) {
	g.record("GetOrderRoute")
	g.complete(cont)
}

func (g *fakeGateway) SetPrimaryExchange(symbol, exchange string, cont engine.Continuation) {
	g.record("SetPrimaryExchange " + symbol + " " + exchange)
	g.complete(cont)
}

func (g *fakeGateway) QueryCallbackMetrics(cont engine.Continuation) {
	g.record("QueryCallbackMetrics")
	g.complete(cont)
}

func newTestHTTPServer(gw Gateway) *HTTPServer {
	return NewHTTPServer(0, gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func doRequest(t *testing.T, s *HTTPServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)
	return rr
}

func TestHTTPQueryEndpoints(t *testing.T) {
	tests := []struct {
		method   string
		path     string
		wantCall string
	}{
		{http.MethodGet, "/status", "ConnectionStatus"},
		{http.MethodGet, "/accounts", "RequestAccounts"},
		{http.MethodGet, "/positions", "RequestPositions"},
		{http.MethodGet, "/orders", "RequestOrders"},
		{http.MethodGet, "/orders/O123", "RequestOrder O123"},
		{http.MethodGet, "/executions", "RequestExecutions"},
		{http.MethodGet, "/symbols", "QuerySymbols"},
		{http.MethodGet, "/symbols/AAPL", "QuerySymbol AAPL"},
		{http.MethodGet, "/route", "GetOrderRoute"},
		{http.MethodGet, "/callback_metrics", "QueryCallbackMetrics"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			gw := newFakeGateway()
			s := newTestHTTPServer(gw)
			rr := doRequest(t, s, tt.method, tt.path, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d, body %s", rr.Code, http.StatusOK, rr.Body.String())
			}
			if got := gw.lastCall(); got != tt.wantCall {
				t.Errorf("call = %q, want %q", got, tt.wantCall)
			}
		})
	}
}

func TestHTTPAccountData(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodGet, "/account_data/ACCT?fields=EXCESS_EQ,BUYING_POWER", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	want := "RequestAccountData ACCT EXCESS_EQ BUYING_POWER"
	if got := gw.lastCall(); got != want {
		t.Errorf("call = %q, want %q", got, want)
	}
}

func TestHTTPSubmitOrder(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantCall string
	}{
		{
			name:     "market",
			body:     map[string]any{"type": "market", "account": "A", "symbol": "AAPL", "quantity": 100},
			wantCode: http.StatusOK,
			wantCall: "MarketOrder AAPL",
		},
		{
			name:     "limit",
			body:     map[string]any{"type": "limit", "account": "A", "symbol": "AAPL", "quantity": 100, "limit_price": 12.5},
			wantCode: http.StatusOK,
			wantCall: "LimitOrder AAPL",
		},
		{
			name:     "stop",
			body:     map[string]any{"type": "stop", "account": "A", "symbol": "AAPL", "quantity": -100, "stop_price": 12.0},
			wantCode: http.StatusOK,
			wantCall: "StopOrder AAPL",
		},
		{
			name:     "stoplimit",
			body:     map[string]any{"type": "stoplimit", "account": "A", "symbol": "AAPL", "quantity": 100, "stop_price": 12.0, "limit_price": 12.5},
			wantCode: http.StatusOK,
			wantCall: "StopLimitOrder AAPL",
		},
		{
			name:     "staged market",
			body:     map[string]any{"type": "market", "account": "A", "symbol": "AAPL", "quantity": 100, "staged": "desk"},
			wantCode: http.StatusOK,
			wantCall: "StageMarketOrder desk AAPL",
		},
		{
			name:     "staged limit rejected",
			body:     map[string]any{"type": "limit", "account": "A", "symbol": "AAPL", "quantity": 100, "limit_price": 12.5, "staged": "desk"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown type",
			body:     map[string]any{"type": "iceberg", "account": "A", "symbol": "AAPL", "quantity": 100},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "zero quantity",
			body:     map[string]any{"type": "market", "account": "A", "symbol": "AAPL", "quantity": 0},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			s := newTestHTTPServer(gw)
			rr := doRequest(t, s, http.MethodPost, "/orders", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if tt.wantCall != "" {
				if got := gw.lastCall(); got != tt.wantCall {
					t.Errorf("call = %q, want %q", got, tt.wantCall)
				}
			}
		})
	}
}

func TestHTTPChangeOrder(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	body := map[string]any{"type": "limit", "account": "A", "symbol": "AAPL", "quantity": 200, "limit_price": 13.0}
	rr := doRequest(t, s, http.MethodPut, "/orders/O7", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := gw.lastCall(); got != "ChangeOrder O7 limit" {
		t.Errorf("call = %q", got)
	}

	rr = doRequest(t, s, http.MethodPut, "/orders/O7", map[string]any{"type": "iceberg", "symbol": "AAPL", "quantity": 200})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHTTPCancelOrder(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodPost, "/orders/O42/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := gw.lastCall(); got != "CancelOrder O42" {
		t.Errorf("call = %q", got)
	}
}

func TestHTTPGlobalCancel(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodPost, "/orders/cancel_all", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := gw.lastCall(); got != "GlobalCancel" {
		t.Errorf("call = %q", got)
	}
}

func TestHTTPSetAccountValidation(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodPost, "/account", map[string]any{"account": ""})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = doRequest(t, s, http.MethodPost, "/account", map[string]any{"account": "A.B.C.D"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := gw.lastCall(); got != "SetAccount A.B.C.D" {
		t.Errorf("call = %q", got)
	}
}

func TestHTTPSymbolWatchLifecycle(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodPost, "/symbols/AAPL", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("watch status = %d", rr.Code)
	}
	if got := gw.lastCall(); got != "AddSymbol AAPL" {
		t.Errorf("call = %q", got)
	}

	rr = doRequest(t, s, http.MethodDelete, "/symbols/AAPL", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unwatch status = %d", rr.Code)
	}
	if got := gw.lastCall(); got != "DelSymbol AAPL" {
		t.Errorf("call = %q", got)
	}
}

func TestHTTPRouteAndExchange(t *testing.T) {
	gw := newFakeGateway()
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodPut, "/route", map[string]any{"route": "STGY"})
	if rr.Code != http.StatusOK {
		t.Fatalf("route status = %d", rr.Code)
	}
	if got := gw.lastCall(); got != "SetOrderRoute STGY" {
		t.Errorf("call = %q", got)
	}

	rr = doRequest(t, s, http.MethodPost, "/exchange", map[string]any{"symbol": "AAPL", "exchange": "NAS"})
	if rr.Code != http.StatusOK {
		t.Fatalf("exchange status = %d", rr.Code)
	}
	if got := gw.lastCall(); got != "SetPrimaryExchange AAPL NAS" {
		t.Errorf("call = %q", got)
	}
}

func TestHTTPEngineErrorMapsToBadGateway(t *testing.T) {
	gw := newFakeGateway()
	gw.err = errors.New("not connected")
	s := newTestHTTPServer(gw)

	rr := doRequest(t, s, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "not connected" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestHTTPVersion(t *testing.T) {
	s := newTestHTTPServer(newFakeGateway())
	rr := doRequest(t, s, http.MethodGet, "/version", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["version"] == "" {
		t.Error("version missing from response")
	}
}
