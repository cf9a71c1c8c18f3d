package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/rtx-gateway/internal/engine"
	"github.com/rickgao/rtx-gateway/internal/version"
)

// requestTimeout bounds how long an HTTP handler waits on the engine.
// Engine callbacks carry their own deadlines, so this is a backstop.
const requestTimeout = 60 * time.Second

// HTTPServer exposes the query and order-entry API, the Prometheus
// metrics endpoint, and the websocket feed mirror.
type HTTPServer struct {
	port   int
	gw     Gateway
	logger *slog.Logger

	srv *http.Server

	// watcher holds HTTP-originated symbol subscriptions open. HTTP
	// clients have no connection for update delivery; the watcher
	// keeps the symbol alive for polling via GET /symbols/{symbol}.
	watcher *watcherClient
}

// watcherClient is the server-owned subscription holder. Emissions
// addressed to it are discarded.
type watcherClient struct{}

func (*watcherClient) Send(string) {}

// NewHTTPServer creates the HTTP API server.
func NewHTTPServer(port int, gw Gateway, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		port:    port,
		gw:      gw,
		logger:  logger,
		watcher: &watcherClient{},
	}
}

// Start begins serving in a background goroutine.
func (s *HTTPServer) Start(ctx context.Context) error {
	if s.srv != nil {
		return ErrAlreadyStarted
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	s.logger.Info("http api listening", "port", s.port)
	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return ErrNotStarted
	}
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.ServeWS)

	mux.HandleFunc("GET /accounts", s.handleAccounts)
	mux.HandleFunc("POST /account", s.handleSetAccount)
	mux.HandleFunc("GET /account_data/{account}", s.handleAccountData)
	mux.HandleFunc("GET /positions", s.handlePositions)

	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /orders/{oid}", s.handleOrder)
	mux.HandleFunc("POST /orders", s.handleSubmitOrder)
	mux.HandleFunc("PUT /orders/{oid}", s.handleChangeOrder)
	mux.HandleFunc("POST /orders/{oid}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /orders/cancel_all", s.handleGlobalCancel)
	mux.HandleFunc("POST /tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /executions", s.handleExecutions)

	mux.HandleFunc("GET /symbols", s.handleSymbols)
	mux.HandleFunc("GET /symbols/{symbol}", s.handleSymbol)
	mux.HandleFunc("POST /symbols/{symbol}", s.handleWatchSymbol)
	mux.HandleFunc("DELETE /symbols/{symbol}", s.handleUnwatchSymbol)

	mux.HandleFunc("GET /route", s.handleGetRoute)
	mux.HandleFunc("PUT /route", s.handleSetRoute)
	mux.HandleFunc("POST /exchange", s.handleSetPrimaryExchange)

	mux.HandleFunc("GET /callback_metrics", s.handleCallbackMetrics)

	return mux
}

// callResult carries an engine continuation's outcome back to the
// waiting handler goroutine.
type callResult struct {
	result any
	err    error
}

// await runs an engine call and blocks until its continuation fires or
// the request context gives up.
func (s *HTTPServer) await(w http.ResponseWriter, r *http.Request, call func(cont engine.Continuation)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ch := make(chan callResult, 1)
	call(func(result any, err error) {
		ch <- callResult{result: result, err: err}
	})

	select {
	case res := <-ch:
		if res.err != nil {
			writeError(w, http.StatusBadGateway, res.err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res.result)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.ConnectionStatus(cont)
	})
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.BuildTime,
	})
}

func (s *HTTPServer) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.RequestAccounts(cont)
	})
}

func (s *HTTPServer) handleSetAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.SetAccount(req.Account, cont)
	})
}

func (s *HTTPServer) handleAccountData(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	var fields []string
	if raw := r.URL.Query().Get("fields"); raw != "" {
		fields = strings.Split(raw, ",")
	}
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.RequestAccountData(account, fields, cont)
	})
}

func (s *HTTPServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.RequestPositions(cont)
	})
}

func (s *HTTPServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.RequestOrders(cont)
	})
}

func (s *HTTPServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.RequestOrder(oid, cont)
	})
}

// orderRequest is the order-entry payload. Type selects the price
// fields that must be present.
type orderRequest struct {
	Type       string  `json:"type"` // market, limit, stop, stoplimit
	Account    string  `json:"account"`
	Route      string  `json:"route"`
	Symbol     string  `json:"symbol"`
	Quantity   int     `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
	StopPrice  float64 `json:"stop_price"`
	Staged     string  `json:"staged"` // staging tag; market orders only
}

func (s *HTTPServer) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.Quantity == 0 {
		writeError(w, http.StatusBadRequest, "symbol and a non-zero quantity are required")
		return
	}
	if req.Staged != "" && req.Type != "market" {
		writeError(w, http.StatusBadRequest, "staged orders must be market orders")
		return
	}
	switch req.Type {
	case "market":
		if req.Staged != "" {
			s.await(w, r, func(cont engine.Continuation) {
				s.gw.StageMarketOrder(req.Staged, req.Account, req.Route, req.Symbol, req.Quantity, cont)
			})
			return
		}
		s.await(w, r, func(cont engine.Continuation) {
			s.gw.MarketOrder(req.Account, req.Route, req.Symbol, req.Quantity, cont)
		})
	case "limit":
		s.await(w, r, func(cont engine.Continuation) {
			s.gw.LimitOrder(req.Account, req.Route, req.Symbol, req.LimitPrice, req.Quantity, cont)
		})
	case "stop":
		s.await(w, r, func(cont engine.Continuation) {
			s.gw.StopOrder(req.Account, req.Route, req.Symbol, req.StopPrice, req.Quantity, cont)
		})
	case "stoplimit":
		s.await(w, r, func(cont engine.Continuation) {
			s.gw.StopLimitOrder(req.Account, req.Route, req.Symbol, req.StopPrice, req.LimitPrice, req.Quantity, cont)
		})
	default:
		writeError(w, http.StatusBadRequest, "type must be one of market, limit, stop, stoplimit")
	}
}

func (s *HTTPServer) handleChangeOrder(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.Quantity == 0 {
		writeError(w, http.StatusBadRequest, "symbol and a non-zero quantity are required")
		return
	}
	switch req.Type {
	case "market", "limit", "stop", "stoplimit":
	default:
		writeError(w, http.StatusBadRequest, "type must be one of market, limit, stop, stoplimit")
		return
	}
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.ChangeOrder(oid, req.Account, req.Route, req.Type, req.LimitPrice, req.StopPrice, req.Symbol, req.Quantity, cont)
	})
}

func (s *HTTPServer) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	oid := r.PathValue("oid")
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.CancelOrder(oid, cont)
	})
}

func (s *HTTPServer) handleGlobalCancel(w http.ResponseWriter, r *http.Request) {
	s.gw.GlobalCancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *HTTPServer) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.CreateStagedOrderTicket(req.Account, cont)
	})
}

func (s *HTTPServer) handleExecutions(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.RequestExecutions(cont)
	})
}

func (s *HTTPServer) handleSymbols(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.QuerySymbols(cont)
	})
}

func (s *HTTPServer) handleSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.QuerySymbol(symbol, cont)
	})
}

func (s *HTTPServer) handleWatchSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.AddSymbol(symbol, s.watcher, cont)
	})
}

func (s *HTTPServer) handleUnwatchSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	s.gw.DelSymbol(symbol, s.watcher)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "status": "released"})
}

func (s *HTTPServer) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.GetOrderRoute(cont)
	})
}

func (s *HTTPServer) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Route string `json:"route"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Route == "" {
		writeError(w, http.StatusBadRequest, "route is required")
		return
	}
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.SetOrderRoute(req.Route, cont)
	})
}

func (s *HTTPServer) handleSetPrimaryExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol   string `json:"symbol"`
		Exchange string `json:"exchange"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.SetPrimaryExchange(req.Symbol, req.Exchange, cont)
	})
}

func (s *HTTPServer) handleCallbackMetrics(w http.ResponseWriter, r *http.Request) {
	s.await(w, r, func(cont engine.Continuation) {
		s.gw.QueryCallbackMetrics(cont)
	})
}
