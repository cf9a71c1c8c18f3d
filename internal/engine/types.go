package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrCallbackExpired = errors.New("callback expired")
	ErrSendWhileQueued = errors.New("deferred send already queued")
	ErrNotImplemented  = errors.New("not implemented")
	ErrInvalidRoute    = errors.New("cannot set order route")
)

// Connection status values reported downstream.
const (
	StatusInitializing = "Initializing"
	StatusConnecting   = "Connecting"
	StatusStartup      = "Startup"
	StatusUp           = "Up"
	StatusDisconnected = "Disconnected"
)

// disconnectSeconds is how long the upstream may stay down before the
// process requests termination for a supervised restart.
const disconnectSeconds = 30

// Default order field values.
const (
	defaultExchange = "NYS"
	defaultSType    = "1"
)

// Continuation receives the result of an asynchronous gateway operation.
// Exactly one of result or err is meaningful.
type Continuation func(result any, err error)

// Client is a downstream consumer of broadcast emissions.
type Client interface {
	Send(msg string)
}

// Sender transmits one command line to the upstream gateway.
type Sender interface {
	Send(line string) error
}

// Journal records order lifecycle events and trade prints for audit.
// Implementations must not block.
type Journal interface {
	OrderEvent(permid, account, orderType, status string)
	Trade(symbol string, price float64, size, volume int)
}

// nopJournal discards audit records when no journal is configured.
type nopJournal struct{}

func (nopJournal) OrderEvent(permid, account, orderType, status string) {}
func (nopJournal) Trade(symbol string, price float64, size, volume int) {}

// Timeouts holds per-label callback deadlines.
type Timeouts struct {
	Default     time.Duration
	Account     time.Duration
	AddSymbol   time.Duration
	Order       time.Duration
	OrderStatus time.Duration
	Position    time.Duration
	Timer       time.Duration
}

// Config configures the engine.
type Config struct {
	Channel           string // downstream emission prefix, default "rtx"
	EnableTicker      bool
	EnableHighLow     bool
	EnableSecondsTick bool
	LogAPIMessages    bool
	DebugAPIMessages  bool
	LogClientMessages bool
	LogOrderUpdates   bool
	Timeouts          Timeouts
	Timezone          string // upstream feed timezone
	Route             string // default order route
}

// DefaultTimeouts returns sensible defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:     15 * time.Second,
		Account:     15 * time.Second,
		AddSymbol:   15 * time.Second,
		Order:       30 * time.Second,
		OrderStatus: 30 * time.Second,
		Position:    20 * time.Second,
		Timer:       10 * time.Second,
	}
}

// statusData is the payload of a status frame.
type statusData struct {
	Msg    string `json:"msg"`
	Status string `json:"status"`
}

// systemData is the payload of a system frame.
type systemData struct {
	Msg  string `json:"msg"`
	Item string `json:"item"`
}

// responseData is the payload of a response frame. Complete is truthy
// on the final row of a result set.
type responseData struct {
	Row      json.RawMessage `json:"row"`
	Complete any             `json:"complete"`
}

// updateData is the payload of an update frame.
type updateData struct {
	Row json.RawMessage `json:"row"`
}

// truthy interprets the loosely-typed completion flag.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0" && t != "false"
	}
	return false
}

// decodeRow decodes one record, stringifying any non-string values.
// Upstream fields are TQL strings, but be tolerant of raw numerics.
func decodeRow(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	row := make(map[string]string, len(generic))
	for k, v := range generic {
		switch t := v.(type) {
		case string:
			row[k] = t
		case float64:
			if t == float64(int64(t)) {
				row[k] = fmt.Sprintf("%d", int64(t))
			} else {
				row[k] = fmt.Sprintf("%v", t)
			}
		case nil:
			row[k] = ""
		default:
			row[k] = fmt.Sprintf("%v", t)
		}
	}
	return row, nil
}
