package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrLineTooLong  = errors.New("line length exceeded")
	ErrClosed       = errors.New("client closed")
)

// MaxLineLength is the largest frame the upstream gateway may send.
// Exceeding it is a protocol error and forces a disconnect.
const MaxLineLength = 0x1000000 // 16 MiB

// Frame is one newline-delimited JSON object from the upstream gateway.
type Frame struct {
	Type string          `json:"type"` // system, ack, response, status, update
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// EventType identifies a connection event.
type EventType int

const (
	// EventConnected reports a (re)established upstream connection.
	EventConnected EventType = iota
	// EventDisconnected reports a lost connection; Err holds the cause.
	EventDisconnected
	// EventFrame delivers one inbound frame.
	EventFrame
)

// Event is delivered on the client's event channel in arrival order.
type Event struct {
	Type  EventType
	Frame Frame
	Err   error
}

// ClientConfig configures the upstream TCP client.
type ClientConfig struct {
	Host           string
	Port           int
	DialTimeout    time.Duration
	ReconnectDelay time.Duration // initial backoff delay
	ReconnectMax   time.Duration // backoff cap
	BufferSize     int           // event channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:    10 * time.Second,
		ReconnectDelay: 15 * time.Second,
		ReconnectMax:   60 * time.Second,
		BufferSize:     1000,
	}
}
