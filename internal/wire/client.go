package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Client maintains one TCP connection to the upstream RTX gateway and
// delivers newline-delimited JSON frames as events. Reconnection uses
// exponential backoff; the delay resets after a successful connect.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	events chan Event

	mu        sync.RWMutex
	conn      net.Conn
	connected bool

	writeMu sync.Mutex
}

// NewClient creates a new upstream client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.BufferSize),
	}
}

// Events returns the event channel. Events are delivered in arrival order.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsConnected returns current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send writes one line to the gateway, appending the delimiter.
func (c *Client) Send(line string) error {
	c.mu.RLock()
	conn := c.conn
	ok := c.connected
	c.mu.RUnlock()

	if !ok || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(append([]byte(line), '\n'))
	return err
}

// Run dials the gateway and reads frames until ctx is cancelled.
// Each connection loss emits EventDisconnected and schedules a reconnect.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	delay := c.cfg.ReconnectDelay

	for {
		c.logger.Info("connecting to gateway", "addr", addr)

		dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("gateway connection failed", "addr", addr, "error", err)
			c.emit(ctx, Event{Type: EventDisconnected, Err: err})

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = nextDelay(delay, c.cfg.ReconnectMax)
			continue
		}

		// Successful connect resets the backoff delay.
		delay = c.cfg.ReconnectDelay

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.logger.Info("gateway connected", "addr", addr)
		c.emit(ctx, Event{Type: EventConnected})

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("gateway connection lost", "error", err)
		c.emit(ctx, Event{Type: EventDisconnected, Err: err})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextDelay(delay, c.cfg.ReconnectMax)
	}
}

// readLoop reads frames from one connection until it fails.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineLength)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Warn("discarding unparseable frame", "error", err, "len", len(line))
			continue
		}

		c.emit(ctx, Event{Type: EventFrame, Frame: frame})
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return ErrLineTooLong
		}
		return err
	}
	return net.ErrClosed
}

// emit delivers an event unless ctx is done.
func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}
