package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/rtx-gateway/internal/wire"
)

type recordingSender struct {
	lines []string
}

func (s *recordingSender) Send(line string) error {
	s.lines = append(s.lines, line)
	return nil
}

type recordingClient struct {
	msgs []string
}

func (c *recordingClient) Send(msg string) {
	c.msgs = append(c.msgs, msg)
}

func newTestEngine(t *testing.T) (*Engine, *recordingSender, *recordingClient) {
	t.Helper()
	sender := &recordingSender{}
	cfg := Config{
		EnableTicker: true,
		Timeouts:     DefaultTimeouts(),
	}
	e, err := New(cfg, sender, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := &recordingClient{}
	e.clients[client] = struct{}{}
	return e, sender, client
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// lastChannel finds the most recently connected channel for a
// service;topic key by scanning the sent connect commands.
func lastChannel(t *testing.T, e *Engine, s *recordingSender, key string) *Channel {
	t.Helper()
	for i := len(s.lines) - 1; i >= 0; i-- {
		parts := strings.Fields(s.lines[i])
		if len(parts) == 3 && parts[0] == "connect" && parts[2] == key {
			c, ok := e.pool.lookup(parts[1])
			if !ok {
				t.Fatalf("channel %s not registered", parts[1])
			}
			return c
		}
	}
	t.Fatalf("no connect command sent for %s", key)
	return nil
}

func initChannel(t *testing.T, c *Channel) {
	t.Helper()
	c.receive("status", raw(t, statusData{Msg: "OnInitAck", Status: "1"}))
}

func fatalErr(e *Engine) error {
	select {
	case err := <-e.fatal:
		return err
	default:
		return nil
	}
}

func countPrefix(msgs []string, prefix string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func TestStartupRunsLocalQueries(t *testing.T) {
	e, sender, _ := newTestEngine(t)

	e.handleFrame(wire.Frame{Type: "system", ID: "RTX", Data: raw(t, systemData{Msg: "startup", Item: "rtgw1"})})

	if !e.connected {
		t.Fatal("engine not marked connected after startup")
	}
	if e.connectionStatus != StatusStartup {
		t.Errorf("connectionStatus = %q, want %q", e.connectionStatus, StatusStartup)
	}

	connects := 0
	for _, line := range sender.lines {
		if strings.HasPrefix(line, "connect ") && strings.HasSuffix(line, "ACCOUNT_GATEWAY;ORDER") {
			connects++
		}
	}
	// Account query, order advise, and order refresh each need a channel.
	if connects != 3 {
		t.Errorf("order gateway connects = %d, want 3", connects)
	}
}

func TestFrameOnUnknownChannelReportsError(t *testing.T) {
	e, _, client := newTestEngine(t)

	e.handleFrame(wire.Frame{Type: "ack", ID: "no-such-channel", Data: raw(t, "REQUEST_OK")})

	if countPrefix(client.msgs, "rtx.error:") != 1 {
		t.Errorf("error emissions = %d, want 1; msgs=%v", countPrefix(client.msgs, "rtx.error:"), client.msgs)
	}
}

func TestLineTooLongDisconnectIsFatal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.connected = true

	e.handleEvent(wire.Event{Type: wire.EventDisconnected, Err: wire.ErrLineTooLong})

	if err := fatalErr(e); err == nil {
		t.Fatal("oversized line disconnect did not request process termination")
	}
	if e.connectionStatus != StatusDisconnected {
		t.Errorf("connectionStatus = %q, want %q", e.connectionStatus, StatusDisconnected)
	}
}

func TestOrdinaryDisconnectReconnects(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.connected = true

	e.handleEvent(wire.Event{Type: wire.EventDisconnected, Err: errors.New("connection reset by peer")})

	if err := fatalErr(e); err != nil {
		t.Fatalf("network disconnect requested termination: %v", err)
	}
	if e.connected {
		t.Error("engine still marked connected")
	}
}

func TestDisconnectWatchdog(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.connected = false

	now := time.Date(2026, 3, 2, 9, 30, 1, 0, time.UTC)
	for i := 0; i < disconnectSeconds; i++ {
		e.everySecond(now)
		now = now.Add(time.Second)
	}
	if err := fatalErr(e); err != nil {
		t.Fatalf("watchdog fired early: %v", err)
	}

	e.everySecond(now)
	if err := fatalErr(e); err == nil {
		t.Fatal("watchdog did not fire after threshold")
	}
}

func TestOrderAdviseTerminationIsFatal(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	e.handleFrame(wire.Frame{Type: "system", ID: "RTX", Data: raw(t, systemData{Msg: "startup", Item: "rtgw1"})})

	// The advise is deferred until its channel initializes; find the
	// channel carrying the ORDERS advise and kill it.
	var adviseCxn *Channel
	for _, line := range sender.lines {
		parts := strings.Fields(line)
		if len(parts) == 3 && parts[0] == "connect" && parts[2] == "ACCOUNT_GATEWAY;ORDER" {
			c, _ := e.pool.lookup(parts[1])
			initChannel(t, c)
			if c.updateHandler != nil {
				adviseCxn = c
			}
		}
	}
	if adviseCxn == nil {
		t.Fatal("no order advise channel found")
	}

	adviseCxn.receive("status", raw(t, statusData{Msg: "OnTerminate", Status: "1"}))

	if err := fatalErr(e); err == nil {
		t.Fatal("advise termination did not force disconnect")
	}
}

func TestHandleTimeEmitsOnMinuteChange(t *testing.T) {
	e, _, client := newTestEngine(t)

	e.handleTime([]map[string]string{{"TRDTIM_1": "09:30:15", "TRD_DATE": "2026-03-02"}})
	e.handleTime([]map[string]string{{"TRDTIM_1": "09:30:45", "TRD_DATE": "2026-03-02"}})
	e.handleTime([]map[string]string{{"TRDTIM_1": "09:31:02", "TRD_DATE": "2026-03-02"}})

	if got := countPrefix(client.msgs, "rtx.time:"); got != 2 {
		t.Errorf("time emissions = %d, want 2; msgs=%v", got, client.msgs)
	}
}

func TestHandleTimeNoRecordIsFatal(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.handleTime([]map[string]string{{"TRDTIM_1": "Error 17", "TRD_DATE": "2026-03-02"}})

	if err := fatalErr(e); err == nil {
		t.Fatal("Error 17 time field did not force disconnect")
	}
}

func TestParseGatewayTime(t *testing.T) {
	got, err := parseGatewayTime("2026-03-02", "09:30:15", time.UTC)
	if err != nil {
		t.Fatalf("parseGatewayTime: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 30, 15, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseGatewayTime = %v, want %v", got, want)
	}

	if _, err := parseGatewayTime("2026-03", "09:30:15", time.UTC); err == nil {
		t.Error("malformed date accepted")
	}
}

func TestConnectionStatusChangeEmitsOnce(t *testing.T) {
	e, _, client := newTestEngine(t)

	e.updateConnectionStatus(StatusConnecting)
	e.updateConnectionStatus(StatusConnecting)
	e.updateConnectionStatus(StatusUp)

	if got := countPrefix(client.msgs, "rtx.connection-status-changed:"); got != 2 {
		t.Errorf("status change emissions = %d, want 2; msgs=%v", got, client.msgs)
	}
}

func TestQueryBarsNotImplemented(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var gotErr error
	done := make(chan struct{})
	e.QueryBars("AAPL", 1, "2026-03-01", "2026-03-02", func(result any, err error) {
		gotErr = err
		close(done)
	})
	(<-e.tasks)()
	<-done

	if !errors.Is(gotErr, ErrNotImplemented) {
		t.Errorf("QueryBars error = %v, want ErrNotImplemented", gotErr)
	}
}
