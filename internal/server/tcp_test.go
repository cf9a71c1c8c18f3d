package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTCPServer(t *testing.T, gw Gateway) (*TCPServer, string) {
	t.Helper()
	s := NewTCPServer(0, gw, discardLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, s.ln.Addr().String()
}

func waitForClients(t *testing.T, gw *fakeGateway, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gw.mu.Lock()
		got := len(gw.clients)
		gw.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients", n)
}

func TestTCPServerLifecycle(t *testing.T) {
	s := NewTCPServer(0, newFakeGateway(), discardLogger())
	if err := s.Stop(context.Background()); err != ErrNotStarted {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestTCPClientRegistration(t *testing.T) {
	gw := newFakeGateway()
	_, addr := startTCPServer(t, gw)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForClients(t, gw, 1)

	conn.Close()
	waitForClients(t, gw, 0)
}

func TestTCPBroadcastDelivery(t *testing.T) {
	gw := newFakeGateway()
	_, addr := startTCPServer(t, gw)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, gw, 1)

	gw.mu.Lock()
	for c := range gw.clients {
		c.Send("rtx.status: Up")
	}
	gw.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "rtx.status: Up\n" {
		t.Errorf("line = %q", line)
	}
}

func TestTCPWatchCommand(t *testing.T) {
	gw := newFakeGateway()
	gw.result = true
	_, addr := startTCPServer(t, gw)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, gw, 1)

	fmt.Fprintf(conn, "watch AAPL\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "watching: AAPL true\n" {
		t.Errorf("line = %q", line)
	}
	if got := gw.lastCall(); got != "AddSymbol AAPL" {
		t.Errorf("call = %q", got)
	}
}

func TestTCPUnwatchCommand(t *testing.T) {
	gw := newFakeGateway()
	_, addr := startTCPServer(t, gw)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, gw, 1)

	fmt.Fprintf(conn, "unwatch AAPL\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "unwatched: AAPL\n" {
		t.Errorf("line = %q", line)
	}
	if got := gw.lastCall(); got != "DelSymbol AAPL" {
		t.Errorf("call = %q", got)
	}
}

func TestTCPUnknownCommand(t *testing.T) {
	gw := newFakeGateway()
	_, addr := startTCPServer(t, gw)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, gw, 1)

	fmt.Fprintf(conn, "frobnicate\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "error: unknown command: frobnicate\n" {
		t.Errorf("line = %q", line)
	}
}

func TestTCPSlowClientDropsMessages(t *testing.T) {
	c := newTCPClient(nopConn{})
	// Fill the queue without a writer draining it.
	for i := 0; i < clientBufferSize+10; i++ {
		c.Send("line")
	}
	if len(c.out) != clientBufferSize {
		t.Errorf("queued = %d, want %d", len(c.out), clientBufferSize)
	}
}

// nopConn satisfies net.Conn for queue tests with no real socket.
type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }
