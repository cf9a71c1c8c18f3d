package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// clientBufferSize bounds the per-client send queue; a client that
// cannot keep up loses messages rather than stalling the engine.
const clientBufferSize = 256

// TCPServer fans engine emissions out over a line-delimited TCP feed.
// Clients may send "watch <symbol>" and "unwatch <symbol>" commands to
// manage their market-data subscriptions; everything else they receive
// is broadcast.
type TCPServer struct {
	port   int
	gw     Gateway
	logger *slog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*tcpClient]struct{}
}

// NewTCPServer creates a TCP feed server.
func NewTCPServer(port int, gw Gateway, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		port:    port,
		gw:      gw,
		logger:  logger,
		clients: map[*tcpClient]struct{}{},
	}
}

// Start begins accepting clients.
func (s *TCPServer) Start(ctx context.Context) error {
	if s.ln != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen tcp feed: %w", err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("tcp feed listening", "port", s.port)
	return nil
}

// Stop closes the listener and every client connection.
func (s *TCPServer) Stop(ctx context.Context) error {
	if s.ln == nil {
		return ErrNotStarted
	}
	s.cancel()
	s.ln.Close()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("tcp feed stopped")
	case <-ctx.Done():
		s.logger.Warn("tcp feed stop timed out")
	}
	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *TCPServer) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	c := newTCPClient(conn)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.gw.OpenClient(c)
	s.logger.Info("feed client connected", "remote", conn.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()

	s.readLoop(c)

	s.gw.CloseClient(c)
	c.close()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.logger.Info("feed client disconnected", "remote", conn.RemoteAddr())
}

// readLoop consumes client commands until the connection drops.
func (s *TCPServer) readLoop(c *tcpClient) {
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleCommand(c, line)
	}
}

func (s *TCPServer) handleCommand(c *tcpClient, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "watch":
		if arg == "" {
			c.Send("error: watch requires a symbol")
			return
		}
		s.gw.AddSymbol(arg, c, func(result any, err error) {
			if err != nil {
				c.Send(fmt.Sprintf("error: watch %s: %v", arg, err))
				return
			}
			c.Send(fmt.Sprintf("watching: %s %v", arg, result))
		})
	case "unwatch":
		if arg == "" {
			c.Send("error: unwatch requires a symbol")
			return
		}
		s.gw.DelSymbol(arg, c)
		c.Send("unwatched: " + arg)
	case "ping":
		c.Send("pong")
	default:
		c.Send("error: unknown command: " + cmd)
	}
}

// tcpClient is one feed connection. Send never blocks; overflow drops
// the message.
type tcpClient struct {
	conn net.Conn
	out  chan string

	closeOnce sync.Once
	done      chan struct{}
}

func newTCPClient(conn net.Conn) *tcpClient {
	return &tcpClient{
		conn: conn,
		out:  make(chan string, clientBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues a message for delivery.
func (c *tcpClient) Send(msg string) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		// Slow client; drop rather than stall the broadcaster.
	}
}

func (c *tcpClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := c.conn.Write([]byte(msg + "\n")); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
