package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only market and order state; any origin may
	// subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient mirrors the TCP line feed over a websocket connection. Each
// emission is delivered as one text message.
type wsClient struct {
	conn   *websocket.Conn
	out    chan string
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS upgrades the request and attaches the connection to the
// engine broadcast until it drops.
func (s *HTTPServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		out:    make(chan string, clientBufferSize),
		logger: s.logger,
		done:   make(chan struct{}),
	}
	s.gw.OpenClient(c)
	s.logger.Info("websocket client connected", "remote", conn.RemoteAddr())

	go c.writeLoop()
	c.readLoop(s.gw)

	s.gw.CloseClient(c)
	c.close()
	s.logger.Info("websocket client disconnected", "remote", conn.RemoteAddr())
}

// Send queues one feed line; a slow consumer loses messages.
func (c *wsClient) Send(msg string) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop accepts the same watch/unwatch commands as the TCP feed.
func (c *wsClient) readLoop(gw Gateway) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		line := strings.TrimSpace(string(data))
		if line == "" {
			continue
		}
		c.handleCommand(gw, line)
	}
}

func (c *wsClient) handleCommand(gw Gateway, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "watch":
		if arg == "" {
			c.Send("error: watch requires a symbol")
			return
		}
		sym := arg
		gw.AddSymbol(sym, c, func(result any, err error) {
			if err != nil {
				c.Send("error: watch " + sym + ": " + err.Error())
				return
			}
			c.Send("watching: " + sym)
		})
	case "unwatch":
		if arg == "" {
			c.Send("error: unwatch requires a symbol")
			return
		}
		gw.DelSymbol(arg, c)
		c.Send("unwatched: " + arg)
	default:
		c.Send("error: unknown command: " + cmd)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
