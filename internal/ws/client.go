package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/folio/internal/protocol"
	"github.com/manpreetbhatti/folio/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// a client ignoring this many rate limit errors is cut off
	maxRateLimitViolations = 1000
)

type Config struct {
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageBytes   int64
	// "*" allows any origin; requests without an Origin header always pass
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:        512,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		MaxMessageBytes:   1024 * 1024,
		AllowedOrigins:    []string{"*"},
	}
}

// Client is one websocket connection. It satisfies room.Conn.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	rateLimiter *ratelimit.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Client) ID() string { return c.id }

// Send queues frame for the write pump. It never blocks; false means the
// buffer is full or the client is closed.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close tells the write pump to send a close frame and hang up. Safe to
// call more than once and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(h.config.AllowedOrigins),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// ServeWs upgrades the request and attaches the connection to the hub as an
// unbound client.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.config.SendBuffer),
		id:          uuid.NewString(),
		rateLimiter: ratelimit.NewLimiter(hub.config.MessagesPerSecond, hub.config.MessageBurst),
		closed:      make(chan struct{}),
	}

	if !hub.join(client) {
		conn.Close()
		return
	}
	hub.logger.Debug("websocket connected", "conn", client.id, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", "conn", c.id, "err", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.hub.logger.Warn("rate limit exceeded", "conn", c.id, "violations", violations)
				c.rejectRateLimited()
			}
			if violations > maxRateLimitViolations {
				c.hub.logger.Warn("disconnecting client for excessive rate limit violations", "conn", c.id)
				return
			}
			continue
		}

		if !c.hub.enqueue(c, message) {
			return
		}
	}
}

// rejectRateLimited answers from the read goroutine; the hub never sees the
// dropped frame.
func (c *Client) rejectRateLimited() {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Code:    protocol.CodeRateLimited,
		Message: "too many messages",
	}, 0)
	if err != nil {
		return
	}
	c.Send(frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
