package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/manpreetbhatti/folio/internal/session"
)

var (
	ErrStopped = errors.New("hub stopped")
	ErrPanic   = errors.New("handler panicked")
)

// Hub owns the session handler. Connection events, inbound frames and calls
// from other goroutines are all applied on the Run goroutine, one at a time.
type Hub struct {
	handler *session.Handler
	config  Config
	logger  *slog.Logger

	// live clients, owned by Run
	clients map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Inbound frames from clients
	inbound chan *Message

	calls chan func()
	done  chan struct{}
}

type Message struct {
	Sender *Client
	Data   []byte
}

func NewHub(handler *session.Handler, config Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		handler:    handler,
		config:     config,
		logger:     logger,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *Message, 256),
		calls:      make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes hub traffic until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for _, c := range h.clients {
			c.Close()
		}
		h.logger.Info("hub stopped", "clients", len(h.clients))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.clients[c.id] = c
			h.safely("connect", func() { h.handler.Connect(c) })

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; !ok {
				continue
			}
			delete(h.clients, c.id)
			h.safely("disconnect", func() { h.handler.Disconnect(c.id) })

		case msg := <-h.inbound:
			if _, ok := h.clients[msg.Sender.id]; !ok {
				continue
			}
			if !h.safely("frame", func() { h.handler.HandleFrame(msg.Sender.id, msg.Data) }) {
				h.drop(msg.Sender)
			}

		case call := <-h.calls:
			call()
		}
	}
}

// safely keeps one bad event from taking the whole hub down. It reports
// false when fn panicked.
func (h *Hub) safely(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub handler panicked", "op", what, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}

// drop closes a client whose frame crashed the handler.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c.id)
	c.Close()
	h.safely("disconnect", func() { h.handler.Disconnect(c.id) })
}

// Do runs fn on the hub goroutine and waits for its result.
func (h *Hub) Do(ctx context.Context, fn func(*session.Handler) error) error {
	errc := make(chan error, 1)
	call := func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("hub call panicked", "panic", r, "stack", string(debug.Stack()))
				errc <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		errc <- fn(h.handler)
	}

	select {
	case h.calls <- call:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Stats(ctx context.Context) (session.Stats, error) {
	var stats session.Stats
	err := h.Do(ctx, func(s *session.Handler) error {
		stats = s.Stats()
		return nil
	})
	return stats, err
}

func (h *Hub) enqueue(c *Client, data []byte) bool {
	select {
	case h.inbound <- &Message{Sender: c, Data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
