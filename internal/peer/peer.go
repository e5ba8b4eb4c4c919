package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/protocol"
	"github.com/manpreetbhatti/folio/internal/reconcile"
)

const writeWait = 10 * time.Second

var ErrNotJoined = errors.New("peer has not joined a document")

type Option func(*Peer)

func WithLogger(l *slog.Logger) Option {
	return func(p *Peer) { p.logger = l }
}

// WithHeader sets request headers for the handshake, e.g. Origin.
func WithHeader(h http.Header) Option {
	return func(p *Peer) { p.header = h }
}

// WithEventBuffer sizes the Events channel. Events beyond it are dropped;
// the cache is updated either way.
func WithEventBuffer(n int) Option {
	return func(p *Peer) { p.buffer = n }
}

// Peer is a client connection whose view of the document is kept by a
// Reconciler. It rejoins on its own when it detects a missed event.
type Peer struct {
	conn   *websocket.Conn
	state  *reconcile.Reconciler
	events chan protocol.Envelope
	logger *slog.Logger
	header http.Header
	buffer int

	writeMu sync.Mutex

	mu     sync.Mutex
	joined *protocol.JoinPayload

	// read loop only
	rejoining bool

	done chan struct{}
	err  error
}

// Dial connects to a folio websocket endpoint such as ws://host/ws.
func Dial(ctx context.Context, url string, opts ...Option) (*Peer, error) {
	p := &Peer{
		state:  reconcile.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		buffer: 256,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, p.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	p.conn = conn
	p.events = make(chan protocol.Envelope, p.buffer)

	go p.readLoop()
	return p, nil
}

// State is the peer's reconciled cache.
func (p *Peer) State() *reconcile.Reconciler { return p.state }

// Events delivers every server frame after it was applied to State. Closed
// when the connection ends.
func (p *Peer) Events() <-chan protocol.Envelope { return p.events }

// Done is closed when the connection ends; Err then reports why.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Peer) Close() error {
	p.writeMu.Lock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()
	return p.conn.Close()
}

func (p *Peer) Join(userID, documentID, displayName, avatarRef string) error {
	join := protocol.JoinPayload{
		UserID:      userID,
		DocumentID:  documentID,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	}
	p.mu.Lock()
	p.joined = &join
	p.mu.Unlock()
	return p.send(protocol.EventUserJoin, join)
}

func (p *Peer) Leave() error {
	p.mu.Lock()
	join := p.joined
	p.joined = nil
	p.mu.Unlock()

	if join == nil {
		return ErrNotJoined
	}
	return p.send(protocol.EventUserLeave, protocol.LeavePayload{
		UserID:     join.UserID,
		DocumentID: join.DocumentID,
	})
}

// AddComment shows the comment locally at once and sends it. The local
// entry is replaced by the server's echo, or removed if the server rejects
// it.
func (p *Peer) AddComment(page int, body string, pos *annotation.Position) (annotation.Annotation, error) {
	p.mu.Lock()
	join := p.joined
	p.mu.Unlock()
	if join == nil {
		return annotation.Annotation{}, ErrNotJoined
	}

	draft, local := p.state.AddOptimistic(annotation.Draft{
		PageNumber:   page,
		AuthorID:     join.UserID,
		AuthorName:   join.DisplayName,
		AuthorAvatar: join.AvatarRef,
		Body:         body,
		Position:     pos,
	})
	if err := p.send(protocol.EventCommentAdd, draft); err != nil {
		p.state.Reject(draft.ClientRef)
		return annotation.Annotation{}, err
	}
	return local, nil
}

func (p *Peer) UpdateComment(id, body string) error {
	return p.send(protocol.EventCommentUpdate, protocol.CommentUpdateRequest{CommentID: id, Body: body})
}

func (p *Peer) DeleteComment(id string) error {
	return p.send(protocol.EventCommentDelete, protocol.CommentDeletePayload{CommentID: id})
}

func (p *Peer) PageChange(page int) error {
	return p.send(protocol.EventPageChange, protocol.PageChangePayload{PageNumber: page})
}

func (p *Peer) send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload, 0)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func (p *Peer) readLoop() {
	defer func() {
		close(p.events)
		close(p.done)
	}()

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.err = err
			}
			return
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			p.logger.Warn("discarding malformed frame", "err", err)
			continue
		}
		if err := p.state.Apply(env); err != nil {
			p.logger.Warn("could not apply event", "event", env.Event, "err", err)
		}

		switch {
		case !p.state.NeedsResync():
			p.rejoining = false
		case !p.rejoining:
			p.rejoining = true
			p.resync()
		}

		select {
		case p.events <- env:
		default:
			p.logger.Debug("event buffer full", "event", env.Event)
		}
	}
}

// resync rejoins the current document; the server answers with a full
// snapshot that replaces the cache.
func (p *Peer) resync() {
	p.mu.Lock()
	join := p.joined
	p.mu.Unlock()
	if join == nil {
		return
	}

	p.logger.Info("missed room event, rejoining", "document", join.DocumentID)
	if err := p.send(protocol.EventUserJoin, *join); err != nil {
		p.logger.Warn("rejoin failed", "err", err)
	}
}
