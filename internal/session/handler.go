package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/metrics"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/protocol"
	"github.com/manpreetbhatti/folio/internal/room"
)

var (
	ErrUnbound = errors.New("connection has not joined a document")
	ErrInvalid = errors.New("invalid event")
)

// Sink receives every committed room event after it has been fanned out.
// Offer must not block.
type Sink interface {
	Offer(documentID, event string, seq uint64, payload any)
}

// closer is implemented by transports that can be torn down from the server
// side. Lagging connections are closed through it.
type closer interface {
	Close()
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithSink(s Sink) Option {
	return func(h *Handler) { h.sink = s }
}

// Handler is the protocol state machine. Each connection moves through
// Connected(unbound) -> Joined(document) and back; every mutation of the
// registry and the store goes through here.
//
// Not safe for concurrent use: the hub calls it from one goroutine.
type Handler struct {
	registry *presence.Registry
	store    *annotation.Store
	rooms    *room.Broadcaster
	sink     Sink
	logger   *slog.Logger
	metrics  *metrics.Metrics

	drops []string
}

func NewHandler(registry *presence.Registry, store *annotation.Store, rooms *room.Broadcaster, opts ...Option) *Handler {
	h := &Handler{
		registry: registry,
		store:    store,
		rooms:    rooms,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a fresh, unbound transport connection.
func (h *Handler) Connect(c room.Conn) {
	h.rooms.Attach(c)
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection opened", "conn", c.ID())
}

// Disconnect handles transport loss. A bound connection leaves its room and
// the remaining members get a fresh presence snapshot.
func (h *Handler) Disconnect(connID string) {
	defer h.flushDrops()
	h.disconnect(connID)
}

func (h *Handler) disconnect(connID string) {
	if _, ok := h.rooms.Conn(connID); !ok {
		return
	}
	h.rooms.Detach(connID)
	h.metrics.ConnectionClosed()

	doc, ok := h.registry.DropConnection(connID)
	if ok {
		h.commitPresence(doc)
	}
	h.metrics.SetBoundConnections(h.registry.Len())
	h.logger.Debug("connection closed", "conn", connID, "document", doc)
}

// HandleFrame decodes and dispatches one inbound frame. Failures are
// reported to connID only.
func (h *Handler) HandleFrame(connID string, frame []byte) {
	defer h.flushDrops()

	env, err := protocol.DecodeInbound(frame)
	if err != nil {
		h.fail(connID, env.Event, "", err)
		return
	}

	clientRef, err := h.dispatch(connID, env)
	if err != nil {
		h.fail(connID, env.Event, clientRef, err)
		return
	}
	h.metrics.Event(env.Event, "ok")
}

func (h *Handler) dispatch(connID string, env protocol.Envelope) (string, error) {
	switch env.Event {
	case protocol.EventUserJoin:
		var p protocol.JoinPayload
		if err := env.Unmarshal(&p); err != nil {
			return "", err
		}
		return "", h.join(connID, p)

	case protocol.EventUserLeave:
		var p protocol.LeavePayload
		if len(env.Data) > 0 {
			if err := env.Unmarshal(&p); err != nil {
				return "", err
			}
		}
		h.leave(connID, p)
		return "", nil

	case protocol.EventCommentAdd:
		var d annotation.Draft
		if err := env.Unmarshal(&d); err != nil {
			return "", err
		}
		_, err := h.createAnnotation(connID, d)
		return d.ClientRef, err

	case protocol.EventCommentUpdate:
		var req protocol.CommentUpdateRequest
		if err := env.Unmarshal(&req); err != nil {
			return "", err
		}
		_, err := h.updateAnnotation(connID, req.CommentID, req.Body)
		return "", err

	case protocol.EventCommentDelete:
		var p protocol.CommentDeletePayload
		if err := env.Unmarshal(&p); err != nil {
			return "", err
		}
		return "", h.deleteAnnotation(connID, p.CommentID)

	case protocol.EventPageChange:
		var p protocol.PageChangePayload
		if err := env.Unmarshal(&p); err != nil {
			return "", err
		}
		return "", h.pageChange(connID, p.PageNumber)
	}

	return "", fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, env.Event)
}

// Join binds connID to a document. The joiner first receives the complete
// annotation list, then the whole room (joiner included) receives the new
// presence snapshot. Joining while bound elsewhere leaves the old room first.
func (h *Handler) Join(connID string, p protocol.JoinPayload) error {
	defer h.flushDrops()
	return h.join(connID, p)
}

func (h *Handler) join(connID string, p protocol.JoinPayload) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	if p.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalid)
	}
	if _, ok := h.rooms.Conn(connID); !ok {
		return fmt.Errorf("join from unknown connection %s", connID)
	}

	participant := presence.Participant{
		ID:          p.UserID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
	}
	previous, rebound := h.registry.Join(connID, participant, p.DocumentID)
	if rebound && previous != p.DocumentID {
		h.logger.Info("connection switched documents",
			"conn", connID, "from", previous, "to", p.DocumentID)
		h.commitPresence(previous)
	}

	snapshot := protocol.CommentsSyncPayload{
		DocumentID: p.DocumentID,
		Comments:   h.store.List(p.DocumentID),
	}
	sent, err := h.rooms.SendTo(connID, protocol.EventCommentsSync, snapshot, h.rooms.Seq(p.DocumentID))
	if err != nil {
		return err
	}
	if !sent {
		h.drops = append(h.drops, connID)
	}

	h.commitPresence(p.DocumentID)
	h.metrics.SetBoundConnections(h.registry.Len())

	h.logger.Info("participant joined",
		"conn", connID, "user", p.UserID, "document", p.DocumentID,
		"annotations", len(snapshot.Comments))
	return nil
}

// Leave unbinds connID. Leaving while unbound is not an error.
func (h *Handler) Leave(connID string) {
	defer h.flushDrops()
	h.leave(connID, protocol.LeavePayload{})
}

func (h *Handler) leave(connID string, p protocol.LeavePayload) {
	doc, ok := h.registry.Leave(connID)
	if !ok {
		return
	}
	if p.DocumentID != "" && p.DocumentID != doc {
		h.logger.Warn("leave named a different document",
			"conn", connID, "bound", doc, "requested", p.DocumentID)
	}

	h.commitPresence(doc)
	h.metrics.SetBoundConnections(h.registry.Len())
	h.logger.Info("participant left", "conn", connID, "document", doc)
}

// CreateAnnotation stores a draft from a joined connection and sends the
// canonical record to the whole room, sender included, so the sender can
// swap its optimistic copy for it.
func (h *Handler) CreateAnnotation(connID string, d annotation.Draft) (annotation.Annotation, error) {
	defer h.flushDrops()
	return h.createAnnotation(connID, d)
}

func (h *Handler) createAnnotation(connID string, d annotation.Draft) (annotation.Annotation, error) {
	b, ok := h.registry.Lookup(connID)
	if !ok {
		return annotation.Annotation{}, ErrUnbound
	}

	// authorship comes from the binding, not from the client
	d.AuthorID = b.Participant.ID
	d.AuthorName = b.Participant.DisplayName
	d.AuthorAvatar = b.Participant.AvatarRef

	return h.addAnnotation(b.DocumentID, d)
}

func (h *Handler) UpdateAnnotation(connID, id, body string) (annotation.Annotation, error) {
	defer h.flushDrops()
	return h.updateAnnotation(connID, id, body)
}

func (h *Handler) updateAnnotation(connID, id, body string) (annotation.Annotation, error) {
	b, ok := h.registry.Lookup(connID)
	if !ok {
		return annotation.Annotation{}, ErrUnbound
	}
	return h.editAnnotation(b.DocumentID, id, body)
}

// DeleteAnnotation removes an annotation from the sender's document. An
// unknown id broadcasts nothing.
func (h *Handler) DeleteAnnotation(connID, id string) error {
	defer h.flushDrops()
	return h.deleteAnnotation(connID, id)
}

func (h *Handler) deleteAnnotation(connID, id string) error {
	b, ok := h.registry.Lookup(connID)
	if !ok {
		return ErrUnbound
	}
	return h.removeAnnotation(b.DocumentID, id)
}

// PageChange relays the sender's current page to the rest of its room.
// Nothing is stored.
func (h *Handler) PageChange(connID string, page int) error {
	defer h.flushDrops()
	return h.pageChange(connID, page)
}

func (h *Handler) pageChange(connID string, page int) error {
	b, ok := h.registry.Lookup(connID)
	if !ok {
		return ErrUnbound
	}
	if page < 1 {
		return fmt.Errorf("%w: pageNumber must be a positive integer, got %d", ErrInvalid, page)
	}

	payload := protocol.PageChangePayload{UserID: b.Participant.ID, PageNumber: page}
	d, err := h.rooms.Broadcast(b.DocumentID, protocol.EventPageChange, payload, connID, 0)
	if err != nil {
		return err
	}
	h.drops = append(h.drops, d.Lagging...)
	return nil
}

// Annotations returns documentID's annotations in creation order.
func (h *Handler) Annotations(documentID string) []annotation.Annotation {
	return h.store.List(documentID)
}

// Presence returns documentID's current presence snapshot.
func (h *Handler) Presence(documentID string) []presence.Participant {
	return h.registry.Participants(documentID)
}

// AddAnnotation creates an annotation outside any connection (the REST
// path) and broadcasts it to the document's room.
func (h *Handler) AddAnnotation(documentID string, d annotation.Draft) (annotation.Annotation, error) {
	defer h.flushDrops()

	if d.AuthorID == "" {
		return annotation.Annotation{}, fmt.Errorf("%w: authorId is required", annotation.ErrInvalid)
	}
	if d.AuthorName == "" {
		d.AuthorName = presence.DefaultDisplayName(d.AuthorID)
	}
	return h.addAnnotation(documentID, d)
}

func (h *Handler) addAnnotation(documentID string, d annotation.Draft) (annotation.Annotation, error) {
	a, err := h.store.Create(documentID, d)
	if err != nil {
		return annotation.Annotation{}, err
	}

	h.commit(documentID, protocol.EventCommentAdd, a)
	h.metrics.SetAnnotations(h.store.Total())
	h.logger.Debug("annotation created",
		"document", documentID, "id", a.ID, "page", a.PageNumber, "author", a.AuthorID)
	return a, nil
}

func (h *Handler) EditAnnotation(documentID, id, body string) (annotation.Annotation, error) {
	defer h.flushDrops()
	return h.editAnnotation(documentID, id, body)
}

func (h *Handler) editAnnotation(documentID, id, body string) (annotation.Annotation, error) {
	a, err := h.store.Update(documentID, id, body)
	if err != nil {
		return annotation.Annotation{}, err
	}
	h.commit(documentID, protocol.EventCommentUpdate, a)
	return a, nil
}

func (h *Handler) RemoveAnnotation(documentID, id string) error {
	defer h.flushDrops()
	return h.removeAnnotation(documentID, id)
}

func (h *Handler) removeAnnotation(documentID, id string) error {
	if err := h.store.Delete(documentID, id); err != nil {
		return err
	}
	h.commit(documentID, protocol.EventCommentDelete, protocol.CommentDeletePayload{CommentID: id})
	h.metrics.SetAnnotations(h.store.Total())
	return nil
}

// PurgeDocument drops every annotation of a deleted document and resets the
// room's caches with an empty snapshot.
func (h *Handler) PurgeDocument(documentID string) int {
	defer h.flushDrops()

	n := h.store.Purge(documentID)
	h.commit(documentID, protocol.EventCommentsSync, protocol.CommentsSyncPayload{
		DocumentID: documentID,
		Comments:   []annotation.Annotation{},
	})
	h.metrics.SetAnnotations(h.store.Total())
	h.logger.Info("document purged", "document", documentID, "annotations", n)
	return n
}

type Stats struct {
	Connections      int            `json:"connections"`
	BoundConnections int            `json:"boundConnections"`
	Rooms            map[string]int `json:"rooms"`
	Annotations      int            `json:"annotations"`
}

func (h *Handler) Stats() Stats {
	return Stats{
		Connections:      h.rooms.Len(),
		BoundConnections: h.registry.Len(),
		Rooms:            h.registry.ActiveRooms(),
		Annotations:      h.store.Total(),
	}
}

func (h *Handler) commitPresence(documentID string) {
	h.commit(documentID, protocol.EventUsersUpdate, protocol.UsersUpdatePayload{
		Users: h.registry.Participants(documentID),
	})
}

// commit assigns the next room sequence number to a state change and fans it
// out to the entire room.
func (h *Handler) commit(documentID, event string, payload any) {
	seq := h.rooms.NextSeq(documentID)
	d, err := h.rooms.Broadcast(documentID, event, payload, "", seq)
	if err != nil {
		h.logger.Error("broadcast failed", "document", documentID, "event", event, "err", err)
		return
	}
	h.drops = append(h.drops, d.Lagging...)

	if h.sink != nil {
		h.sink.Offer(documentID, event, seq, payload)
	}
}

// flushDrops disconnects every connection that could not keep up. Dropping
// one can announce presence to others and queue more drops.
func (h *Handler) flushDrops() {
	for len(h.drops) > 0 {
		connID := h.drops[0]
		h.drops = h.drops[1:]

		c, ok := h.rooms.Conn(connID)
		if !ok {
			continue
		}
		h.logger.Warn("dropping lagging connection", "conn", connID)
		if cl, ok := c.(closer); ok {
			cl.Close()
		}
		h.disconnect(connID)
	}
}

func (h *Handler) fail(connID, event, clientRef string, err error) {
	code := Code(err)
	h.metrics.Event(eventLabel(event), code)
	h.logger.Debug("event rejected", "conn", connID, "event", event, "code", code, "err", err)

	sent, sendErr := h.rooms.SendTo(connID, protocol.EventError, protocol.ErrorPayload{
		Code:      code,
		Message:   err.Error(),
		Event:     event,
		ClientRef: clientRef,
	}, 0)
	if sendErr != nil {
		h.logger.Error("error reply failed", "conn", connID, "err", sendErr)
		return
	}
	if !sent {
		h.drops = append(h.drops, connID)
	}
}

// Code maps an error to its wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, annotation.ErrInvalid),
		errors.Is(err, ErrInvalid),
		errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeValidation
	case errors.Is(err, annotation.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrUnbound):
		return protocol.CodeUnbound
	case errors.Is(err, protocol.ErrUnknownEvent):
		return protocol.CodeUnknownEvent
	default:
		return protocol.CodeInternal
	}
}

// keeps arbitrary client-chosen event names out of metric labels
func eventLabel(event string) string {
	switch event {
	case protocol.EventUserJoin, protocol.EventUserLeave, protocol.EventCommentAdd,
		protocol.EventCommentUpdate, protocol.EventCommentDelete, protocol.EventPageChange:
		return event
	}
	return "other"
}
