package reconcile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/protocol"
)

// LocalIDPrefix marks annotations that exist only on this peer so far.
const LocalIDPrefix = "local:"

// Reconciler is a peer's cache of one document's annotations and presence.
// Server events are applied idempotently; optimistic local entries are kept
// apart until their canonical echo arrives.
type Reconciler struct {
	mu sync.RWMutex

	documentID string
	canonical  map[string]annotation.Annotation
	// clientRef -> optimistic entry, plus insertion order
	pending      map[string]annotation.Annotation
	pendingOrder []string
	participants []presence.Participant

	synced  bool
	lastSeq uint64
	stale   bool
}

func New() *Reconciler {
	return &Reconciler{
		canonical: make(map[string]annotation.Annotation),
		pending:   make(map[string]annotation.Annotation),
	}
}

// ApplyCreate inserts a, or overwrites the entry with the same id. A pending
// optimistic entry with a's clientRef is replaced by it.
func (r *Reconciler) ApplyCreate(a annotation.Annotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(a)
}

// ApplyUpdate overwrites a, inserting it when it was never seen so that a
// missed create heals itself.
func (r *Reconciler) ApplyUpdate(a annotation.Annotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(a)
}

func (r *Reconciler) upsert(a annotation.Annotation) {
	if a.ClientRef != "" {
		r.dropPending(a.ClientRef)
	}
	r.canonical[a.ID] = a
}

func (r *Reconciler) ApplyDelete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.canonical, id)
}

// ApplySync replaces the whole cache with the server's list. Pending entries
// are discarded as well: afterwards the cache equals list exactly.
func (r *Reconciler) ApplySync(documentID string, list []annotation.Annotation, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.documentID = documentID
	r.canonical = make(map[string]annotation.Annotation, len(list))
	for _, a := range list {
		r.canonical[a.ID] = a
	}
	r.pending = make(map[string]annotation.Annotation)
	r.pendingOrder = nil
	r.synced = true
	r.lastSeq = seq
	r.stale = false
}

// ApplyPresence replaces the participant list.
func (r *Reconciler) ApplyPresence(users []presence.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = append([]presence.Participant(nil), users...)
}

// AddOptimistic records a local draft before the server has seen it and
// returns the provisional entry. The draft's ClientRef is filled in when
// empty; send the returned draft to the server.
func (r *Reconciler) AddOptimistic(d annotation.Draft) (annotation.Draft, annotation.Annotation) {
	if d.ClientRef == "" {
		d.ClientRef = uuid.NewString()
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	a := annotation.Annotation{
		ID:           LocalIDPrefix + d.ClientRef,
		DocumentID:   r.documentID,
		PageNumber:   d.PageNumber,
		AuthorID:     d.AuthorID,
		AuthorName:   d.AuthorName,
		AuthorAvatar: d.AuthorAvatar,
		Body:         d.Body,
		CreatedAt:    now,
		UpdatedAt:    now,
		Position:     d.Position,
		ClientRef:    d.ClientRef,
	}
	if _, exists := r.pending[d.ClientRef]; !exists {
		r.pendingOrder = append(r.pendingOrder, d.ClientRef)
	}
	r.pending[d.ClientRef] = a
	return d, a
}

// Reject drops the optimistic entry the server refused.
func (r *Reconciler) Reject(clientRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropPending(clientRef)
}

func (r *Reconciler) dropPending(clientRef string) {
	if _, ok := r.pending[clientRef]; !ok {
		return
	}
	delete(r.pending, clientRef)
	for i, ref := range r.pendingOrder {
		if ref == clientRef {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}
}

// Apply routes a server frame to the matching operation and tracks the room
// sequence. A gap marks the cache stale; rejoin to resync.
func (r *Reconciler) Apply(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventCommentsSync:
		var p protocol.CommentsSyncPayload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		r.ApplySync(p.DocumentID, p.Comments, env.Seq)
		return nil

	case protocol.EventUsersUpdate:
		var p protocol.UsersUpdatePayload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		r.ApplyPresence(p.Users)

	case protocol.EventCommentAdd, protocol.EventCommentUpdate:
		var a annotation.Annotation
		if err := env.Unmarshal(&a); err != nil {
			return err
		}
		if env.Event == protocol.EventCommentAdd {
			r.ApplyCreate(a)
		} else {
			r.ApplyUpdate(a)
		}

	case protocol.EventCommentDelete:
		var p protocol.CommentDeletePayload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		r.ApplyDelete(p.CommentID)

	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := env.Unmarshal(&p); err != nil {
			return err
		}
		if p.ClientRef != "" {
			r.Reject(p.ClientRef)
		}
		return nil

	case protocol.EventPageChange:
		return nil

	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, env.Event)
	}

	r.observeSeq(env.Seq)
	return nil
}

func (r *Reconciler) observeSeq(seq uint64) {
	if seq == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !r.synced:
		// events before the first snapshot are superseded by it
	case seq <= r.lastSeq:
		// duplicate delivery
	case seq != r.lastSeq+1:
		r.stale = true
		r.lastSeq = seq
	default:
		r.lastSeq = seq
	}
}

// NeedsResync reports a missed room event since the last snapshot.
func (r *Reconciler) NeedsResync() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}

func (r *Reconciler) DocumentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.documentID
}

// Annotations is the rendered view: canonical entries by createdAt then id,
// followed by pending entries in the order they were added.
func (r *Reconciler) Annotations() []annotation.Annotation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]annotation.Annotation, 0, len(r.canonical)+len(r.pending))
	for _, a := range r.canonical {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	for _, ref := range r.pendingOrder {
		out = append(out, r.pending[ref])
	}
	return out
}

// OnPage filters the rendered view to one page.
func (r *Reconciler) OnPage(page int) []annotation.Annotation {
	var out []annotation.Annotation
	for _, a := range r.Annotations() {
		if a.PageNumber == page {
			out = append(out, a)
		}
	}
	return out
}

func (r *Reconciler) Participants() []presence.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]presence.Participant(nil), r.participants...)
}

// Pending is the number of optimistic entries awaiting their echo.
func (r *Reconciler) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
