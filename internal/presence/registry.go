package presence

import (
	"fmt"
	"sort"
)

// A person viewing a document. Owned by whoever joins; the registry only
// references it.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// DefaultDisplayName is used when a joining connection does not name itself.
func DefaultDisplayName(participantID string) string {
	return fmt.Sprintf("User %s", participantID)
}

// Binding ties one live connection to a participant and a document.
type Binding struct {
	ConnectionID string
	DocumentID   string
	Participant  Participant

	seq uint64
}

// Registry maps connection ids to (participant, document) pairs.
//
// It is not safe for concurrent use: the hub event loop is its only writer
// and reader.
type Registry struct {
	bindings map[string]*Binding
	// document id -> connection ids bound to it
	rooms map[string]map[string]struct{}
	seq   uint64
}

func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]*Binding),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Join binds connID to documentID. A connection that is already bound is
// moved: its old binding is removed first and the old document id is
// returned with rebound set, so the caller can announce the departure.
func (r *Registry) Join(connID string, p Participant, documentID string) (previous string, rebound bool) {
	if old, ok := r.bindings[connID]; ok {
		previous, rebound = old.DocumentID, true
		r.unbind(connID)
	}

	if p.DisplayName == "" {
		p.DisplayName = DefaultDisplayName(p.ID)
	}

	r.seq++
	r.bindings[connID] = &Binding{
		ConnectionID: connID,
		DocumentID:   documentID,
		Participant:  p,
		seq:          r.seq,
	}

	conns, ok := r.rooms[documentID]
	if !ok {
		conns = make(map[string]struct{})
		r.rooms[documentID] = conns
	}
	conns[connID] = struct{}{}

	return previous, rebound
}

// Leave unbinds connID. Unknown connections are ignored.
func (r *Registry) Leave(connID string) (string, bool) {
	b, ok := r.bindings[connID]
	if !ok {
		return "", false
	}
	r.unbind(connID)
	return b.DocumentID, true
}

// DropConnection is Leave for a lost transport.
func (r *Registry) DropConnection(connID string) (string, bool) {
	return r.Leave(connID)
}

func (r *Registry) unbind(connID string) {
	b := r.bindings[connID]
	delete(r.bindings, connID)

	if conns, ok := r.rooms[b.DocumentID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.rooms, b.DocumentID)
		}
	}
}

func (r *Registry) Lookup(connID string) (Binding, bool) {
	b, ok := r.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Connections returns the connections bound to documentID in bind order.
func (r *Registry) Connections(documentID string) []string {
	bound := r.roomBindings(documentID)
	ids := make([]string, len(bound))
	for i, b := range bound {
		ids[i] = b.ConnectionID
	}
	return ids
}

// Participants returns everyone in the room once, ordered by the first
// still-live connection each participant opened.
func (r *Registry) Participants(documentID string) []Participant {
	bound := r.roomBindings(documentID)

	seen := make(map[string]struct{}, len(bound))
	participants := make([]Participant, 0, len(bound))
	for _, b := range bound {
		if _, dup := seen[b.Participant.ID]; dup {
			continue
		}
		seen[b.Participant.ID] = struct{}{}
		participants = append(participants, b.Participant)
	}
	return participants
}

func (r *Registry) roomBindings(documentID string) []*Binding {
	conns := r.rooms[documentID]
	bound := make([]*Binding, 0, len(conns))
	for id := range conns {
		bound = append(bound, r.bindings[id])
	}
	sort.Slice(bound, func(i, j int) bool { return bound[i].seq < bound[j].seq })
	return bound
}

// ActiveRooms returns the number of bound connections per document.
func (r *Registry) ActiveRooms() map[string]int {
	active := make(map[string]int, len(r.rooms))
	for id, conns := range r.rooms {
		active[id] = len(conns)
	}
	return active
}

// Len is the number of bound connections.
func (r *Registry) Len() int {
	return len(r.bindings)
}
