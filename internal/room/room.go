package room

import (
	"fmt"

	"github.com/manpreetbhatti/folio/internal/metrics"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/protocol"
)

// Conn is the outbound half of a live connection.
type Conn interface {
	ID() string
	// Send queues a frame without blocking and reports whether it fit.
	Send(frame []byte) bool
}

// Delivery reports the outcome of one fan-out.
type Delivery struct {
	Delivered int
	// connections whose buffer was full; they missed the frame
	Lagging []string
}

// Broadcaster routes frames to the connections the registry binds to a
// document. Room membership is always read from the registry, never cached.
//
// Not safe for concurrent use; the hub event loop owns it.
type Broadcaster struct {
	registry *presence.Registry
	conns    map[string]Conn
	seqs     map[string]uint64
	metrics  *metrics.Metrics
}

func NewBroadcaster(registry *presence.Registry, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		conns:    make(map[string]Conn),
		seqs:     make(map[string]uint64),
		metrics:  m,
	}
}

// Attach makes c reachable by id. Called on transport connect.
func (b *Broadcaster) Attach(c Conn) {
	b.conns[c.ID()] = c
}

func (b *Broadcaster) Detach(connID string) {
	delete(b.conns, connID)
}

func (b *Broadcaster) Conn(connID string) (Conn, bool) {
	c, ok := b.conns[connID]
	return c, ok
}

// Len is the number of attached connections, bound or not.
func (b *Broadcaster) Len() int {
	return len(b.conns)
}

// NextSeq advances and returns documentID's room sequence.
func (b *Broadcaster) NextSeq(documentID string) uint64 {
	b.seqs[documentID]++
	return b.seqs[documentID]
}

// Seq is the last sequence number committed in documentID's room.
func (b *Broadcaster) Seq(documentID string) uint64 {
	return b.seqs[documentID]
}

// Broadcast sends event to every connection bound to documentID except
// exclude (which may be empty). The payload is encoded once.
func (b *Broadcaster) Broadcast(documentID, event string, payload any, exclude string, seq uint64) (Delivery, error) {
	frame, err := protocol.Encode(event, payload, seq)
	if err != nil {
		return Delivery{}, err
	}

	var d Delivery
	for _, id := range b.registry.Connections(documentID) {
		if id == exclude {
			continue
		}
		c, ok := b.conns[id]
		if !ok {
			continue
		}
		if c.Send(frame) {
			d.Delivered++
		} else {
			d.Lagging = append(d.Lagging, id)
		}
	}

	b.metrics.Delivered(d.Delivered)
	b.metrics.Dropped(len(d.Lagging))
	return d, nil
}

// SendTo delivers event to a single connection. It reports false when the
// connection is unknown or its buffer is full.
func (b *Broadcaster) SendTo(connID, event string, payload any, seq uint64) (bool, error) {
	c, ok := b.conns[connID]
	if !ok {
		return false, nil
	}

	frame, err := protocol.Encode(event, payload, seq)
	if err != nil {
		return false, fmt.Errorf("send to %s: %w", connID, err)
	}

	if !c.Send(frame) {
		b.metrics.Dropped(1)
		return false, nil
	}
	b.metrics.Delivered(1)
	return true, nil
}
