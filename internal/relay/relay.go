// Package relay mirrors committed room events onto Redis pub/sub so other
// processes can follow a document without holding a websocket.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the part of *redis.Client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Event is the message published for one room event.
type Event struct {
	DocumentID string          `json:"documentId"`
	Event      string          `json:"event"`
	Seq        uint64          `json:"seq"`
	Data       json.RawMessage `json:"data,omitempty"`
	At         time.Time       `json:"at"`
}

type Relay struct {
	client Publisher
	prefix string
	queue  chan Event
	logger *slog.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

func New(client Publisher, prefix string, buffer int, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{
		client: client,
		prefix: prefix,
		queue:  make(chan Event, buffer),
		logger: logger,
	}
}

// Channel is the pub/sub channel for documentID.
func (r *Relay) Channel(documentID string) string {
	return r.prefix + documentID
}

// Offer queues an event for publishing. It never blocks: when the queue is
// full the event is dropped and counted.
func (r *Relay) Offer(documentID, event string, seq uint64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("relay encode failed", "document", documentID, "event", event, "err", err)
		return
	}

	select {
	case r.queue <- Event{DocumentID: documentID, Event: event, Seq: seq, Data: data, At: time.Now().UTC()}:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("relay queue full, dropping events", "dropped", r.dropped.Load())
		}
	}
}

// Run publishes queued events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "prefix", r.prefix)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			r.publish(ctx, ev)
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("relay encode failed", "err", err)
		return
	}
	if err := r.client.Publish(ctx, r.Channel(ev.DocumentID), msg).Err(); err != nil {
		if r.failed.Add(1)%100 == 1 {
			r.logger.Warn("relay publish failed", "document", ev.DocumentID, "event", ev.Event, "err", err)
		}
	}
}

// Dropped is the number of events discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Failed is the number of events Redis refused.
func (r *Relay) Failed() int64 { return r.failed.Load() }

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Follow subscribes to documentID's channel and calls fn for each event
// until ctx is cancelled.
func Follow(ctx context.Context, rdb *redis.Client, prefix, documentID string, fn func(Event)) error {
	sub := rdb.Subscribe(ctx, prefix+documentID)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}
