package session

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/protocol"
	"github.com/manpreetbhatti/folio/internal/room"
)

type testConn struct {
	id       string
	capacity int
	frames   [][]byte
	closed   bool
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(frame []byte) bool {
	if c.closed || len(c.frames) >= c.capacity {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *testConn) Close() { c.closed = true }

func (c *testConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (c *testConn) eventsNamed(t *testing.T, name string) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range c.envelopes(t) {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func (c *testConn) last(t *testing.T) protocol.Envelope {
	t.Helper()
	envs := c.envelopes(t)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

func (c *testConn) reset() { c.frames = nil }

type recordingSink struct {
	events []string
	seqs   []uint64
}

func (s *recordingSink) Offer(documentID, event string, seq uint64, payload any) {
	s.events = append(s.events, documentID+" "+event)
	s.seqs = append(s.seqs, seq)
}

type fixture struct {
	h     *Handler
	store *annotation.Store
	sink  *recordingSink
	conns map[string]*testConn
}

func newFixture(t *testing.T, storeOpts ...annotation.Option) *fixture {
	t.Helper()
	reg := presence.NewRegistry()
	store := annotation.NewStore(storeOpts...)
	sink := &recordingSink{}
	h := NewHandler(reg, store, room.NewBroadcaster(reg, nil), WithSink(sink))
	return &fixture{h: h, store: store, sink: sink, conns: make(map[string]*testConn)}
}

func (f *fixture) connect(id string) *testConn {
	c := &testConn{id: id, capacity: 256}
	f.conns[id] = c
	f.h.Connect(c)
	return c
}

func (f *fixture) send(t *testing.T, connID, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload, 0)
	require.NoError(t, err)
	f.h.HandleFrame(connID, frame)
}

func (f *fixture) join(t *testing.T, connID, userID, doc string) {
	t.Helper()
	f.send(t, connID, protocol.EventUserJoin, protocol.JoinPayload{UserID: userID, DocumentID: doc})
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestJoinSendsSnapshotThenPresence(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create("d1", annotation.Draft{PageNumber: 1, Body: "existing"})
	require.NoError(t, err)

	c1 := f.connect("c1")
	f.join(t, "c1", "p1", "d1")

	envs := c1.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.EventCommentsSync, envs[0].Event)
	assert.Equal(t, protocol.EventUsersUpdate, envs[1].Event)

	sync := decode[protocol.CommentsSyncPayload](t, envs[0])
	assert.Equal(t, f.store.List("d1"), sync.Comments)
	assert.Equal(t, "d1", sync.DocumentID)

	users := decode[protocol.UsersUpdatePayload](t, envs[1])
	require.Len(t, users.Users, 1)
	assert.Equal(t, "p1", users.Users[0].ID)
	assert.Equal(t, "User p1", users.Users[0].DisplayName)

	assert.Equal(t, envs[0].Seq+1, envs[1].Seq, "presence follows the snapshot without a gap")
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")

	f.send(t, "c1", protocol.EventUserJoin, protocol.JoinPayload{DocumentID: "d1"})
	errEnv := c1.last(t)
	assert.Equal(t, protocol.EventError, errEnv.Event)
	assert.Equal(t, protocol.CodeValidation, decode[protocol.ErrorPayload](t, errEnv).Code)

	f.send(t, "c1", protocol.EventUserJoin, protocol.JoinPayload{UserID: "p1"})
	assert.Equal(t, protocol.CodeValidation, decode[protocol.ErrorPayload](t, c1.last(t)).Code)
	assert.Empty(t, f.h.Presence(""))
}

// Scenario: join an empty document, create, converge on the server id.
func TestScenarioCreateConvergesOnServerID(t *testing.T) {
	f := newFixture(t, annotation.WithIDGenerator(func() string { return "a1" }))
	c1 := f.connect("c1")
	f.join(t, "c1", "p1", "d1")

	sync := decode[protocol.CommentsSyncPayload](t, c1.eventsNamed(t, protocol.EventCommentsSync)[0])
	assert.Empty(t, sync.Comments)

	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "hi", ClientRef: "tmp-1"})

	adds := c1.eventsNamed(t, protocol.EventCommentAdd)
	require.Len(t, adds, 1, "the sender receives the canonical echo")
	a := decode[annotation.Annotation](t, adds[0])
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, "tmp-1", a.ClientRef)
	assert.Equal(t, "p1", a.AuthorID)
	assert.Equal(t, "User p1", a.AuthorName)
	assert.Equal(t, []annotation.Annotation{a}, f.store.List("d1"))
}

// Scenario: deleting an unknown id broadcasts nothing.
func TestScenarioDeleteUnknownBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	c2 := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	c1.reset()
	c2.reset()
	sinkBefore := len(f.sink.events)

	f.send(t, "c1", protocol.EventCommentDelete, protocol.CommentDeletePayload{CommentID: "zzz"})

	assert.Empty(t, c1.eventsNamed(t, protocol.EventCommentDelete))
	assert.Empty(t, c2.frames, "nothing reaches the other participant")
	errs := c1.eventsNamed(t, protocol.EventError)
	require.Len(t, errs, 1, "only the sender hears about the failure")
	assert.Equal(t, protocol.CodeNotFound, decode[protocol.ErrorPayload](t, errs[0]).Code)
	assert.Len(t, f.sink.events, sinkBefore)
}

// Scenario: a dropped transport is announced to the rest of the room.
func TestScenarioDisconnectAnnouncesDeparture(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	c2 := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	c2.reset()

	f.h.Disconnect("c1")

	updates := c2.eventsNamed(t, protocol.EventUsersUpdate)
	require.Len(t, updates, 1)
	users := decode[protocol.UsersUpdatePayload](t, updates[0])
	require.Len(t, users.Users, 1)
	assert.Equal(t, "p2", users.Users[0].ID)
	assert.Equal(t, 1, f.h.Stats().Connections)
}

func TestPresenceDeduplicatesTabs(t *testing.T) {
	f := newFixture(t)
	var last *testConn
	for i := 0; i < 3; i++ {
		last = f.connect(fmt.Sprintf("tab%d", i))
		f.join(t, last.id, "p1", "d1")
	}

	users := decode[protocol.UsersUpdatePayload](t, last.last(t))
	assert.Len(t, users.Users, 1)

	f.h.Disconnect("tab0")
	users = decode[protocol.UsersUpdatePayload](t, last.last(t))
	assert.Len(t, users.Users, 1, "still online through the other tabs")
}

func TestEventsStayInTheirRoom(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	other := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d2")
	other.reset()

	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "x"})
	f.send(t, "c1", protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 4})
	f.h.Disconnect("c1")

	assert.Empty(t, other.frames)
}

func TestRejoinAnnouncesLeaveToOldRoom(t *testing.T) {
	f := newFixture(t)
	mover := f.connect("c1")
	stayer := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	stayer.reset()
	mover.reset()

	f.join(t, "c1", "p1", "d2")

	updates := stayer.eventsNamed(t, protocol.EventUsersUpdate)
	require.Len(t, updates, 1)
	users := decode[protocol.UsersUpdatePayload](t, updates[0])
	require.Len(t, users.Users, 1)
	assert.Equal(t, "p2", users.Users[0].ID)

	envs := mover.envelopes(t)
	require.Len(t, envs, 2, "mover sees only its new room")
	assert.Equal(t, "d2", decode[protocol.CommentsSyncPayload](t, envs[0]).DocumentID)
	assert.Equal(t, map[string]int{"d1": 1, "d2": 1}, f.h.Stats().Rooms)
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	leaver := f.connect("c1")
	stayer := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	stayer.reset()
	leaver.reset()

	f.send(t, "c1", protocol.EventUserLeave, protocol.LeavePayload{UserID: "p1", DocumentID: "d1"})

	require.Len(t, stayer.eventsNamed(t, protocol.EventUsersUpdate), 1)
	assert.Empty(t, leaver.frames, "the leaver is no longer in the room")

	// second leave is a no-op
	f.send(t, "c1", protocol.EventUserLeave, protocol.LeavePayload{UserID: "p1", DocumentID: "d1"})
	assert.Empty(t, leaver.eventsNamed(t, protocol.EventError))
	assert.Len(t, stayer.eventsNamed(t, protocol.EventUsersUpdate), 1)
}

func TestUnboundConnectionIsRejected(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")

	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "x", ClientRef: "r1"})
	errPayload := decode[protocol.ErrorPayload](t, c1.last(t))
	assert.Equal(t, protocol.CodeUnbound, errPayload.Code)
	assert.Equal(t, "r1", errPayload.ClientRef)
	assert.Equal(t, protocol.EventCommentAdd, errPayload.Event)

	f.send(t, "c1", protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 1})
	assert.Equal(t, protocol.CodeUnbound, decode[protocol.ErrorPayload](t, c1.last(t)).Code)
	assert.Equal(t, 0, f.store.Total())
}

func TestInvalidDraftIsReportedToSenderOnly(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	c2 := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	c2.reset()

	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 0, Body: "x", ClientRef: "r9"})
	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "   "})

	errs := c1.eventsNamed(t, protocol.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "r9", decode[protocol.ErrorPayload](t, errs[0]).ClientRef)
	assert.Empty(t, c2.frames)
	assert.Equal(t, 0, f.store.Total())
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")

	f.h.HandleFrame("c1", []byte("not json"))
	assert.Equal(t, protocol.CodeValidation, decode[protocol.ErrorPayload](t, c1.last(t)).Code)

	f.h.HandleFrame("c1", []byte(`{"event":"users:update","data":{"users":[]}}`))
	assert.Equal(t, protocol.CodeUnknownEvent, decode[protocol.ErrorPayload](t, c1.last(t)).Code)
}

func TestPageChangeExcludesSender(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	c2 := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	c1.reset()
	c2.reset()

	f.send(t, "c1", protocol.EventPageChange, protocol.PageChangePayload{UserID: "spoofed", PageNumber: 5})

	assert.Empty(t, c1.frames)
	envs := c2.eventsNamed(t, protocol.EventPageChange)
	require.Len(t, envs, 1)
	assert.Zero(t, envs[0].Seq, "page changes are not part of the room sequence")
	p := decode[protocol.PageChangePayload](t, envs[0])
	assert.Equal(t, protocol.PageChangePayload{UserID: "p1", PageNumber: 5}, p)

	f.send(t, "c1", protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 0})
	assert.Equal(t, protocol.CodeValidation, decode[protocol.ErrorPayload](t, c1.last(t)).Code)
}

func TestUpdateAndDeleteBroadcastToWholeRoom(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	c2 := f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")

	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 2, Body: "draft"})
	a := f.store.List("d1")[0]

	f.send(t, "c2", protocol.EventCommentUpdate, protocol.CommentUpdateRequest{CommentID: a.ID, Body: "edited"})
	for _, c := range []*testConn{c1, c2} {
		ups := c.eventsNamed(t, protocol.EventCommentUpdate)
		require.Len(t, ups, 1)
		assert.Equal(t, "edited", decode[annotation.Annotation](t, ups[0]).Body)
	}

	f.send(t, "c2", protocol.EventCommentDelete, protocol.CommentDeletePayload{CommentID: a.ID})
	for _, c := range []*testConn{c1, c2} {
		dels := c.eventsNamed(t, protocol.EventCommentDelete)
		require.Len(t, dels, 1)
		assert.Equal(t, a.ID, decode[protocol.CommentDeletePayload](t, dels[0]).CommentID)
	}
	assert.Equal(t, 0, f.store.Count("d1"))
}

func TestRoomSequenceIsGapFreeForMembers(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	f.connect("c2")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	f.send(t, "c2", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "a"})
	f.send(t, "c2", protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 3})
	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "b"})

	var seqs []uint64
	for _, env := range c1.envelopes(t) {
		if env.Event != protocol.EventPageChange {
			seqs = append(seqs, env.Seq)
		}
	}
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i])
	}
	assert.Equal(t, seqs[1:], f.sink.seqs[len(f.sink.seqs)-len(seqs)+1:])
}

func TestLaggingConnectionIsDropped(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	slow := f.connect("c2")
	watcher := f.connect("c3")
	f.join(t, "c1", "p1", "d1")
	f.join(t, "c2", "p2", "d1")
	f.join(t, "c3", "p3", "d1")
	slow.capacity = len(slow.frames)
	watcher.reset()

	f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: 1, Body: "x"})

	assert.True(t, slow.closed)
	assert.NotContains(t, f.h.Stats().Rooms, "")
	assert.Equal(t, 2, f.h.Stats().BoundConnections)

	updates := watcher.eventsNamed(t, protocol.EventUsersUpdate)
	require.Len(t, updates, 1)
	assert.Len(t, decode[protocol.UsersUpdatePayload](t, updates[0]).Users, 2)

	// the transport's own disconnect arriving later is harmless
	f.h.Disconnect("c2")
	assert.Equal(t, 2, f.h.Stats().Connections)
}

func TestRESTPathBroadcasts(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	f.join(t, "c1", "p1", "d1")
	c1.reset()

	_, err := f.h.AddAnnotation("d1", annotation.Draft{PageNumber: 1, Body: "via rest"})
	assert.ErrorIs(t, err, annotation.ErrInvalid, "authorId is required")

	a, err := f.h.AddAnnotation("d1", annotation.Draft{PageNumber: 1, Body: "via rest", AuthorID: "p9"})
	require.NoError(t, err)
	assert.Equal(t, "User p9", a.AuthorName)

	_, err = f.h.EditAnnotation("d1", a.ID, "edited")
	require.NoError(t, err)
	_, err = f.h.EditAnnotation("d1", "nope", "edited")
	assert.ErrorIs(t, err, annotation.ErrNotFound)

	require.NoError(t, f.h.RemoveAnnotation("d1", a.ID))
	assert.ErrorIs(t, f.h.RemoveAnnotation("d1", a.ID), annotation.ErrNotFound)

	events := make([]string, 0)
	for _, env := range c1.envelopes(t) {
		events = append(events, env.Event)
	}
	assert.Equal(t, []string{protocol.EventCommentAdd, protocol.EventCommentUpdate, protocol.EventCommentDelete}, events)
}

func TestPurgeDocumentResetsRoom(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect("c1")
	f.join(t, "c1", "p1", "d1")
	for i := 0; i < 3; i++ {
		f.send(t, "c1", protocol.EventCommentAdd, annotation.Draft{PageNumber: i + 1, Body: "x"})
	}
	c1.reset()

	assert.Equal(t, 3, f.h.PurgeDocument("d1"))
	assert.Empty(t, f.h.Annotations("d1"))

	syncs := c1.eventsNamed(t, protocol.EventCommentsSync)
	require.Len(t, syncs, 1)
	assert.Empty(t, decode[protocol.CommentsSyncPayload](t, syncs[0]).Comments)
}

func TestCode(t *testing.T) {
	assert.Equal(t, protocol.CodeValidation, Code(fmt.Errorf("wrap: %w", annotation.ErrInvalid)))
	assert.Equal(t, protocol.CodeNotFound, Code(annotation.ErrNotFound))
	assert.Equal(t, protocol.CodeUnbound, Code(ErrUnbound))
	assert.Equal(t, protocol.CodeUnknownEvent, Code(protocol.ErrUnknownEvent))
	assert.Equal(t, protocol.CodeInternal, Code(fmt.Errorf("boom")))
}
