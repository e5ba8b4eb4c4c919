package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/protocol"
	"github.com/manpreetbhatti/folio/internal/room"
	"github.com/manpreetbhatti/folio/internal/session"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, context.CancelFunc) {
	t.Helper()
	registry := presence.NewRegistry()
	handler := session.NewHandler(registry, annotation.NewStore(), room.NewBroadcaster(registry, nil))
	hub := NewHub(handler, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return hub, stop
}

func startServer(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub, stop := newTestHub(t, cfg)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload, 0)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// next returns the next frame named event, skipping others.
func (c *testClient) next(event string) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		_, frame, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		env, err := protocol.Decode(frame)
		require.NoError(c.t, err)
		if env.Event == event {
			return env
		}
	}
}

func (c *testClient) join(user, doc string) {
	c.t.Helper()
	c.send(protocol.EventUserJoin, protocol.JoinPayload{UserID: user, DocumentID: doc, DisplayName: user})
	c.next(protocol.EventCommentsSync)
	c.next(protocol.EventUsersUpdate)
}

func users(t *testing.T, env protocol.Envelope) []string {
	t.Helper()
	var p protocol.UsersUpdatePayload
	require.NoError(t, env.Unmarshal(&p))
	ids := make([]string, 0, len(p.Users))
	for _, u := range p.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

func TestJoinSendsSnapshotThenPresence(t *testing.T) {
	_, url := startServer(t, DefaultConfig())
	c := dial(t, url)

	c.send(protocol.EventUserJoin, protocol.JoinPayload{UserID: "u1", DocumentID: "d1"})

	sync := c.next(protocol.EventCommentsSync)
	var snap protocol.CommentsSyncPayload
	require.NoError(t, sync.Unmarshal(&snap))
	assert.Equal(t, "d1", snap.DocumentID)
	assert.Empty(t, snap.Comments)

	update := c.next(protocol.EventUsersUpdate)
	assert.Equal(t, []string{"u1"}, users(t, update))
	assert.EqualValues(t, 1, update.Seq)
}

func TestCommentReachesWholeRoom(t *testing.T) {
	_, url := startServer(t, DefaultConfig())
	alice := dial(t, url)
	bob := dial(t, url)
	carol := dial(t, url)

	alice.join("alice", "d1")
	bob.join("bob", "d1")
	carol.join("carol", "d2")

	alice.send(protocol.EventCommentAdd, annotation.Draft{PageNumber: 2, Body: "typo here", ClientRef: "r1"})

	for _, c := range []*testClient{alice, bob} {
		env := c.next(protocol.EventCommentAdd)
		var a annotation.Annotation
		require.NoError(t, env.Unmarshal(&a))
		assert.Equal(t, "alice", a.AuthorID)
		assert.Equal(t, "r1", a.ClientRef)
		assert.NotEmpty(t, a.ID)
	}

	carol.send(protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 3})
	carol.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := carol.conn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "nothing from d1 may reach d2")
}

func TestDisconnectUpdatesPresence(t *testing.T) {
	hub, url := startServer(t, DefaultConfig())
	alice := dial(t, url)
	bob := dial(t, url)

	alice.join("alice", "d1")
	bob.join("bob", "d1")
	assert.Equal(t, []string{"alice", "bob"}, users(t, alice.next(protocol.EventUsersUpdate)))

	require.NoError(t, bob.conn.Close())
	assert.Equal(t, []string{"alice"}, users(t, alice.next(protocol.EventUsersUpdate)))

	require.Eventually(t, func() bool {
		stats, err := hub.Stats(context.Background())
		return err == nil && stats.Connections == 1
	}, time.Second, 10*time.Millisecond)
	stats, err := hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"d1": 1}, stats.Rooms)
}

func TestMalformedFrameIsReportedToSender(t *testing.T) {
	_, url := startServer(t, DefaultConfig())
	c := dial(t, url)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var p protocol.ErrorPayload
	require.NoError(t, c.next(protocol.EventError).Unmarshal(&p))
	assert.Equal(t, protocol.CodeValidation, p.Code)
}

func TestRateLimitedClientIsTold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.MessageBurst = 1
	_, url := startServer(t, cfg)
	c := dial(t, url)

	c.send(protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 1})
	c.send(protocol.EventPageChange, protocol.PageChangePayload{PageNumber: 1})

	codes := map[string]bool{}
	for i := 0; i < 2; i++ {
		var p protocol.ErrorPayload
		require.NoError(t, c.next(protocol.EventError).Unmarshal(&p))
		codes[p.Code] = true
	}
	assert.True(t, codes[protocol.CodeUnbound])
	assert.True(t, codes[protocol.CodeRateLimited])
}

func TestHubDo(t *testing.T) {
	hub, stop := newTestHub(t, DefaultConfig())
	ctx := context.Background()

	var stats session.Stats
	require.NoError(t, hub.Do(ctx, func(s *session.Handler) error {
		stats = s.Stats()
		return nil
	}))
	assert.Equal(t, 0, stats.Connections)

	want := errors.New("boom")
	assert.ErrorIs(t, hub.Do(ctx, func(*session.Handler) error { return want }), want)

	err := hub.Do(ctx, func(*session.Handler) error { panic("bad handler") })
	assert.ErrorIs(t, err, ErrPanic)

	require.NoError(t, hub.Do(ctx, func(*session.Handler) error { return nil }), "hub survives a panic")

	stop()
	assert.ErrorIs(t, hub.Do(ctx, func(*session.Handler) error { return nil }), ErrStopped)
}

func TestHubDoHonoursContext(t *testing.T) {
	hub, _ := newTestHub(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Do(ctx, func(*session.Handler) error { return nil })
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestClientSendNeverBlocks(t *testing.T) {
	c := &Client{id: "c1", send: make(chan []byte, 1), closed: make(chan struct{})}

	assert.True(t, c.Send([]byte("a")))
	assert.False(t, c.Send([]byte("b")), "buffer full")

	<-c.send
	c.Close()
	c.Close()
	assert.False(t, c.Send([]byte("c")), "closed")
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "http://evil.test", true},
		{"listed", []string{"http://app.test"}, "http://app.test", true},
		{"unlisted", []string{"http://app.test"}, "http://evil.test", false},
		{"no origin header", []string{"http://app.test"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}
