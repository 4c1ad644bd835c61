package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/service"
	"github.com/relaymesh/signal-server/pkg/turn"
	"github.com/relaymesh/signal-server/pkg/utils"
	"github.com/relaymesh/signal-server/pkg/webhook"
)

type fakeConn struct {
	in     chan *ClientMessage
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []*ServerMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *ClientMessage, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (*ClientMessage, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(msg *ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) ping(n int64) {
	c.in <- &ClientMessage{Ping: &n}
}

func (c *fakeConn) sent() []*ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ServerMessage, len(c.out))
	copy(out, c.out)
	return out
}

func (c *fakeConn) eventTypes() []EventType {
	var types []EventType
	for _, msg := range c.sent() {
		if msg.Event != nil {
			types = append(types, msg.Event.Type)
		}
	}
	return types
}

type fakeCreds struct {
	mu       sync.Mutex
	allocs   int
	deallocs int
}

func (f *fakeCreds) Allocate(_ context.Context, _ element.Fid, _ time.Duration) (turn.IceUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocs++
	return turn.IceUser{Name: "relay-user", Pass: "relay-pass"}, nil
}

func (f *fakeCreds) Deallocate(_ context.Context, _ element.Fid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deallocs++
}

func (f *fakeCreds) IceServers(user turn.IceUser) []turn.IceServer {
	return []turn.IceServer{{URLs: []string{"turn:relay.test:3478"}, Username: user.Name, Credential: user.Pass}}
}

func (f *fakeCreds) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs, f.deallocs
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (f *fakeNotifier) QueueNotify(url string, event webhook.Event) {
	if url == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) kinds() []webhook.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []webhook.EventKind
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (f *fakeNotifier) lastReason() webhook.LeaveReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return ""
	}
	return f.events[len(f.events)-1].Reason
}

type testEnv struct {
	store    *service.PipelineStore
	creds    *fakeCreds
	notifier *fakeNotifier
	manager  *Manager
}

func newTestEnv(t *testing.T, idle, reconnect time.Duration) *testEnv {
	t.Helper()

	store := service.NewPipelineStore()
	_, err := store.Insert(element.RoomFid("conference"), &element.Room{ID: "conference"})
	require.NoError(t, err)
	_, err = store.Insert(element.MemberFid("conference", "alice"), &element.Member{
		ID:               "alice",
		Credentials:      "secret",
		OnJoin:           "http://callback.test/join",
		OnLeave:          "http://callback.test/leave",
		IdleTimeout:      utils.Duration(idle),
		ReconnectTimeout: utils.Duration(reconnect),
		PingInterval:     utils.Duration(50 * time.Millisecond),
	})
	require.NoError(t, err)

	creds := &fakeCreds{}
	notifier := &fakeNotifier{}
	return &testEnv{
		store:    store,
		creds:    creds,
		notifier: notifier,
		manager:  NewManager(store, creds, notifier),
	}
}

func (e *testEnv) connect(t *testing.T, credentials string) (*Session, *fakeConn, error) {
	t.Helper()
	conn := newFakeConn()
	s, err := e.manager.Authenticate(context.Background(), "conference", "alice", credentials, conn)
	return s, conn, err
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, time.Second, time.Second)

	_, _, err := env.connect(t, "wrong")
	require.Error(t, err)
	var svcErr *service.Error
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, service.CodeUnauthenticated, svcErr.Code)

	_, err = env.manager.Authenticate(context.Background(), "conference", "nobody", "secret", newFakeConn())
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond, 100*time.Millisecond)

	s, conn, err := env.connect(t, "secret")
	require.NoError(t, err)
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, []webhook.EventKind{webhook.EventOnJoin}, env.notifier.kinds())

	// the transport is told the heartbeat clocks and its relay credential
	require.Eventually(t, func() bool {
		return len(conn.eventTypes()) >= 2
	}, time.Second, 5*time.Millisecond)
	types := conn.eventTypes()
	require.Equal(t, EventRpcSettingsUpdated, types[0])
	require.Equal(t, EventIceServersUpdated, types[1])

	// silence degrades connected -> idle -> closed
	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.State() == StateClosed
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []webhook.EventKind{webhook.EventOnJoin, webhook.EventOnLeave}, env.notifier.kinds())
	require.Equal(t, webhook.ReasonLostConnection, env.notifier.lastReason())
	_, deallocs := env.creds.counts()
	require.Equal(t, 1, deallocs)
	require.True(t, conn.isClosed())
}

func TestHeartbeatKeepsSessionConnected(t *testing.T) {
	env := newTestEnv(t, 200*time.Millisecond, 200*time.Millisecond)

	s, conn, err := env.connect(t, "secret")
	require.NoError(t, err)

	deadline := time.After(600 * time.Millisecond)
	var n int64
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-time.After(50 * time.Millisecond):
			n++
			conn.ping(n)
		}
	}
	require.Equal(t, StateConnected, s.State())

	// each ping was answered with a matching pong
	var pongs []int64
	for _, msg := range conn.sent() {
		if msg.Pong != nil {
			pongs = append(pongs, *msg.Pong)
		}
	}
	require.NotEmpty(t, pongs)
	require.Equal(t, int64(1), pongs[0])
}

func TestResumeWithinReconnectWindow(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond, time.Minute)

	s1, conn1, err := env.connect(t, "secret")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s1.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	s2, _, err := env.connect(t, "secret")
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, StateConnected, s2.State())

	// resume does not refire on_join or reissue credentials
	require.Equal(t, []webhook.EventKind{webhook.EventOnJoin}, env.notifier.kinds())
	allocs, _ := env.creds.counts()
	require.Equal(t, 1, allocs)

	// the stale transport was evicted on resume
	require.Eventually(t, conn1.isClosed, time.Second, 5*time.Millisecond)
}

func TestDuplicateConnectionEvictsPrior(t *testing.T) {
	env := newTestEnv(t, time.Minute, time.Minute)

	s1, conn1, err := env.connect(t, "secret")
	require.NoError(t, err)

	s2, conn2, err := env.connect(t, "secret")
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, StateConnected, s2.State())

	// the prior transport is evicted without ending the lineage
	require.Eventually(t, conn1.isClosed, time.Second, 5*time.Millisecond)
	require.False(t, conn2.isClosed())
	require.Equal(t, []webhook.EventKind{webhook.EventOnJoin}, env.notifier.kinds())

	// the surviving transport still heartbeats
	conn2.ping(1)
	require.Eventually(t, func() bool {
		for _, msg := range conn2.sent() {
			if msg.Pong != nil {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCloseMemberSessions(t *testing.T) {
	env := newTestEnv(t, time.Minute, time.Minute)

	s, conn, err := env.connect(t, "secret")
	require.NoError(t, err)

	env.manager.CloseMemberSessions([]element.Fid{element.MemberFid("conference", "alice")}, "element deleted")

	require.Equal(t, StateClosed, s.State())
	require.True(t, conn.isClosed())
	require.Equal(t, webhook.ReasonKicked, env.notifier.lastReason())
	_, deallocs := env.creds.counts()
	require.Equal(t, 1, deallocs)

	// the final frame tells the client why
	types := conn.eventTypes()
	require.Equal(t, EventSessionClosed, types[len(types)-1])
}

func TestClosedSessionStartsFreshLineage(t *testing.T) {
	env := newTestEnv(t, time.Minute, time.Minute)

	s1, _, err := env.connect(t, "secret")
	require.NoError(t, err)
	env.manager.CloseMemberSessions([]element.Fid{s1.Fid()}, "kick")
	require.Equal(t, StateClosed, s1.State())

	s2, _, err := env.connect(t, "secret")
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
	require.Equal(t, StateConnected, s2.State())

	require.Equal(t, []webhook.EventKind{
		webhook.EventOnJoin, webhook.EventOnLeave, webhook.EventOnJoin,
	}, env.notifier.kinds())
	allocs, _ := env.creds.counts()
	require.Equal(t, 2, allocs)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	env := newTestEnv(t, time.Minute, time.Minute)

	s, _, err := env.connect(t, "secret")
	require.NoError(t, err)

	env.manager.Shutdown()
	require.Equal(t, StateClosed, s.State())
	require.Equal(t, webhook.ReasonServerShutdown, env.notifier.lastReason())
}

func TestConcurrentAuthenticationsShareLineage(t *testing.T) {
	env := newTestEnv(t, time.Minute, time.Minute)

	const n = 8
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn()
			sessions[i], errs[i] = env.manager.Authenticate(context.Background(), "conference", "alice", "secret", conn)
		}(i)
	}
	wg.Wait()

	// every racer lands on the same lineage: one credential, one on_join
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Same(t, sessions[0], sessions[i])
	}
	allocs, deallocs := env.creds.counts()
	require.Equal(t, 1, allocs)
	require.Equal(t, 0, deallocs)
	require.Equal(t, []webhook.EventKind{webhook.EventOnJoin}, env.notifier.kinds())
}
