package turn

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/signal-server/pkg/config"
	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/turn/cli"
)

type memStore struct {
	mu      sync.Mutex
	users   map[string]IceUser
	ttls    map[string]time.Duration
	putGate chan struct{}
	delErr  []error
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]IceUser),
		ttls:  make(map[string]time.Duration),
	}
}

func (s *memStore) Put(_ context.Context, user IceUser, ttl time.Duration) error {
	if s.putGate != nil {
		<-s.putGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Name] = user
	s.ttls[user.Name] = ttl
	return nil
}

func (s *memStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delErr) > 0 {
		err := s.delErr[0]
		s.delErr = s.delErr[1:]
		return err
	}
	delete(s.users, name)
	return nil
}

func (s *memStore) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[name]
	return ok
}

func (s *memStore) ttl(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[name]
}

type memKicker struct {
	mu     sync.Mutex
	kicked []string
}

func (k *memKicker) CloseUserSessions(_ context.Context, user string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicked = append(k.kicked, user)
	return nil
}

func (k *memKicker) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.kicked)
}

func newTestProvisioner(store CredentialStore, kicker SessionKicker) *Provisioner {
	return NewProvisioner(config.DefaultConfig().TURN, store, kicker)
}

func sessionFid(t *testing.T) element.Fid {
	t.Helper()
	fid, err := element.ParseFid("conference.alice")
	require.NoError(t, err)
	return fid
}

func TestProvisionerAllocate(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store, &memKicker{})
	defer p.Stop()

	fid := sessionFid(t)
	user, err := p.Allocate(context.Background(), fid, 20*time.Second)
	require.NoError(t, err)
	require.Equal(t, "conference_alice", user.Name)
	require.NotEmpty(t, user.Pass)

	require.True(t, store.has(user.Name))
	require.GreaterOrEqual(t, store.ttl(user.Name), 20*time.Second)

	issued, ok := p.CredentialFor(fid)
	require.True(t, ok)
	require.Equal(t, user, issued)

	servers := p.IceServers(user)
	require.Len(t, servers, 1)
	require.Equal(t, user.Name, servers[0].Username)
	require.Contains(t, servers[0].URLs[0], "turn:")
}

func TestProvisionerDeallocate(t *testing.T) {
	store := newMemStore()
	kicker := &memKicker{}
	p := newTestProvisioner(store, kicker)
	defer p.Stop()

	fid := sessionFid(t)
	user, err := p.Allocate(context.Background(), fid, 20*time.Second)
	require.NoError(t, err)

	p.Deallocate(context.Background(), fid)
	require.False(t, store.has(user.Name))
	require.Equal(t, 1, kicker.count())
	_, ok := p.CredentialFor(fid)
	require.False(t, ok)

	// revoking again is a no-op
	p.Deallocate(context.Background(), fid)
	require.Equal(t, 1, kicker.count())
}

func TestProvisionerRevokeDuringIssuance(t *testing.T) {
	store := newMemStore()
	store.putGate = make(chan struct{})
	kicker := &memKicker{}
	p := newTestProvisioner(store, kicker)
	defer p.Stop()

	fid := sessionFid(t)
	type result struct {
		user IceUser
		err  error
	}
	done := make(chan result, 1)
	go func() {
		user, err := p.Allocate(context.Background(), fid, 20*time.Second)
		done <- result{user, err}
	}()

	// wait until the issuance is in flight, then revoke
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.inflight) == 1
	}, time.Second, 5*time.Millisecond)
	p.Deallocate(context.Background(), fid)

	close(store.putGate)
	res := <-done
	require.ErrorIs(t, res.err, ErrAllocationRevoked)
	require.Empty(t, res.user.Name)

	require.False(t, store.has("conference_alice"))
	require.Equal(t, 1, kicker.count())
	_, ok := p.CredentialFor(fid)
	require.False(t, ok)
}

func TestProvisionerRetriesFailedRevocation(t *testing.T) {
	store := newMemStore()
	store.delErr = []error{
		errors.New("redis down"),
		errors.New("redis down"),
	}
	p := newTestProvisioner(store, &memKicker{})
	defer p.Stop()

	fid := sessionFid(t)
	user, err := p.Allocate(context.Background(), fid, 20*time.Second)
	require.NoError(t, err)

	p.Deallocate(context.Background(), fid)
	require.Eventually(t, func() bool {
		return !store.has(user.Name)
	}, 10*time.Second, 50*time.Millisecond)
}

// psAdmin answers coturn's "ps <user>" with two live sessions.
type psAdmin struct {
	ln net.Listener

	mu       sync.Mutex
	commands []string
}

func newPsAdmin(t *testing.T) *psAdmin {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &psAdmin{ln: ln}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *psAdmin) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			_, _ = conn.Write([]byte("TURN Server admin\n> "))
			r := bufio.NewReader(conn)
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				line = strings.TrimSpace(line)
				f.mu.Lock()
				f.commands = append(f.commands, line)
				f.mu.Unlock()

				var resp string
				if strings.HasPrefix(line, "ps ") {
					resp = "  1) id=007000000000000001, user <conference_alice>:\n" +
						"  2) id=007000000000000002, user <conference_alice>:\n\n" +
						"  Total sessions: 2\n> "
				} else {
					resp = "OK\n> "
				}
				if _, err := conn.Write([]byte(resp)); err != nil {
					return
				}
			}
		}()
	}
}

func (f *psAdmin) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func TestAdminCloseUserSessions(t *testing.T) {
	srv := newPsAdmin(t)
	pool := cli.NewPool(cli.PoolOptions{
		Addr:           srv.ln.Addr().String(),
		MaxSize:        2,
		WaitTimeout:    time.Second,
		ConnectTimeout: time.Second,
		RecycleTimeout: time.Minute,
	})
	defer pool.Close()

	admin := NewAdmin(pool)
	require.NoError(t, admin.CloseUserSessions(context.Background(), "conference_alice"))

	require.Equal(t, []string{
		"ps conference_alice",
		"cs 007000000000000001",
		"cs 007000000000000002",
	}, srv.received())
}
