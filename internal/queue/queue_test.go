package queue

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/registry"
)

// loopbackListener is a bare TCP listener used to make probeLive's dial
// check succeed without a real meshd on the other end.
type loopbackListener struct {
	net.Listener
	port int
}

func newLoopbackListener(t *testing.T) (*loopbackListener, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &loopbackListener{Listener: ln, port: port}, nil
}

func newTestQueue(t *testing.T, maxSize int) *Queue {
	t.Helper()
	q, err := New(filepath.Join(t.TempDir(), "dead-letters.json"), maxSize)
	require.NoError(t, err)
	return q
}

func envFor(to string, ttl int64) *envelope.Envelope {
	env, _ := envelope.New("alice", to, envelope.TypeRequest, "count", "hello", ttl)
	return env
}

func TestPushAddsDeadLetter(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Push(DeadLetter{ID: "1", To: "bob", FailReason: "timeout", Envelope: envFor("bob", 60)}))

	letters, err := q.List()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "1", letters[0].ID)
}

func TestPushDropsOldestAtCapacity(t *testing.T) {
	q := newTestQueue(t, 2)
	require.NoError(t, q.Push(DeadLetter{ID: "1", To: "bob", Envelope: envFor("bob", 60)}))
	require.NoError(t, q.Push(DeadLetter{ID: "2", To: "bob", Envelope: envFor("bob", 60)}))
	require.NoError(t, q.Push(DeadLetter{ID: "3", To: "bob", Envelope: envFor("bob", 60)}))

	letters, err := q.List()
	require.NoError(t, err)
	require.Len(t, letters, 2)
	ids := []string{letters[0].ID, letters[1].ID}
	assert.ElementsMatch(t, []string{"2", "3"}, ids)
}

func TestPurgeRemovesExpiredEnvelopes(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Push(DeadLetter{ID: "expired", To: "bob", Envelope: envFor("bob", 1)}))
	require.NoError(t, q.Push(DeadLetter{ID: "fresh", To: "bob", Envelope: envFor("bob", 3600)}))

	removed, err := q.Purge(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	letters, err := q.List()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "fresh", letters[0].ID)
}

func TestPurgeLeavesUnexpiredEnvelopesAlone(t *testing.T) {
	q := newTestQueue(t, 10)
	require.NoError(t, q.Push(DeadLetter{ID: "fresh", To: "bob", Envelope: envFor("bob", 3600)}))

	removed, err := q.Purge(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

type fakeReplayer struct {
	replayed []string
	fail     map[string]bool
}

func (f *fakeReplayer) Replay(ctx context.Context, env *envelope.Envelope) error {
	if f.fail[env.To] {
		return assert.AnError
	}
	f.replayed = append(f.replayed, env.ID)
	return nil
}

func newTestRegistry(t *testing.T, self string, peers map[string]registry.Peer) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	identityPath := filepath.Join(dir, "identity")
	require.NoError(t, os.WriteFile(identityPath, []byte(self), 0o600))
	reg, err := registry.Load(identityPath, filepath.Join(dir, "agent-registry.json"))
	require.NoError(t, err)
	for name, p := range peers {
		require.NoError(t, reg.Put(name, p))
	}
	return reg
}

func TestDrainerTickReplaysAgainstLiveTarget(t *testing.T) {
	reg := newTestRegistry(t, "alice", map[string]registry.Peer{
		"bob": {IP: "127.0.0.1", Port: 1, Token: "bob-token"},
	})
	// Port 1 on loopback is never a live listener in this sandbox, so
	// replace the probe target with a real listener to exercise the
	// liveness-gated replay path.
	ln, err := newLoopbackListener(t)
	require.NoError(t, err)
	defer ln.Close()
	require.NoError(t, reg.Put("bob", registry.Peer{IP: "127.0.0.1", Port: ln.port, Token: "bob-token"}))

	q := newTestQueue(t, 10)
	env := envFor("bob", 3600)
	env.ID = "dl-1"
	require.NoError(t, q.Push(DeadLetter{ID: "dl-1", To: "bob", Envelope: env}))

	replayer := &fakeReplayer{fail: map[string]bool{}}
	d := NewDrainer(q, reg, replayer, time.Minute, slog.Default())

	require.NoError(t, d.Tick(context.Background()))

	assert.Contains(t, replayer.replayed, "dl-1")
	letters, err := q.List()
	require.NoError(t, err)
	assert.Empty(t, letters)

	total, err := q.TotalReplayed()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestDrainerTickSkipsUnreachableTarget(t *testing.T) {
	reg := newTestRegistry(t, "alice", map[string]registry.Peer{
		"bob": {IP: "127.0.0.1", Port: 1, Token: "bob-token"},
	})
	q := newTestQueue(t, 10)
	env := envFor("bob", 3600)
	env.ID = "dl-1"
	require.NoError(t, q.Push(DeadLetter{ID: "dl-1", To: "bob", Envelope: env}))

	replayer := &fakeReplayer{fail: map[string]bool{}}
	d := NewDrainer(q, reg, replayer, time.Minute, slog.Default())

	require.NoError(t, d.Tick(context.Background()))

	assert.Empty(t, replayer.replayed)
	letters, err := q.List()
	require.NoError(t, err)
	require.Len(t, letters, 1)
}

func TestDrainerTickPurgesExpiredBeforeReplay(t *testing.T) {
	reg := newTestRegistry(t, "alice", map[string]registry.Peer{
		"bob": {IP: "127.0.0.1", Port: 1, Token: "bob-token"},
	})
	q := newTestQueue(t, 10)
	env := envFor("bob", 1)
	env.ID = "dl-expired"
	require.NoError(t, q.Push(DeadLetter{ID: "dl-expired", To: "bob", Envelope: env}))

	replayer := &fakeReplayer{fail: map[string]bool{}}
	d := NewDrainer(q, reg, replayer, time.Minute, slog.Default())

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, d.Tick(context.Background()))

	letters, err := q.List()
	require.NoError(t, err)
	assert.Empty(t, letters)
	assert.Empty(t, replayer.replayed)
}
