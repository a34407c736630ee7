package mesh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcwire/mesh/internal/config"
	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/receive"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "identity"), []byte("alice\n"), 0o600))

	cfg := &config.Config{AgentName: "alice", StateDir: dir}
	cfg.Listen.HookAddr = ":0"
	cfg.Listen.ControlAddr = "127.0.0.1:0"
	cfg.Timing.MaxDeadLetters = 10
	cfg.Timing.ReplayWindowSeconds = 300
	cfg.Timing.MaxSessionMessages = 10
	cfg.Timing.SessionTTLHours = 24
	cfg.Timing.DrainIntervalSeconds = 60
	cfg.Timing.ProbeIntervalSeconds = 60
	cfg.Timing.SweepIntervalSeconds = 60

	n, err := Open(cfg, receive.NullHostHandler{})
	require.NoError(t, err)
	return n
}

func TestOpenWiresAllComponents(t *testing.T) {
	n := newTestNode(t)
	require.NotNil(t, n.Send)
	require.NotNil(t, n.Receive)
	require.NotNil(t, n.Conversation)
	require.NotNil(t, n.Session)
	require.NotNil(t, n.Discovery)
	require.NotNil(t, n.Drainer)
	require.Equal(t, "alice", n.Registry.Self())
}

func TestAwaitFulfillRoundTrip(t *testing.T) {
	n := newTestNode(t)
	done := make(chan struct{})
	go func() {
		env, err := n.Await(context.Background(), "corr-1")
		require.NoError(t, err)
		require.Equal(t, "corr-1", env.CorrelationID)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n.waitersMu.Lock()
		defer n.waitersMu.Unlock()
		_, ok := n.waiters["corr-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	n.Fulfill("corr-1", &envelope.Envelope{CorrelationID: "corr-1"})
	<-done
}
