package discovery

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/mesh/internal/registry"
)

func TestElectPicksRelayWhenHubUnreachable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "identity"), []byte("alice\n"), 0o600))
	reg, err := registry.Load(filepath.Join(dir, "identity"), filepath.Join(dir, "agent-registry.json"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	require.NoError(t, reg.Put("hub", registry.Peer{IP: "10.0.0.99", Port: 1, Role: registry.RoleHub}))
	require.NoError(t, reg.Put("relay1", registry.Peer{IP: "127.0.0.1", Port: port, Role: registry.RoleRelay}))

	d, err := New(reg, filepath.Join(dir, "peer-health.json"), filepath.Join(dir, "routing-table.json"))
	require.NoError(t, err)

	_, err = d.Probe()
	require.NoError(t, err)

	rt, err := d.Elect()
	require.NoError(t, err)
	assert.Equal(t, "relay1", rt.Relay)
}
