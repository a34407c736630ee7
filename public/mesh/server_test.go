package mesh

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/mesh/internal/registry"
)

func TestAuthorizedAllowsEmptyHeader(t *testing.T) {
	n := newTestNode(t)
	s := NewHookServer(n)
	r := httptest.NewRequest("POST", "/hooks/agent", nil)
	assert.True(t, s.authorized(r))
}

func TestAuthorizedAllowsMatchingToken(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Registry.Put("bob", registry.Peer{IP: "127.0.0.1", Port: 1, Token: "bob-token", Role: registry.RolePeer}))
	s := NewHookServer(n)
	r := httptest.NewRequest("POST", "/hooks/agent", nil)
	r.Header.Set("Authorization", "Bearer bob-token")
	assert.True(t, s.authorized(r))
}

func TestAuthorizedRejectsUnknownToken(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Registry.Put("bob", registry.Peer{IP: "127.0.0.1", Port: 1, Token: "bob-token", Role: registry.RolePeer}))
	s := NewHookServer(n)
	r := httptest.NewRequest("POST", "/hooks/agent", nil)
	r.Header.Set("Authorization", "Bearer wrong-token")
	assert.False(t, s.authorized(r))
}
