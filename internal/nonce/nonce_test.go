package nonce

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectsReplayedNonce(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "seen-nonces.log"), 0)
	require.NoError(t, err)

	now := time.Now()
	ok, err := l.CheckAndRecord("n1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CheckAndRecord("n1", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "second delivery of the same nonce must be rejected")
}

func TestRejectsStaleTimestamp(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "seen-nonces.log"), 5*time.Minute)
	require.NoError(t, err)

	ok, err := l.CheckAndRecord("n1", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRejectsFutureBeyondSkew(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "seen-nonces.log"), 5*time.Minute)
	require.NoError(t, err)

	ok, err := l.CheckAndRecord("n1", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}
