package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), "circuits.json"), Cooldown)
	require.NoError(t, err)
	return b
}

func TestNewDefaultsCooldownWhenUnset(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "circuits.json"), 0)
	require.NoError(t, err)
	assert.Equal(t, Cooldown, b.cooldown)
}

func TestTripsOpenAfterThreeFailures(t *testing.T) {
	b := newTestBreaker(t)
	for i := 0; i < TripThreshold; i++ {
		require.NoError(t, b.RecordFailure("bob"))
	}
	rec, err := b.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)
	assert.WithinDuration(t, time.Now().Add(Cooldown), rec.OpenUntil, 2*time.Second)

	allowed, err := b.Allow("bob")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHalfOpenAfterCooldownThenCloses(t *testing.T) {
	b := newTestBreaker(t)
	frozen := time.Now()
	b.now = func() time.Time { return frozen }
	for i := 0; i < TripThreshold; i++ {
		require.NoError(t, b.RecordFailure("bob"))
	}

	b.now = func() time.Time { return frozen.Add(Cooldown + time.Second) }
	allowed, err := b.Allow("bob")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, b.RecordSuccess("bob"))
	rec, err := b.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 0, rec.Failures)
}
