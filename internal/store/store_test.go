package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Value int `json:"value"`
}

func TestStoreGetMissingFileReturnsZero(t *testing.T) {
	s, err := New[counter](filepath.Join(t.TempDir(), "c.json"))
	require.NoError(t, err)

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, got.Value)
}

func TestStoreMutatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	s, err := New[counter](path)
	require.NoError(t, err)

	_, err = s.Mutate(func(c counter) (counter, error) {
		c.Value++
		return c, nil
	})
	require.NoError(t, err)

	reopened, err := New[counter](path)
	require.NoError(t, err)
	got, err := reopened.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
}

func TestStoreMutateErrorAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	s, err := New[counter](path)
	require.NoError(t, err)

	_, _ = s.Mutate(func(c counter) (counter, error) {
		c.Value = 5
		return c, assert.AnError
	})

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, got.Value, "aborted mutation must not persist")
}
