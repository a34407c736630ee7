package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "signing"), filepath.Join(dir, "encryption"))
}

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSigningKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("bob", testKey(0xAB)))

	key, ok, err := s.SigningKey("bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testKey(0xAB), key)
}

func TestSigningKeyMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	key, ok, err := s.SigningKey("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, key)
}

func TestEncryptionKeyFallsBackToFleetKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutEncryptionKey("fleet", testKey(0x01)))

	key, ok, err := s.EncryptionKey("carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testKey(0x01), key)
}

func TestEncryptionKeyPrefersPerPeerOverFleet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutEncryptionKey("fleet", testKey(0x01)))
	require.NoError(t, s.PutEncryptionKey("dave", testKey(0x02)))

	key, ok, err := s.EncryptionKey("dave")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testKey(0x02), key)
}

func TestPutRejectsWrongKeySize(t *testing.T) {
	s := newTestStore(t)
	err := s.Put("bob", []byte("too-short"))
	assert.Error(t, err)
}
