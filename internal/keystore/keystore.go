// Package keystore loads the per-peer signing and encryption keys that
// live under the node's config directory as hex-encoded files, owner-only
// permission.
package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the required key length in bytes for both HMAC signing keys
// and AES-256 encryption keys.
const KeySize = 32

// Store resolves signing and encryption keys by peer name.
type Store struct {
	signingDir    string
	encryptionDir string
}

// New returns a Store rooted at signingDir/encryptionDir.
func New(signingDir, encryptionDir string) *Store {
	return &Store{signingDir: signingDir, encryptionDir: encryptionDir}
}

// SigningKey returns the shared HMAC key for peer, or ok=false if none is
// configured.
func (s *Store) SigningKey(peer string) (key []byte, ok bool, err error) {
	return readHexKey(filepath.Join(s.signingDir, peer+".key"))
}

// EncryptionKey returns the shared AES key for peer, falling back to a
// fleet-wide key file if no per-peer key exists.
func (s *Store) EncryptionKey(peer string) (key []byte, ok bool, err error) {
	key, ok, err = readHexKey(filepath.Join(s.encryptionDir, peer+".key"))
	if err != nil || ok {
		return key, ok, err
	}
	return readHexKey(filepath.Join(s.encryptionDir, "fleet.key"))
}

// Put writes a hex-encoded signing key for peer, creating the directory
// if needed, with owner-only permission.
func (s *Store) Put(peer string, key []byte) error {
	return writeHexKey(filepath.Join(s.signingDir, peer+".key"), key)
}

// PutEncryptionKey writes a hex-encoded encryption key for peer (or
// "fleet" for the shared fleet key).
func (s *Store) PutEncryptionKey(peer string, key []byte) error {
	return writeHexKey(filepath.Join(s.encryptionDir, peer+".key"), key)
}

func readHexKey(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, false, fmt.Errorf("keystore: decode %s: %w", path, err)
	}
	return key, true, nil
}

func writeHexKey(path string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("keystore: key must be %d bytes, got %d", KeySize, len(key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("keystore: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
