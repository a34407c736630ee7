// Package store provides a generic, file-backed typed accessor used for
// every piece of node-local durable state (circuits, dead-letters,
// peer-health, routing table, conversations, sessions). Each Store wraps
// one JSON file under the state root, guarded by an exclusive file lock
// for its read-modify-write critical section, with atomic replace via
// temp-file + rename.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Store is a typed JSON file accessor for T. Zero value of T is used when
// the file does not yet exist.
type Store[T any] struct {
	path string
	lock *flock.Flock
}

// New returns a Store backed by path. The parent directory is created if
// missing.
func New[T any](path string) (*Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	return &Store[T]{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Get loads and returns the current value without holding the lock across
// the call boundary.
func (s *Store[T]) Get() (T, error) {
	var out T
	if err := s.lock.Lock(); err != nil {
		return out, fmt.Errorf("store: lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock()
	return s.readLocked()
}

// Snapshot is an alias for Get kept for readability at call sites that
// want a read-only copy of the current state.
func (s *Store[T]) Snapshot() (T, error) {
	return s.Get()
}

// Mutate loads the current value, applies fn, and atomically persists the
// (possibly modified) result while holding the store's exclusive lock for
// the entire read-modify-write. fn may return an error to abort the
// mutation without writing.
func (s *Store[T]) Mutate(fn func(current T) (T, error)) (T, error) {
	var zero T
	if err := s.lock.Lock(); err != nil {
		return zero, fmt.Errorf("store: lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	current, err := s.readLocked()
	if err != nil {
		return zero, err
	}
	next, err := fn(current)
	if err != nil {
		return zero, err
	}
	if err := s.writeLocked(next); err != nil {
		return zero, err
	}
	return next, nil
}

func (s *Store[T]) readLocked() (T, error) {
	var out T
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("store: decode %s: %w", s.path, err)
	}
	return out, nil
}

func (s *Store[T]) writeLocked(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp %s: %w", s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename %s: %w", s.path, err)
	}
	return nil
}
