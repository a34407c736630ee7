// Package nonce implements the replay-protection log: an append-mostly
// record of (arrival time, nonce) pairs, trimmed beyond twice the replay
// window.
package nonce

import (
	"time"

	"github.com/arcwire/mesh/internal/store"
)

// DefaultWindow is the acceptance window for a nonce's message timestamp.
const DefaultWindow = 300 * time.Second

// MaxClockSkew bounds how far into the future a timestamp may be.
const MaxClockSkew = 60 * time.Second

// entry is one recorded nonce sighting.
type entry struct {
	Nonce      string    `json:"nonce"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// log is the persisted shape: a slice kept roughly in arrival order.
type log = []entry

// Log tracks seen nonces to reject replayed envelopes.
type Log struct {
	store  *store.Store[log]
	window time.Duration
	now    func() time.Time
}

// New wraps a Store[log] at path with the given replay window (0 uses
// DefaultWindow).
func New(path string, window time.Duration) (*Log, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	s, err := store.New[log](path)
	if err != nil {
		return nil, err
	}
	return &Log{store: s, window: window, now: time.Now}, nil
}

// CheckAndRecord evaluates a nonce/timestamp pair per the inbound
// validation sequence: reject if already seen, if the message is older
// than the replay window, or if its timestamp is more than MaxClockSkew in
// the future. On acceptance the nonce is recorded with the node's current
// time.
func (l *Log) CheckAndRecord(value string, msgTimestamp time.Time) (accepted bool, err error) {
	now := l.now()
	if msgTimestamp.After(now.Add(MaxClockSkew)) {
		return false, nil
	}
	if now.Sub(msgTimestamp) > l.window {
		return false, nil
	}

	_, mutateErr := l.store.Mutate(func(entries log) (log, error) {
		for _, e := range entries {
			if e.Nonce == value {
				accepted = false
				return entries, nil
			}
		}
		accepted = true
		entries = append(entries, entry{Nonce: value, ReceivedAt: now})
		entries = compact(entries, now, l.window)
		return entries, nil
	})
	if mutateErr != nil {
		return false, mutateErr
	}
	return accepted, nil
}

// compact drops entries older than twice the replay window.
func compact(entries log, now time.Time, window time.Duration) log {
	cutoff := now.Add(-2 * window)
	kept := entries[:0]
	for _, e := range entries {
		if e.ReceivedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
