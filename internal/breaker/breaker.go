// Package breaker implements a per-peer circuit breaker: closed/open/
// half-open with a cooldown, persisted through internal/store so node
// restarts preserve recent failure history.
package breaker

import (
	"time"

	"github.com/arcwire/mesh/internal/metrics"
	"github.com/arcwire/mesh/internal/store"
)

// State is one circuit's admission-control state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// TripThreshold is the number of consecutive failures that opens a
// circuit.
const TripThreshold = 3

// Cooldown is how long an open circuit stays open before probing again.
const Cooldown = 60 * time.Second

// Record is one peer's circuit state.
type Record struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
	OpenUntil   time.Time `json:"openUntil,omitempty"`
}

// Table persists Record per peer name.
type Table = map[string]Record

// Breaker guards sends to every peer known to this node.
type Breaker struct {
	store    *store.Store[Table]
	now      func() time.Time
	cooldown time.Duration
}

// New wraps a Store[Table] at path. cooldown<=0 falls back to Cooldown.
func New(path string, cooldown time.Duration) (*Breaker, error) {
	if cooldown <= 0 {
		cooldown = Cooldown
	}
	s, err := store.New[Table](path)
	if err != nil {
		return nil, err
	}
	return &Breaker{store: s, now: time.Now, cooldown: cooldown}, nil
}

// Allow reports whether a send to peer may proceed. When the circuit is
// open with an elapsed cooldown it transitions to half-open and allows the
// call; otherwise open short-circuits to false. Half-open does not limit
// traffic to one probe: every call is allowed until RecordSuccess or
// RecordFailure settles the circuit.
func (b *Breaker) Allow(peer string) (bool, error) {
	allowed := false
	transitioned := false
	_, err := b.store.Mutate(func(t Table) (Table, error) {
		if t == nil {
			t = Table{}
		}
		rec := t[peer]
		now := b.now()
		switch rec.State {
		case StateOpen:
			if !rec.OpenUntil.IsZero() && now.After(rec.OpenUntil) {
				rec.State = StateHalfOpen
				t[peer] = rec
				allowed = true
				transitioned = true
			} else {
				allowed = false
			}
		default:
			allowed = true
		}
		return t, nil
	})
	if err == nil && transitioned {
		metrics.CircuitState.WithLabelValues(peer).Set(metrics.CircuitStateValue(string(StateHalfOpen)))
	}
	return allowed, err
}

// RecordSuccess resets the circuit to closed with zero failures.
func (b *Breaker) RecordSuccess(peer string) error {
	_, err := b.store.Mutate(func(t Table) (Table, error) {
		if t == nil {
			t = Table{}
		}
		t[peer] = Record{State: StateClosed, Failures: 0}
		return t, nil
	})
	if err == nil {
		metrics.CircuitState.WithLabelValues(peer).Set(metrics.CircuitStateValue(string(StateClosed)))
	}
	return err
}

// RecordFailure increments the failure count and opens the circuit once
// TripThreshold consecutive failures have been seen. A failure while
// half-open reopens immediately (the probe itself failed).
func (b *Breaker) RecordFailure(peer string) error {
	var state State
	_, err := b.store.Mutate(func(t Table) (Table, error) {
		if t == nil {
			t = Table{}
		}
		rec := t[peer]
		now := b.now()
		rec.Failures++
		rec.LastFailure = now
		if rec.State == StateHalfOpen || rec.Failures >= TripThreshold {
			rec.State = StateOpen
			rec.OpenUntil = now.Add(b.cooldown)
		}
		t[peer] = rec
		state = rec.State
		return t, nil
	})
	if err == nil {
		metrics.CircuitState.WithLabelValues(peer).Set(metrics.CircuitStateValue(string(state)))
	}
	return err
}

// Get returns the current record for peer (zero value if never recorded).
func (b *Breaker) Get(peer string) (Record, error) {
	t, err := b.store.Get()
	if err != nil {
		return Record{}, err
	}
	return t[peer], nil
}
