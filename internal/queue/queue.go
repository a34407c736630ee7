// Package queue implements the dead-letter store (C2's bounded FIFO) and
// the periodic drainer (C6) that replays dead-lettered envelopes against
// live peers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/metrics"
	"github.com/arcwire/mesh/internal/registry"
	"github.com/arcwire/mesh/internal/store"
)

// DeadLetter is one failed-delivery record.
type DeadLetter struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	To         string            `json:"to"`
	FailReason string            `json:"failReason"`
	Attempts   int               `json:"attempts"`
	Envelope   *envelope.Envelope `json:"envelope"`
}

// state is the persisted shape: a bounded FIFO plus lifetime counters.
type state struct {
	Letters       []DeadLetter `json:"letters"`
	TotalReplayed int64        `json:"totalReplayed"`
}

// Queue owns the dead-letter store.
type Queue struct {
	store    *store.Store[state]
	maxSize  int
}

// New wraps a Store[state] at path with the given bounded capacity.
func New(path string, maxSize int) (*Queue, error) {
	if maxSize <= 0 {
		maxSize = 100
	}
	s, err := store.New[state](path)
	if err != nil {
		return nil, err
	}
	return &Queue{store: s, maxSize: maxSize}, nil
}

// Push adds a dead letter, dropping the oldest entry if the queue is at
// capacity.
func (q *Queue) Push(dl DeadLetter) error {
	_, err := q.store.Mutate(func(s state) (state, error) {
		s.Letters = append(s.Letters, dl)
		if len(s.Letters) > q.maxSize {
			s.Letters = s.Letters[len(s.Letters)-q.maxSize:]
		}
		return s, nil
	})
	if err == nil {
		metrics.DeadLetters.WithLabelValues(dl.FailReason).Inc()
	}
	return err
}

// List returns a snapshot of all dead letters.
func (q *Queue) List() ([]DeadLetter, error) {
	s, err := q.store.Get()
	if err != nil {
		return nil, err
	}
	return s.Letters, nil
}

// Purge removes dead letters whose envelope has outlived its TTL,
// returning how many were removed.
func (q *Queue) Purge(now time.Time) (int, error) {
	removed := 0
	_, err := q.store.Mutate(func(s state) (state, error) {
		kept := s.Letters[:0]
		for _, dl := range s.Letters {
			if dl.Envelope != nil && dl.Envelope.IsExpired(now) {
				removed++
				continue
			}
			kept = append(kept, dl)
		}
		s.Letters = kept
		return s, nil
	})
	return removed, err
}

// Remove deletes the dead letter with the given id, if present.
func (q *Queue) Remove(id string) error {
	_, err := q.store.Mutate(func(s state) (state, error) {
		kept := s.Letters[:0]
		for _, dl := range s.Letters {
			if dl.ID != id {
				kept = append(kept, dl)
			}
		}
		s.Letters = kept
		return s, nil
	})
	return err
}

func (q *Queue) incrementReplayed() error {
	_, err := q.store.Mutate(func(s state) (state, error) {
		s.TotalReplayed++
		return s, nil
	})
	return err
}

// TotalReplayed returns the lifetime count of successfully replayed
// envelopes.
func (q *Queue) TotalReplayed() (int64, error) {
	s, err := q.store.Get()
	if err != nil {
		return 0, err
	}
	return s.TotalReplayed, nil
}

// Replayer is implemented by the send pipeline: Replay attempts a single
// delivery of env to its destination, using the same HTTP path, signature
// headers, and session routing as a fresh send.
type Replayer interface {
	Replay(ctx context.Context, env *envelope.Envelope) error
}

// Drainer periodically purges expired dead letters and replays the rest
// against peers observed to be live.
type Drainer struct {
	queue    *Queue
	registry *registry.Registry
	replayer Replayer
	interval time.Duration
	logger   *slog.Logger
}

// NewDrainer builds a Drainer. interval<=0 uses 60s.
func NewDrainer(q *Queue, reg *registry.Registry, replayer Replayer, interval time.Duration, logger *slog.Logger) *Drainer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{queue: q, registry: reg, replayer: replayer, interval: interval, logger: logger}
}

// Run blocks, draining on each tick until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("queue drain tick failed", "error", err)
			}
		}
	}
}

// Tick runs one drain pass: TTL-purge, then group by target and replay
// against targets that answer a liveness probe, spacing replays ~1s.
func (d *Drainer) Tick(ctx context.Context) error {
	now := time.Now()
	purged, err := d.queue.Purge(now)
	if err != nil {
		return fmt.Errorf("queue: purge: %w", err)
	}
	if purged > 0 {
		d.logger.Info("ttl-purged dead letters", "count", purged)
	}

	letters, err := d.queue.List()
	if err != nil {
		return fmt.Errorf("queue: list: %w", err)
	}
	metrics.QueueDepth.Set(float64(len(letters)))

	byTarget := map[string][]DeadLetter{}
	for _, dl := range letters {
		byTarget[dl.To] = append(byTarget[dl.To], dl)
	}

	for target, dls := range byTarget {
		if !d.probeLive(target) {
			continue
		}
		for _, dl := range dls {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := d.replayer.Replay(ctx, dl.Envelope); err != nil {
				d.logger.Warn("dead letter replay failed", "id", dl.ID, "to", dl.To, "error", err)
				continue
			}
			if err := d.queue.Remove(dl.ID); err != nil {
				return fmt.Errorf("queue: remove replayed %s: %w", dl.ID, err)
			}
			_ = d.queue.incrementReplayed()
			time.Sleep(time.Second)
		}
	}
	return nil
}

// probeLive does a cheap TCP connect to decide whether to attempt
// replays against target; unknown peers and connect failures are treated
// as dead.
func (d *Drainer) probeLive(target string) bool {
	peer, err := d.registry.Peer(target)
	if err != nil {
		return false
	}
	addr := fmt.Sprintf("%s:%d", peer.IP, peer.Port)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
