// Package session implements the session router (C10): a durable,
// bounded multi-party context keyed by sessionKey, fed by both the send
// and receive pipelines.
package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/store"
)

// DefaultTTL is how long a session may sit inactive before cleanup marks
// it for removal.
const DefaultTTL = 24 * time.Hour

// DefaultRingSize bounds the number of retained messages per session.
const DefaultRingSize = 50

// Status enumerates a session's lifecycle.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Message is one ring entry.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the persisted session state.
type Record struct {
	SessionKey   string    `json:"sessionKey"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
	Status       Status    `json:"status"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
}

// Router owns every session under a state root directory.
type Router struct {
	dir      string
	ringSize int
	ttl      time.Duration
	self     string
	sender   Sender
}

// Sender is implemented by the send pipeline: fan-out a body to every
// other participant in the session.
type Sender interface {
	Send(to, subject string, body interface{}, sessionKey string) error
}

// New returns a Router rooted at dir.
func New(dir, self string, ringSize int, ttl time.Duration, sender Sender) *Router {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Router{dir: dir, ringSize: ringSize, ttl: ttl, self: self, sender: sender}
}

var sanitizeKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitize(key string) string {
	return sanitizeKeyRe.ReplaceAllString(key, "_")
}

func (r *Router) storeFor(key string) (*store.Store[Record], error) {
	return store.New[Record](filepath.Join(r.dir, sanitize(key)+".json"))
}

// Touch initializes a session on first sight of sessionKey and records one
// envelope (inbound or outbound) into its ring, appending any
// not-yet-seen participants. sessionKey takes precedence when non-empty,
// falling back to the envelope's own session key so a caller that only
// learned the key from the wire-level field (not the envelope body) still
// routes to the right session.
func (r *Router) Touch(env *envelope.Envelope, sessionKey string) error {
	key := sessionKey
	if key == "" {
		key = env.SessionKey()
	}
	if key == "" {
		return nil
	}
	s, err := r.storeFor(key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.Mutate(func(rec Record) (Record, error) {
		if rec.SessionKey == "" {
			rec.SessionKey = key
			rec.Created = now
			rec.Status = StatusActive
		}
		rec.LastActivity = now
		rec.Status = StatusActive
		rec = addParticipant(rec, env.From)
		rec = addParticipant(rec, env.To)
		rec.Messages = append(rec.Messages, Message{
			From:      env.From,
			To:        env.To,
			Subject:   env.Payload.Subject,
			Body:      string(env.Payload.Body),
			Timestamp: now,
		})
		if len(rec.Messages) > r.ringSize {
			rec.Messages = rec.Messages[len(rec.Messages)-r.ringSize:]
		}
		return rec, nil
	})
	return err
}

// RecordSend implements send.SessionRecorder.
func (r *Router) RecordSend(env *envelope.Envelope) {
	_ = r.Touch(env, "")
}

// RecordReceive implements receive.SessionSink. sessionKey is the key
// resolved by the receive pipeline, which may come from the wire body's
// sessionKey field rather than the envelope itself.
func (r *Router) RecordReceive(env *envelope.Envelope, sessionKey string) {
	_ = r.Touch(env, sessionKey)
}

func addParticipant(rec Record, name string) Record {
	if name == "" {
		return rec
	}
	for _, p := range rec.Participants {
		if p == name {
			return rec
		}
	}
	rec.Participants = append(rec.Participants, name)
	return rec
}

// Get returns the session record for key.
func (r *Router) Get(key string) (Record, error) {
	s, err := r.storeFor(key)
	if err != nil {
		return Record{}, err
	}
	return s.Get()
}

// ContextBlock renders a human-readable digest of the session's recent
// messages for the host agent to consume as prior context.
func (r *Router) ContextBlock(key string) (string, error) {
	rec, err := r.Get(key)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range rec.Messages {
		fmt.Fprintf(&b, "[%s] %s -> %s: %s: %s\n", m.Timestamp.Format(time.RFC3339), m.From, m.To, m.Subject, m.Body)
	}
	return b.String(), nil
}

// SendToSession fans body out to every participant of key other than
// self, embedding the prior-context block as the body's prefix.
func (r *Router) SendToSession(key, subject string, body string) error {
	rec, err := r.Get(key)
	if err != nil {
		return err
	}
	if rec.SessionKey == "" {
		return fmt.Errorf("session: unknown session key %q", key)
	}
	ctxBlock, err := r.ContextBlock(key)
	if err != nil {
		return err
	}
	fullBody := ctxBlock + "\n---\n" + body
	for _, participant := range rec.Participants {
		if participant == r.self {
			continue
		}
		if err := r.sender.Send(participant, subject, fullBody, key); err != nil {
			return fmt.Errorf("session: send to %s: %w", participant, err)
		}
	}
	return nil
}

// List returns every session key with persisted state under the
// router's directory, for callers (the cleanup sweeper) that need to
// discover keys without tracking them separately. Keys are returned in
// their sanitized, filesystem-safe form.
func (r *Router) List() ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, path := range entries {
		base := filepath.Base(path)
		keys = append(keys, strings.TrimSuffix(base, ".json"))
	}
	return keys, nil
}

// Cleanup marks sessions inactive beyond the configured TTL as closed.
func (r *Router) Cleanup(keys []string, now time.Time) error {
	for _, key := range keys {
		s, err := r.storeFor(key)
		if err != nil {
			return err
		}
		if _, err := s.Mutate(func(rec Record) (Record, error) {
			if rec.Status == StatusActive && now.Sub(rec.LastActivity) > r.ttl {
				rec.Status = StatusClosed
			}
			return rec, nil
		}); err != nil {
			return err
		}
	}
	return nil
}
