// Package send implements the send pipeline (C5): resolve peer, consult
// the circuit breaker, sign/encrypt, POST with retry and backoff, relay
// fallback on exhaustion, and dead-letter on final failure.
package send

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/arcwire/mesh/internal/attachment"
	"github.com/arcwire/mesh/internal/breaker"
	"github.com/arcwire/mesh/internal/discovery"
	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/keystore"
	"github.com/arcwire/mesh/internal/meshErr"
	"github.com/arcwire/mesh/internal/metrics"
	"github.com/arcwire/mesh/internal/queue"
	"github.com/arcwire/mesh/internal/registry"
)

// RetryDelays is the fixed backoff schedule: up to 4 attempts at these
// delays before the first/each retry.
var RetryDelays = []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second}

const (
	connectTimeout = 10 * time.Second
	totalTimeout   = 30 * time.Second
)

// AuditSink receives one audit record per terminal outcome.
type AuditSink interface {
	Audit(outcome string, env *envelope.Envelope, detail string)
}

// SessionRecorder is notified of sends carrying a session key, so C10 can
// append to its ring buffer without this package importing the session
// package.
type SessionRecorder interface {
	RecordSend(env *envelope.Envelope)
}

// DashboardNotifier posts a best-effort notification for successful
// responses that belong to a conversation.
type DashboardNotifier interface {
	NotifyResponse(targetIP string, env *envelope.Envelope)
}

// Pipeline is the send pipeline, holding everything it needs to resolve,
// sign, transport, and account for outbound envelopes.
type Pipeline struct {
	Registry   *registry.Registry
	Breaker    *breaker.Breaker
	Keys       *keystore.Store
	Queue      *queue.Queue
	Audit      AuditSink
	Session    SessionRecorder
	Dashboard  DashboardNotifier
	Discovery  *discovery.Discovery
	HTTPClient *http.Client
	Logger     *slog.Logger

	// StrictSigning requires a signature to be attached whenever the
	// registry marks a target peer signing=true; if the key is missing
	// the send fails rather than going out unsigned.
	StrictSigning bool

	// DefaultTTL is the TTL (seconds) applied to a send whose Options.TTL
	// is unset, overriding envelope.New's own default when configured.
	DefaultTTL int64

	// AttachmentInlineMax is the byte threshold at or above which an
	// attached file is served from the scoped HTTP listener instead of
	// inlined as base64, overriding attachment.InlineMaxBytes when
	// configured.
	AttachmentInlineMax int64
}

// New builds a Pipeline with a configured HTTP client using the wire
// protocol's connect/total timeouts.
func New(reg *registry.Registry, br *breaker.Breaker, keys *keystore.Store, q *queue.Queue, auditSink AuditSink) *Pipeline {
	return &Pipeline{
		Registry: reg,
		Breaker:  br,
		Keys:     keys,
		Queue:    q,
		Audit:    auditSink,
		HTTPClient: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		Logger: slog.Default(),
	}
}

// BroadcastResult summarizes a fan-out.
type BroadcastResult struct {
	Sent   []string
	Failed map[string]error
}

// Broadcast sends the same request to every target, independently.
func (p *Pipeline) Broadcast(ctx context.Context, targets []string, subject string, body interface{}, opts Options) (*BroadcastResult, error) {
	res := &BroadcastResult{Failed: map[string]error{}}
	for _, target := range targets {
		_, err := p.Send(ctx, target, subject, body, opts)
		if err != nil {
			res.Failed[target] = err
			continue
		}
		res.Sent = append(res.Sent, target)
	}
	return res, nil
}

// Options customizes a single send.
type Options struct {
	Type           envelope.Type
	TTL            int64
	ConversationID string
	ReplyContext   map[string]interface{}
	SessionKey     string
	Priority       envelope.Priority
	Encrypt        bool
	CorrelationID  string // set for type=response
	Files          []FileInput
}

// FileInput is raw attachment data to carry on the envelope: inlined as
// base64 when small, served from a scoped HTTP listener when it meets or
// exceeds attachment.InlineMaxBytes.
type FileInput struct {
	Data     []byte
	MimeType string
}

// Send resolves target, builds and ships an envelope through the full
// pipeline, and returns the built envelope's ID.
func (p *Pipeline) Send(ctx context.Context, target, subject string, body interface{}, opts Options) (string, error) {
	if opts.Type == "" {
		opts.Type = envelope.TypeRequest
	}
	peer, err := p.Registry.Peer(target)
	if err != nil {
		return "", err
	}

	allowed, err := p.Breaker.Allow(target)
	if err != nil {
		return "", fmt.Errorf("send: breaker: %w", err)
	}
	if !allowed {
		env, buildErr := p.build(target, subject, body, opts)
		if buildErr != nil {
			return "", buildErr
		}
		p.deadLetter(env, "circuit_open", 0)
		metrics.SendAttempts.WithLabelValues("dead_lettered").Inc()
		return "", meshErr.New(meshErr.KindCircuitOpen, fmt.Sprintf("circuit open for %s", target))
	}

	env, err := p.build(target, subject, body, opts)
	if err != nil {
		return "", err
	}
	if err := p.sign(env, target); err != nil {
		return "", err
	}
	if opts.Encrypt {
		if err := p.encrypt(env, target); err != nil {
			p.Logger.Warn("encryption failed, sending plaintext", "to", target, "error", err)
		}
	}

	if err := p.deliver(ctx, env, peer); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Replay implements queue.Replayer: a single best-effort delivery attempt
// of an already-built envelope, reusing the same transport path.
func (p *Pipeline) Replay(ctx context.Context, env *envelope.Envelope) error {
	peer, err := p.Registry.Peer(env.To)
	if err != nil {
		return err
	}
	return p.postOnce(ctx, env, peer)
}

func (p *Pipeline) build(target, subject string, body interface{}, opts Options) (*envelope.Envelope, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	env, err := envelope.New(p.Registry.Self(), target, opts.Type, subject, body, ttl)
	if err != nil {
		return nil, fmt.Errorf("send: build envelope: %w", err)
	}
	if opts.Priority != "" {
		env.Priority = opts.Priority
	}
	env.ConversationID = opts.ConversationID
	env.ReplyContext = opts.ReplyContext
	env.CorrelationID = opts.CorrelationID
	if opts.SessionKey != "" {
		env.Session = &envelope.Session{Key: opts.SessionKey}
	}
	if env.Type == envelope.TypeRequest {
		self, err := p.Registry.Peer(p.Registry.Self())
		if err == nil {
			env.ReplyTo = &envelope.ReplyTo{
				URL:   fmt.Sprintf("http://%s:%d/hooks/%s", self.IP, self.Port, p.Registry.Self()),
				Token: self.Token,
			}
		}
	}
	if len(opts.Files) > 0 {
		attachments, err := p.attachFiles(opts.Files)
		if err != nil {
			return nil, fmt.Errorf("send: attach files: %w", err)
		}
		env.Payload.Attachments = attachments
	}
	return env, nil
}

// attachFiles inlines small payloads as base64 and serves payloads at or
// above the inline threshold from an ephemeral scoped HTTP listener,
// per the wire protocol's attachment modes.
func (p *Pipeline) attachFiles(files []FileInput) ([]envelope.Attachment, error) {
	selfHost := "127.0.0.1"
	if self, err := p.Registry.Peer(p.Registry.Self()); err == nil && self.IP != "" {
		selfHost = self.IP
	}

	inlineMax := p.AttachmentInlineMax
	if inlineMax <= 0 {
		inlineMax = attachment.InlineMaxBytes
	}

	attachments := make([]envelope.Attachment, 0, len(files))
	for _, f := range files {
		if int64(len(f.Data)) < inlineMax {
			attachments = append(attachments, envelope.Attachment{
				Type:     "inline",
				Encoding: "base64",
				Data:     base64.StdEncoding.EncodeToString(f.Data),
				MimeType: f.MimeType,
				Size:     int64(len(f.Data)),
			})
			continue
		}
		srv, err := attachment.Serve(context.Background(), selfHost, f.Data, f.MimeType, p.Logger)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, envelope.Attachment{
			Type:     "url",
			URL:      srv.URL,
			MimeType: f.MimeType,
			Size:     int64(len(f.Data)),
		})
	}
	return attachments, nil
}

func (p *Pipeline) sign(env *envelope.Envelope, target string) error {
	if !p.Registry.IsSigning(target) {
		return nil
	}
	key, ok, err := p.Keys.SigningKey(target)
	if err != nil {
		return fmt.Errorf("send: load signing key: %w", err)
	}
	if !ok {
		if p.StrictSigning {
			return meshErr.New(meshErr.KindSignatureMissing, fmt.Sprintf("no signing key for %s", target))
		}
		return nil
	}
	return envelope.Sign(env, key)
}

func (p *Pipeline) encrypt(env *envelope.Envelope, target string) error {
	key, ok, err := p.Keys.EncryptionKey(target)
	if err != nil || !ok {
		return meshErr.Wrap(meshErr.KindEncryptionFailure, "no encryption key available", err)
	}
	if err := envelope.Encrypt(env, key); err != nil {
		return meshErr.Wrap(meshErr.KindEncryptionFailure, "encrypt failed", err)
	}
	return nil
}

// deliver runs the retry/relay/dead-letter algorithm for a fully built
// envelope.
func (p *Pipeline) deliver(ctx context.Context, env *envelope.Envelope, peer registry.Peer) error {
	start := time.Now()
	defer func() { metrics.SendDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt, delay := range RetryDelays {
		if env.IsExpired(time.Now()) {
			return meshErr.New(meshErr.KindExpired, "ttl expired before delivery")
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := p.postOnce(ctx, env, peer)
		if err == nil {
			p.onSuccess(env, "")
			return nil
		}
		lastErr = err
		kind, _ := meshErr.KindOf(err)
		if kind == meshErr.KindClientError {
			p.Breaker.RecordFailure(env.To)
			p.deadLetter(env, detailOf(err), attempt+1)
			p.Audit.Audit("dead_lettered", env, detailOf(err))
			return err
		}
		p.Logger.Debug("send attempt failed", "to", env.To, "attempt", attempt+1, "error", err)
	}

	_ = p.Breaker.RecordFailure(env.To)
	metrics.SendAttempts.WithLabelValues("retried").Inc()

	if via, relayErr := p.tryRelay(ctx, env); relayErr == nil {
		p.onSuccess(env, "relayed_via_"+via)
		return nil
	}

	p.deadLetter(env, "retries_exhausted", len(RetryDelays))
	p.Audit.Audit("dead_lettered", env, "retries_exhausted")
	return lastErr
}

func (p *Pipeline) onSuccess(env *envelope.Envelope, status string) {
	_ = p.Breaker.RecordSuccess(env.To)
	if status == "" {
		status = "sent"
		metrics.SendAttempts.WithLabelValues("sent").Inc()
	} else {
		metrics.SendAttempts.WithLabelValues("relayed").Inc()
		metrics.RelaySends.Inc()
	}
	p.Audit.Audit(status, env, "")
	if p.Session != nil && env.SessionKey() != "" {
		p.Session.RecordSend(env)
	}
	if p.Dashboard != nil && env.ConversationID != "" && env.Type == envelope.TypeResponse {
		if peer, err := p.Registry.Peer(env.To); err == nil {
			p.Dashboard.NotifyResponse(peer.IP, env)
		}
	}
}

// tryRelay attempts delivery through the elected relay named in
// discovery's persisted routing table, excluding target and self,
// wrapping the envelope with a relay hint. The relay is whatever
// discovery.Elect last chose — a liveness-aware, priority-ordered pick —
// not an ad-hoc scan of the registry. On success it returns the relay's
// name, for the caller's audit trail.
func (p *Pipeline) tryRelay(ctx context.Context, env *envelope.Envelope) (string, error) {
	if p.Discovery == nil {
		return "", meshErr.New(meshErr.KindDiscoveryPartition, "no discovery wired for relay fallback")
	}
	rt, err := p.Discovery.Routing()
	if err != nil {
		return "", meshErr.Wrap(meshErr.KindDiscoveryPartition, "read routing table", err)
	}
	via := rt.Relay
	if via == "" || via == env.To || via == p.Registry.Self() {
		return "", meshErr.New(meshErr.KindDiscoveryPartition, "no relay candidate available")
	}
	relayPeer, err := p.Registry.Peer(via)
	if err != nil {
		return "", err
	}

	relayed := env.Clone()
	relayed.Relay = &envelope.Relay{From: p.Registry.Self(), Via: via, OriginalTo: env.To}
	if err := p.postOnce(ctx, relayed, relayPeer); err != nil {
		return "", err
	}
	return via, nil
}

type wireBody struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// postOnce issues one HTTP POST, returning a *meshErr.Error with kind
// Transport or ClientError on failure, nil on any 2xx.
func (p *Pipeline) postOnce(ctx context.Context, env *envelope.Envelope, peer registry.Peer) error {
	url := fmt.Sprintf("http://%s:%d/hooks/%s", peer.IP, peer.Port, p.Registry.Self())
	if sk := env.SessionKey(); sk != "" {
		url = fmt.Sprintf("http://%s:%d/hooks/agent", peer.IP, peer.Port)
	}
	return p.postToURL(ctx, env, url, peer.Token)
}

// ReplyDirect delivers a response envelope straight to the replyTo URL and
// token carried by the original request, per the wire protocol's response
// routing rule, bypassing registry peer resolution.
func (p *Pipeline) ReplyDirect(ctx context.Context, env *envelope.Envelope, replyURL, replyToken string) error {
	url := replyURL
	if sk := env.SessionKey(); sk != "" {
		url = rewriteToAgentHook(replyURL)
	}
	if err := p.postToURL(ctx, env, url, replyToken); err != nil {
		return err
	}
	p.Audit.Audit("sent", env, "")
	if p.Session != nil && env.SessionKey() != "" {
		p.Session.RecordSend(env)
	}
	return nil
}

func (p *Pipeline) postToURL(ctx context.Context, env *envelope.Envelope, url, token string) error {
	// Reject relaying through self (relay loop prevention). Only
	// relay.via == self is checked; the number of relay hops is not tracked.
	if env.Relay != nil && env.Relay.Via == p.Registry.Self() {
		return meshErr.New(meshErr.KindClientError, "refusing to relay through self")
	}

	sessionKey := env.SessionKey()

	envJSON, err := env.ToJSON()
	if err != nil {
		return meshErr.Wrap(meshErr.KindClientError, "marshal envelope", err)
	}
	body, err := json.Marshal(wireBody{Message: string(envJSON), SessionKey: sessionKey})
	if err != nil {
		return meshErr.Wrap(meshErr.KindClientError, "marshal wire body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return meshErr.Wrap(meshErr.KindTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if env.Signature != "" {
		req.Header.Set("X-MESH-Signature", env.Signature)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return meshErr.Wrap(meshErr.KindTransport, "http post", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return meshErr.New(meshErr.KindClientError, fmt.Sprintf("client_error_%d", resp.StatusCode))
	default:
		return meshErr.New(meshErr.KindTransport, fmt.Sprintf("http %d", resp.StatusCode))
	}
}

// rewriteToAgentHook replaces the final path segment of a hook URL with
// "agent", honoring the session-routing rule for caller-supplied session
// keys.
func rewriteToAgentHook(url string) string {
	idx := lastSlash(url)
	if idx < 0 {
		return url
	}
	return url[:idx+1] + "agent"
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (p *Pipeline) deadLetter(env *envelope.Envelope, reason string, attempts int) {
	_ = p.Queue.Push(queue.DeadLetter{
		ID:         env.ID,
		Timestamp:  time.Now().UTC(),
		To:         env.To,
		FailReason: reason,
		Attempts:   attempts,
		Envelope:   env,
	})
}

func detailOf(err error) string {
	if me, ok := err.(*meshErr.Error); ok {
		return me.Detail
	}
	return err.Error()
}
