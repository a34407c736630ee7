// Package receive implements the receive pipeline (C8): parse, validate
// (TTL, signature, replay), deduplicate, dispatch to the host runtime or
// settle a pending correlation, and update conversation/session state.
package receive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arcwire/mesh/internal/audit"
	"github.com/arcwire/mesh/internal/envelope"
	"github.com/arcwire/mesh/internal/keystore"
	"github.com/arcwire/mesh/internal/metrics"
	"github.com/arcwire/mesh/internal/nonce"
	"github.com/arcwire/mesh/internal/registry"
)

// RequestView is the structured view of an inbound request handed to the
// host runtime.
type RequestView struct {
	From           string
	Subject        string
	Body           json.RawMessage
	Attachments    []envelope.Attachment
	ReplyTo        *envelope.ReplyTo
	ReplyContext   map[string]interface{}
	ConversationID string
	SessionKey     string
}

// ResponsePayload is what the host runtime returns for a request.
type ResponsePayload struct {
	Subject string
	Body    interface{}
}

// HostHandler is the out-of-scope collaborator that interprets message
// bodies. NullHostHandler below satisfies it for standalone operation.
type HostHandler interface {
	Handle(ctx context.Context, req RequestView) (ResponsePayload, error)
}

// NullHostHandler echoes the request subject back as the response body.
type NullHostHandler struct{}

// Handle implements HostHandler by echoing the inbound subject.
func (NullHostHandler) Handle(_ context.Context, req RequestView) (ResponsePayload, error) {
	return ResponsePayload{Subject: req.Subject, Body: map[string]string{"echo": req.Subject}}, nil
}

// ResponseWaiter is notified when a pending request's response arrives.
type ResponseWaiter interface {
	Fulfill(correlationID string, env *envelope.Envelope)
}

// ConversationSink receives response updates routed by conversationId.
type ConversationSink interface {
	OnResponse(conversationID, from string, body json.RawMessage) error
}

// SessionSink updates the session router on envelopes carrying a session
// key.
type SessionSink interface {
	RecordReceive(env *envelope.Envelope, sessionKey string)
}

// Replier delivers a built response envelope to its replyTo destination.
type Replier interface {
	ReplyDirect(ctx context.Context, env *envelope.Envelope, replyURL, replyToken string) error
}

// Pipeline is the receive pipeline.
type Pipeline struct {
	Registry     *registry.Registry
	Keys         *keystore.Store
	Nonces       *nonce.Log
	Audit        *audit.Log
	Host         HostHandler
	Waiter       ResponseWaiter
	Conversation ConversationSink
	Session      SessionSink
	Replier      Replier
	Logger       *slog.Logger

	// RequireSignatureWhenRegistered enforces fail-closed policy: if the
	// registry marks the sender signing=true, an envelope without a
	// valid signature is rejected rather than accepted loosely.
	RequireSignatureWhenRegistered bool
}

// WireBody mirrors the POST body shape {"message": "...", "sessionKey"?: "..."}.
type WireBody struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Handle processes one inbound POST body.
func (p *Pipeline) Handle(ctx context.Context, raw []byte) error {
	var wire WireBody
	if err := json.Unmarshal(raw, &wire); err != nil || wire.Message == "" {
		// Bare message backward-compatibility: hand the raw body through
		// unchanged rather than failing the request.
		return p.passThroughBare(ctx, raw)
	}

	env, err := envelope.FromJSON([]byte(wire.Message))
	if err != nil {
		return fmt.Errorf("receive: parse envelope: %w", err)
	}
	if env.ProtocolTag != "" && !isMeshProtocol(env.ProtocolTag) {
		return p.passThroughBare(ctx, []byte(wire.Message))
	}

	outcome, err := p.validate(env)
	if err != nil {
		return err
	}
	if outcome != "" {
		metrics.ReceiveOutcomes.WithLabelValues(outcome).Inc()
		if outcome == "rejected_replay" {
			metrics.ReplayAttacksDetected.Inc()
		}
		p.auditReject(env, outcome)
		return nil
	}

	metrics.ReceiveOutcomes.WithLabelValues("dispatched").Inc()
	return p.dispatch(ctx, env, wire.SessionKey)
}

func isMeshProtocol(tag string) bool {
	return len(tag) >= 5 && tag[:5] == "mesh/"
}

func (p *Pipeline) passThroughBare(ctx context.Context, raw []byte) error {
	_, err := p.Host.Handle(ctx, RequestView{Subject: "bare", Body: raw})
	return err
}

// validate runs the inbound sequence from C3/C8 and returns a non-empty
// outcome string when the envelope must be dropped.
func (p *Pipeline) validate(env *envelope.Envelope) (string, error) {
	now := time.Now()
	if env.IsExpired(now) {
		return "rejected_expired", nil
	}

	if env.Signature != "" {
		key, ok, err := p.Keys.SigningKey(env.From)
		if err != nil {
			return "", fmt.Errorf("receive: load signing key: %w", err)
		}
		if !ok {
			if p.RequireSignatureWhenRegistered && p.Registry.IsSigning(env.From) {
				return "rejected_bad_sig", nil
			}
		} else {
			valid, err := envelope.VerifySignature(env, key)
			if err != nil {
				return "", fmt.Errorf("receive: verify signature: %w", err)
			}
			if !valid {
				return "rejected_bad_sig", nil
			}
		}
	} else if p.RequireSignatureWhenRegistered && p.Registry.IsSigning(env.From) {
		return "rejected_bad_sig", nil
	}

	if env.Nonce != "" {
		accepted, err := p.Nonces.CheckAndRecord(env.Nonce, env.Timestamp)
		if err != nil {
			return "", fmt.Errorf("receive: nonce check: %w", err)
		}
		if !accepted {
			return "rejected_replay", nil
		}
	}

	return "", nil
}

func (p *Pipeline) dispatch(ctx context.Context, env *envelope.Envelope, sessionKeyFromWire string) error {
	if env.Payload.Encrypted {
		key, ok, err := p.Keys.EncryptionKey(env.From)
		if err == nil && ok {
			_ = envelope.Decrypt(env, key)
		}
	}

	switch env.Type {
	case envelope.TypeResponse:
		if p.Waiter != nil && env.CorrelationID != "" {
			p.Waiter.Fulfill(env.CorrelationID, env)
		}
		if p.Conversation != nil && env.ConversationID != "" {
			if err := p.Conversation.OnResponse(env.ConversationID, env.From, env.Payload.Body); err != nil {
				p.log().Warn("conversation response update failed", "conversationId", env.ConversationID, "error", err)
			}
		}
	case envelope.TypeRequest:
		resp, err := p.Host.Handle(ctx, RequestView{
			From:           env.From,
			Subject:        env.Payload.Subject,
			Body:           env.Payload.Body,
			Attachments:    env.Payload.Attachments,
			ReplyTo:        env.ReplyTo,
			ReplyContext:   env.ReplyContext,
			ConversationID: env.ConversationID,
			SessionKey:     env.SessionKey(),
		})
		if err != nil {
			p.log().Warn("host handler failed", "from", env.From, "error", err)
			break
		}
		if env.ReplyTo != nil && p.Replier != nil {
			respEnv, err := envelope.NewResponse(env, p.Registry.Self(), resp.Subject, resp.Body)
			if err != nil {
				return fmt.Errorf("receive: build response: %w", err)
			}
			if err := p.Replier.ReplyDirect(ctx, respEnv, env.ReplyTo.URL, env.ReplyTo.Token); err != nil {
				p.log().Warn("reply delivery failed", "to", env.From, "error", err)
			}
		}
	}

	sessionKey := env.SessionKey()
	if sessionKey == "" {
		sessionKey = sessionKeyFromWire
	}
	if sessionKey != "" && p.Session != nil {
		p.Session.RecordReceive(env, sessionKey)
	}

	p.auditReceived(env)
	return nil
}

func (p *Pipeline) auditReject(env *envelope.Envelope, outcome string) {
	if p.Audit == nil {
		return
	}
	_ = p.Audit.Append(audit.Entry{
		From:    env.From,
		To:      env.To,
		Type:    string(env.Type),
		ID:      env.ID,
		Subject: env.Payload.Subject,
		Status:  outcome,
		Signed:  env.Signature != "",
	})
}

func (p *Pipeline) auditReceived(env *envelope.Envelope) {
	if p.Audit == nil {
		return
	}
	_ = p.Audit.Append(audit.Entry{
		From:           env.From,
		To:             env.To,
		Type:           string(env.Type),
		ID:             env.ID,
		Subject:        env.Payload.Subject,
		Status:         "received",
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ReplyContext:   env.ReplyContext,
		Signed:         env.Signature != "",
	})
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
