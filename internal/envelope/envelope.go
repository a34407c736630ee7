// Package envelope defines the on-wire message unit exchanged between MESH
// nodes: construction, canonical serialization, signing, encryption, and
// the inbound validation sequence (TTL, signature, replay).
//
// Called by: send, receive, conversation, session.
// Calls: crypto/hmac, crypto/aes, encoding/json, google/uuid.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol is the wire tag carried by every envelope this node builds.
const Protocol = "mesh/3.0"

// Type enumerates the envelope's role in the send/receive pipelines.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeAlert        Type = "alert"
	TypeAck          Type = "ack"
)

// Priority enumerates delivery priority; it does not affect ordering and
// travels only as an advisory envelope field.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// DefaultTTLSeconds is applied when a caller does not specify one.
const DefaultTTLSeconds = 300

// ReplyTo carries the absolute URL and bearer token the receiver must use
// to deliver a response.
type ReplyTo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Session carries end-to-end session traceability fields.
type Session struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
	User  string `json:"user,omitempty"`
}

// Relay is attached by the send pipeline when a message is forwarded
// through an elected relay instead of delivered directly.
type Relay struct {
	From       string `json:"from"`
	Via        string `json:"via"`
	OriginalTo string `json:"originalTo"`
}

// Attachment is one of a url reference, inline base64 payload, or a local
// path reference (used only within a single trusted node).
type Attachment struct {
	Type     string `json:"type"` // "url" | "inline" | "path"
	URL      string `json:"url,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Data     string `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Payload carries the application-visible body of the envelope.
type Payload struct {
	Subject     string                 `json:"subject"`
	Body        json.RawMessage        `json:"body,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Encrypted   bool                   `json:"encrypted,omitempty"`
}

// Envelope is the on-wire unit carrying a single inter-agent message.
//
// Field order is part of this system's signature canonicalization: the
// signature is computed over the JSON encoding of the envelope with
// Signature cleared, and Go's encoding/json serializes struct fields in
// declaration order, so both sides reproduce identical bytes as long as
// neither mutates field order independently. See CanonicalBytes.
type Envelope struct {
	ProtocolTag    string                 `json:"protocol"`
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	From           string                 `json:"from"`
	To             string                 `json:"to"`
	Type           Type                   `json:"type"`
	CorrelationID  string                 `json:"correlationId,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
	ParentMessageID string                `json:"parentMessageId,omitempty"`
	ReplyTo        *ReplyTo               `json:"replyTo,omitempty"`
	ReplyContext   map[string]interface{} `json:"replyContext,omitempty"`
	Priority       Priority               `json:"priority,omitempty"`
	TTL            int64                  `json:"ttl"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Nonce          string                 `json:"nonce"`
	Signature      string                 `json:"signature,omitempty"`
	Session        *Session               `json:"session,omitempty"`
	Relay          *Relay                 `json:"relay,omitempty"`
	Payload        Payload                `json:"payload"`
}

// New builds an envelope with required fields populated: a msg_-prefixed
// ID, a fresh nonce, UTC timestamp, and the default TTL when ttl<=0 is
// passed.
func New(from, to string, typ Type, subject string, body interface{}, ttl int64) (*Envelope, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal body: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	return &Envelope{
		ProtocolTag: Protocol,
		ID:          "msg_" + uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		From:        from,
		To:          to,
		Type:        typ,
		Priority:    PriorityNormal,
		TTL:         ttl,
		Nonce:       uuid.New().String(),
		Payload: Payload{
			Subject: subject,
			Body:    bodyBytes,
		},
	}, nil
}

// NewResponse builds a response envelope correlated to req, echoing
// ReplyContext verbatim as required by the wire protocol's byte-equality
// invariant.
func NewResponse(req *Envelope, from string, subject string, body interface{}) (*Envelope, error) {
	resp, err := New(from, req.From, TypeResponse, subject, body, req.TTL)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = req.ID
	resp.ConversationID = req.ConversationID
	resp.ReplyContext = req.ReplyContext
	return resp, nil
}

// IsExpired reports whether now is past Timestamp+TTL.
func (e *Envelope) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	deadline := e.Timestamp.Add(time.Duration(e.TTL) * time.Second)
	return now.After(deadline)
}

// UnmarshalPayload decodes the payload body into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload.Body, v)
}

// Clone returns a deep copy safe for independent mutation (used before
// signing, so the caller's copy is never mutated in place).
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.ReplyTo != nil {
		rt := *e.ReplyTo
		clone.ReplyTo = &rt
	}
	if e.Session != nil {
		s := *e.Session
		clone.Session = &s
	}
	if e.Relay != nil {
		r := *e.Relay
		clone.Relay = &r
	}
	if e.ReplyContext != nil {
		clone.ReplyContext = make(map[string]interface{}, len(e.ReplyContext))
		for k, v := range e.ReplyContext {
			clone.ReplyContext[k] = v
		}
	}
	if e.Payload.Attachments != nil {
		clone.Payload.Attachments = make([]Attachment, len(e.Payload.Attachments))
		copy(clone.Payload.Attachments, e.Payload.Attachments)
	}
	if e.Payload.Metadata != nil {
		clone.Payload.Metadata = make(map[string]interface{}, len(e.Payload.Metadata))
		for k, v := range e.Payload.Metadata {
			clone.Payload.Metadata[k] = v
		}
	}
	if e.Payload.Body != nil {
		clone.Payload.Body = make(json.RawMessage, len(e.Payload.Body))
		copy(clone.Payload.Body, e.Payload.Body)
	}
	return &clone
}

// ToJSON serializes the envelope. This is also the canonicalization used
// for signing: callers that sign MUST clear Signature first.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses a wire-format envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &env, nil
}

// CanonicalBytes returns the byte sequence over which the signature is (or
// will be) computed: the envelope's JSON encoding with Signature cleared.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	clone := e.Clone()
	clone.Signature = ""
	return clone.ToJSON()
}

// Validate checks the invariants required of every envelope per §3 of the
// wire-format contract: a request needs ReplyTo, a response needs
// CorrelationID, and the common required fields are non-empty.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "from is required"}
	}
	if e.To == "" {
		return &ValidationError{Field: "to", Message: "to is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}
	if e.Payload.Subject == "" {
		return &ValidationError{Field: "payload.subject", Message: "payload.subject is required"}
	}
	if e.Type == TypeResponse && e.CorrelationID == "" {
		return &ValidationError{Field: "correlationId", Message: "responses require correlationId"}
	}
	if e.Type == TypeRequest {
		if e.ReplyTo == nil || e.ReplyTo.URL == "" {
			return &ValidationError{Field: "replyTo.url", Message: "requests require replyTo.url"}
		}
		if e.ReplyTo.Token == "" {
			return &ValidationError{Field: "replyTo.token", Message: "requests require replyTo.token"}
		}
	}
	return nil
}

// ValidationError reports which envelope field failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// SessionKey returns the routing session key carried either directly on
// the envelope or inside replyContext, per the wire protocol's session
// redirect rule.
func (e *Envelope) SessionKey() string {
	if e.Session != nil && e.Session.Key != "" {
		return e.Session.Key
	}
	if e.ReplyContext != nil {
		if v, ok := e.ReplyContext["sessionKey"]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
