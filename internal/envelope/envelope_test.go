package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	env, err := New("alice", "bob", TypeRequest, "ping", map[string]string{"k": "v"}, 0)
	require.NoError(t, err)
	assert.Equal(t, Protocol, env.ProtocolTag)
	assert.Equal(t, int64(DefaultTTLSeconds), env.TTL)
	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.Nonce)
	assert.Equal(t, PriorityNormal, env.Priority)
}

func TestNewResponseEchoesReplyContext(t *testing.T) {
	req, err := New("alice", "bob", TypeRequest, "ping", nil, 60)
	require.NoError(t, err)
	req.ReplyContext = map[string]interface{}{"conversationId": "conv_1", "round": float64(2)}

	resp, err := NewResponse(req, "bob", "pong", nil)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, req.ReplyContext, resp.ReplyContext)
	assert.Equal(t, TypeResponse, resp.Type)
}

func TestIsExpired(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", nil, 10)
	require.NoError(t, err)
	env.Timestamp = time.Now().Add(-5 * time.Second)
	assert.False(t, env.IsExpired(time.Now()))

	env.Timestamp = time.Now().Add(-20 * time.Second)
	assert.True(t, env.IsExpired(time.Now()))
}

func TestIsExpiredZeroTTLNeverExpires(t *testing.T) {
	env := &Envelope{TTL: 0, Timestamp: time.Now().Add(-24 * time.Hour)}
	assert.False(t, env.IsExpired(time.Now()))
}

func TestSignAndVerifySignatureRoundTrip(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", map[string]int{"n": 1}, 60)
	require.NoError(t, err)
	key := []byte("a-32-byte-long-signing-key-value")

	require.NoError(t, Sign(env, key))
	assert.NotEmpty(t, env.Signature)

	ok, err := VerifySignature(env, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySignatureFailsOnTamper(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", nil, 60)
	require.NoError(t, err)
	key := []byte("a-32-byte-long-signing-key-value")
	require.NoError(t, Sign(env, key))

	env.Payload.Subject = "tampered"
	ok, err := VerifySignature(env, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignatureFailsOnWrongKey(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", nil, 60)
	require.NoError(t, err)
	require.NoError(t, Sign(env, []byte("key-one-key-one-key-one-key-one")))

	ok, err := VerifySignature(env, []byte("key-two-key-two-key-two-key-two"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignatureEmptyIsFalseNotError(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", nil, 60)
	require.NoError(t, err)
	ok, err := VerifySignature(env, []byte("some-key-some-key-some-key-some"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	env, err := New("alice", "bob", TypeRequest, "secret", map[string]string{"msg": "hello world"}, 60)
	require.NoError(t, err)
	original := append([]byte(nil), env.Payload.Body...)
	key := []byte("0123456789abcdef0123456789abcdef")[:32]

	require.NoError(t, Encrypt(env, key))
	assert.True(t, env.Payload.Encrypted)
	assert.NotEqual(t, original, []byte(env.Payload.Body))

	require.NoError(t, Decrypt(env, key))
	assert.False(t, env.Payload.Encrypted)
	assert.JSONEq(t, string(original), string(env.Payload.Body))
}

func TestDecryptNoopWhenNotEncrypted(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", nil, 60)
	require.NoError(t, err)
	before := append([]byte(nil), env.Payload.Body...)
	require.NoError(t, Decrypt(env, []byte("0123456789abcdef0123456789abcdef")[:32]))
	assert.Equal(t, before, []byte(env.Payload.Body))
}

func TestCloneIsIndependent(t *testing.T) {
	env, err := New("alice", "bob", TypeRequest, "hi", nil, 60)
	require.NoError(t, err)
	env.ReplyTo = &ReplyTo{URL: "http://example.com", Token: "tok"}
	env.Payload.Metadata = map[string]interface{}{"a": 1}

	clone := env.Clone()
	clone.ReplyTo.URL = "http://changed.example.com"
	clone.Payload.Metadata["a"] = 2

	assert.Equal(t, "http://example.com", env.ReplyTo.URL)
	assert.Equal(t, 1, env.Payload.Metadata["a"])
}

func TestValidateRequiresReplyToForRequest(t *testing.T) {
	env, err := New("alice", "bob", TypeRequest, "hi", nil, 60)
	require.NoError(t, err)
	err = env.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "replyTo.url", verr.Field)

	env.ReplyTo = &ReplyTo{URL: "http://example.com", Token: "tok"}
	assert.NoError(t, env.Validate())
}

func TestValidateRequiresCorrelationIDForResponse(t *testing.T) {
	env, err := New("alice", "bob", TypeResponse, "hi", nil, 60)
	require.NoError(t, err)
	err = env.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "correlationId", verr.Field)
}

func TestSessionKeyFromSessionField(t *testing.T) {
	env := &Envelope{Session: &Session{Key: "sess-1"}}
	assert.Equal(t, "sess-1", env.SessionKey())
}

func TestSessionKeyFromReplyContextFallback(t *testing.T) {
	env := &Envelope{ReplyContext: map[string]interface{}{"sessionKey": "sess-2"}}
	assert.Equal(t, "sess-2", env.SessionKey())
}

func TestSessionKeyEmptyWhenAbsent(t *testing.T) {
	env := &Envelope{}
	assert.Equal(t, "", env.SessionKey())
}

func TestToJSONFromJSONRoundTrip(t *testing.T) {
	env, err := New("alice", "bob", TypeNotification, "hi", map[string]string{"x": "y"}, 60)
	require.NoError(t, err)
	data, err := env.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, parsed.ID)
	assert.Equal(t, env.From, parsed.From)
	assert.Equal(t, env.To, parsed.To)
}
