package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arcwire/mesh/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []string
}

func (r *recordingSender) Send(to, subject string, body interface{}, sessionKey string) error {
	r.sent = append(r.sent, to)
	return nil
}

func newTestRouter(t *testing.T, sender Sender) *Router {
	t.Helper()
	if sender == nil {
		sender = &recordingSender{}
	}
	return New(t.TempDir(), "alice", 3, time.Hour, sender)
}

func envelopeWithSession(key, from, to string) *envelope.Envelope {
	env, _ := envelope.New(from, to, envelope.TypeNotification, "hi", nil, 60)
	env.Session = &envelope.Session{Key: key}
	return env
}

func TestTouchCreatesAndUpdatesSession(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "bob"), ""))

	rec, err := r.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rec.Participants)
	require.Len(t, rec.Messages, 1)
}

func TestTouchIgnoresEnvelopeWithoutSessionKey(t *testing.T) {
	r := newTestRouter(t, nil)
	env, _ := envelope.New("alice", "bob", envelope.TypeNotification, "hi", nil, 60)
	require.NoError(t, r.Touch(env, ""))

	keys, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTouchBoundsRingSize(t *testing.T) {
	r := newTestRouter(t, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "bob"), ""))
	}
	rec, err := r.Get("sess-1")
	require.NoError(t, err)
	assert.Len(t, rec.Messages, 3)
}

func TestListReturnsPersistedSessionKeys(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "bob"), ""))
	require.NoError(t, r.Touch(envelopeWithSession("sess-2", "alice", "carol"), ""))

	keys, err := r.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, keys)
}

func TestCleanupClosesExpiredSessions(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "bob"), ""))

	future := time.Now().Add(2 * time.Hour)
	require.NoError(t, r.Cleanup([]string{"sess-1"}, future))

	rec, err := r.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, rec.Status)
}

func TestCleanupLeavesActiveSessionsAlone(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "bob"), ""))

	require.NoError(t, r.Cleanup([]string{"sess-1"}, time.Now()))

	rec, err := r.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestSendToSessionFansOutToOtherParticipants(t *testing.T) {
	sender := &recordingSender{}
	r := newTestRouter(t, sender)
	require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "bob"), ""))
	require.NoError(t, r.Touch(envelopeWithSession("sess-1", "alice", "carol"), ""))

	require.NoError(t, r.SendToSession("sess-1", "update", "body text"))
	assert.ElementsMatch(t, []string{"bob", "carol"}, sender.sent)
}

func TestSendToSessionUnknownKeyErrors(t *testing.T) {
	r := newTestRouter(t, nil)
	err := r.SendToSession("missing", "subject", "body")
	assert.Error(t, err)
}

func TestTouchUsesExplicitSessionKeyOverEnvelope(t *testing.T) {
	r := newTestRouter(t, nil)
	env, _ := envelope.New("alice", "bob", envelope.TypeNotification, "hi", nil, 60)
	require.NoError(t, r.Touch(env, "wire-session"))

	rec, err := r.Get("wire-session")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rec.Participants)
}

func TestRecordReceiveThreadsWireSessionKey(t *testing.T) {
	r := newTestRouter(t, nil)
	env, _ := envelope.New("alice", "bob", envelope.TypeNotification, "hi", nil, 60)
	r.RecordReceive(env, "wire-session")

	rec, err := r.Get("wire-session")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
}

func TestSanitizeKeyForFilesystem(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Touch(envelopeWithSession("weird/key with spaces", "alice", "bob"), ""))

	matches, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.NotContains(t, filepath.Base(matches[0]), "/")
}
