package meshErr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindTransport, "posting to bob", cause)
	assert.Equal(t, "Transport: posting to bob: dial tcp: timeout", err.Error())
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(KindUnknownPeer, "no such peer: bob")
	assert.Equal(t, "UnknownPeer: no such peer: bob", err.Error())
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindTransport, "detail", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestRetryableOnlyTransport(t *testing.T) {
	assert.True(t, Retryable(KindTransport))
	assert.False(t, Retryable(KindClientError))
	assert.False(t, Retryable(KindCircuitOpen))
	assert.False(t, Retryable(Kind("")))
}

func TestKindOfFindsDirectError(t *testing.T) {
	err := New(KindReplayDetected, "nonce seen")
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindReplayDetected, kind)
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	inner := New(KindExpired, "ttl passed")
	outer := fmt.Errorf("pipeline: %w", inner)
	kind, ok := KindOf(outer)
	assert.True(t, ok)
	assert.Equal(t, KindExpired, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
