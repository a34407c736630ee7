// Package meshErr defines the error taxonomy shared by the send and
// receive pipelines so callers can map a failure kind to an exit code or
// HTTP status without string-matching error text.
package meshErr

import "fmt"

// Kind identifies a class of MESH failure.
type Kind string

const (
	KindUnknownPeer         Kind = "UnknownPeer"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindTransport           Kind = "Transport"
	KindClientError         Kind = "ClientError"
	KindExpired             Kind = "Expired"
	KindSignatureInvalid    Kind = "SignatureInvalid"
	KindSignatureMissing    Kind = "SignatureMissing"
	KindReplayDetected      Kind = "ReplayDetected"
	KindEncryptionFailure   Kind = "EncryptionFailure"
	KindQueueOverflow       Kind = "QueueOverflow"
	KindDiscoveryPartition  Kind = "DiscoveryPartition"
)

// Error is a structured MESH failure: a Kind plus a human-readable Detail
// and an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Retryable reports whether the pipeline should retry a send that failed
// with this kind, per the propagation policy: only Transport failures are
// retried; ClientError and everything else is terminal for that attempt.
func Retryable(kind Kind) bool {
	return kind == KindTransport
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error; the zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	var me *Error
	if asError(err, &me) {
		return me.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if me, ok := err.(*Error); ok {
			*target = me
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
