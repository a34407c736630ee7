package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256:"

// Sign computes the envelope's signature over CanonicalBytes and sets the
// Signature field. Any previous signature is discarded before signing, as
// required by the canonicalization rule.
func Sign(e *Envelope, key []byte) error {
	e.Signature = ""
	payload, err := e.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("envelope: sign: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	e.Signature = signaturePrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifySignature recomputes the HMAC over the envelope's canonical bytes
// (signature field cleared) and compares it in constant time against the
// signature carried on the wire.
func VerifySignature(e *Envelope, key []byte) (bool, error) {
	if e.Signature == "" {
		return false, nil
	}
	encoded := strings.TrimPrefix(e.Signature, signaturePrefix)
	want, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("envelope: decode signature: %w", err)
	}
	payload, err := e.CanonicalBytes()
	if err != nil {
		return false, fmt.Errorf("envelope: verify: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	got := mac.Sum(nil)
	return hmac.Equal(got, want), nil
}
