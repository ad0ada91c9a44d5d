// Package signer implements the signature backends for the promotion
// pipeline: a local ECDSA signer and a client for a remote signing service.
// Both produce Content-Signature envelopes over the canonical payload.
package signer

import (
	"context"
	"errors"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// ContentSignaturePrefix is prepended to the canonical payload before
// signing and before verification. Both sides must reconstruct this exact
// byte sequence.
const ContentSignaturePrefix = "Content-Signature:\x00"

var (
	// ErrSignerUnavailable is returned when the remote signing service stays
	// unreachable after the retry budget is exhausted. It maps to a
	// retryable-service condition (HTTP 503) at the boundary.
	ErrSignerUnavailable = errors.New("signing service unavailable")
	// ErrBadSignerResponse is returned when the signing service answers with
	// something that is not a signature envelope. It is fatal for the
	// request, not retryable.
	ErrBadSignerResponse = errors.New("malformed signing service response")
	// ErrVerificationFailed is returned when a signature does not check out
	// against the signer's public key.
	ErrVerificationFailed = errors.New("signature verification failed")
)

// Signer produces a signature envelope over a canonical payload. Exactly two
// implementations exist, selected by static configuration.
type Signer interface {
	// Name returns the configured signer name.
	Name() string
	// Sign signs the canonical payload and returns the envelope.
	Sign(ctx context.Context, payload []byte) (schema.SignatureEnvelope, error)
}

// prefixed returns the exact byte string submitted to the signing primitive.
func prefixed(payload []byte) []byte {
	out := make([]byte, 0, len(ContentSignaturePrefix)+len(payload))
	out = append(out, ContentSignaturePrefix...)
	return append(out, payload...)
}
