// Package signing builds request-signing headers from a Signer and provides
// the signers themselves: software RSA and ECDSA keys persisted in a secure
// store, and AWS KMS asymmetric keys.
package signing

import (
	"context"
	"errors"
)

// Header names set by HeaderBuilder.
const (
	BodySignatureHeader = "X-Body-Signature"
	PublicKeyHeader     = "X-Public-Key"
)

// Signer produces signatures over messages with a key the caller never sees.
// Signatures and the public key are base64.
type Signer interface {
	Sign(ctx context.Context, message string) (string, error)
	PublicKey(ctx context.Context) (string, error)
}

// Operations reported by SignatureError.
const (
	OpSign              = "Signature generation"
	OpSignWithPublicKey = "Signature generation with public key"
)

// ErrNoSigner is returned when a HeaderBuilder has no Signer bound.
var ErrNoSigner = errors.New("no signer configured")

// SignatureError wraps a failure while building signature headers.
type SignatureError struct {
	Op  string
	Err error
}

func (e *SignatureError) Error() string {
	return e.Op + " failed: " + e.Err.Error()
}

func (e *SignatureError) Unwrap() error { return e.Err }
