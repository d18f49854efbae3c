package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// HeaderBuilder derives signature headers for request bodies.
//
// It remembers two facts about its Signer, each fetched at most once: the
// public key and whether signing is available at all. Neither expires. Call
// Reset after the key is rotated.
type HeaderBuilder struct {
	mu        sync.Mutex
	signer    Signer
	gen       uint64
	publicKey *string
	available *bool

	group  singleflight.Group
	logger zerolog.Logger
}

// HeaderOption configures a HeaderBuilder.
type HeaderOption func(*HeaderBuilder)

// WithHeaderLogger sets the logger.
func WithHeaderLogger(l zerolog.Logger) HeaderOption {
	return func(b *HeaderBuilder) { b.logger = l }
}

// NewHeaderBuilder creates a builder bound to signer.
func NewHeaderBuilder(signer Signer, opts ...HeaderOption) *HeaderBuilder {
	b := &HeaderBuilder{
		signer: signer,
		logger: log.With().Str("component", "signing").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reset forgets the cached public key and availability.
func (b *HeaderBuilder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// SetSigner binds a different signer and resets the caches.
func (b *HeaderBuilder) SetSigner(s Signer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signer = s
	b.resetLocked()
}

func (b *HeaderBuilder) resetLocked() {
	// Bumping the generation keeps in-flight fetches from repopulating.
	b.gen++
	b.publicKey = nil
	b.available = nil
}

func (b *HeaderBuilder) current() (Signer, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signer, b.gen
}

// SignatureHeaders signs body and returns it under headerName, or under
// X-Body-Signature when headerName is empty.
//
// Strings and byte slices are signed as they are; any other body is signed
// as its JSON encoding. Failures are *SignatureError with Op OpSign.
func (b *HeaderBuilder) SignatureHeaders(ctx context.Context, body any, headerName string) (map[string]string, error) {
	if headerName == "" {
		headerName = BodySignatureHeader
	}
	headers, err := b.signatureHeaders(ctx, body, headerName)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to generate signature headers")
		return nil, err
	}
	return headers, nil
}

func (b *HeaderBuilder) signatureHeaders(ctx context.Context, body any, headerName string) (map[string]string, error) {
	msg, err := CanonicalBody(body)
	if err != nil {
		return nil, &SignatureError{Op: OpSign, Err: err}
	}
	signer, _ := b.current()
	if signer == nil {
		return nil, &SignatureError{Op: OpSign, Err: ErrNoSigner}
	}

	b.logger.Debug().Int("body_len", len(msg)).Msg("Signing request body")
	sig, err := signer.Sign(ctx, msg)
	if err != nil {
		return nil, &SignatureError{Op: OpSign, Err: err}
	}
	b.logger.Debug().Str("signature_prefix", prefix(sig, 20)).Msg("Generated signature")

	return map[string]string{headerName: sig}, nil
}

// SignatureHeadersWithPublicKey returns the X-Body-Signature header and, when
// includePublicKey is set, the X-Public-Key header. The public key is fetched
// from the Signer once and then served from cache; with includePublicKey
// false it is never requested.
//
// Any failure, including one from signing, is a *SignatureError with Op
// OpSignWithPublicKey.
func (b *HeaderBuilder) SignatureHeadersWithPublicKey(ctx context.Context, body any, includePublicKey bool) (map[string]string, error) {
	headers, err := b.signatureHeadersWithPublicKey(ctx, body, includePublicKey)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to generate signature headers with public key")
		return nil, &SignatureError{Op: OpSignWithPublicKey, Err: err}
	}
	return headers, nil
}

func (b *HeaderBuilder) signatureHeadersWithPublicKey(ctx context.Context, body any, includePublicKey bool) (map[string]string, error) {
	headers, err := b.signatureHeaders(ctx, body, BodySignatureHeader)
	if err != nil {
		return nil, err
	}
	if !includePublicKey {
		return headers, nil
	}

	pk, err := b.cachedPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Str("public_key_prefix", prefix(pk, 20)).Msg("Retrieved public key")
	headers[PublicKeyHeader] = pk
	return headers, nil
}

// cachedPublicKey returns the memoized public key. Failures are not cached.
func (b *HeaderBuilder) cachedPublicKey(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.publicKey != nil {
		pk := *b.publicKey
		b.mu.Unlock()
		return pk, nil
	}
	signer, gen := b.signer, b.gen
	b.mu.Unlock()

	if signer == nil {
		return "", ErrNoSigner
	}

	v, err, _ := b.group.Do("public-key/"+strconv.FormatUint(gen, 10), func() (any, error) {
		b.mu.Lock()
		if b.gen == gen && b.publicKey != nil {
			pk := *b.publicKey
			b.mu.Unlock()
			return pk, nil
		}
		b.mu.Unlock()

		pk, err := signer.PublicKey(ctx)
		if err != nil {
			return "", err
		}

		b.mu.Lock()
		if b.gen == gen {
			b.publicKey = &pk
		}
		b.mu.Unlock()
		return pk, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// IsSigningAvailable probes the Signer for its public key once and caches
// the outcome, success or failure. It never returns an error.
func (b *HeaderBuilder) IsSigningAvailable(ctx context.Context) bool {
	b.mu.Lock()
	if b.available != nil {
		ok := *b.available
		b.mu.Unlock()
		return ok
	}
	signer, gen := b.signer, b.gen
	b.mu.Unlock()

	v, _, _ := b.group.Do("available/"+strconv.FormatUint(gen, 10), func() (any, error) {
		b.mu.Lock()
		if b.gen == gen && b.available != nil {
			ok := *b.available
			b.mu.Unlock()
			return ok, nil
		}
		b.mu.Unlock()

		ok := probe(ctx, signer, b.logger)

		b.mu.Lock()
		if b.gen == gen {
			b.available = &ok
		}
		b.mu.Unlock()
		return ok, nil
	})
	return v.(bool)
}

func probe(ctx context.Context, signer Signer, logger zerolog.Logger) bool {
	if signer == nil {
		logger.Warn().Err(ErrNoSigner).Msg("Signing capabilities not available")
		return false
	}
	start := time.Now()
	if _, err := signer.PublicKey(ctx); err != nil {
		logger.Warn().Err(err).Msg("Signing capabilities not available")
		return false
	}
	logger.Debug().Dur("latency", time.Since(start)).Msg("Signing capabilities available")
	return true
}

// CanonicalBody returns the exact string that is signed for body. Strings,
// byte slices and json.RawMessage pass through; other values are encoded as
// JSON without HTML escaping, so they match what a JavaScript client's
// JSON.stringify produces for the same object. No key reordering is done
// beyond what encoding/json does for maps.
func CanonicalBody(body any) (string, error) {
	switch v := body.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return "", fmt.Errorf("failed to encode body: %w", err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
