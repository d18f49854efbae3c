package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/gmemmy/biolink/securestore"
)

// Algorithm selects the key type of a software signer.
type Algorithm string

const (
	// AlgorithmRSA is RSA-2048 with PKCS#1 v1.5 SHA-256 (SHA256withRSA).
	AlgorithmRSA Algorithm = "rsa"
	// AlgorithmECDSA is P-256 with ASN.1 encoded SHA-256 signatures.
	AlgorithmECDSA Algorithm = "ecdsa"
)

const rsaKeyBits = 2048

// ParseAlgorithm accepts "rsa" and "ecdsa". Empty means ECDSA.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", AlgorithmECDSA:
		return AlgorithmECDSA, nil
	case AlgorithmRSA:
		return AlgorithmRSA, nil
	default:
		return "", fmt.Errorf("unknown signing algorithm %q", s)
	}
}

// RSASigner signs with an in-process RSA key.
type RSASigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner wraps key.
func NewRSASigner(key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{key: key}
}

// GenerateRSASigner creates a signer with a fresh 2048-bit key.
func GenerateRSASigner() (*RSASigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return NewRSASigner(key), nil
}

func (s *RSASigner) Sign(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("RSA sign failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *RSASigner) PublicKey(ctx context.Context) (string, error) {
	return encodePublicKey(&s.key.PublicKey)
}

// ECDSASigner signs with an in-process P-256 key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner wraps key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// GenerateECDSASigner creates a signer with a fresh P-256 key.
func GenerateECDSASigner() (*ECDSASigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return NewECDSASigner(key), nil
}

func (s *ECDSASigner) Sign(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("ECDSA sign failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *ECDSASigner) PublicKey(ctx context.Context) (string, error) {
	return encodePublicKey(&s.key.PublicKey)
}

// encodePublicKey returns base64 X.509 SubjectPublicKeyInfo DER.
func encodePublicKey(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// SigningKeyEntry is the secure-store key holding the private key for alias.
func SigningKeyEntry(alias string) string {
	return "signing-key/" + alias
}

// LoadOrCreateSigner returns the signer whose private key is stored under
// alias, generating and storing a new key of the given algorithm the first
// time. The key is kept as base64 PKCS#8 DER. A stored key of a different
// algorithm is an error; delete it to switch.
func LoadOrCreateSigner(ctx context.Context, store securestore.Store, alias string, alg Algorithm) (Signer, error) {
	if alias == "" {
		return nil, fmt.Errorf("empty signing key alias")
	}
	entry := SigningKeyEntry(alias)

	encoded, ok, err := store.Get(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if ok && encoded != "" {
		return decodeSigner(encoded, alg)
	}

	var (
		signer Signer
		key    any
	)
	switch alg {
	case AlgorithmRSA:
		s, err := GenerateRSASigner()
		if err != nil {
			return nil, err
		}
		signer, key = s, s.key
	case AlgorithmECDSA:
		s, err := GenerateECDSASigner()
		if err != nil {
			return nil, err
		}
		signer, key = s, s.key
	default:
		return nil, fmt.Errorf("unknown signing algorithm %q", alg)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing key: %w", err)
	}
	if err := store.Set(ctx, entry, base64.StdEncoding.EncodeToString(der)); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}
	return signer, nil
}

func decodeSigner(encoded string, want Algorithm) (Signer, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("corrupt signing key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("corrupt signing key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if want != AlgorithmRSA {
			return nil, fmt.Errorf("stored signing key is RSA, not %s", want)
		}
		return NewRSASigner(k), nil
	case *ecdsa.PrivateKey:
		if want != AlgorithmECDSA {
			return nil, fmt.Errorf("stored signing key is ECDSA, not %s", want)
		}
		return NewECDSASigner(k), nil
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", key)
	}
}
