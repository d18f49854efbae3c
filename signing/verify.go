package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidSignature means the signature does not match the message.
var ErrInvalidSignature = errors.New("invalid signature")

// Verify checks a base64 signature over message against a base64 SPKI public
// key. RSA keys are checked as PKCS#1 v1.5 SHA-256 and ECDSA keys as ASN.1
// SHA-256.
func Verify(publicKey, message, signature string) error {
	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	digest := sha256.Sum256([]byte(message))
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig); err != nil {
			return ErrInvalidSignature
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
	return nil
}

// VerifyHeaders checks headers produced by SignatureHeadersWithPublicKey
// against body.
func VerifyHeaders(headers map[string]string, body any) error {
	sig := headers[BodySignatureHeader]
	if sig == "" {
		return fmt.Errorf("missing %s header", BodySignatureHeader)
	}
	pub := headers[PublicKeyHeader]
	if pub == "" {
		return fmt.Errorf("missing %s header", PublicKeyHeader)
	}
	msg, err := CanonicalBody(body)
	if err != nil {
		return err
	}
	return Verify(pub, msg, sig)
}
