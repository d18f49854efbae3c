package securestore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the length of a master key accepted by DeriveDEK.
const MasterKeySize = 32

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveDEK derives the data encryption key for a namespace from a master
// key using HKDF-SHA256. Different namespaces get unrelated keys.
func DeriveDEK(master []byte, namespace string) ([]byte, error) {
	if len(master) < MasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", MasterKeySize)
	}
	return deriveSubkey(master, "biolink securestore dek:"+namespace)
}

func deriveSubkey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty key material")
	}
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return out, nil
}
