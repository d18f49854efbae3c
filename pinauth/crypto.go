package pinauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// RandomSource fills salts.
type RandomSource interface {
	Name() string
	Read(p []byte) error
}

// CryptoRandom reads from the operating system CSPRNG.
type CryptoRandom struct{}

func (CryptoRandom) Name() string { return "crypto/rand" }

func (CryptoRandom) Read(p []byte) error {
	_, err := rand.Read(p)
	return err
}

// FallbackRandom is a ChaCha8 generator seeded from the wall clock. Its output
// is predictable to anyone who can guess the seed time; it exists only for
// platforms without a working CSPRNG and must be opted into.
type FallbackRandom struct {
	mu  sync.Mutex
	rng *mrand.ChaCha8
}

// NewFallbackRandom seeds a FallbackRandom from the current time.
func NewFallbackRandom() *FallbackRandom {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	return &FallbackRandom{rng: mrand.NewChaCha8(seed)}
}

func (f *FallbackRandom) Name() string { return "math/rand (weak fallback)" }

func (f *FallbackRandom) Read(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.rng.Read(p)
	return err
}

// ResolveRandomSource probes the CSPRNG once. When it fails, the weak
// fallback is returned only if allowFallback is set.
func ResolveRandomSource(allowFallback bool) (RandomSource, error) {
	probe := make([]byte, saltSize)
	src := CryptoRandom{}
	err := src.Read(probe)
	if err == nil {
		return src, nil
	}
	if !allowFallback {
		return nil, fmt.Errorf("no cryptographic random source: %w", err)
	}
	return NewFallbackRandom(), nil
}

func generateSalt(src RandomSource) (string, error) {
	b := make([]byte, saltSize)
	if err := src.Read(b); err != nil {
		return "", fmt.Errorf("salt generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Digest hashes a PIN with its salt into the stored string form.
type Digest interface {
	Name() string
	Sum(pin, salt string) (string, error)
}

// SHA256Digest is hex(SHA-256(pin ++ salt)), the format the mobile apps write.
type SHA256Digest struct{}

func (SHA256Digest) Name() string { return "sha256" }

func (SHA256Digest) Sum(pin, salt string) (string, error) {
	sum := sha256.Sum256([]byte(pin + salt))
	return hex.EncodeToString(sum[:]), nil
}

// Argon2idDigest is hex(Argon2id(pin, salt)). Hashes it writes are not
// readable by SHA256Digest, so switching digests requires re-enrollment.
type Argon2idDigest struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
}

// DefaultArgon2id matches the vault's time and parallelism parameters with a
// memory cost sized for phones.
func DefaultArgon2id() Argon2idDigest {
	return Argon2idDigest{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		KeyLen:    32,
	}
}

func (Argon2idDigest) Name() string { return "argon2id" }

func (d Argon2idDigest) Sum(pin, salt string) (string, error) {
	key := argon2.IDKey([]byte(pin), []byte(salt), d.Time, d.MemoryKiB, d.Threads, d.KeyLen)
	return hex.EncodeToString(key), nil
}

// DigestByName resolves a configured digest name.
func DigestByName(name string) (Digest, error) {
	switch name {
	case "", "sha256":
		return SHA256Digest{}, nil
	case "argon2id":
		return DefaultArgon2id(), nil
	default:
		return nil, fmt.Errorf("unknown PIN digest %q", name)
	}
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
