package pinauth

import (
	"fmt"
	"time"
)

// Policy bounds PIN shape and the attempt limiter.
type Policy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	MinLength       int
	MaxLength       int
}

// DefaultPolicy allows 5 attempts, then locks for 5 minutes. PINs are 4 to 8
// digits.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		LockoutDuration: 5 * time.Minute,
		MinLength:       4,
		MaxLength:       8,
	}
}

// Validate reports whether pin is only ASCII digits with a length inside the
// policy bounds.
func (p Policy) Validate(pin string) bool {
	if len(pin) < p.MinLength || len(pin) > p.MaxLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// Check reports policy values the engine cannot enforce.
func (p Policy) Check() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.LockoutDuration <= 0 {
		return fmt.Errorf("lockout duration must be positive, got %s", p.LockoutDuration)
	}
	if p.MinLength < 1 || p.MaxLength < p.MinLength {
		return fmt.Errorf("invalid PIN length bounds [%d, %d]", p.MinLength, p.MaxLength)
	}
	return nil
}

func (p Policy) lengthMessage() string {
	return fmt.Sprintf("PIN must be %d-%d digits", p.MinLength, p.MaxLength)
}

// ValidatePin checks pin against DefaultPolicy.
func ValidatePin(pin string) bool {
	return DefaultPolicy().Validate(pin)
}

// Keys are the secure-store entries owned by the engine.
type Keys struct {
	Salt        string
	Hash        string
	Attempts    string
	LastAttempt string
}

// DefaultKeys matches the key names used by the mobile apps, so a store
// written by either side is readable by the other.
func DefaultKeys() Keys {
	return Keys{
		Salt:        "app-pin-salt",
		Hash:        "app-pin-hash",
		Attempts:    "app-pin-attempts",
		LastAttempt: "app-pin-last-attempt",
	}
}

// WithNamespace prefixes every key with "ns/". An empty namespace leaves the
// keys unchanged.
func (k Keys) WithNamespace(ns string) Keys {
	if ns == "" {
		return k
	}
	p := ns + "/"
	return Keys{
		Salt:        p + k.Salt,
		Hash:        p + k.Hash,
		Attempts:    p + k.Attempts,
		LastAttempt: p + k.LastAttempt,
	}
}
