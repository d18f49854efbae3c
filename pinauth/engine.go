// Package pinauth implements the app-managed PIN: enrollment as a salted
// hash in a secure store, verification, and an attempt limiter that locks the
// PIN for a fixed window once too many wrong PINs were entered.
//
// All state lives in four secure-store entries (salt, hash, attempt counter,
// last failed attempt) so the engine itself is stateless and any number of
// engines over the same store agree on the PIN.
package pinauth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gmemmy/biolink/events"
	"github.com/gmemmy/biolink/securestore"
)

// namespaceLocks serializes read-modify-write sequences per namespace across
// every Engine in the process.
var namespaceLocks sync.Map // namespace -> *sync.Mutex

func lockFor(namespace string) *sync.Mutex {
	mu, _ := namespaceLocks.LoadOrStore(namespace, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Engine enrolls and verifies a PIN.
type Engine struct {
	store     securestore.Store
	policy    Policy
	keys      Keys
	namespace string
	now       func() time.Time
	random    RandomSource
	digest    Digest
	logger    zerolog.Logger
	sink      events.Sink
	mu        *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithNamespace scopes the engine's keys and lock to ns.
func WithNamespace(ns string) Option {
	return func(e *Engine) {
		e.namespace = ns
		e.keys = DefaultKeys().WithNamespace(ns)
	}
}

// WithKeys overrides the store key names.
func WithKeys(k Keys) Option {
	return func(e *Engine) { e.keys = k }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandomSource sets the salt source. Without it the engine requires a
// working CSPRNG.
func WithRandomSource(src RandomSource) Option {
	return func(e *Engine) { e.random = src }
}

// WithDigest sets the PIN digest. The default is SHA256Digest.
func WithDigest(d Digest) Option {
	return func(e *Engine) { e.digest = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// NewEngine creates an engine over store.
func NewEngine(store securestore.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("pinauth: nil store")
	}
	e := &Engine{
		store:  store,
		policy: DefaultPolicy(),
		keys:   DefaultKeys(),
		now:    time.Now,
		digest: SHA256Digest{},
		logger: log.With().Str("component", "pinauth").Logger(),
		sink:   events.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Check(); err != nil {
		return nil, fmt.Errorf("pinauth: %w", err)
	}
	if e.random == nil {
		src, err := ResolveRandomSource(false)
		if err != nil {
			return nil, fmt.Errorf("pinauth: %w", err)
		}
		e.random = src
	}
	e.mu = lockFor(e.namespace)

	e.logger.Debug().
		Str("namespace", e.namespace).
		Str("salt_source", e.random.Name()).
		Str("digest", e.digest.Name()).
		Msg("PIN engine ready")
	return e, nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy { return e.policy }

// SaltSource names the active random source.
func (e *Engine) SaltSource() string { return e.random.Name() }

// ValidatePin checks pin against the engine's policy.
func (e *Engine) ValidatePin(pin string) bool {
	return e.policy.Validate(pin)
}

func (e *Engine) invalid() error {
	return &Error{Code: CodeInvalid, Message: e.policy.lengthMessage()}
}

// Enroll stores a salted hash of pin, replacing any previous PIN, and clears
// the lockout. Salt and hash are written as one batch.
func (e *Engine) Enroll(ctx context.Context, pin string) error {
	if !e.policy.Validate(pin) {
		return e.invalid()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Debug().Msg("Enrolling PIN")

	salt, err := generateSalt(e.random)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to enroll PIN")
		return err
	}
	hash, err := e.digest.Sum(pin, salt)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to enroll PIN")
		return fmt.Errorf("PIN hashing failed: %w", err)
	}

	if err := securestore.SetAll(ctx, e.store, map[string]string{
		e.keys.Salt: salt,
		e.keys.Hash: hash,
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to enroll PIN")
		return err
	}
	if err := e.clearCounters(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to enroll PIN")
		return err
	}

	e.logger.Info().Msg("PIN enrolled successfully")
	e.publish(ctx, events.PinEnrolled, e.policy.unlockedStatus())
	return nil
}

// Authenticate verifies pin. A nil return means the PIN matched; expected
// failures are *Error values, storage failures are returned as they are.
//
// While locked, calls fail with CodeLocked without counting as an attempt.
func (e *Engine) Authenticate(ctx context.Context, pin string) error {
	if !e.policy.Validate(pin) {
		return e.invalid()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Debug().Msg("Authenticating with PIN")

	err := e.authenticate(ctx, pin)
	if code := CodeOf(err); code != "" {
		e.logger.Warn().Str("code", string(code)).Msg("PIN authentication failed")
	} else if err != nil {
		e.logger.Error().Err(err).Msg("PIN authentication error")
	}
	return err
}

func (e *Engine) authenticate(ctx context.Context, pin string) error {
	now := e.now().UTC().Truncate(time.Millisecond)

	status, err := e.currentStatus(ctx, now)
	if err != nil {
		return err
	}
	if status.IsLocked {
		return &Error{
			Code:          CodeLocked,
			LockoutEndsAt: status.LockoutEndsAt,
			Message:       "PIN is locked due to too many failed attempts",
		}
	}

	salt, _, err := e.store.Get(ctx, e.keys.Salt)
	if err != nil {
		return err
	}
	storedHash, _, err := e.store.Get(ctx, e.keys.Hash)
	if err != nil {
		return err
	}
	if salt == "" || storedHash == "" {
		return &Error{Code: CodeNotEnrolled, Message: "No PIN has been enrolled"}
	}

	providedHash, err := e.digest.Sum(pin, salt)
	if err != nil {
		return fmt.Errorf("PIN hashing failed: %w", err)
	}

	if hashesEqual(providedHash, storedHash) {
		if err := e.clearCounters(ctx); err != nil {
			return err
		}
		e.logger.Info().Msg("PIN authentication successful")
		e.publish(ctx, events.PinAuthenticated, e.policy.unlockedStatus())
		return nil
	}

	attempts := status.TotalAttempts + 1
	if err := securestore.SetAll(ctx, e.store, map[string]string{
		e.keys.Attempts:    strconv.Itoa(attempts),
		e.keys.LastAttempt: formatTimestamp(now),
	}); err != nil {
		return err
	}

	remaining := max(0, e.policy.MaxAttempts-attempts)
	if remaining == 0 {
		ends := now.Add(e.policy.LockoutDuration)
		e.publish(ctx, events.PinLocked, LockoutStatus{
			IsLocked:      true,
			LockoutEndsAt: &ends,
			TotalAttempts: attempts,
		})
		return &Error{
			Code:          CodeLocked,
			LockoutEndsAt: &ends,
			Message:       "PIN is locked due to too many failed attempts",
		}
	}

	e.publish(ctx, events.PinFailed, LockoutStatus{
		RemainingAttempts: remaining,
		TotalAttempts:     attempts,
	})
	return &Error{
		Code:              CodeIncorrect,
		RemainingAttempts: remaining,
		Message:           fmt.Sprintf("Incorrect PIN. %d attempts remaining", remaining),
	}
}

// LockoutStatus reports the limiter state. It never fails: when the store
// cannot be read it logs and returns the unlocked default.
func (e *Engine) LockoutStatus(ctx context.Context) LockoutStatus {
	st, err := e.currentStatus(ctx, e.now())
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to get PIN lockout status")
		return e.policy.unlockedStatus()
	}
	return st
}

// ClearLockout resets the attempt counter and last-attempt timestamp.
func (e *Engine) ClearLockout(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.clearCounters(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to clear PIN lockout")
		return err
	}
	e.logger.Info().Msg("PIN lockout cleared")
	e.publish(ctx, events.PinLockoutClear, e.policy.unlockedStatus())
	return nil
}

// IsEnrolled reports whether both salt and hash are present.
func (e *Engine) IsEnrolled(ctx context.Context) (bool, error) {
	salt, _, err := e.store.Get(ctx, e.keys.Salt)
	if err != nil {
		return false, err
	}
	hash, _, err := e.store.Get(ctx, e.keys.Hash)
	if err != nil {
		return false, err
	}
	return salt != "" && hash != "", nil
}

func (e *Engine) clearCounters(ctx context.Context) error {
	return securestore.SetAll(ctx, e.store, map[string]string{
		e.keys.Attempts:    "0",
		e.keys.LastAttempt: "",
	})
}

func (e *Engine) publish(ctx context.Context, t events.Type, st LockoutStatus) {
	ev := events.New(t, e.namespace, e.now())
	ev.TotalAttempts = st.TotalAttempts
	ev.RemainingAttempts = st.RemainingAttempts
	ev.LockoutEndsAt = st.LockoutEndsAt
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("event_type", string(t)).Msg("Failed to publish PIN event")
	}
}
