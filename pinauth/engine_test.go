package pinauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gmemmy/biolink/events"
	"github.com/gmemmy/biolink/securestore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingStore records calls and can be told to fail.
type countingStore struct {
	inner    *securestore.MemoryStore
	mu       sync.Mutex
	gets     int
	sets     int
	failGets error
	failSets error
}

func newCountingStore() *countingStore {
	return &countingStore{inner: securestore.NewMemoryStore()}
}

func (s *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	s.gets++
	err := s.failGets
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return s.inner.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.sets++
	err := s.failSets
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, value)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestEngine(t *testing.T, store securestore.Store, clock *fakeClock, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(clock.Now),
		WithLogger(zerolog.Nop()),
		WithNamespace(t.Name()),
	}
	e, err := NewEngine(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PIN error %s, got %v", code, err)
	}
	if pe.Code != code {
		t.Fatalf("Expected code %s, got %s (%s)", code, pe.Code, pe.Message)
	}
	return pe
}

func TestValidatePin(t *testing.T) {
	tests := []struct {
		pin  string
		want bool
	}{
		{"1234", true},
		{"12345678", true},
		{"0000", true},
		{"", false},
		{"123", false},
		{"123456789", false},
		{"12a4", false},
		{" 1234", false},
		{"12.4", false},
		{"-123", false},
		{"١٢٣٤", false}, // Arabic-Indic digits
	}
	for _, tt := range tests {
		if got := ValidatePin(tt.pin); got != tt.want {
			t.Errorf("ValidatePin(%q) = %v, want %v", tt.pin, got, tt.want)
		}
	}
}

func TestEnrollThenAuthenticate(t *testing.T) {
	ctx := context.Background()
	for _, pin := range []string{"1234", "00000", "987654", "1111111", "12345678"} {
		store := securestore.NewMemoryStore()
		e := newTestEngine(t, store, newFakeClock())

		if err := e.Enroll(ctx, pin); err != nil {
			t.Fatalf("Enroll(%q) failed: %v", pin, err)
		}
		if err := e.Authenticate(ctx, pin); err != nil {
			t.Fatalf("Authenticate(%q) failed: %v", pin, err)
		}
		if st := e.LockoutStatus(ctx); st.TotalAttempts != 0 || st.IsLocked {
			t.Errorf("Expected clean status after success, got %+v", st)
		}
	}
}

func TestInvalidPinNeverTouchesStore(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	e := newTestEngine(t, store, newFakeClock())
	store.gets, store.sets = 0, 0

	for _, pin := range []string{"", "12", "123456789", "abcd", "12 34"} {
		requireCode(t, e.Enroll(ctx, pin), CodeInvalid)
		pe := requireCode(t, e.Authenticate(ctx, pin), CodeInvalid)
		if pe.Message != "PIN must be 4-8 digits" {
			t.Errorf("Unexpected message %q", pe.Message)
		}
	}
	if store.gets != 0 || store.sets != 0 {
		t.Errorf("Expected no store calls, got %d gets and %d sets", store.gets, store.sets)
	}
}

func TestAuthenticate_NotEnrolled(t *testing.T) {
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock())
	requireCode(t, e.Authenticate(context.Background(), "1234"), CodeNotEnrolled)

	enrolled, err := e.IsEnrolled(context.Background())
	if err != nil || enrolled {
		t.Errorf("Expected not enrolled, got %v (err %v)", enrolled, err)
	}
}

func TestAuthenticate_IncorrectThenCorrect(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock())

	if err := e.Enroll(ctx, "1234"); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	for _, want := range []int{4, 3, 2} {
		pe := requireCode(t, e.Authenticate(ctx, "0000"), CodeIncorrect)
		if pe.RemainingAttempts != want {
			t.Errorf("Expected %d remaining attempts, got %d", want, pe.RemainingAttempts)
		}
	}
	if st := e.LockoutStatus(ctx); st.TotalAttempts != 3 || st.RemainingAttempts != 2 {
		t.Errorf("Expected 3 attempts recorded, got %+v", st)
	}

	if err := e.Authenticate(ctx, "1234"); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if st := e.LockoutStatus(ctx); st.TotalAttempts != 0 {
		t.Errorf("Expected attempts reset after success, got %d", st.TotalAttempts)
	}
}

func TestAuthenticate_LocksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newCountingStore()
	e := newTestEngine(t, store, clock)

	if err := e.Enroll(ctx, "1234"); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	for i := 1; i <= 4; i++ {
		requireCode(t, e.Authenticate(ctx, "9999"), CodeIncorrect)
	}
	pe := requireCode(t, e.Authenticate(ctx, "9999"), CodeLocked)
	if pe.RemainingAttempts != 0 {
		t.Errorf("Expected 0 remaining attempts, got %d", pe.RemainingAttempts)
	}
	wantEnds := clock.Now().Truncate(time.Millisecond).Add(5 * time.Minute)
	if pe.LockoutEndsAt == nil || !pe.LockoutEndsAt.Equal(wantEnds) {
		t.Errorf("Expected lockout to end at %v, got %v", wantEnds, pe.LockoutEndsAt)
	}

	// Further calls, even with the right PIN, are refused without being counted.
	clock.Advance(time.Minute)
	setsBefore := store.sets
	pe = requireCode(t, e.Authenticate(ctx, "9999"), CodeLocked)
	if pe.RemainingAttempts != 0 || pe.LockoutEndsAt == nil || !pe.LockoutEndsAt.Equal(wantEnds) {
		t.Errorf("Unexpected locked error %+v", pe)
	}
	requireCode(t, e.Authenticate(ctx, "1234"), CodeLocked)
	if store.sets != setsBefore {
		t.Errorf("Expected no writes while locked, got %d", store.sets-setsBefore)
	}

	st := e.LockoutStatus(ctx)
	if !st.IsLocked || st.TotalAttempts != 5 || st.RemainingAttempts != 0 {
		t.Errorf("Unexpected status %+v", st)
	}
}

func TestLockout_ExpiresWithoutReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, securestore.NewMemoryStore(), clock)

	e.Enroll(ctx, "1234")
	for i := 0; i < 5; i++ {
		e.Authenticate(ctx, "0000")
	}
	if !e.LockoutStatus(ctx).IsLocked {
		t.Fatal("Expected PIN to be locked")
	}

	clock.Advance(5 * time.Minute)
	st := e.LockoutStatus(ctx)
	if st.IsLocked || st.LockoutEndsAt != nil {
		t.Errorf("Expected lock to lapse, got %+v", st)
	}
	// The raw counter is left as is until the next success or clear.
	if st.TotalAttempts != 5 || st.RemainingAttempts != 0 {
		t.Errorf("Expected stale counter 5/0, got %d/%d", st.TotalAttempts, st.RemainingAttempts)
	}

	// One more wrong PIN starts a new window straight away.
	requireCode(t, e.Authenticate(ctx, "0000"), CodeLocked)
	if got := e.LockoutStatus(ctx).TotalAttempts; got != 6 {
		t.Errorf("Expected 6 attempts, got %d", got)
	}

	clock.Advance(5*time.Minute + time.Millisecond)
	if err := e.Authenticate(ctx, "1234"); err != nil {
		t.Fatalf("Expected success after window, got %v", err)
	}
	if st := e.LockoutStatus(ctx); st.TotalAttempts != 0 || st.RemainingAttempts != 5 {
		t.Errorf("Expected reset status, got %+v", st)
	}
}

func TestLockoutStatus_StaleTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := securestore.NewMemoryStore()
	e := newTestEngine(t, store, clock, WithKeys(DefaultKeys()))

	store.Set(ctx, "app-pin-attempts", "7")
	store.Set(ctx, "app-pin-last-attempt", formatTimestamp(clock.Now().Add(-10*time.Minute)))

	st := e.LockoutStatus(ctx)
	if st.IsLocked {
		t.Error("Expected stale lockout to read unlocked")
	}
	if st.TotalAttempts != 7 {
		t.Errorf("Expected 7 attempts, got %d", st.TotalAttempts)
	}

	// Written by the mobile app with millisecond precision.
	store.Set(ctx, "app-pin-last-attempt", "2026-03-14T09:25:00.000Z")
	st = e.LockoutStatus(ctx)
	want := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if !st.IsLocked || st.LockoutEndsAt == nil || !st.LockoutEndsAt.Equal(want) {
		t.Errorf("Expected lock until %v, got %+v", want, st)
	}

	// Max attempts without a timestamp has no window to be locked in.
	store.Set(ctx, "app-pin-last-attempt", "")
	if e.LockoutStatus(ctx).IsLocked {
		t.Error("Expected no lock without a last-attempt timestamp")
	}
}

func TestLockoutStatus_SafeDefaultOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	e := newTestEngine(t, store, newFakeClock())

	store.failGets = errors.New("keystore unavailable")
	st := e.LockoutStatus(ctx)
	want := LockoutStatus{IsLocked: false, RemainingAttempts: 5, TotalAttempts: 0}
	if st.IsLocked != want.IsLocked || st.RemainingAttempts != want.RemainingAttempts ||
		st.TotalAttempts != want.TotalAttempts || st.LockoutEndsAt != nil {
		t.Errorf("Expected safe default %+v, got %+v", want, st)
	}

	store.failGets = nil
	store.inner.Set(ctx, e.keys.Attempts, "not-a-number")
	if st := e.LockoutStatus(ctx); st.RemainingAttempts != 5 || st.IsLocked {
		t.Errorf("Expected safe default for corrupt counter, got %+v", st)
	}
}

func TestStoreFailuresAreNotPinErrors(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	e := newTestEngine(t, store, newFakeClock())

	boom := errors.New("keystore unavailable")
	store.failSets = boom
	if err := e.Enroll(ctx, "1234"); !errors.Is(err, boom) || CodeOf(err) != "" {
		t.Errorf("Expected raw store error from Enroll, got %v", err)
	}
	if err := e.ClearLockout(ctx); !errors.Is(err, boom) {
		t.Errorf("Expected raw store error from ClearLockout, got %v", err)
	}

	store.failSets = nil
	store.failGets = boom
	if err := e.Authenticate(ctx, "1234"); !errors.Is(err, boom) || CodeOf(err) != "" {
		t.Errorf("Expected raw store error from Authenticate, got %v", err)
	}
}

func TestClearLockout(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock())

	// Idempotent on a fresh store.
	if err := e.ClearLockout(ctx); err != nil {
		t.Fatalf("ClearLockout failed: %v", err)
	}

	e.Enroll(ctx, "1234")
	for i := 0; i < 5; i++ {
		e.Authenticate(ctx, "0000")
	}
	if err := e.ClearLockout(ctx); err != nil {
		t.Fatalf("ClearLockout failed: %v", err)
	}
	st := e.LockoutStatus(ctx)
	if st.IsLocked || st.TotalAttempts != 0 || st.RemainingAttempts != 5 {
		t.Errorf("Expected cleared status, got %+v", st)
	}
	if err := e.Authenticate(ctx, "1234"); err != nil {
		t.Errorf("Expected success after clear, got %v", err)
	}
}

func TestEnroll_ReplacesPinAndClearsLockout(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock())

	e.Enroll(ctx, "1234")
	for i := 0; i < 5; i++ {
		e.Authenticate(ctx, "0000")
	}
	if err := e.Enroll(ctx, "5678"); err != nil {
		t.Fatalf("Re-enroll failed: %v", err)
	}
	if e.LockoutStatus(ctx).IsLocked {
		t.Error("Expected enrollment to clear the lockout")
	}
	requireCode(t, e.Authenticate(ctx, "1234"), CodeIncorrect)
	if err := e.Authenticate(ctx, "5678"); err != nil {
		t.Errorf("Expected new PIN to work, got %v", err)
	}
}

func TestEnroll_StoredFormat(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := securestore.NewMemoryStore()
	e := newTestEngine(t, store, clock, WithKeys(DefaultKeys()))

	e.Enroll(ctx, "2468")
	salt, _, _ := store.Get(ctx, "app-pin-salt")
	hash, _, _ := store.Get(ctx, "app-pin-hash")

	if len(salt) != 32 {
		t.Errorf("Expected 32 hex chars of salt, got %q", salt)
	}
	sum := sha256.Sum256([]byte("2468" + salt))
	if hash != hex.EncodeToString(sum[:]) {
		t.Errorf("Expected hex SHA-256 of pin+salt, got %q", hash)
	}

	e.Authenticate(ctx, "0000")
	last, _, _ := store.Get(ctx, "app-pin-last-attempt")
	if last != "2026-03-14T09:26:53.589Z" {
		t.Errorf("Unexpected last-attempt format %q", last)
	}
	attempts, _, _ := store.Get(ctx, "app-pin-attempts")
	if attempts != "1" {
		t.Errorf("Expected attempts '1', got %q", attempts)
	}

	e.Enroll(ctx, "2468")
	salt2, _, _ := store.Get(ctx, "app-pin-salt")
	if salt2 == salt {
		t.Error("Expected a fresh salt on re-enrollment")
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()
	clock := newFakeClock()
	alice := newTestEngine(t, store, clock, WithNamespace("alice"))
	bob := newTestEngine(t, store, clock, WithNamespace("bob"))

	alice.Enroll(ctx, "1234")
	requireCode(t, bob.Authenticate(ctx, "1234"), CodeNotEnrolled)

	bob.Enroll(ctx, "4321")
	alice.Authenticate(ctx, "4321")
	if got := bob.LockoutStatus(ctx).TotalAttempts; got != 0 {
		t.Errorf("Expected bob untouched by alice's failure, got %d attempts", got)
	}
}

func TestAuthenticate_ConcurrentFailuresAllCounted(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.MaxAttempts = 50
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock(), WithPolicy(policy))
	e.Enroll(ctx, "1234")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Authenticate(ctx, "0000")
		}()
	}
	wg.Wait()

	if got := e.LockoutStatus(ctx).TotalAttempts; got != 20 {
		t.Errorf("Expected 20 attempts, got %d", got)
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	policy := DefaultPolicy()
	policy.MaxAttempts = 2
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock(), WithEventSink(sink), WithPolicy(policy))

	e.Enroll(ctx, "1234")
	e.Authenticate(ctx, "0000")
	e.Authenticate(ctx, "0000")
	e.Authenticate(ctx, "0000") // locked, no event
	e.ClearLockout(ctx)
	e.Authenticate(ctx, "1234")

	want := []events.Type{
		events.PinEnrolled,
		events.PinFailed,
		events.PinLocked,
		events.PinLockoutClear,
		events.PinAuthenticated,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if sink.events[2].LockoutEndsAt == nil {
		t.Error("Expected lock event to carry its end time")
	}
}

func TestArgon2idDigest(t *testing.T) {
	ctx := context.Background()
	digest := Argon2idDigest{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32}
	e := newTestEngine(t, securestore.NewMemoryStore(), newFakeClock(), WithDigest(digest))

	if err := e.Enroll(ctx, "13579"); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if err := e.Authenticate(ctx, "13579"); err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	requireCode(t, e.Authenticate(ctx, "97531"), CodeIncorrect)
}

func TestNewEngine_RejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(securestore.NewMemoryStore(), WithPolicy(Policy{MaxAttempts: 0, LockoutDuration: time.Minute, MinLength: 4, MaxLength: 8}))
	if err == nil {
		t.Error("Expected error for zero max attempts")
	}
	if _, err := NewEngine(nil); err == nil {
		t.Error("Expected error for nil store")
	}
}
