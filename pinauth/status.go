package pinauth

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// timestampLayout is ISO-8601 in UTC with milliseconds, as JavaScript's
// Date.toISOString writes it.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// LockoutStatus is the derived limiter state.
type LockoutStatus struct {
	IsLocked          bool       `json:"isLocked"`
	RemainingAttempts int        `json:"remainingAttempts"`
	LockoutEndsAt     *time.Time `json:"lockoutEndsAt,omitempty"`
	TotalAttempts     int        `json:"totalAttempts"`
}

func (p Policy) unlockedStatus() LockoutStatus {
	return LockoutStatus{RemainingAttempts: p.MaxAttempts}
}

// statusAt derives the status from the raw counters. The lock only holds
// while now is inside the window that started at the last failure; after it
// elapses the status reads unlocked even though attempts is left as is.
func (p Policy) statusAt(attempts int, lastAttempt *time.Time, now time.Time) LockoutStatus {
	st := LockoutStatus{
		RemainingAttempts: max(0, p.MaxAttempts-attempts),
		TotalAttempts:     attempts,
	}
	if attempts >= p.MaxAttempts && lastAttempt != nil {
		ends := lastAttempt.Add(p.LockoutDuration)
		if now.Before(ends) {
			st.IsLocked = true
			st.LockoutEndsAt = &ends
		}
	}
	return st
}

// readCounters loads the attempts counter and last-attempt timestamp. Absent
// and empty values mean zero and none.
func (e *Engine) readCounters(ctx context.Context) (int, *time.Time, error) {
	rawAttempts, _, err := e.store.Get(ctx, e.keys.Attempts)
	if err != nil {
		return 0, nil, err
	}
	rawLast, _, err := e.store.Get(ctx, e.keys.LastAttempt)
	if err != nil {
		return 0, nil, err
	}

	attempts := 0
	if rawAttempts != "" {
		attempts, err = strconv.Atoi(rawAttempts)
		if err != nil || attempts < 0 {
			return 0, nil, fmt.Errorf("corrupt attempt counter %q", rawAttempts)
		}
	}

	var last *time.Time
	if rawLast != "" {
		t, err := time.Parse(time.RFC3339, rawLast)
		if err != nil {
			return 0, nil, fmt.Errorf("corrupt last-attempt timestamp %q: %w", rawLast, err)
		}
		last = &t
	}
	return attempts, last, nil
}

func (e *Engine) currentStatus(ctx context.Context, now time.Time) (LockoutStatus, error) {
	attempts, last, err := e.readCounters(ctx)
	if err != nil {
		return LockoutStatus{}, err
	}
	return e.policy.statusAt(attempts, last, now), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
