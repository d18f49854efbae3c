package pinauth

import (
	"errors"
	"time"
)

// Code classifies an expected PIN failure. UI code should branch on the
// code, never on the message.
type Code string

const (
	// CodeInvalid: the PIN is malformed. Storage was not touched.
	CodeInvalid Code = "PIN_INVALID"
	// CodeNotEnrolled: no PIN has been enrolled yet.
	CodeNotEnrolled Code = "PIN_NOT_ENROLLED"
	// CodeIncorrect: the PIN did not match. RemainingAttempts is set.
	CodeIncorrect Code = "PIN_INCORRECT"
	// CodeLocked: too many failures. LockoutEndsAt is set when known.
	CodeLocked Code = "PIN_LOCKED"
)

// Error is the typed outcome of a failed PIN operation. Storage failures are
// never reported as *Error.
type Error struct {
	Code              Code       `json:"code"`
	RemainingAttempts int        `json:"remainingAttempts"`
	LockoutEndsAt     *time.Time `json:"lockoutEndsAt,omitempty"`
	Message           string     `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// CodeOf returns the Code of err, or "" when err is not a PIN error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err is a PIN error with the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
