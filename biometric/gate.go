// Package biometric wraps a platform biometric prompt as a pass/fail check.
package biometric

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prompter shows the platform prompt and reports whether the user passed.
// With fallbackToDeviceCredential the platform may accept the device
// passcode instead of a biometric.
type Prompter interface {
	Prompt(ctx context.Context, fallbackToDeviceCredential bool) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, fallbackToDeviceCredential bool) (bool, error)

func (f PrompterFunc) Prompt(ctx context.Context, fallback bool) (bool, error) {
	return f(ctx, fallback)
}

// Gate runs a Prompter and logs the outcome.
type Gate struct {
	prompter Prompter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGate creates a gate over prompter.
func NewGate(prompter Prompter, logger *zerolog.Logger) *Gate {
	g := &Gate{
		prompter: prompter,
		logger:   log.With().Str("component", "biometric").Logger(),
		now:      time.Now,
	}
	if logger != nil {
		g.logger = *logger
	}
	return g
}

// SignIn prompts once. A false result means the user was not verified; an
// error means the prompt itself failed. There is no retry.
func (g *Gate) SignIn(ctx context.Context, fallbackToDeviceCredential bool) (bool, error) {
	start := g.now()
	g.logger.Debug().
		Bool("fallback_to_device_credential", fallbackToDeviceCredential).
		Msg("Starting biometric authentication")

	ok, err := g.prompter.Prompt(ctx, fallbackToDeviceCredential)
	latency := g.now().Sub(start)
	if err != nil {
		g.logger.Error().Err(err).Dur("latency", latency).Msg("Biometric authentication failed with error")
		return false, err
	}

	if ok {
		g.logger.Info().Dur("latency", latency).Msg("Biometric authentication successful")
	} else {
		g.logger.Warn().Dur("latency", latency).Msg("Biometric authentication failed")
	}
	return ok, nil
}
