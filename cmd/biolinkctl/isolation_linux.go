//go:build linux

package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// hardenProcess keeps PINs and keys held in memory out of core dumps.
func hardenProcess(devMode bool) error {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, core dumps not disabled")
		return nil
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("failed to disable core dumps: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to clear dumpable flag: %w", err)
	}
	return nil
}
