//go:build !linux

package main

import (
	"runtime"

	"github.com/rs/zerolog/log"
)

func hardenProcess(devMode bool) error {
	if !devMode {
		log.Warn().Str("os", runtime.GOOS).Msg("Process hardening only supported on Linux")
	}
	return nil
}
