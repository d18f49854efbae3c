package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gmemmy/biolink/config"
	"github.com/gmemmy/biolink/pinauth"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitPIN     = 2
)

// command runs one subcommand and returns the value to print.
type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) (any, error)
}

var commands = map[string]command{
	"pin":               {"pin enroll|verify <pin> | pin status | pin clear", runPIN},
	"sign":              {"sign [-header name] <body>", runSign},
	"sign-with-key":     {"sign-with-key [-no-public-key] <body>", runSignWithKey},
	"signing-available": {"signing-available", runSigningAvailable},
	"verify":            {"verify <body> <signature> <public-key>", runVerify},
	"biometric":         {"biometric [-fallback]", runBiometric},
	"backup":            {"backup [-file path]", runBackup},
	"restore":           {"restore [-file path]", runRestore},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("biolinkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "biolink.yaml", "Path to configuration file")
	namespace := fs.String("namespace", "", "PIN and key namespace (overrides config)")
	devMode := fs.Bool("dev-mode", false, "Run in development mode")
	storeBackend := fs.String("store", "", "Secure store backend: memory, sqlite or ssm (overrides config)")
	logLevel := fs.String("log-level", "", "Log level (overrides config)")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr}).With().Timestamp().Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitFailure
	}

	// Override with command line flags
	if *namespace != "" {
		cfg.Namespace = *namespace
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *storeBackend != "" {
		cfg.Store.Backend = *storeBackend
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFailure
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Error().Err(err).Msg("Invalid log level")
		return exitFailure
	}
	log.Logger = log.Logger.Level(level)

	if err := hardenProcess(cfg.DevMode); err != nil {
		log.Warn().Err(err).Msg("Process hardening incomplete")
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return exitFailure
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return exitFailure
	}

	log.Debug().
		Str("version", Version).
		Str("command", fs.Arg(0)).
		Str("namespace", cfg.Namespace).
		Bool("dev_mode", cfg.DevMode).
		Msg("biolinkctl starting")

	a, err := newApp(ctx, cfg, stdin, stderr)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return exitFailure
	}
	defer a.Close()

	result, err := cmd.run(ctx, a, fs.Args()[1:])
	return report(stdout, result, err)
}

func report(stdout io.Writer, result any, err error) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	var pe *pinauth.Error
	switch {
	case errors.As(err, &pe):
		enc.Encode(map[string]any{"error": pe})
		return exitPIN
	case err != nil:
		log.Error().Err(err).Msg("Command failed")
		return exitFailure
	}

	if err := enc.Encode(result); err != nil {
		log.Error().Err(err).Msg("Failed to write result")
		return exitFailure
	}
	return exitOK
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: biolinkctl [flags] <command> [args]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

func usageError(usage string) error {
	return fmt.Errorf("usage: biolinkctl %s", usage)
}
