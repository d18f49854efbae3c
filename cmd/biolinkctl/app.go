package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gmemmy/biolink/biometric"
	"github.com/gmemmy/biolink/config"
	"github.com/gmemmy/biolink/events"
	"github.com/gmemmy/biolink/pinauth"
	"github.com/gmemmy/biolink/securestore"
	"github.com/gmemmy/biolink/signing"
)

// app holds the components built from configuration for one invocation.
type app struct {
	cfg    *config.Config
	store  securestore.Store
	sqlite *securestore.SQLiteStore
	engine *pinauth.Engine
	gate   *biometric.Gate

	builder *signing.HeaderBuilder

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, stdin io.Reader, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	sink, err := a.eventSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	policy, err := cfg.PIN.Policy()
	if err != nil {
		a.Close()
		return nil, err
	}
	digest, err := pinauth.DigestByName(cfg.PIN.Digest)
	if err != nil {
		a.Close()
		return nil, err
	}
	random, err := pinauth.ResolveRandomSource(cfg.DevMode)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = pinauth.NewEngine(a.store,
		pinauth.WithPolicy(policy),
		pinauth.WithNamespace(cfg.Namespace),
		pinauth.WithDigest(digest),
		pinauth.WithRandomSource(random),
		pinauth.WithEventSink(sink),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gate = biometric.NewGate(newConsolePrompter(stdin, stderr), nil)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	var store securestore.Store

	switch a.cfg.Store.Backend {
	case "memory":
		log.Warn().Msg("Using in-memory secure store, nothing will persist")
		store = securestore.NewMemoryStore()

	case "sqlite":
		master, err := loadMasterKey(a.cfg)
		if err != nil {
			return err
		}
		dek, err := securestore.DeriveDEK(master, a.storeNamespace())
		if err != nil {
			return err
		}
		s, err := securestore.NewSQLiteStore(a.cfg.Store.SQLite.SQLite(a.storeNamespace(), dek))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		a.sqlite = s
		store = s

	case "ssm":
		s, err := securestore.NewSSMStoreFromConfig(ctx, a.cfg.Store.SSM.SSMConfig())
		if err != nil {
			return err
		}
		store = s

	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}

	a.store = securestore.Logged(store, log.With().Str("component", "securestore").Logger())
	return nil
}

func (a *app) storeNamespace() string {
	if a.cfg.Namespace == "" {
		return "default"
	}
	return a.cfg.Namespace
}

func (a *app) eventSink() (events.Sink, error) {
	logSink := events.LogSink{Logger: log.With().Str("component", "events").Logger()}

	switch a.cfg.Events.Sink {
	case "none":
		return events.Nop{}, nil
	case "log":
		return logSink, nil
	case "nats":
		nc, err := events.ConnectNATS(a.cfg.Events.NATS.Events())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Drain)
		natsSink, err := events.NewNATSSink(nc, a.cfg.Events.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		return events.Multi{logSink, natsSink}, nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", a.cfg.Events.Sink)
	}
}

// headerBuilder builds the signer on first use, so PIN commands never create
// a signing key.
func (a *app) headerBuilder(ctx context.Context) (*signing.HeaderBuilder, error) {
	if a.builder != nil {
		return a.builder, nil
	}

	var signer signing.Signer
	switch a.cfg.Signing.Backend {
	case "software":
		alg, err := signing.ParseAlgorithm(a.cfg.Signing.Algorithm)
		if err != nil {
			return nil, err
		}
		alias := a.cfg.Signing.KeyAlias
		if a.cfg.Namespace != "" {
			alias = a.cfg.Namespace + "/" + alias
		}
		signer, err = signing.LoadOrCreateSigner(ctx, a.store, alias, alg)
		if err != nil {
			return nil, err
		}
	case "kms":
		s, err := signing.NewKMSSignerFromConfig(ctx, a.cfg.Signing.KMS.KMSConfig())
		if err != nil {
			return nil, err
		}
		signer = s
	default:
		return nil, fmt.Errorf("unknown signing backend %q", a.cfg.Signing.Backend)
	}

	a.builder = signing.NewHeaderBuilder(signer)
	return a.builder, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}

// loadMasterKey reads the hex master key from the environment-provided
// value or the key file. In dev mode a missing key file is created.
func loadMasterKey(cfg *config.Config) ([]byte, error) {
	sc := cfg.Store.SQLite
	if sc.MasterKey != "" {
		return decodeMasterKey(sc.MasterKey)
	}
	if sc.MasterKeyFile == "" {
		return nil, errors.New("no master key configured")
	}

	data, err := os.ReadFile(sc.MasterKeyFile)
	if err == nil {
		return decodeMasterKey(string(data))
	}
	if !os.IsNotExist(err) || !cfg.DevMode {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	log.Warn().Str("path", sc.MasterKeyFile).Msg("SECURITY WARNING: generating master key file in dev mode")
	key, err := securestore.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(sc.MasterKeyFile, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	return key, nil
}

func decodeMasterKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("master key is not hex: %w", err)
	}
	if len(key) < securestore.MasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", securestore.MasterKeySize)
	}
	return key, nil
}

// consolePrompter stands in for a platform biometric prompt by asking for
// confirmation on the terminal.
type consolePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newConsolePrompter(in io.Reader, out io.Writer) *consolePrompter {
	return &consolePrompter{in: bufio.NewReader(in), out: out}
}

func (p *consolePrompter) Prompt(ctx context.Context, fallback bool) (bool, error) {
	msg := "Confirm identity"
	if fallback {
		msg += " (device credential allowed)"
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", msg)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.err != io.EOF {
			return false, ans.err
		}
		switch strings.ToLower(strings.TrimSpace(ans.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
