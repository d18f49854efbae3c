package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/gmemmy/biolink/securestore"
	"github.com/gmemmy/biolink/signing"
)

func runPIN(ctx context.Context, a *app, args []string) (any, error) {
	const usage = "pin enroll|verify <pin> | pin status | pin clear"
	if len(args) == 0 {
		return nil, usageError(usage)
	}

	switch args[0] {
	case "enroll", "verify":
		if len(args) != 2 {
			return nil, usageError(usage)
		}
		if args[0] == "enroll" {
			if err := a.engine.Enroll(ctx, args[1]); err != nil {
				return nil, err
			}
			return map[string]bool{"enrolled": true}, nil
		}
		if err := a.engine.Authenticate(ctx, args[1]); err != nil {
			return nil, err
		}
		return map[string]bool{"authenticated": true}, nil

	case "status":
		enrolled, err := a.engine.IsEnrolled(ctx)
		if err != nil {
			return nil, err
		}
		return struct {
			Enrolled bool `json:"enrolled"`
			Lockout  any  `json:"lockout"`
		}{enrolled, a.engine.LockoutStatus(ctx)}, nil

	case "clear":
		if err := a.engine.ClearLockout(ctx); err != nil {
			return nil, err
		}
		return a.engine.LockoutStatus(ctx), nil

	default:
		return nil, usageError(usage)
	}
}

func runSign(ctx context.Context, a *app, args []string) (any, error) {
	const usage = "sign [-header name] <body>"
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	header := fs.String("header", "", "Signature header name")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return nil, usageError(usage)
	}

	b, err := a.headerBuilder(ctx)
	if err != nil {
		return nil, err
	}
	return b.SignatureHeaders(ctx, fs.Arg(0), *header)
}

func runSignWithKey(ctx context.Context, a *app, args []string) (any, error) {
	const usage = "sign-with-key [-no-public-key] <body>"
	fs := flag.NewFlagSet("sign-with-key", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	noPublicKey := fs.Bool("no-public-key", false, "Omit the public key header")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return nil, usageError(usage)
	}

	b, err := a.headerBuilder(ctx)
	if err != nil {
		return nil, err
	}
	return b.SignatureHeadersWithPublicKey(ctx, fs.Arg(0), !*noPublicKey)
}

func runSigningAvailable(ctx context.Context, a *app, args []string) (any, error) {
	if len(args) != 0 {
		return nil, usageError("signing-available")
	}
	b, err := a.headerBuilder(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Signer could not be created")
		return map[string]bool{"available": false}, nil
	}
	return map[string]bool{"available": b.IsSigningAvailable(ctx)}, nil
}

func runVerify(_ context.Context, _ *app, args []string) (any, error) {
	if len(args) != 3 {
		return nil, usageError("verify <body> <signature> <public-key>")
	}
	if err := signing.Verify(args[2], args[0], args[1]); err != nil {
		return nil, err
	}
	return map[string]bool{"valid": true}, nil
}

func runBiometric(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("biometric", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fallback := fs.Bool("fallback", false, "Allow the device credential instead of a biometric")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return nil, usageError("biometric [-fallback]")
	}

	ok, err := a.gate.SignIn(ctx, *fallback)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"authenticated": ok}, nil
}

func runBackup(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "Write the backup to a local file instead of S3")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return nil, usageError("backup [-file path]")
	}
	if a.sqlite == nil {
		return nil, errors.New("backup requires the sqlite store backend")
	}

	backup, err := a.sqlite.CreateBackup(ctx)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"namespace":        backup.Namespace,
		"rollback_counter": backup.RollbackCounter,
	}
	if *file != "" {
		data, err := json.Marshal(backup)
		if err != nil {
			return nil, fmt.Errorf("failed to encode backup: %w", err)
		}
		if err := os.WriteFile(*file, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write backup: %w", err)
		}
		result["file"] = *file
		return result, nil
	}

	sink, err := a.backupSink(ctx)
	if err != nil {
		return nil, err
	}
	if err := sink.Upload(ctx, backup); err != nil {
		return nil, err
	}
	result["bucket"] = a.cfg.Backup.Bucket
	result["key"] = sink.ObjectKey(backup.Namespace)
	return result, nil
}

func runRestore(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "Read the backup from a local file instead of S3")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return nil, usageError("restore [-file path]")
	}
	if a.sqlite == nil {
		return nil, errors.New("restore requires the sqlite store backend")
	}

	var backup *securestore.Backup
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return nil, fmt.Errorf("failed to read backup: %w", err)
		}
		backup = &securestore.Backup{}
		if err := json.Unmarshal(data, backup); err != nil {
			return nil, fmt.Errorf("failed to decode backup: %w", err)
		}
	} else {
		sink, err := a.backupSink(ctx)
		if err != nil {
			return nil, err
		}
		backup, err = sink.Download(ctx, a.storeNamespace())
		if err != nil {
			return nil, err
		}
	}

	if err := a.sqlite.RestoreBackup(ctx, backup); err != nil {
		return nil, err
	}
	return map[string]any{
		"restored":         true,
		"rollback_counter": a.sqlite.RollbackCounter(),
	}, nil
}

func (a *app) backupSink(ctx context.Context) (*securestore.S3BackupSink, error) {
	if a.cfg.Backup.Bucket == "" {
		return nil, errors.New("no backup bucket configured")
	}
	return securestore.NewS3BackupSinkFromConfig(ctx, a.cfg.Backup.S3Config())
}
