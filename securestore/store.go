// Package securestore provides the encrypted key-value persistence that the
// PIN engine and the software signers build on.
//
// Every implementation stores string values by string key. A missing key is
// reported as ok == false, never as an error; errors are reserved for the
// storage layer itself failing.
package securestore

import (
	"context"
	"errors"
	"sort"
)

// Store is the secure key-value capability.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// BatchSetter is implemented by stores that can write several keys as one
// logical step.
type BatchSetter interface {
	SetMany(ctx context.Context, values map[string]string) error
}

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("securestore: store closed")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("securestore: key must not be empty")
)

// SetAll writes values through SetMany when the store supports it, and falls
// back to sequential Set calls in key order otherwise.
func SetAll(ctx context.Context, store Store, values map[string]string) error {
	if bs, ok := store.(BatchSetter); ok {
		return bs.SetMany(ctx, values)
	}
	for _, k := range sortedKeys(values) {
		if err := store.Set(ctx, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
