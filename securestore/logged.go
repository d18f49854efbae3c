package securestore

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggedStore logs every call to the wrapped Store. Key names are logged,
// values never are.
type LoggedStore struct {
	next   Store
	logger zerolog.Logger
}

// Logged wraps store with call logging.
func Logged(store Store, logger zerolog.Logger) *LoggedStore {
	return &LoggedStore{next: store, logger: logger}
}

func (s *LoggedStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.logger.Debug().Str("key", key).Msg("Retrieving secret")
	v, ok, err := s.next.Get(ctx, key)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to retrieve secret")
	case ok:
		s.logger.Debug().Str("key", key).Msg("Secret retrieved")
	default:
		s.logger.Debug().Str("key", key).Msg("No secret found")
	}
	return v, ok, err
}

func (s *LoggedStore) Set(ctx context.Context, key, value string) error {
	s.logger.Debug().Str("key", key).Msg("Storing secret")
	if err := s.next.Set(ctx, key, value); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to store secret")
		return err
	}
	s.logger.Debug().Str("key", key).Msg("Secret stored")
	return nil
}

// SetMany forwards to the wrapped store, keeping its batching if it has any.
func (s *LoggedStore) SetMany(ctx context.Context, values map[string]string) error {
	keys := sortedKeys(values)
	s.logger.Debug().Strs("keys", keys).Msg("Storing secrets")
	if err := SetAll(ctx, s.next, values); err != nil {
		s.logger.Error().Err(err).Strs("keys", keys).Msg("Failed to store secrets")
		return err
	}
	s.logger.Debug().Strs("keys", keys).Msg("Secrets stored")
	return nil
}
