package events

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string
	CredentialsFile string
	SubjectPrefix   string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// Publisher is the part of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes CBOR-encoded events to
// "<prefix>.<namespace>.<event type>".
type NATSSink struct {
	pub    Publisher
	prefix string
	enc    cbor.EncMode
}

// NewNATSSink creates a sink over an existing connection.
func NewNATSSink(pub Publisher, subjectPrefix string) (*NATSSink, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR encoder: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "biolink"
	}
	return &NATSSink{pub: pub, prefix: subjectPrefix, enc: enc}, nil
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e Event) string {
	ns := e.Namespace
	if ns == "" {
		ns = "default"
	}
	// Subject tokens cannot contain separators or whitespace.
	ns = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_").Replace(ns)
	return s.prefix + "." + ns + "." + string(e.Type)
}

func (s *NATSSink) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.enc.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(e), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Decode parses a CBOR event payload.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

// ConnectNATS dials NATS with reconnect handling and optional credentials.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("biolink"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		} else {
			log.Warn().Str("path", cfg.CredentialsFile).Msg("NATS credentials file not found, connecting without it")
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}
