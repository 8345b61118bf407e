// Package config holds the runtime configuration of the cmdgate server.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/synadia-labs/cmdgate/codec"
)

// Config is the server configuration. Every field is read from a
// CMDGATE_ environment variable.
type Config struct {
	Addr            string        `env:"CMDGATE_ADDR" envDefault:":8080"`
	AllowedOrigins  []string      `env:"CMDGATE_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	LegacyStatus    bool          `env:"CMDGATE_LEGACY_STATUS"`
	MaxBodyBytes    int64         `env:"CMDGATE_MAX_BODY_BYTES" envDefault:"1048576"`
	ShutdownTimeout time.Duration `env:"CMDGATE_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// NatsURL enables the event store when set.
	NatsURL string `env:"CMDGATE_NATS_URL"`
	Stream  string `env:"CMDGATE_STREAM" envDefault:"cmdgate"`
	Codec   string `env:"CMDGATE_CODEC" envDefault:"json"`

	// SchemaDir holds "<command type>.json" schemas for payload validation.
	SchemaDir string `env:"CMDGATE_SCHEMA_DIR"`

	OtelEndpoint string `env:"CMDGATE_OTEL_ENDPOINT"`
}

// eventCodecs are the codecs able to store the built-in event types, which
// are plain structs.
var eventCodecs = []string{"json", "msgpack"}

// Load reads and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: address required")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("config: at least one allowed origin required")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !slices.Contains(eventCodecs, c.Codec) {
		return fmt.Errorf("config: codec %q cannot encode the event types, use one of %v", c.Codec, eventCodecs)
	}
	if c.NatsURL != "" && c.Stream == "" {
		return errors.New("config: stream name required with a NATS url")
	}
	return nil
}
