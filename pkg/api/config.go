package api

import (
	"errors"
	"time"
)

// Config configures the operator HTTP server.
type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8080" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s" yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" yaml:"shutdown_timeout" validate:"gt=0"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"1048576" yaml:"max_body_bytes" validate:"gt=0"`
}

// Validate checks the listen address and limits.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("api: addr must not be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("api: max_body_bytes must be positive")
	}
	return nil
}
