package minio

import (
	"errors"
	"time"

	"github.com/StricklySoft/selfheal/pkg/config"
)

// DefaultHealthTimeout bounds Health when the caller sets no deadline.
const DefaultHealthTimeout = 5 * time.Second

// DefaultHealthBucket is probed by Health. It need not exist.
const DefaultHealthBucket = "selfheal-health-probe"

const maxStatementLen = 100

// Config configures an S3-compatible endpoint holding job input data.
type Config struct {
	Endpoint     string        `env:"ENDPOINT" yaml:"endpoint"`
	AccessKey    string        `env:"ACCESS_KEY" yaml:"access_key"`
	SecretKey    config.Secret `env:"SECRET_KEY" yaml:"secret_key"`
	UseSSL       bool          `env:"USE_SSL" envDefault:"true" yaml:"use_ssl"`
	Region       string        `env:"REGION" yaml:"region"`
	HealthBucket string        `env:"HEALTH_BUCKET" yaml:"health_bucket"`
}

// Configured reports whether an endpoint was given.
func (c *Config) Configured() bool {
	return c.Endpoint != ""
}

// Validate checks that the endpoint and credentials are present.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio: config endpoint must not be empty")
	}
	if c.AccessKey == "" || c.SecretKey.Empty() {
		return errors.New("minio: config access_key and secret_key are required")
	}
	if c.HealthBucket == "" {
		c.HealthBucket = DefaultHealthBucket
	}
	return nil
}

func truncateStatement(s string) string {
	if len(s) <= maxStatementLen {
		return s
	}
	return s[:maxStatementLen] + "..."
}
