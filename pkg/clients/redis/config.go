package redis

import (
	"errors"
	"fmt"
	"time"

	"github.com/StricklySoft/selfheal/pkg/config"
)

// Defaults applied by Validate to zero-valued fields.
const (
	DefaultPort          = 6379
	DefaultPoolSize      = 10
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 3 * time.Second
	DefaultWriteTimeout  = 3 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

const maxStatementLen = 100

// Config configures a Redis connection. URI ("redis://..." or
// "rediss://...") wins over Host and Port when both are set.
type Config struct {
	URI          string        `env:"URI" yaml:"uri"`
	Host         string        `env:"HOST" yaml:"host"`
	Port         int           `env:"PORT" yaml:"port"`
	Password     config.Secret `env:"PASSWORD" yaml:"password"`
	DB           int           `env:"DB" yaml:"db"`
	TLSEnabled   bool          `env:"TLS_ENABLED" yaml:"tls_enabled"`
	PoolSize     int           `env:"POOL_SIZE" yaml:"pool_size"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" yaml:"write_timeout"`
}

// Configured reports whether a Redis endpoint was given.
func (c *Config) Configured() bool {
	return c.URI != "" || c.Host != ""
}

// Validate applies defaults and checks the connection fields.
func (c *Config) Validate() error {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.URI != "" {
		return nil
	}
	if c.Host == "" {
		return errors.New("redis: config requires uri or host")
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 || c.DB > 15 {
		return fmt.Errorf("redis: config db must be between 0 and 15, got %d", c.DB)
	}
	return nil
}

func truncateStatement(s string) string {
	if len(s) <= maxStatementLen {
		return s
	}
	return s[:maxStatementLen] + "..."
}
