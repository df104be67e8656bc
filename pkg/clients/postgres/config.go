package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/StricklySoft/selfheal/pkg/config"
)

// Pool defaults, applied by Validate to zero-valued fields.
const (
	DefaultPort              = 5432
	DefaultSSLMode           = "require"
	DefaultMaxConns          = int32(10)
	DefaultMinConns          = int32(1)
	DefaultMaxConnLifetime   = time.Hour
	DefaultMaxConnIdleTime   = 30 * time.Minute
	DefaultHealthCheckPeriod = time.Minute
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
)

// maxStatementLen caps db.statement span attributes.
const maxStatementLen = 100

var validSSLModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Config configures a connection pool. Either URI or the structured fields
// (Host, Database, User, Password) must be set; URI wins when both are.
type Config struct {
	URI      string        `env:"URI" yaml:"uri"`
	Host     string        `env:"HOST" yaml:"host"`
	Port     int           `env:"PORT" yaml:"port"`
	Database string        `env:"DATABASE" yaml:"database"`
	User     string        `env:"USER" yaml:"user"`
	Password config.Secret `env:"PASSWORD" yaml:"password"`
	SSLMode  string        `env:"SSLMODE" yaml:"ssl_mode"`

	MaxConns          int32         `env:"MAX_CONNS" yaml:"max_conns"`
	MinConns          int32         `env:"MIN_CONNS" yaml:"min_conns"`
	MaxConnLifetime   time.Duration `env:"MAX_CONN_LIFETIME" yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `env:"MAX_CONN_IDLE_TIME" yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `env:"HEALTH_CHECK_PERIOD" yaml:"health_check_period"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" yaml:"connect_timeout"`
}

// Configured reports whether any connection target was given. The daemon
// uses it to decide whether a PostgreSQL-backed component is enabled.
func (c *Config) Configured() bool {
	return c.URI != "" || c.Host != ""
}

// Validate applies pool defaults and checks the connection fields.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		if _, err := url.Parse(c.URI); err != nil {
			return fmt.Errorf("postgres: config uri is invalid: %w", err)
		}
		return nil
	}
	if c.Host == "" {
		return errors.New("postgres: config requires uri or host")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: config database must not be empty")
	}
	if c.User == "" {
		return errors.New("postgres: config user must not be empty")
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("postgres: config ssl_mode %q is not valid", c.SSLMode)
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = DefaultSSLMode
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString returns URI or builds one from the structured fields.
// The result contains the password in cleartext.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func truncateSQL(sql string) string {
	if len(sql) <= maxStatementLen {
		return sql
	}
	return sql[:maxStatementLen] + "..."
}
