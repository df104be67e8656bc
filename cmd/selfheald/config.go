package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/agent/openai"
	"github.com/StricklySoft/selfheal/pkg/api"
	"github.com/StricklySoft/selfheal/pkg/approval"
	"github.com/StricklySoft/selfheal/pkg/auth"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/clients/minio"
	"github.com/StricklySoft/selfheal/pkg/clients/postgres"
	"github.com/StricklySoft/selfheal/pkg/clients/redis"
	"github.com/StricklySoft/selfheal/pkg/engine"
	"github.com/StricklySoft/selfheal/pkg/executor"
	"github.com/StricklySoft/selfheal/pkg/intake"
	"github.com/StricklySoft/selfheal/pkg/lease"
	"github.com/StricklySoft/selfheal/pkg/notify"
	"github.com/StricklySoft/selfheal/pkg/sink"
	"github.com/StricklySoft/selfheal/pkg/store/badger"
)

// minLeaseTTL keeps the lease heartbeat, at a third of the TTL, at one
// second or slower.
const minLeaseTTL = 3 * time.Second

// Store backends.
const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeBadger   = "badger"
)

type storeConfig struct {
	Backend string        `env:"BACKEND" envDefault:"memory" yaml:"backend" validate:"oneof=memory postgres badger"`
	Badger  badger.Config `env:"BADGER" yaml:"badger"`
}

// daemonConfig is everything serve needs. Clients left unconfigured
// disable the components that depend on them.
type daemonConfig struct {
	NodeID string `env:"NODE_ID" yaml:"node_id"`

	Log      logConfig       `env:"LOG" yaml:"log"`
	Store    storeConfig     `env:"STORE" yaml:"store"`
	Postgres postgres.Config `env:"POSTGRES" yaml:"postgres"`
	Redis    redis.Config    `env:"REDIS" yaml:"redis"`
	Minio    minio.Config    `env:"MINIO" yaml:"minio"`

	Engine   engine.Config   `env:"ENGINE" yaml:"engine"`
	Actions  catalog.Config  `env:"ACTIONS" yaml:"actions"`
	Executor executor.Config `env:"EXECUTOR" yaml:"executor"`
	Agent    agent.Config    `env:"AGENT" yaml:"agent"`
	OpenAI   openai.Config   `env:"OPENAI" yaml:"openai"`
	Approval approval.Config `env:"APPROVAL" yaml:"approval"`
	Intake   intake.Config   `env:"INTAKE" yaml:"intake"`
	Lease    lease.Config    `env:"LEASE" yaml:"lease"`
	Notify   notify.Config   `env:"NOTIFY" yaml:"notify"`
	Sink     sink.Config     `env:"SINK" yaml:"sink"`
	Auth     auth.Config     `env:"AUTH" yaml:"auth"`
	API      api.Config      `env:"API" yaml:"api"`
}

// Validate runs the component checks the loader does not reach.
func (c *daemonConfig) Validate() error {
	var errs []error
	for _, v := range []interface{ Validate() error }{
		&c.Engine, &c.Approval, &c.Intake, &c.Auth, &c.API,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Store.Backend {
	case storePostgres:
		if !c.Postgres.Configured() {
			errs = append(errs, errors.New("selfheald: store backend postgres requires postgres.uri or postgres.host"))
		}
	case storeBadger:
		if err := c.Store.Badger.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Lease.TTL < minLeaseTTL {
		errs = append(errs, fmt.Errorf("selfheald: lease ttl (%s) must be at least %s", c.Lease.TTL, minLeaseTTL))
	}
	return errors.Join(errs...)
}

// postgresConfig is the subset read by migrate.
type postgresConfig struct {
	Postgres postgres.Config `env:"POSTGRES" yaml:"postgres"`
}

// authConfig is the subset read by token.
type authConfig struct {
	Auth auth.Config `env:"AUTH" yaml:"auth"`
}

// Validate checks the signing key.
func (c *authConfig) Validate() error {
	if c.Auth.Disabled {
		return errors.New("selfheald: authentication is disabled; tokens are not needed")
	}
	return c.Auth.Validate()
}
