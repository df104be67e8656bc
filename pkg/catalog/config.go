package catalog

import (
	"time"
)

// PolicyConfig is the configured execution policy of one action. Both
// fields are required and have no default.
type PolicyConfig struct {
	Timeout    time.Duration `env:"TIMEOUT" yaml:"timeout" required:"true" validate:"gt=0"`
	MaxRetries *int          `env:"MAX_RETRIES" yaml:"max_retries" required:"true" validate:"omitempty,gte=0,lte=20"`
}

// Policy returns the runtime policy. Call only after the config loaded.
func (c PolicyConfig) Policy() Policy {
	p := Policy{Timeout: c.Timeout}
	if c.MaxRetries != nil {
		p.MaxRetries = *c.MaxRetries
	}
	return p
}

// GuardrailConfig lists the SQL keywords a remediation query may never
// contain and the verbs it may start with. Matching is case-insensitive
// and whole-word.
type GuardrailConfig struct {
	Blocked      []string `env:"BLOCKED" envDefault:"DROP,TRUNCATE,ALTER,CREATE,GRANT,REVOKE" yaml:"blocked"`
	AllowedVerbs []string `env:"ALLOWED_VERBS" envDefault:"SELECT,WITH,UPDATE,DELETE,INSERT" yaml:"allowed_verbs" validate:"min=1"`
}

// Config configures the built-in actions.
type Config struct {
	RestartJob         PolicyConfig    `env:"RESTART_JOB" yaml:"restart_job"`
	PatchSchemaMapping PolicyConfig    `env:"PATCH_SCHEMA_MAPPING" yaml:"patch_schema_mapping"`
	QuarantineRecords  PolicyConfig    `env:"QUARANTINE_RECORDS" yaml:"quarantine_records"`
	RemediationQuery   PolicyConfig    `env:"REMEDIATION_QUERY" yaml:"remediation_query"`
	Guardrail          GuardrailConfig `env:"GUARDRAIL" yaml:"guardrail"`

	// QuarantinePrefix is prepended to quarantined object keys when the
	// decision does not name a destination.
	QuarantinePrefix string `env:"QUARANTINE_PREFIX" envDefault:"quarantine/" yaml:"quarantine_prefix"`
}
