package engine

import (
	"errors"
	"time"
)

// Config configures the orchestration loop. ConfidenceThreshold and
// MaxAttempts have no defaults: loading fails when either is missing.
type Config struct {
	// ConfidenceThreshold is T: decisions at or above it are executed
	// without approval.
	ConfidenceThreshold *float64 `env:"CONFIDENCE_THRESHOLD" required:"true" yaml:"confidence_threshold" validate:"omitempty,gte=0,lte=1"`

	// MaxAttempts bounds diagnose→act cycles per incident.
	MaxAttempts int `env:"MAX_ATTEMPTS" required:"true" yaml:"max_attempts" validate:"gt=0"`

	Workers   int `env:"WORKERS" envDefault:"8" yaml:"workers" validate:"gt=0"`
	QueueSize int `env:"QUEUE_SIZE" envDefault:"1024" yaml:"queue_size" validate:"gt=0"`

	// LeaseRetryDelay is how long work waits when another worker holds
	// the incident.
	LeaseRetryDelay time.Duration `env:"LEASE_RETRY_DELAY" envDefault:"1s" yaml:"lease_retry_delay" validate:"gt=0"`

	// StoreRetries bounds requeues after store or ledger failures before
	// the incident is failed.
	StoreRetries    int           `env:"STORE_RETRIES" envDefault:"5" yaml:"store_retries" validate:"gte=0"`
	StoreRetryDelay time.Duration `env:"STORE_RETRY_DELAY" envDefault:"2s" yaml:"store_retry_delay" validate:"gt=0"`

	// RecentRuns is how many recent job runs are attached to an agent
	// request when a job controller is available.
	RecentRuns int `env:"RECENT_RUNS" envDefault:"3" yaml:"recent_runs" validate:"gte=0"`

	// LogLines is how many error log lines of the failed run are attached
	// when the job controller keeps run logs.
	LogLines int `env:"LOG_LINES" envDefault:"20" yaml:"log_lines" validate:"gte=0"`
}

// Validate checks the required fields for callers that build Config in
// code rather than through the loader.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold == nil {
		return errors.New("engine: confidence_threshold is required")
	}
	if t := *c.ConfidenceThreshold; t < 0 || t > 1 {
		return errors.New("engine: confidence_threshold must be within [0,1]")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("engine: max_attempts must be positive")
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return errors.New("engine: workers and queue_size must be positive")
	}
	if c.LeaseRetryDelay <= 0 || c.StoreRetryDelay <= 0 {
		return errors.New("engine: retry delays must be positive")
	}
	return nil
}

// Threshold returns a pointer for ConfidenceThreshold.
func Threshold(t float64) *float64 { return &t }
