package badger

import (
	"errors"
	"time"
)

// Config configures the embedded store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string `env:"PATH" yaml:"path"`

	InMemory   bool `env:"IN_MEMORY" envDefault:"false" yaml:"in_memory"`
	SyncWrites bool `env:"SYNC_WRITES" envDefault:"true" yaml:"sync_writes"`

	// GCInterval is how often value-log garbage collection runs. Zero
	// disables it.
	GCInterval     time.Duration `env:"GC_INTERVAL" envDefault:"5m" yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `env:"GC_DISCARD_RATIO" envDefault:"0.5" yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// Validate checks that a path is set for on-disk databases.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("badger: config path is required unless in_memory is set")
	}
	if c.GCDiscardRatio <= 0 || c.GCDiscardRatio > 1 {
		c.GCDiscardRatio = 0.5
	}
	return nil
}
