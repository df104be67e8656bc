package lifecycle

import (
	"context"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Component names a backend the daemon was wired with, for example the
// incident store or the agent backend. Components are reported by Info.
type Component struct {
	// Role is what the component does ("store", "leases", "agent").
	Role string `json:"role"`

	// Backend is the implementation ("postgres", "redis", "openai").
	Backend string `json:"backend"`

	// Check, when set, is run by Service.Health.
	Check func(ctx context.Context) error `json:"-"`
}

// Validate checks that Role and Backend are set.
func (c Component) Validate() error {
	if c.Role == "" {
		return sserr.New(sserr.CodeValidation, "lifecycle: component role must not be empty")
	}
	if c.Backend == "" {
		return sserr.Newf(sserr.CodeValidation, "lifecycle: component %q has no backend", c.Role)
	}
	return nil
}
