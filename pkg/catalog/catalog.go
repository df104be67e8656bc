// Package catalog is the registry of remediation actions the engine may
// run. Each action has a typed parameter schema, an idempotency key rule,
// an execution function and a post-condition check.
//
// The catalog is stateless with respect to incidents: it neither reads
// nor writes the execution ledger. Retry and idempotency bookkeeping live
// in the executor package.
//
// # Usage
//
//	reg, err := catalog.Build(cfg, catalog.Backends{Jobs: jobs, Schemas: schemas}, logger)
//	action, err := reg.Lookup("restart-job")
//	if err := action.Validate(params); err != nil { ... }
//	key, _ := action.Key(params)
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Action names of the built-in catalog.
const (
	ActionRestartJob         = "restart-job"
	ActionPatchSchemaMapping = "patch-schema-mapping"
	ActionQuarantineRecords  = "quarantine-records"
	ActionRemediationQuery   = "execute-remediation-query"
)

// Policy bounds one action's execution.
type Policy struct {
	// Timeout bounds a single invocation of Execute or Verify.
	Timeout time.Duration

	// MaxRetries is the number of re-executions allowed after the first
	// attempt times out or fails with a retryable error.
	MaxRetries int
}

// Action is the common execution contract of every catalog entry.
// Implementations must be safe for concurrent use.
type Action interface {
	Name() string
	Description() string
	Parameters() []ParamSpec
	Policy() Policy

	// Validate checks params against the schema without side effects. It
	// returns CodeValidationParameters (or CodeValidationQueryBlocked)
	// errors.
	Validate(params map[string]any) error

	// Key returns the idempotency key for params. Parameter sets that
	// differ only in ordering or formatting produce the same key.
	Key(params map[string]any) (string, error)

	Execute(ctx context.Context, params map[string]any) error

	// Verify reports whether the action's effect is observable.
	Verify(ctx context.Context, params map[string]any) (bool, error)
}

// Descriptor summarizes an action for agent prompts and the API.
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []ParamSpec `json:"parameters"`
}

// Registry is a flat name-keyed set of actions. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds a. Registering a name twice returns
// CodeConflictAlreadyExists.
func (r *Registry) Register(a Action) error {
	if a == nil || a.Name() == "" {
		return sserr.Validation("catalog: action must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name()]; exists {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "catalog: action %q already registered", a.Name())
	}
	r.actions[a.Name()] = a
	return nil
}

// Lookup returns the named action or a CodeUnknownAction error.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, sserr.Newf(sserr.CodeUnknownAction, "catalog: unknown action %q", name)
	}
	return a, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a descriptor per action, sorted by name.
func (r *Registry) Describe() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		a, err := r.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, Descriptor{Name: a.Name(), Description: a.Description(), Parameters: a.Parameters()})
	}
	return out
}
