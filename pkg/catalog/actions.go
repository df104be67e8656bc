package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// RestartJobParams are the parameters of restart-job.
type RestartJobParams struct {
	JobName   string            `json:"job_name" validate:"required,max=255"`
	Arguments map[string]string `json:"arguments,omitempty" validate:"omitempty,max=50"`
}

// PatchSchemaParams are the parameters of patch-schema-mapping.
type PatchSchemaParams struct {
	Table    string `json:"table" validate:"required,max=128"`
	Column   string `json:"column" validate:"required,max=128"`
	FromType string `json:"from_type" validate:"required,max=64"`
	ToType   string `json:"to_type" validate:"required,max=64,nefield=FromType"`
}

// QuarantineParams are the parameters of quarantine-records. Keys are
// sorted and deduplicated before use.
type QuarantineParams struct {
	Bucket            string   `json:"bucket" validate:"required,min=3,max=63"`
	Keys              []string `json:"keys" validate:"required,min=1,max=1000,dive,required,max=1024"`
	DestinationPrefix string   `json:"destination_prefix,omitempty" validate:"omitempty,max=512"`
}

// RemediationQueryParams are the parameters of execute-remediation-query.
// Exactly one of Query and Question is set. VerifySQL returns the number
// of rows still violating the data-quality rule; verification passes when
// it equals ExpectRows, which defaults to zero.
type RemediationQueryParams struct {
	Query      string `json:"query,omitempty" validate:"required_without=Question,excluded_with=Question,max=8192"`
	Question   string `json:"question,omitempty" validate:"required_without=Query,max=2048"`
	VerifySQL  string `json:"verify_sql,omitempty" validate:"max=8192"`
	ExpectRows *int64 `json:"expect_rows,omitempty" validate:"omitempty,gte=0"`
}

// Build registers every built-in action whose backend is present.
func Build(cfg Config, b Backends, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	add := func(name string, backendPresent bool, mk func() Action) error {
		if !backendPresent {
			logger.Warn("catalog: backend not configured, action disabled", "action", name)
			return nil
		}
		return reg.Register(mk())
	}

	if err := add(ActionRestartJob, b.Jobs != nil, func() Action {
		return RestartJob(b.Jobs, cfg.RestartJob.Policy())
	}); err != nil {
		return nil, err
	}
	if err := add(ActionPatchSchemaMapping, b.Schemas != nil, func() Action {
		return PatchSchemaMapping(b.Schemas, cfg.PatchSchemaMapping.Policy())
	}); err != nil {
		return nil, err
	}
	if err := add(ActionQuarantineRecords, b.Objects != nil, func() Action {
		return QuarantineRecords(b.Objects, cfg.QuarantinePrefix, cfg.QuarantineRecords.Policy())
	}); err != nil {
		return nil, err
	}
	if err := add(ActionRemediationQuery, b.Queries != nil, func() Action {
		return RemediationQuery(b.Queries, b.Planner, NewGuardrail(cfg.Guardrail), cfg.RemediationQuery.Policy())
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

// RestartJob starts a new run of a failed job. It is verified once the
// newest run has succeeded; a run still in progress is reported as
// retryable so verification keeps polling within the action's policy.
func RestartJob(jobs JobController, policy Policy) Action {
	return &Definition[RestartJobParams]{
		ActionName: ActionRestartJob,
		Summary:    "Start a new run of the named job, optionally overriding job arguments. Use for transient failures.",
		Limits:     policy,
		Normalize: func(p *RestartJobParams) error {
			p.JobName = strings.TrimSpace(p.JobName)
			return nil
		},
		Run: func(ctx context.Context, p RestartJobParams) error {
			_, err := jobs.StartJobRun(ctx, p.JobName, p.Arguments)
			return err
		},
		Check: func(ctx context.Context, p RestartJobParams) (bool, error) {
			runs, err := jobs.RecentRuns(ctx, p.JobName, 1)
			if err != nil {
				return false, err
			}
			if len(runs) > 0 && runs[0].InProgress() {
				return false, sserr.Newf(sserr.CodeUnavailableDependency, "catalog: run %s of %s is still %s",
					runs[0].ID, p.JobName, runs[0].State)
			}
			return len(runs) > 0 && runs[0].Succeeded(), nil
		},
	}
}

// PatchSchemaMapping changes one column's declared type. The backend
// applies it as a compare-and-set, so repeating it is harmless.
func PatchSchemaMapping(schemas SchemaRegistry, policy Policy) Action {
	return &Definition[PatchSchemaParams]{
		ActionName: ActionPatchSchemaMapping,
		Summary:    "Change the declared type of table.column from from_type to to_type. Use for schema drift.",
		Limits:     policy,
		Normalize: func(p *PatchSchemaParams) error {
			p.Table = strings.TrimSpace(p.Table)
			p.Column = strings.TrimSpace(p.Column)
			p.FromType = strings.ToLower(strings.TrimSpace(p.FromType))
			p.ToType = strings.ToLower(strings.TrimSpace(p.ToType))
			if p.FromType == p.ToType {
				return sserr.New(sserr.CodeValidationParameters, "catalog: from_type and to_type must differ")
			}
			return nil
		},
		Run: func(ctx context.Context, p PatchSchemaParams) error {
			return schemas.ApplyMapping(ctx, p.Table, p.Column, p.FromType, p.ToType)
		},
		Check: func(ctx context.Context, p PatchSchemaParams) (bool, error) {
			current, found, err := schemas.CurrentMapping(ctx, p.Table, p.Column)
			if err != nil {
				return false, err
			}
			return found && strings.EqualFold(current, p.ToType), nil
		},
	}
}

// QuarantineRecords moves bad input objects under a quarantine prefix.
func QuarantineRecords(objects Quarantiner, defaultPrefix string, policy Policy) Action {
	return &Definition[QuarantineParams]{
		ActionName: ActionQuarantineRecords,
		Summary:    "Move the listed input objects in bucket under destination_prefix so the next run skips them.",
		Limits:     policy,
		Normalize: func(p *QuarantineParams) error {
			if p.DestinationPrefix == "" {
				p.DestinationPrefix = defaultPrefix
			}
			if p.DestinationPrefix == "" {
				return sserr.New(sserr.CodeValidationParameters, "catalog: destination_prefix is required")
			}
			p.Keys = sortedUnique(p.Keys)
			for _, k := range p.Keys {
				if strings.HasPrefix(k, p.DestinationPrefix) {
					return sserr.Newf(sserr.CodeValidationParameters,
						"catalog: key %q is already under %q", k, p.DestinationPrefix)
				}
			}
			return nil
		},
		Run: func(ctx context.Context, p QuarantineParams) error {
			meta := map[string]string{"selfheal-action": ActionQuarantineRecords}
			for _, k := range p.Keys {
				if err := objects.Quarantine(ctx, p.Bucket, k, p.DestinationPrefix+k, meta); err != nil {
					return err
				}
			}
			return nil
		},
		Check: func(ctx context.Context, p QuarantineParams) (bool, error) {
			for _, k := range p.Keys {
				src, err := objects.Exists(ctx, p.Bucket, k)
				if err != nil {
					return false, err
				}
				dst, err := objects.Exists(ctx, p.Bucket, p.DestinationPrefix+k)
				if err != nil {
					return false, err
				}
				if src || !dst {
					return false, nil
				}
			}
			return true, nil
		},
	}
}

// readOnly screens verification queries.
var readOnly = NewGuardrail(GuardrailConfig{
	Blocked:      []string{"INSERT", "UPDATE", "DELETE", "MERGE", "DROP", "TRUNCATE", "ALTER", "CREATE", "GRANT", "REVOKE"},
	AllowedVerbs: []string{"SELECT", "WITH"},
})

// RemediationQuery runs one screened SQL statement, either given directly
// or planned from a natural-language question.
func RemediationQuery(queries QueryRunner, planner QueryPlanner, guard *Guardrail, policy Policy) Action {
	return &Definition[RemediationQueryParams]{
		ActionName: ActionRemediationQuery,
		Summary: "Run one data-fix SQL statement (query) or describe the fix in words (question). " +
			"verify_sql must count the rows still violating the rule.",
		Limits: policy,
		Normalize: func(p *RemediationQueryParams) error {
			p.Query = strings.TrimSpace(p.Query)
			p.Question = strings.TrimSpace(p.Question)
			p.VerifySQL = strings.TrimSpace(p.VerifySQL)
			if p.Query != "" {
				if err := guard.Check(p.Query); err != nil {
					return err
				}
			} else if planner == nil {
				return sserr.New(sserr.CodeValidationParameters, "catalog: question requires a query planner")
			}
			if p.VerifySQL != "" {
				if err := readOnly.Check(p.VerifySQL); err != nil {
					return err
				}
			}
			return nil
		},
		Run: func(ctx context.Context, p RemediationQueryParams) error {
			sql := p.Query
			if sql == "" {
				planned, err := planner.Plan(ctx, p.Question)
				if err != nil {
					return err
				}
				if err := guard.Check(planned); err != nil {
					return err
				}
				sql = planned
			}
			_, err := queries.Exec(ctx, sql)
			return err
		},
		Check: func(ctx context.Context, p RemediationQueryParams) (bool, error) {
			if p.VerifySQL == "" {
				return true, nil
			}
			n, err := queries.QueryInt(ctx, p.VerifySQL)
			if err != nil {
				return false, err
			}
			var want int64
			if p.ExpectRows != nil {
				want = *p.ExpectRows
			}
			return n == want, nil
		},
	}
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i, s := range out {
		if i > 0 && s == out[j-1] {
			continue
		}
		out[j] = s
		j++
	}
	return out[:j]
}
