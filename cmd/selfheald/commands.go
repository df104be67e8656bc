package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/selfheal/pkg/auth"
	"github.com/StricklySoft/selfheal/pkg/catalog/pgjobs"
	"github.com/StricklySoft/selfheal/pkg/clients/postgres"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	storepg "github.com/StricklySoft/selfheal/pkg/store/postgres"
)

func newServeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the orchestration engine, the event sink and the operator API until
interrupted. Non-terminal incidents left by a previous run are resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg daemonConfig
			if err := opts.load(&cfg); err != nil {
				return configError(err)
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			ctx := cmd.Context()

			d, err := build(ctx, cfg, logger)
			if err != nil {
				logger.Error("selfheald: startup failed", "error", err)
				return err
			}
			defer d.close()
			return d.run(ctx)
		},
	}
}

func newMigrateCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables",
		Long: `Apply the incident store and job catalog schemas to the configured
PostgreSQL database. Both are idempotent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg postgresConfig
			if err := opts.load(&cfg); err != nil {
				return configError(err)
			}
			if !cfg.Postgres.Configured() {
				return sserr.New(sserr.CodeValidationRequired, "selfheald: migrate needs postgres.uri or postgres.host")
			}
			ctx := cmd.Context()
			db, err := postgres.NewClient(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storepg.Migrate(ctx, db); err != nil {
				return err
			}
			if err := pgjobs.Migrate(ctx, db); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newTokenCmd(opts *globalOpts) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an operator bearer token",
		Long: `Sign an operator API token for subject with the given roles using the
configured auth signing key. Roles: viewer, operator, approver, admin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg authConfig
			if err := opts.load(&cfg); err != nil {
				return configError(err)
			}
			parsed, err := auth.ParseRoles(roles)
			if err != nil {
				return sserr.Wrap(err, sserr.CodeValidation, "selfheald: invalid role")
			}
			v, err := auth.NewValidator(cfg.Auth)
			if err != nil {
				return err
			}
			tok, err := v.Issue(args[0], parsed, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&roles, "role", "r", []string{string(auth.RoleViewer)}, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "selfheald %s\n", version)
		},
	}
}
