package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/selfheal/pkg/config"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// envPrefix namespaces every environment variable the daemon reads.
const envPrefix = "SELFHEAL"

type globalOpts struct {
	configPath string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "selfheald",
		Short: "Self-healing orchestration daemon for failed data jobs",
		Long: `selfheald turns data job failures into incidents and drives each one
through diagnosis, optional human approval, remediation and verification.

Configuration is read from struct defaults, then the --config file, then
SELFHEAL_* environment variables.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c",
		os.Getenv(envPrefix+"_CONFIG"), "path to a YAML or JSON config file")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree with args until SIGINT or SIGTERM.
func Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// load fills cfg from the configured layers.
func (o *globalOpts) load(cfg any) error {
	l := config.New().WithEnvPrefix(envPrefix)
	if o.configPath != "" {
		l = l.WithFile(o.configPath)
	}
	return l.Load(cfg)
}

// logConfig configures the daemon's slog handler.
type logConfig struct {
	Level  string `env:"LEVEL" envDefault:"info" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `env:"FORMAT" envDefault:"json" yaml:"format" validate:"oneof=json text"`
}

func newLogger(cfg logConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, hopts)
	} else {
		h = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(h).With("service", "selfheald", "version", version)
}

func configError(err error) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	return sserr.Wrap(err, sserr.CodeValidation, "selfheald: invalid configuration")
}
