package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/config"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/telemetry"
)

// RootOptions holds global flags and the settings resolved from them.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	DSN     string // overrides GRAPHCACHE_DSN

	// Config, Logger and Tracer are set before any subcommand runs.
	Config config.Config
	Logger *slog.Logger
	Tracer trace.TracerProvider

	shutdown func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the graphcache CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "graphcache",
		Version: ir.CacheVersion,
		Short:   "graphcache - normalized entity cache tooling",
		Long: `Tools for the graphcache normalized entity cache: compile and validate
CUE schemas, run cache scenarios, and inspect or evict persisted records.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown == nil {
				return nil
			}
			return opts.shutdown(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "durable store DSN (default $GRAPHCACHE_DSN or memory:)")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewEvictCommand(opts))

	return cmd
}

// setup loads the environment configuration, applies flag overrides and
// builds the logger and tracer provider.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeConfig+": invalid configuration", err)
	}
	if o.DSN != "" {
		cfg.DSN = o.DSN
	}
	o.Config = cfg

	level, _ := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	tp, shutdown, err := telemetry.Setup(commandContext(cmd), "graphcache", cfg.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeConfig+": tracing setup failed", err)
	}
	o.Tracer = tp
	o.shutdown = shutdown
	return nil
}

// openCache builds a cache over the configured durable store.
func (o *RootOptions) openCache() (*cache.Cache, error) {
	adapter, err := durable.Open(o.Config.DSN)
	if err != nil {
		return nil, err
	}
	o.logger().Debug("durable store opened", "backend", durable.Backend(o.Config.DSN))
	return cache.New(
		cache.WithDurable(adapter),
		cache.WithLogger(o.Logger),
		cache.WithTracerProvider(o.Tracer),
		cache.WithBatchSize(o.Config.BatchSize),
		cache.WithFlushInterval(o.Config.FlushInterval),
	), nil
}

// logger returns the configured logger, or slog.Default when the command
// runs without the root's setup.
func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
