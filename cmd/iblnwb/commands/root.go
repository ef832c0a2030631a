// Package commands implements CLI command handlers for iblnwb.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/cache"
	"github.com/Sumatoshi-tech/iblnwb/pkg/config"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
	"github.com/Sumatoshi-tech/iblnwb/pkg/version"
)

// Globals are the flags shared by every command.
type Globals struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool
	NoColor    bool
	Debug      bool
}

// NewRootCommand creates the iblnwb command tree.
func NewRootCommand() *cobra.Command {
	g := &Globals{}

	root := &cobra.Command{
		Use:   "iblnwb",
		Short: "Convert IBL Alyx/ONE sessions to NWB and back",
		Long: `iblnwb converts International Brain Laboratory sessions, described by
Alyx metadata and ONE datasets, into NWB files, and extracts Alyx records
from NWB files.

Commands:
  convert    Convert sessions to NWB
  batch      Convert many sessions with resumable checkpoints
  metadata   Show or save the NWB metadata of a session
  extract    Read the Alyx records of an NWB file
  register   Create the Alyx records of an NWB file
  verify     Compare an NWB file with Alyx
  inspect    Summarize an NWB file
  status     List recorded conversions
  mcp        Start the MCP server`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if g.NoColor && !color.NoColor {
				color.NoColor = true //nolint:reassign // intentional override of library global
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.ConfigPath, "config", "c", "", "Config file (default: iblnwb.yaml in ., ./config or ~/.iblnwb)")
	flags.StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
	flags.BoolVar(&g.LogJSON, "log-json", false, "Write logs as JSON")
	flags.BoolVar(&g.NoColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&g.Debug, "debug", false, "Debug logging and full trace sampling")

	root.AddCommand(
		newConvertCommand(g),
		newBatchCommand(g),
		newMetadataCommand(g),
		newExtractCommand(g),
		newRegisterCommand(g),
		newVerifyCommand(g),
		newInspectCommand(g),
		newStatusCommand(g),
		NewMCPCommand(g),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// app holds the configuration and telemetry of one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	red      *observability.REDMetrics
	shutdown func(context.Context) error
}

func newApp(g *Globals, mode observability.AppMode) (*app, error) {
	cfg, err := config.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(observabilityConfig(g, cfg, mode))
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   providers.Logger,
		tracer:   providers.Tracer,
		meter:    providers.Meter,
		red:      red,
		shutdown: providers.Shutdown,
	}, nil
}

func observabilityConfig(g *Globals, cfg *config.Config, mode observability.AppMode) observability.Config {
	obs := observability.DefaultConfig()
	obs.ServiceVersion = version.Version
	obs.Environment = cfg.Telemetry.Environment
	obs.Mode = mode
	obs.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obs.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	obs.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obs.SampleRatio = cfg.Telemetry.SampleRatio
	obs.LogLevel = observability.ParseLevel(cfg.Logging.Level)
	obs.LogJSON = cfg.Logging.JSON || g.LogJSON || mode == observability.ModeMCP

	if g.LogLevel != "" {
		obs.LogLevel = observability.ParseLevel(g.LogLevel)
	}

	if g.Debug {
		obs.LogLevel = slog.LevelDebug
		obs.DebugTrace = true
	}

	return obs
}

// close flushes telemetry.
func (a *app) close() {
	err := a.shutdown(context.Background())
	if err != nil {
		a.logger.Warn("observability shutdown failed", "error", err)
	}
}

// observe runs fn as the named CLI operation.
func (a *app) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	return a.red.Observe(ctx, "cli."+op, fn)
}

func (a *app) alyxClient() (*alyx.Client, error) {
	cacheBytes, err := a.cfg.Alyx.CacheBytes()
	if err != nil {
		return nil, err
	}

	return alyx.New(alyx.Config{
		BaseURL:   a.cfg.Alyx.BaseURL,
		Username:  a.cfg.Alyx.Username,
		Password:  a.cfg.Alyx.Password,
		Token:     a.cfg.Alyx.Token,
		Timeout:   a.cfg.Alyx.Timeout,
		CacheSize: cacheBytes,
		CacheDir:  a.cfg.Alyx.RestCacheDir,
		PageSize:  a.cfg.Alyx.PageSize,
	}, alyx.WithLogger(a.logger), alyx.WithCache(cache.New(cacheBytes)))
}

func (a *app) loader() *one.Loader {
	stubRows := 0
	if a.cfg.Conversion.Stub {
		stubRows = a.cfg.Conversion.StubSamples
	}

	return one.NewLoader(one.Config{
		CacheDir: a.cfg.ONE.CacheDir,
		DataURL:  a.cfg.ONE.DataURL,
		Username: a.cfg.Alyx.Username,
		Password: a.cfg.Alyx.Password,
		Download: a.cfg.ONE.Download,
		StubRows: stubRows,
	}, one.WithLogger(a.logger))
}

// Colored output helpers.

var (
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	failureColor = color.New(color.FgRed)
)

func success(w io.Writer, format string, args ...any) {
	successColor.Fprintf(w, format+"\n", args...)
}

func warning(w io.Writer, format string, args ...any) {
	warningColor.Fprintf(w, format+"\n", args...)
}

func failure(w io.Writer, format string, args ...any) {
	failureColor.Fprintf(w, format+"\n", args...)
}
