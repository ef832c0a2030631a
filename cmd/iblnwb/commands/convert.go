package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/checkpoint"
	"github.com/Sumatoshi-tech/iblnwb/pkg/config"
	"github.com/Sumatoshi-tech/iblnwb/pkg/convert"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

// Errors of the conversion commands.
var (
	// ErrNoSessions indicates a batch with nothing to convert.
	ErrNoSessions = errors.New("no sessions to convert: pass eids, --eids-file or a query flag")
	// ErrConversionFailed indicates at least one session could not be converted.
	ErrConversionFailed = errors.New("conversion failed")
)

// conversionFlags override the conversion section of the config.
type conversionFlags struct {
	outputDir       string
	stub            bool
	overwrite       bool
	includeRawEphys bool
	includeVideo    bool
	compression     int
	interfaces      []string
	metadata        string
	description     string
}

func (cf *conversionFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&cf.outputDir, "output", "o", "", "Output directory (default from config)")
	flags.BoolVar(&cf.stub, "stub", false, "Write a stub file from truncated arrays")
	flags.BoolVar(&cf.overwrite, "overwrite", false, "Replace existing files")
	flags.BoolVar(&cf.includeRawEphys, "raw-ephys", false, "Include raw SpikeGLX voltage traces")
	flags.BoolVar(&cf.includeVideo, "video", true, "Include camera ImageSeries")
	flags.IntVar(&cf.compression, "compression", 0, "Gzip level 0-9 of large datasets (default from config)")
	flags.StringSliceVarP(&cf.interfaces, "interfaces", "i", nil, "Data interfaces to run (comma-separated, default: all)")
	flags.StringVarP(&cf.metadata, "metadata", "m", "", "YAML metadata merged over the Alyx metadata")
	flags.StringVar(&cf.description, "desc", "", "DANDI desc entity of the file names")
}

// apply copies the flags the user set onto cfg.
func (cf *conversionFlags) apply(flags *pflag.FlagSet, cfg *config.ConversionConfig) {
	if flags.Changed("output") {
		cfg.OutputDir = cf.outputDir
	}

	if flags.Changed("stub") {
		cfg.Stub = cf.stub
	}

	if flags.Changed("overwrite") {
		cfg.Overwrite = cf.overwrite
	}

	if flags.Changed("raw-ephys") {
		cfg.IncludeRawEphys = cf.includeRawEphys
	}

	if flags.Changed("video") {
		cfg.IncludeVideo = cf.includeVideo
	}

	if flags.Changed("compression") {
		cfg.Compression = cf.compression
	}

	if flags.Changed("interfaces") {
		cfg.Interfaces = cf.interfaces
	}

	if flags.Changed("metadata") {
		cfg.Metadata = cf.metadata
	}
}

func (cf *conversionFlags) options(cfg config.ConversionConfig) convert.Options {
	return convert.Options{
		OutputDir:        cfg.OutputDir,
		Stub:             cfg.Stub,
		StubSamples:      cfg.StubSamples,
		RawSamples:       cfg.RawSamples,
		Compression:      cfg.Compression,
		ChunkRows:        cfg.ChunkRows,
		IncludeRawEphys:  cfg.IncludeRawEphys,
		IncludeVideo:     cfg.IncludeVideo,
		Overwrite:        cfg.Overwrite,
		Description:      cf.description,
		MetadataOverride: cfg.Metadata,
	}
}

// converterSet is a converter with the resources it holds open.
type converterSet struct {
	converter *convert.Converter
	client    *alyx.Client
	catalog   *catalog.Catalog
}

func (cs *converterSet) close() error {
	return cs.catalog.Close()
}

func (a *app) converter(opts convert.Options, metrics *observability.ConversionMetrics) (*converterSet, error) {
	err := a.cfg.Validate()
	if err != nil {
		return nil, err
	}

	client, err := a.alyxClient()
	if err != nil {
		return nil, err
	}

	ifaces, err := convert.SelectInterfaces(a.cfg.Conversion.Interfaces)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(a.cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	options := []convert.Option{
		convert.WithInterfaces(ifaces...),
		convert.WithCatalog(cat),
		convert.WithLogger(a.logger),
		convert.WithTracer(a.tracer),
	}

	if metrics != nil {
		options = append(options, convert.WithMetrics(metrics))
	}

	return &converterSet{
		converter: convert.New(client, a.loader(), opts, options...),
		client:    client,
		catalog:   cat,
	}, nil
}

func newConvertCommand(g *Globals) *cobra.Command {
	cf := &conversionFlags{}

	cmd := &cobra.Command{
		Use:   "convert <eid>...",
		Short: "Convert sessions to NWB",
		Long: `Convert one or more sessions to NWB files.

Session metadata comes from Alyx and data from the ONE cache, downloading
missing datasets when enabled. Files are named after the DANDI convention
below the output directory. A data interface that fails is reported and
the file is written without it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, eids []string) error {
			a, err := newApp(g, observability.ModeCLI)
			if err != nil {
				return err
			}
			defer a.close()

			cf.apply(cmd.Flags(), &a.cfg.Conversion)

			metrics, err := observability.NewConversionMetrics(a.meter)
			if err != nil {
				return fmt.Errorf("init conversion metrics: %w", err)
			}

			cs, err := a.converter(cf.options(a.cfg.Conversion), metrics)
			if err != nil {
				return err
			}
			defer cs.close()

			out := cmd.OutOrStdout()

			var errs []error

			for _, eid := range eids {
				obsErr := a.observe(cmd.Context(), "convert", func(ctx context.Context) error {
					res, convErr := cs.converter.Convert(ctx, eid)
					printResult(out, eid, res, convErr)

					return convErr
				})
				if obsErr != nil {
					errs = append(errs, fmt.Errorf("session %s: %w", eid, obsErr))
				}
			}

			if len(errs) > 0 {
				return fmt.Errorf("%w: %w", ErrConversionFailed, errors.Join(errs...))
			}

			return nil
		},
	}

	cf.register(cmd.Flags())

	return cmd
}

func printResult(w io.Writer, eid string, res *convert.Result, err error) {
	switch {
	case err != nil:
		failure(w, "✗ %s: %v", eid, err)
	case res.Status == catalog.StatusPartial:
		warning(w, "! %s -> %s (%d interface failures)", eid, res.Path, len(res.Failures))

		for _, f := range res.Failures {
			warning(w, "    %s: %s", f.Interface, f.Error)
		}
	default:
		size := ""
		if res.Report != nil {
			size = humanize.IBytes(uint64(max(res.Report.Bytes, 0)))
		}

		success(w, "✓ %s -> %s (%s, %s)", eid, res.Path, size, res.Duration.Round(time.Millisecond))
	}
}

// batchFlags select the sessions of a batch.
type batchFlags struct {
	eidsFile     string
	subject      string
	lab          string
	project      string
	taskProtocol string
	dateRange    []string
	datasetTypes []string
	limit        int

	workers         int
	metricsAddr     string
	noCheckpoint    bool
	clearCheckpoint bool
}

func newBatchCommand(g *Globals) *cobra.Command {
	cf := &conversionFlags{}
	bf := &batchFlags{}

	cmd := &cobra.Command{
		Use:   "batch [eid...]",
		Short: "Convert many sessions with resumable checkpoints",
		Long: `Convert many sessions with a bounded pool of workers.

Sessions come from the arguments, from --eids-file (one eid per line, #
comments allowed) or from an Alyx session query. Finished sessions are
checkpointed so an interrupted batch resumes where it stopped; failed
sessions are retried. With --metrics-addr the batch serves /metrics,
/healthz and /readyz while it runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g, observability.ModeBatch)
			if err != nil {
				return err
			}
			defer a.close()

			cf.apply(cmd.Flags(), &a.cfg.Conversion)

			if cmd.Flags().Changed("workers") {
				a.cfg.Conversion.Workers = bf.workers
			}

			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.Telemetry.MetricsAddr = bf.metricsAddr
			}

			return a.observe(cmd.Context(), "batch", func(ctx context.Context) error {
				return runBatch(ctx, cmd.OutOrStdout(), a, cf, bf, args)
			})
		},
	}

	cf.register(cmd.Flags())

	flags := cmd.Flags()
	flags.StringVar(&bf.eidsFile, "eids-file", "", "File with one session eid per line")
	flags.StringVar(&bf.subject, "subject", "", "Query sessions of a subject")
	flags.StringVar(&bf.lab, "lab", "", "Query sessions of a lab")
	flags.StringVar(&bf.project, "project", "", "Query sessions of a project")
	flags.StringVar(&bf.taskProtocol, "task-protocol", "", "Query sessions whose task protocol contains this")
	flags.StringSliceVar(&bf.dateRange, "date-range", nil, "Query sessions between two dates: YYYY-MM-DD,YYYY-MM-DD")
	flags.StringSliceVar(&bf.datasetTypes, "dataset-types", nil, "Query sessions holding these dataset types")
	flags.IntVar(&bf.limit, "limit", 0, "Convert at most this many queried sessions (0 = no limit)")
	flags.IntVarP(&bf.workers, "workers", "w", 0, "Parallel conversions (default from config)")
	flags.StringVar(&bf.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address")
	flags.BoolVar(&bf.noCheckpoint, "no-checkpoint", false, "Do not skip or record finished sessions")
	flags.BoolVar(&bf.clearCheckpoint, "clear-checkpoint", false, "Forget finished sessions before running")

	return cmd
}

func runBatch(ctx context.Context, out io.Writer, a *app, cf *conversionFlags, bf *batchFlags, args []string) error {
	opts := cf.options(a.cfg.Conversion)

	meter := a.meter

	if a.cfg.Telemetry.MetricsAddr != "" {
		diag, err := observability.StartDiagnostics(a.cfg.Telemetry.MetricsAddr, a.tracer)
		if err != nil {
			return err
		}

		defer func() {
			closeErr := diag.Close(context.Background())
			if closeErr != nil {
				a.logger.Warn("diagnostics shutdown failed", "error", closeErr)
			}
		}()

		a.logger.InfoContext(ctx, "diagnostics listening", "addr", diag.Addr())

		meter = diag.Meter()
	}

	metrics, err := observability.NewConversionMetrics(meter)
	if err != nil {
		return fmt.Errorf("init conversion metrics: %w", err)
	}

	cs, err := a.converter(opts, metrics)
	if err != nil {
		return err
	}
	defer cs.close()

	eids, err := batchSessions(ctx, cs.client, bf, args)
	if err != nil {
		return err
	}

	batchOpts := []convert.BatchOption{convert.WithBatchLogger(a.logger)}

	if a.cfg.Checkpoint.Enabled && !bf.noCheckpoint {
		manager := checkpoint.NewManager(a.cfg.Checkpoint.Dir, batchSettings(a.cfg.Conversion, opts))

		if bf.clearCheckpoint {
			err = manager.Clear()
			if err != nil {
				return err
			}
		}

		batchOpts = append(batchOpts, convert.WithCheckpoint(manager))
	}

	batch, err := convert.NewBatch(cs.converter, a.cfg.Conversion.Workers, batchOpts...)
	if err != nil {
		return err
	}

	report, runErr := batch.Run(ctx, eids)

	for _, res := range report.Results {
		var resErr error
		if res.Status == catalog.StatusFailed {
			resErr = ErrConversionFailed
		}

		printResult(out, res.EID, res, resErr)
	}

	fmt.Fprintf(out, "\n%d sessions: %d succeeded, %d partial, %d failed, %d resumed in %s\n",
		report.Total, report.Succeeded, report.Partial, report.Failed, report.Resumed,
		report.Duration.Round(time.Millisecond))

	if runErr != nil {
		return fmt.Errorf("%w: %w", ErrConversionFailed, runErr)
	}

	return nil
}

// batchSettings identifies the checkpoint of a batch: runs with other
// output settings start afresh.
func batchSettings(cfg config.ConversionConfig, opts convert.Options) string {
	return fmt.Sprintf("out=%s stub=%t desc=%s raw=%t video=%t interfaces=%s metadata=%s",
		opts.OutputDir, opts.Stub, opts.Description, opts.IncludeRawEphys, opts.IncludeVideo,
		strings.Join(cfg.Interfaces, ","), opts.MetadataOverride)
}

// sessionLister is the part of the Alyx client session queries need.
type sessionLister interface {
	Sessions(ctx context.Context, q alyx.SessionQuery) ([]alyx.Session, error)
}

// batchSessions gathers the eids of a batch from arguments, file and query.
func batchSessions(ctx context.Context, client sessionLister, bf *batchFlags, args []string) ([]string, error) {
	eids := append([]string(nil), args...)

	if bf.eidsFile != "" {
		fromFile, err := readEIDs(bf.eidsFile)
		if err != nil {
			return nil, err
		}

		eids = append(eids, fromFile...)
	}

	if q, ok := bf.query(); ok {
		sessions, err := client.Sessions(ctx, q)
		if err != nil {
			return nil, err
		}

		for _, s := range sessions {
			eids = append(eids, s.ID)
		}
	}

	if len(eids) == 0 {
		return nil, ErrNoSessions
	}

	return eids, nil
}

func (bf *batchFlags) query() (alyx.SessionQuery, bool) {
	q := alyx.SessionQuery{
		Subject:      bf.subject,
		Lab:          bf.lab,
		Project:      bf.project,
		TaskProtocol: bf.taskProtocol,
		DatasetTypes: bf.datasetTypes,
		Limit:        bf.limit,
	}

	if len(bf.dateRange) == 2 {
		q.DateRange = [2]string{bf.dateRange[0], bf.dateRange[1]}
	}

	ok := q.Subject != "" || q.Lab != "" || q.Project != "" || q.TaskProtocol != "" ||
		q.DateRange[0] != "" || len(q.DatasetTypes) > 0

	return q, ok
}

// readEIDs reads one eid per line; blank lines and # comments are skipped.
func readEIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open eids file: %w", err)
	}
	defer f.Close()

	var eids []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")

		line = strings.TrimSpace(line)
		if line != "" {
			eids = append(eids, line)
		}
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("read eids file: %w", err)
	}

	return eids, nil
}
