// Package convert turns Alyx sessions into NWB files. A Converter gathers
// the session metadata from Alyx, indexes its ALF datasets and runs every
// available data interface over an in-memory NWB tree before writing it
// under a DANDI compatible path.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
)

// ErrInterfaceFailed wraps the errors of data interfaces that could not add
// their data. The file is still written without them.
var ErrInterfaceFailed = errors.New("data interface failed")

const (
	tracerName = "iblnwb.convert"

	iblNamespace        = "ndx-ibl"
	iblSubjectType      = "IblSubject"
	iblSessionDataType  = "IblSessionData"
	iblSessionDataGroup = "ibl_session"
	stubDescription     = "stub"
)

// Alyx is the part of the Alyx client a conversion reads from.
type Alyx interface {
	Session(ctx context.Context, eid string) (*alyx.Session, error)
	Subject(ctx context.Context, nickname string) (*alyx.Subject, error)
	Lab(ctx context.Context, name string) (*alyx.Lab, error)
	Insertions(ctx context.Context, eid string) ([]alyx.Insertion, error)
	Datasets(ctx context.Context, eid string) ([]alyx.DatasetRecord, error)
	WaterAdministrations(ctx context.Context, nickname string) ([]alyx.WaterAdministration, error)
	Weighings(ctx context.Context, nickname string) ([]alyx.Weighing, error)
}

// Options tunes conversions.
type Options struct {
	OutputDir string
	// Stub marks files built from truncated arrays.
	Stub bool
	// StubSamples bounds the raw ephys window read in stub mode.
	StubSamples int
	// RawSamples bounds the raw ephys window of every file; zero means
	// one.DefaultSpikeGLXSamples.
	RawSamples      int
	Compression     int
	ChunkRows       uint64
	IncludeRawEphys bool
	IncludeVideo    bool
	Overwrite       bool
	// Description is the DANDI desc entity of file names.
	Description string
	// MetadataOverride is a YAML file merged over the Alyx metadata.
	MetadataOverride string
}

// Failure is a data interface that could not add its data.
type Failure struct {
	Interface string `json:"interface"`
	Error     string `json:"error"`
	Err       error  `json:"-"`
}

// Result describes one conversion.
type Result struct {
	EID        string           `json:"eid"`
	Subject    string           `json:"subject,omitempty"`
	Path       string           `json:"path,omitempty"`
	Status     catalog.Status   `json:"status"`
	Interfaces []string         `json:"interfaces,omitempty"`
	Skipped    []string         `json:"skipped,omitempty"`
	Failures   []Failure        `json:"failures,omitempty"`
	Report     *nwb.WriteReport `json:"report,omitempty"`
	Datasets   int64            `json:"datasets"`
	Duration   time.Duration    `json:"duration"`
}

// Err joins the interface failures, or returns nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}

	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInterfaceFailed, f.Interface, f.Err))
	}

	return errors.Join(errs...)
}

// Converter converts sessions. It holds no per-session state and is safe
// for concurrent use.
type Converter struct {
	alyx       Alyx
	loader     *one.Loader
	opts       Options
	interfaces []Interface
	catalog    *catalog.Catalog
	metrics    *observability.ConversionMetrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option customizes a Converter.
type Option func(*Converter)

// WithInterfaces replaces the default data interfaces.
func WithInterfaces(ifaces ...Interface) Option {
	return func(c *Converter) { c.interfaces = ifaces }
}

// WithCatalog records every conversion in the catalog.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *Converter) { c.catalog = cat }
}

// WithMetrics records conversion metrics.
func WithMetrics(m *observability.ConversionMetrics) Option {
	return func(c *Converter) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Converter) { c.logger = logger }
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Converter) { c.tracer = tracer }
}

// New creates a Converter running DefaultInterfaces unless overridden.
func New(client Alyx, loader *one.Loader, opts Options, options ...Option) *Converter {
	c := &Converter{
		alyx:       client,
		loader:     loader,
		opts:       opts,
		interfaces: DefaultInterfaces(),
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Interfaces returns the names of the configured data interfaces.
func (c *Converter) Interfaces() []string {
	names := make([]string, 0, len(c.interfaces))
	for _, iface := range c.interfaces {
		names = append(names, iface.Name())
	}

	return names
}

// session is everything gathered about a session before conversion.
type session struct {
	ref       one.SessionRef
	metadata  *metadata.Metadata
	inventory *alf.Inventory
}

// Metadata gathers the Alyx records of eid and maps them to NWB metadata,
// applying the configured override file. The result is validated.
func (c *Converter) Metadata(ctx context.Context, eid string) (*metadata.Metadata, error) {
	s, err := c.prepare(ctx, eid)
	if err != nil {
		return nil, err
	}

	return s.metadata, nil
}

// Convert converts one session. The returned Result is non-nil even when
// the conversion fails, so callers can record the outcome. Interface
// failures do not fail the conversion; see Result.Failures.
func (c *Converter) Convert(ctx context.Context, eid string) (*Result, error) {
	tally := &observability.Tally{}
	ctx = observability.WithTally(observability.WithSession(ctx, eid), tally)

	ctx, span := c.tracer.Start(ctx, "convert.session", trace.WithAttributes(attribute.String("session.eid", eid)))
	defer span.End()

	start := c.now()

	res := &Result{EID: eid, Status: catalog.StatusFailed}

	err := c.convert(ctx, eid, res)

	res.Duration = c.now().Sub(start)
	res.Datasets = tally.Datasets()

	c.finish(ctx, res, err, tally)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return res, err
	}

	span.SetAttributes(
		attribute.String("convert.status", string(res.Status)),
		attribute.Int("convert.failures", len(res.Failures)),
	)

	return res, nil
}

func (c *Converter) convert(ctx context.Context, eid string, res *Result) error {
	s, err := c.prepare(ctx, eid)
	if err != nil {
		return err
	}

	res.Subject = s.metadata.Subject.SubjectID

	file, err := BuildFile(s.metadata, c.now())
	if err != nil {
		return err
	}

	cc := &Context{
		EID:              eid,
		Session:          s.ref,
		Inventory:        s.inventory,
		Metadata:         s.metadata,
		File:             file,
		Loader:           c.loader,
		Logger:           c.logger.With("eid", eid),
		Options:          c.opts,
		ElectrodeOffsets: make(map[string]int64),
		ElectrodeCounts:  make(map[string]int),
	}

	c.runInterfaces(ctx, cc, res)

	desc := c.opts.Description
	if desc == "" && c.opts.Stub {
		desc = stubDescription
	}

	path := filepath.Join(c.opts.OutputDir,
		filepath.FromSlash(nwb.DandiPath(s.metadata.Subject.SubjectID, eid, desc, file.Modalities())))

	report, err := nwb.Write(path, file, nwb.WriteOptions{
		Compression: c.opts.Compression,
		ChunkRows:   c.opts.ChunkRows,
		Overwrite:   c.opts.Overwrite,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", eid, err)
	}

	res.Path = path
	res.Report = report

	res.Status = catalog.StatusSucceeded
	if len(res.Failures) > 0 {
		res.Status = catalog.StatusPartial
	}

	if c.catalog != nil {
		err = c.catalog.RecordDatasets(ctx, eid, s.inventory.All())
		if err != nil {
			c.logger.WarnContext(ctx, "record datasets", "error", err)
		}
	}

	return nil
}

func (c *Converter) runInterfaces(ctx context.Context, cc *Context, res *Result) {
	for _, iface := range c.interfaces {
		name := iface.Name()

		if !iface.Available(cc) {
			res.Skipped = append(res.Skipped, name)

			continue
		}

		ictx, span := c.tracer.Start(ctx, "convert.interface", trace.WithAttributes(attribute.String("interface.name", name)))

		err := iface.Add(ictx, cc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()

			c.logger.WarnContext(ctx, "interface failed", "interface", name, "error", err)
			res.Failures = append(res.Failures, Failure{Interface: name, Error: err.Error(), Err: err})

			continue
		}

		span.End()

		res.Interfaces = append(res.Interfaces, name)
	}
}

func (c *Converter) prepare(ctx context.Context, eid string) (*session, error) {
	sess, err := c.alyx.Session(ctx, eid)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", eid, err)
	}

	subject, err := c.alyx.Subject(ctx, sess.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", sess.Subject, err)
	}

	lab, err := c.alyx.Lab(ctx, sess.Lab)
	if err != nil {
		if !errors.Is(err, alyx.ErrNotFound) {
			return nil, fmt.Errorf("lab %s: %w", sess.Lab, err)
		}

		lab = nil
	}

	insertions, err := c.alyx.Insertions(ctx, eid)
	if err != nil {
		return nil, fmt.Errorf("insertions of %s: %w", eid, err)
	}

	water, err := c.alyx.WaterAdministrations(ctx, sess.Subject)
	if err != nil {
		return nil, fmt.Errorf("water administrations of %s: %w", sess.Subject, err)
	}

	weighings, err := c.alyx.Weighings(ctx, sess.Subject)
	if err != nil {
		return nil, fmt.Errorf("weighings of %s: %w", sess.Subject, err)
	}

	records, err := c.alyx.Datasets(ctx, eid)
	if err != nil {
		return nil, fmt.Errorf("datasets of %s: %w", eid, err)
	}

	ref := one.SessionRef{
		EID:     eid,
		Lab:     sess.Lab,
		Subject: sess.Subject,
		Date:    sess.Date(),
		Number:  sess.Number,
	}

	datasets, skipped := alyx.ToALFDatasets(records)
	if len(skipped) > 0 {
		c.logger.DebugContext(ctx, "datasets with non-ALF names ignored", "count", len(skipped))
	}

	inv := alf.NewInventory(c.loader.List(ref, datasets))

	md, err := metadata.FromAlyx(metadata.Source{
		Session:              sess,
		Subject:              subject,
		Lab:                  lab,
		Insertions:           insertions,
		WaterAdministrations: water,
		Weighings:            weighings,
		ProbeCollections:     inv.ProbeCollections(),
	})
	if err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", eid, err)
	}

	if c.opts.MetadataOverride != "" {
		md, err = metadata.ApplyFile(md, c.opts.MetadataOverride)
		if err != nil {
			return nil, fmt.Errorf("metadata override: %w", err)
		}
	}

	err = metadata.Validate(md)
	if err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", eid, err)
	}

	return &session{ref: ref, metadata: md, inventory: inv}, nil
}

// finish records the outcome in the catalog and the metrics.
func (c *Converter) finish(ctx context.Context, res *Result, convErr error, tally *observability.Tally) {
	failed := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failed = append(failed, f.Interface)
	}

	var bytesWritten int64
	if res.Report != nil {
		bytesWritten = res.Report.Bytes
	}

	c.metrics.RecordSession(ctx, observability.ConversionStats{
		Status:           string(res.Status),
		Duration:         res.Duration,
		DatasetsLoaded:   res.Datasets,
		BytesWritten:     bytesWritten,
		FailedInterfaces: failed,
		AlyxCacheHits:    tally.CacheHits(),
		AlyxCacheMisses:  tally.CacheMisses(),
	})

	if convErr == nil {
		c.logger.InfoContext(ctx, "session converted",
			"status", res.Status, "path", res.Path, "failures", len(res.Failures), "duration", res.Duration)
	} else {
		c.logger.ErrorContext(ctx, "session conversion failed", "error", convErr)
	}

	if c.catalog == nil {
		return
	}

	conv := catalog.Conversion{
		EID:        res.EID,
		Subject:    res.Subject,
		Path:       res.Path,
		Status:     res.Status,
		Failures:   len(res.Failures),
		Duration:   res.Duration,
		Bytes:      bytesWritten,
		Stub:       c.opts.Stub,
		FinishedAt: c.now().UTC(),
	}

	switch {
	case convErr != nil:
		conv.Error = convErr.Error()
	case len(res.Failures) > 0:
		conv.Error = res.Err().Error()
	}

	_, err := c.catalog.RecordConversion(ctx, conv)
	if err != nil {
		c.logger.WarnContext(ctx, "record conversion", "error", err)
	}
}
