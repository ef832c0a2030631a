package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/config"
	"github.com/Sumatoshi-tech/iblnwb/pkg/convert"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb2alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

func init() {
	color.NoColor = true //nolint:reassign // plain output in assertions
}

type fakeLister struct {
	query    alyx.SessionQuery
	sessions []alyx.Session
	err      error
}

func (f *fakeLister) Sessions(_ context.Context, q alyx.SessionQuery) ([]alyx.Session, error) {
	f.query = q

	return f.sessions, f.err
}

func TestReadEIDs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "eids.txt")
	require.NoError(t, os.WriteFile(path, []byte("# batch one\naaaa\n\n  bbbb  # retry\ncccc\n"), 0o600))

	eids, err := readEIDs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaaa", "bbbb", "cccc"}, eids)

	_, err = readEIDs(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestBatchSessions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "eids.txt")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	lister := &fakeLister{sessions: []alyx.Session{{ID: "queried-1"}, {ID: "queried-2"}}}
	bf := &batchFlags{eidsFile: path, lab: "cortexlab", dateRange: []string{"2020-01-01", "2020-02-01"}, limit: 2}

	eids, err := batchSessions(context.Background(), lister, bf, []string{"arg"})
	require.NoError(t, err)

	assert.Equal(t, []string{"arg", "from-file", "queried-1", "queried-2"}, eids)
	assert.Equal(t, "cortexlab", lister.query.Lab)
	assert.Equal(t, [2]string{"2020-01-01", "2020-02-01"}, lister.query.DateRange)
	assert.Equal(t, 2, lister.query.Limit)
}

func TestBatchSessions_Errors(t *testing.T) {
	t.Parallel()

	_, err := batchSessions(context.Background(), &fakeLister{}, &batchFlags{}, nil)
	require.ErrorIs(t, err, ErrNoSessions)

	boom := errors.New("boom")

	_, err = batchSessions(context.Background(), &fakeLister{err: boom}, &batchFlags{subject: "KS023"}, nil)
	require.ErrorIs(t, err, boom)
}

func TestBatchFlags_Query(t *testing.T) {
	t.Parallel()

	_, ok := (&batchFlags{limit: 5}).query()
	assert.False(t, ok)

	q, ok := (&batchFlags{datasetTypes: []string{"spikes.times"}}).query()
	assert.True(t, ok)
	assert.Equal(t, []string{"spikes.times"}, q.DatasetTypes)
}

func TestConversionFlags_ApplyOnlyChanged(t *testing.T) {
	t.Parallel()

	cf := &conversionFlags{}
	cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	cf.register(cmd.Flags())

	require.NoError(t, cmd.Flags().Parse([]string{"--stub", "-i", "trials,wheel", "--desc", "test"}))

	cfg := config.ConversionConfig{OutputDir: "/data/nwb", Compression: 4, IncludeVideo: true, StubSamples: 100, RawSamples: 9000}
	cf.apply(cmd.Flags(), &cfg)

	assert.True(t, cfg.Stub)
	assert.Equal(t, []string{"trials", "wheel"}, cfg.Interfaces)
	assert.Equal(t, "/data/nwb", cfg.OutputDir)
	assert.Equal(t, 4, cfg.Compression)
	assert.True(t, cfg.IncludeVideo)

	opts := cf.options(cfg)
	assert.Equal(t, "test", opts.Description)
	assert.Equal(t, 100, opts.StubSamples)
	assert.Equal(t, 9000, opts.RawSamples)
	assert.True(t, opts.Stub)
}

func TestBatchSettings_DependOnOutput(t *testing.T) {
	t.Parallel()

	cfg := config.ConversionConfig{Interfaces: []string{"trials"}}

	a := batchSettings(cfg, convert.Options{OutputDir: "a"})
	b := batchSettings(cfg, convert.Options{OutputDir: "b"})
	c := batchSettings(cfg, convert.Options{OutputDir: "a", Compression: 9})

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}

func TestCodecFor(t *testing.T) {
	t.Parallel()

	codec, err := codecFor(formatYAML)
	require.NoError(t, err)
	assert.Equal(t, ".yaml", codec.Extension())

	_, err = codecFor("xml")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestPrintDiff(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printDiff(&buf, "eid-1", &nwb2alyx.DiffReport{}, false))
	assert.Contains(t, buf.String(), "eid-1 matches alyx")

	buf.Reset()

	report := &nwb2alyx.DiffReport{
		Fields:          []nwb2alyx.FieldDiff{{Field: "session.n_trials", Expected: "569", Actual: "500"}},
		MissingDatasets: []string{"licks.times"},
		Unified:         "-a\n+b\n",
	}

	err := printDiff(&buf, "eid-1", report, true)
	require.ErrorIs(t, err, ErrMismatch)

	out := buf.String()
	assert.Contains(t, out, "session.n_trials: alyx 569, file 500")
	assert.Contains(t, out, "dataset licks.times is not registered")
	assert.Contains(t, out, "+b")
}

func TestPrintResult(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	printResult(&buf, "e1", &convert.Result{Status: catalog.StatusPartial, Path: "p.nwb",
		Failures: []convert.Failure{{Interface: "wheel", Error: "missing"}}}, nil)
	printResult(&buf, "e2", nil, errors.New("alyx down"))

	out := buf.String()
	assert.Contains(t, out, "! e1 -> p.nwb (1 interface failures)")
	assert.Contains(t, out, "wheel: missing")
	assert.Contains(t, out, "✗ e2: alyx down")
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderStatus(&buf, nil, nil)
	assert.Contains(t, buf.String(), "no conversions recorded")

	buf.Reset()
	renderStatus(&buf, []catalog.Conversion{{
		EID: "e1", Subject: "KS023", Status: catalog.StatusSucceeded, Bytes: 4096,
		Duration: 1500 * time.Millisecond, Path: "sub-KS023/x.nwb", FinishedAt: time.Now(),
	}}, map[catalog.Status]int{catalog.StatusSucceeded: 1})

	out := strings.ToLower(buf.String())
	assert.Contains(t, out, "ks023")
	assert.Contains(t, out, "4.0 kib")
	assert.Contains(t, out, "1 ok, 0 partial, 0 failed")
}

func TestObservabilityConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Logging.Level = "warn"
	cfg.Telemetry.SampleRatio = 0.5
	cfg.Telemetry.OTLPHeaders = "a=b"

	obs := observabilityConfig(&Globals{}, cfg, observability.ModeBatch)
	assert.Equal(t, observability.ModeBatch, obs.Mode)
	assert.Equal(t, "WARN", obs.LogLevel.String())
	assert.Equal(t, map[string]string{"a": "b"}, obs.OTLPHeaders)
	assert.False(t, obs.LogJSON)

	obs = observabilityConfig(&Globals{Debug: true}, cfg, observability.ModeMCP)
	assert.True(t, obs.DebugTrace)
	assert.True(t, obs.LogJSON)
	assert.Equal(t, "DEBUG", obs.LogLevel.String())
}
