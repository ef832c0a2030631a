package convert_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/checkpoint"
	"github.com/Sumatoshi-tech/iblnwb/pkg/convert"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

// scriptedConverter returns a canned outcome per eid and tracks concurrency.
type scriptedConverter struct {
	mu       sync.Mutex
	calls    []string
	active   atomic.Int32
	peak     atomic.Int32
	outcomes map[string]catalog.Status
	block    chan struct{}
}

func (s *scriptedConverter) Convert(ctx context.Context, eid string) (*convert.Result, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)

	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, eid)
	s.mu.Unlock()

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return &convert.Result{EID: eid, Status: catalog.StatusFailed}, ctx.Err()
		}
	}

	status, ok := s.outcomes[eid]
	if !ok {
		status = catalog.StatusSucceeded
	}

	res := &convert.Result{EID: eid, Status: status, Path: "/out/" + eid + ".nwb"}
	if status == catalog.StatusFailed {
		return res, errBoom
	}

	return res, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBatch_RejectsZeroWorkers(t *testing.T) {
	t.Parallel()

	_, err := convert.NewBatch(&scriptedConverter{}, 0)
	require.ErrorIs(t, err, convert.ErrInvalidWorkers)
}

func TestBatch_RunTalliesOutcomes(t *testing.T) {
	t.Parallel()

	conv := &scriptedConverter{outcomes: map[string]catalog.Status{
		"b": catalog.StatusPartial,
		"c": catalog.StatusFailed,
	}}

	b, err := convert.NewBatch(conv, 2, convert.WithBatchLogger(quietLogger()))
	require.NoError(t, err)

	report, err := b.Run(context.Background(), []string{"a", "b", "c", "a", ""})
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "session c")

	assert.Equal(t, 3, report.Total, "duplicates and blanks dropped")
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Partial)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 3)
	assert.Equal(t, "a", report.Results[0].EID, "results keep input order")
	assert.Equal(t, "c", report.Results[2].EID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, conv.calls)
}

func TestBatch_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	conv := &scriptedConverter{}

	b, err := convert.NewBatch(conv, 3, convert.WithBatchLogger(quietLogger()))
	require.NoError(t, err)

	eids := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}

	report, err := b.Run(context.Background(), eids)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Succeeded)
	assert.LessOrEqual(t, conv.peak.Load(), int32(3))
}

func TestBatch_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	const settings = `{"stub":true}`

	cp := checkpoint.NewManager(t.TempDir(), settings)
	_, err := cp.Load()
	require.NoError(t, err)

	first := &scriptedConverter{outcomes: map[string]catalog.Status{"b": catalog.StatusFailed}}

	b, err := convert.NewBatch(first, 1, convert.WithCheckpoint(cp), convert.WithBatchLogger(quietLogger()))
	require.NoError(t, err)

	_, err = b.Run(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)

	resumed := checkpoint.NewManager(cp.BaseDir, settings)
	_, err = resumed.Load()
	require.NoError(t, err)

	second := &scriptedConverter{}

	b, err = convert.NewBatch(second, 1, convert.WithCheckpoint(resumed), convert.WithBatchLogger(quietLogger()))
	require.NoError(t, err)

	report, err := b.Run(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, second.calls, "only the failed session is retried")
	assert.Equal(t, 2, report.Resumed)
	assert.Equal(t, 1, report.Succeeded)
	assert.True(t, resumed.Done("b"))
}

func TestBatch_CancelStopsScheduling(t *testing.T) {
	t.Parallel()

	conv := &scriptedConverter{block: make(chan struct{})}

	b, err := convert.NewBatch(conv, 1, convert.WithBatchLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	var (
		report *convert.BatchReport
		runErr error
	)

	go func() {
		defer close(done)

		report, runErr = b.Run(ctx, []string{"a", "b", "c"})
	}()

	require.Eventually(t, func() bool { return conv.active.Load() == 1 }, testTimeout, testTick)
	cancel()
	<-done

	require.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, conv.calls, 1)
}

// alyxByEID routes session scoped requests to the fake owning the eid.
type alyxByEID map[string]*fakeAlyx

func (m alyxByEID) Session(ctx context.Context, eid string) (*alyx.Session, error) {
	f, ok := m[eid]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", alyx.ErrNotFound, eid)
	}

	return f.Session(ctx, eid)
}

func (m alyxByEID) any() *fakeAlyx {
	for _, f := range m {
		return f
	}

	return nil
}

func (m alyxByEID) Subject(ctx context.Context, nickname string) (*alyx.Subject, error) {
	return m.any().Subject(ctx, nickname)
}

func (m alyxByEID) Lab(ctx context.Context, name string) (*alyx.Lab, error) {
	return m.any().Lab(ctx, name)
}

func (m alyxByEID) Insertions(ctx context.Context, eid string) ([]alyx.Insertion, error) {
	return m[eid].Insertions(ctx, eid)
}

func (m alyxByEID) Datasets(ctx context.Context, eid string) ([]alyx.DatasetRecord, error) {
	return m[eid].Datasets(ctx, eid)
}

func (m alyxByEID) WaterAdministrations(ctx context.Context, nickname string) ([]alyx.WaterAdministration, error) {
	return m.any().WaterAdministrations(ctx, nickname)
}

func (m alyxByEID) Weighings(ctx context.Context, nickname string) ([]alyx.Weighing, error) {
	return m.any().Weighings(ctx, nickname)
}

// rendezvous loads every dataset of a session, then holds the session until
// all expected sessions loaded theirs, so their loads overlap.
type rendezvous struct {
	arrived sync.WaitGroup
	all     chan struct{}
}

func newRendezvous(sessions int) *rendezvous {
	r := &rendezvous{all: make(chan struct{})}
	r.arrived.Add(sessions)

	go func() {
		r.arrived.Wait()
		close(r.all)
	}()

	return r
}

func (r *rendezvous) Name() string { return "rendezvous" }

func (r *rendezvous) Available(*convert.Context) bool { return true }

func (r *rendezvous) Add(ctx context.Context, cc *convert.Context) error {
	err := r.load(ctx, cc)
	r.arrived.Done()

	if err != nil {
		return err
	}

	select {
	case <-r.all:
		return nil
	case <-time.After(testTimeout):
		return context.DeadlineExceeded
	}
}

func (r *rendezvous) load(ctx context.Context, cc *convert.Context) error {
	for _, ds := range cc.Inventory.All() {
		_, err := cc.Array(ctx, ds.Collection, ds.Name.Key())
		if err != nil {
			return err
		}
	}

	return nil
}

func TestBatch_CountsDatasetsPerSession(t *testing.T) {
	t.Parallel()

	const otherEID = "d3372b15-f696-4279-9be5-98f15783b5bb"

	first := newSession(t)
	first.npy("alf", "licks.times.npy", []float64{1.2, 3.4})

	second := first.sibling(otherEID, 2)
	second.npy("alf", "_ibl_wheel.position.npy", []float64{0, 0.1, 0.3})
	second.npy("alf", "_ibl_wheel.timestamps.npy", []float64{0, 0.5, 1})
	second.npy("alf", "_ibl_trials.feedbackType.npy", []float64{1, -1, 1})

	router := alyxByEID{testEID: first.alyx, otherEID: second.alyx}
	loader := one.NewLoader(one.Config{CacheDir: first.cache})

	c := convert.New(router, loader, convert.Options{OutputDir: t.TempDir()},
		convert.WithLogger(quietLogger()),
		convert.WithInterfaces(newRendezvous(2)))

	b, err := convert.NewBatch(c, 2, convert.WithBatchLogger(quietLogger()))
	require.NoError(t, err)

	report, err := b.Run(context.Background(), []string{testEID, otherEID})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.Succeeded)

	assert.Equal(t, testEID, report.Results[0].EID)
	assert.Equal(t, int64(1), report.Results[0].Datasets)
	assert.Equal(t, otherEID, report.Results[1].EID)
	assert.Equal(t, int64(3), report.Results[1].Datasets)
}
