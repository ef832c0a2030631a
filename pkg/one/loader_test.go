package one_test

import (
	"context"
	"crypto/md5" //nolint:gosec // test fixture hashes.
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
)

var testSession = one.SessionRef{
	EID:     "4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a",
	Lab:     "cortexlab",
	Subject: "KS023",
	Date:    "2019-12-10",
	Number:  1,
}

func dataset(collection, file string) alf.Dataset {
	return alf.Dataset{Collection: collection, Name: alf.MustParse(file)}
}

func writeFixture(t *testing.T, root string, ds alf.Dataset, content []byte) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(testSession.RelativePath()), filepath.FromSlash(ds.RelativePath()))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func TestSessionRef_RelativePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cortexlab/Subjects/KS023/2019-12-10/001", testSession.RelativePath())
}

func TestLoader_LoadArrayFromCache(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	times := dataset("alf/probe00", "spikes.times.npy")
	writeFixture(t, root, times, encodeNpy(t, []float64{0.1, 0.2, 0.3, 0.4}))

	inv := alf.NewInventory([]alf.Dataset{times})
	loader := one.NewLoader(one.Config{CacheDir: root, StubRows: 2})

	tally := &observability.Tally{}

	arr, err := loader.LoadArray(observability.WithTally(context.Background(), tally), testSession, inv, "alf/probe00", "spikes.times")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, arr.Data)
	assert.Equal(t, int64(1), tally.Datasets())

	_, err = loader.LoadArray(context.Background(), testSession, inv, "alf/probe00", "spikes.amps")
	require.ErrorIs(t, err, one.ErrNotFound)

	missing, err := loader.LoadOptional(context.Background(), testSession, inv, "alf", "trials.choice")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoader_LoadObject(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a := dataset("alf", "_ibl_wheel.position.npy")
	b := dataset("alf", "_ibl_wheel.timestamps.npy")
	writeFixture(t, root, a, encodeNpy(t, []float64{1, 2, 3}))
	writeFixture(t, root, b, encodeNpy(t, []float64{0, 0.5, 1}))

	loader := one.NewLoader(one.Config{CacheDir: root})
	inv := alf.NewInventory([]alf.Dataset{a, b})

	obj, err := loader.LoadObject(context.Background(), testSession, inv, "alf", "wheel")
	require.NoError(t, err)
	assert.Len(t, obj, 2)
	assert.Equal(t, 3, obj.Len())
	assert.Equal(t, []float64{0, 0.5, 1}, obj["timestamps"].Data)
}

func TestLoader_LoadObjectShapeMismatch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a := dataset("alf", "_ibl_wheel.position.npy")
	b := dataset("alf", "_ibl_wheel.timestamps.npy")
	writeFixture(t, root, a, encodeNpy(t, []float64{1, 2, 3}))
	writeFixture(t, root, b, encodeNpy(t, []float64{0, 0.5}))

	loader := one.NewLoader(one.Config{CacheDir: root})
	inv := alf.NewInventory([]alf.Dataset{a, b})

	_, err := loader.LoadObject(context.Background(), testSession, inv, "alf", "wheel")
	require.ErrorIs(t, err, one.ErrShapeMismatch)

	_, err = loader.LoadObject(context.Background(), testSession, inv, "alf", "licks")
	require.ErrorIs(t, err, one.ErrNotFound)
}

func TestLoader_Download(t *testing.T) {
	t.Parallel()

	payload := encodeNpy(t, []float64{5, 6})
	sum := md5.Sum(payload) //nolint:gosec // fixture hash.

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		user, pass, ok := r.BasicAuth()
		if !ok || user != "iblmember" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		assert.Equal(t, "/cortexlab/Subjects/KS023/2019-12-10/001/alf/_ibl_trials.goCue_times.npy", r.URL.Path)

		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	goCue := dataset("alf", "_ibl_trials.goCue_times.npy")
	goCue.Hash = hex.EncodeToString(sum[:])

	loader := one.NewLoader(one.Config{
		CacheDir: root,
		DataURL:  srv.URL + "/",
		Username: "iblmember",
		Password: "secret",
		Download: true,
	}, one.WithHTTPClient(srv.Client()))

	inv := alf.NewInventory([]alf.Dataset{goCue})
	assert.Len(t, loader.List(testSession, inv.All()), 1)

	arr, err := loader.LoadArray(context.Background(), testSession, inv, "alf", "trials.goCue_times")
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6}, arr.Data)

	_, err = os.Stat(loader.LocalPath(testSession, goCue))
	require.NoError(t, err)

	_, err = loader.LoadArray(context.Background(), testSession, inv, "alf", "trials.goCue_times")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second load is served from disk")
}

func TestLoader_DownloadHashMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("corrupted"))
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	ds := dataset("alf", "licks.times.npy")
	ds.Hash = "00000000000000000000000000000000"
	ds.URL = srv.URL + "/licks.times.npy"

	loader := one.NewLoader(one.Config{CacheDir: root, Download: true}, one.WithHTTPClient(srv.Client()))

	_, err := loader.Ensure(context.Background(), testSession, ds)
	require.ErrorIs(t, err, one.ErrHashMismatch)

	_, statErr := os.Stat(loader.LocalPath(testSession, ds))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestLoader_DownloadFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	ds := dataset("alf", "licks.times.npy")
	ds.URL = srv.URL + "/licks.times.npy"

	loader := one.NewLoader(one.Config{CacheDir: t.TempDir(), Download: true}, one.WithHTTPClient(srv.Client()))

	_, err := loader.Ensure(context.Background(), testSession, ds)
	require.ErrorIs(t, err, one.ErrDownloadFailed)

	offline := one.NewLoader(one.Config{CacheDir: t.TempDir()})
	assert.False(t, offline.Available(testSession, ds))
}
