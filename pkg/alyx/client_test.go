package alyx_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

const testEID = "4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a"

type fakeAlyx struct {
	token    string
	requests atomic.Int32
	mux      *http.ServeMux
}

func newFakeAlyx(t *testing.T) (*fakeAlyx, *httptest.Server) {
	t.Helper()

	f := &fakeAlyx{token: "tok-1", mux: http.NewServeMux()}

	f.mux.HandleFunc("POST /auth-token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string

		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "intbrainlab" || body["password"] != "pw" {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		writeJSON(w, map[string]string{"token": f.token})
	})

	f.mux.HandleFunc("GET /sessions/{eid}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("eid") != testEID {
			http.NotFound(w, r)

			return
		}

		writeJSON(w, alyx.Session{
			ID: testEID, Subject: "KS023", Lab: "cortexlab", Number: 1,
			StartTime: "2019-12-10T13:24:10", TaskProtocol: "_iblrig_tasks_ephysChoiceWorld6.2.5",
		})
	}))

	f.mux.HandleFunc("GET /datasets", f.authed(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		all := []alyx.DatasetRecord{
			{ID: "d1", Name: "spikes.times.npy", Collection: "alf/probe00"},
			{ID: "d2", Name: "spikes.clusters.npy", Collection: "alf/probe00"},
			{ID: "d3", Name: "_ibl_trials.table.pqt", Collection: "alf"},
		}

		end := min(offset+2, len(all))
		next := ""

		if end < len(all) {
			next = "more"
		}

		writeJSON(w, map[string]any{"count": len(all), "next": next, "results": all[offset:end]})
	}))

	// Weighings pages omit next, as some proxies do; count still bounds them.
	f.mux.HandleFunc("GET /weighings", f.authed(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		all := []alyx.Weighing{
			{DateTime: "2019-12-08T09:00:00", Weight: 22.1},
			{DateTime: "2019-12-09T09:00:00", Weight: 22.4},
			{DateTime: "2019-12-10T09:00:00", Weight: 22.8},
		}

		end := min(offset+2, len(all))
		writeJSON(w, map[string]any{"count": len(all), "results": all[min(offset, end):end]})
	}))

	f.mux.HandleFunc("GET /insertions", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []alyx.Insertion{{ID: "p0", Name: "probe00"}, {ID: "p1", Name: "probe01"}})
	}))

	f.mux.HandleFunc("POST /weighings", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var in alyx.Weighing

		_ = json.NewDecoder(r.Body).Decode(&in)
		in.ID = "w-new"

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, in)
	}))

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeAlyx) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)

		if r.Header.Get("Authorization") != "Token "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Invalid token."}`))

			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, srv *httptest.Server, cacheDir string) *alyx.Client {
	t.Helper()

	c, err := alyx.New(alyx.Config{
		BaseURL:  srv.URL,
		Username: "intbrainlab",
		Password: "pw",
		CacheDir: cacheDir,
		PageSize: 2,
	}, alyx.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := alyx.New(alyx.Config{})
	require.ErrorIs(t, err, alyx.ErrMissingBaseURL)
}

func TestClient_SessionIsCached(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	s, err := c.Session(context.Background(), testEID)
	require.NoError(t, err)
	assert.Equal(t, "KS023", s.Subject)
	assert.Equal(t, "2019-12-10", s.Date())

	_, err = c.Session(context.Background(), testEID)
	require.NoError(t, err)

	assert.Equal(t, int32(1), fake.requests.Load())
	assert.Equal(t, int64(1), c.CacheStats().Hits)
}

func TestClient_CacheLookupsCountPerSession(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	first, second := &observability.Tally{}, &observability.Tally{}

	_, err := c.Session(observability.WithTally(context.Background(), first), testEID)
	require.NoError(t, err)

	_, err = c.Session(observability.WithTally(context.Background(), second), testEID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), first.CacheHits())
	assert.Equal(t, int64(1), first.CacheMisses())
	assert.Equal(t, int64(1), second.CacheHits())
	assert.Equal(t, int64(0), second.CacheMisses())
}

func TestClient_NotFoundUnwraps(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	_, err := c.Session(context.Background(), "missing")
	require.ErrorIs(t, err, alyx.ErrNotFound)

	var apiErr *alyx.APIError

	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_UnauthorizedWithoutCredentials(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)

	c, err := alyx.New(alyx.Config{BaseURL: srv.URL, Token: "stale"}, alyx.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = c.Session(context.Background(), testEID)
	require.ErrorIs(t, err, alyx.ErrUnauthorized)
}

func TestClient_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)

	c, err := alyx.New(alyx.Config{
		BaseURL: srv.URL, Token: "stale", Username: "intbrainlab", Password: "pw",
	}, alyx.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	s, err := c.Session(context.Background(), testEID)
	require.NoError(t, err)
	assert.Equal(t, testEID, s.ID)
}

func TestClient_DatasetsFollowsPagination(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	records, err := c.Datasets(context.Background(), testEID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	datasets, skipped := alyx.ToALFDatasets(records)
	assert.Len(t, datasets, 3)
	assert.Empty(t, skipped)
	assert.Equal(t, "alf/probe00", datasets[0].Collection)
}

func TestClient_PaginationWithoutNext(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	weighings, err := c.Weighings(context.Background(), "KS023")
	require.NoError(t, err)
	require.Len(t, weighings, 3)
	assert.InDelta(t, 22.8, weighings[2].Weight, 1e-9)
	assert.Equal(t, int32(2), fake.requests.Load())
}

func TestClient_InsertionsBareArray(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	ins, err := c.Insertions(context.Background(), testEID)
	require.NoError(t, err)
	require.Len(t, ins, 2)
	assert.Equal(t, "probe01", ins[1].Name)
}

func TestClient_DiskCacheServesOffline(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)
	dir := t.TempDir()

	online := newClient(t, srv, dir)

	_, err := online.Session(context.Background(), testEID)
	require.NoError(t, err)

	baseURL := srv.URL
	srv.Close()

	offline, err := alyx.New(alyx.Config{BaseURL: baseURL, Token: "tok-1", CacheDir: dir})
	require.NoError(t, err)

	s, err := offline.Session(context.Background(), testEID)
	require.NoError(t, err)
	assert.Equal(t, "cortexlab", s.Lab)
}

func TestClient_CreateWeighing(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAlyx(t)
	c := newClient(t, srv, "")

	created, err := c.CreateWeighing(context.Background(), &alyx.Weighing{
		Subject: "KS023", DateTime: "2019-12-10T09:00:00", Weight: 21.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "w-new", created.ID)
	assert.InDelta(t, 21.5, created.Weight, 1e-9)
}

func TestDatasetRecord_ToALF(t *testing.T) {
	t.Parallel()

	notDefault := false
	records := []alyx.DatasetRecord{
		{
			ID: "a", Name: "_ibl_trials.goCue_times.npy", Collection: "/alf/", Hash: "abc",
			FileRecords: []alyx.FileRecord{
				{Exists: false, DataURL: "https://example.org/stale"},
				{Exists: true, DataURL: "https://example.org/alf/_ibl_trials.goCue_times.npy"},
			},
		},
		{ID: "b", Name: "spikes.times.npy", Default: &notDefault},
		{ID: "c", Name: "README", Collection: "alf"},
	}

	datasets, skipped := alyx.ToALFDatasets(records)
	require.Len(t, datasets, 1)
	assert.Equal(t, "alf", datasets[0].Collection)
	assert.Equal(t, "https://example.org/alf/_ibl_trials.goCue_times.npy", datasets[0].URL)
	assert.Equal(t, "trials.goCue_times", datasets[0].Name.Key())
	assert.Equal(t, []string{"alf/README"}, skipped)
}
