// Package one loads ALF datasets of a session from a local ONE cache
// directory, downloading missing files from the data server when allowed.
package one

import (
	"context"
	"crypto/md5" //nolint:gosec // Alyx registers md5 file hashes.
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
)

// Loader errors.
var (
	// ErrNotFound indicates a dataset that is neither on disk nor downloadable.
	ErrNotFound = errors.New("dataset not found")
	// ErrHashMismatch indicates a downloaded file whose md5 differs from the Alyx record.
	ErrHashMismatch = errors.New("dataset hash mismatch")
	// ErrDownloadFailed indicates a non-2xx answer from the data server.
	ErrDownloadFailed = errors.New("dataset download failed")
)

const (
	npyExtension    = "npy"
	dirPerm         = 0o750
	defaultTimeout  = 10 * time.Minute
	sessionNumWidth = 3
)

// SessionRef locates a session directory inside the cache.
type SessionRef struct {
	EID     string
	Lab     string
	Subject string
	Date    string // YYYY-MM-DD.
	Number  int
}

// RelativePath returns `<lab>/Subjects/<subject>/<date>/<NNN>`.
func (s SessionRef) RelativePath() string {
	return path.Join(s.Lab, "Subjects", s.Subject, s.Date, fmt.Sprintf("%0*d", sessionNumWidth, s.Number))
}

// Config configures a Loader.
type Config struct {
	// CacheDir is the root of the local ONE cache.
	CacheDir string
	// DataURL is the base URL of the file server; dataset URLs from Alyx take precedence.
	DataURL string
	// Username and Password authenticate against the file server (HTTP basic auth).
	Username string
	Password string
	// Download enables fetching of missing files.
	Download bool
	// StubRows truncates every loaded array to this many rows when positive.
	StubRows int
}

// Loader resolves and decodes session datasets.
type Loader struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.http = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader.
func NewLoader(cfg Config, opts ...Option) *Loader {
	l := &Loader{
		cfg:    cfg,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LocalPath returns where the dataset lives in the cache.
func (l *Loader) LocalPath(ref SessionRef, ds alf.Dataset) string {
	return filepath.Join(l.cfg.CacheDir, filepath.FromSlash(ref.RelativePath()), filepath.FromSlash(ds.RelativePath()))
}

// Available reports whether the dataset is on disk or could be downloaded.
func (l *Loader) Available(ref SessionRef, ds alf.Dataset) bool {
	_, err := os.Stat(l.LocalPath(ref, ds))
	if err == nil {
		return true
	}

	return l.cfg.Download && l.remoteURL(ref, ds) != ""
}

// List keeps the datasets that are on disk or downloadable.
func (l *Loader) List(ref SessionRef, datasets []alf.Dataset) []alf.Dataset {
	out := make([]alf.Dataset, 0, len(datasets))

	for _, ds := range datasets {
		if l.Available(ref, ds) {
			out = append(out, ds)
		}
	}

	return out
}

// Ensure returns the local path of the dataset, downloading it when missing.
func (l *Loader) Ensure(ctx context.Context, ref SessionRef, ds alf.Dataset) (string, error) {
	local := l.LocalPath(ref, ds)

	_, err := os.Stat(local)
	if err == nil {
		return local, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", local, err)
	}

	remote := l.remoteURL(ref, ds)
	if !l.cfg.Download || remote == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ds.RelativePath())
	}

	err = l.download(ctx, remote, local, ds.Hash)
	if err != nil {
		return "", err
	}

	return local, nil
}

// LoadArray decodes a .npy dataset. Missing datasets yield ErrNotFound.
func (l *Loader) LoadArray(ctx context.Context, ref SessionRef, inv *alf.Inventory, collection, key string) (*Array, error) {
	ds, ok := inv.Lookup(collection, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}

	if ds.Name.Extension != npyExtension {
		return nil, fmt.Errorf("%w: %s is not a .npy file", ErrUnsupportedDtype, ds.RelativePath())
	}

	local, err := l.Ensure(ctx, ref, ds)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", local, err)
	}
	defer file.Close()

	arr, err := DecodeNpy(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ds.RelativePath(), err)
	}

	observability.TallyFromContext(ctx).AddDataset()

	l.logger.DebugContext(ctx, "dataset loaded", "dataset", ds.RelativePath(), "shape", arr.Shape)

	return arr.Truncate(l.cfg.StubRows), nil
}

// LoadOptional is LoadArray that maps ErrNotFound to (nil, nil).
func (l *Loader) LoadOptional(ctx context.Context, ref SessionRef, inv *alf.Inventory, collection, key string) (*Array, error) {
	arr, err := l.LoadArray(ctx, ref, inv, collection, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil //nolint:nilnil // absence is not an error here
	}

	return arr, err
}

// Object is an ALF object: attribute name to array.
type Object map[string]*Array

// Len returns the shared first-axis length, or 0 for an empty object.
func (o Object) Len() int {
	for _, arr := range o {
		return arr.Len()
	}

	return 0
}

// LoadObject loads every .npy attribute of an ALF object. Attributes must
// agree on the first axis.
func (l *Loader) LoadObject(ctx context.Context, ref SessionRef, inv *alf.Inventory, collection, object string) (Object, error) {
	datasets := inv.Object(collection, object)
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w: object %s/%s", ErrNotFound, collection, object)
	}

	out := make(Object, len(datasets))
	first := ""

	for _, ds := range datasets {
		if ds.Name.Extension != npyExtension {
			continue
		}

		arr, err := l.LoadArray(ctx, ref, inv, collection, ds.Name.Key())
		if err != nil {
			return nil, err
		}

		if first != "" && arr.Len() != out[first].Len() {
			return nil, fmt.Errorf("%w: %s.%s has %d rows, %s.%s has %d",
				ErrShapeMismatch, object, ds.Name.Attribute, arr.Len(), object, first, out[first].Len())
		}

		if first == "" {
			first = ds.Name.Attribute
		}

		out[ds.Name.Attribute] = arr
	}

	return out, nil
}

func (l *Loader) remoteURL(ref SessionRef, ds alf.Dataset) string {
	if ds.URL != "" {
		return ds.URL
	}

	if l.cfg.DataURL == "" {
		return ""
	}

	return strings.TrimRight(l.cfg.DataURL, "/") + "/" + ref.RelativePath() + "/" + ds.RelativePath()
}

func (l *Loader) download(ctx context.Context, remote, local, wantHash string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	if l.cfg.Username != "" {
		req.SetBasicAuth(l.cfg.Username, l.cfg.Password)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", remote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s: %s", ErrDownloadFailed, remote, resp.Status)
	}

	err = os.MkdirAll(filepath.Dir(local), dirPerm)
	if err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(local), filepath.Base(local)+".part-*")
	if err != nil {
		return fmt.Errorf("create dataset file: %w", err)
	}

	hasher := md5.New() //nolint:gosec // matches the Alyx hash.

	_, copyErr := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("write %s: %w", local, errors.Join(copyErr, closeErr))
	}

	if wantHash != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, wantHash) {
			_ = os.Remove(tmp.Name())

			return fmt.Errorf("%w: %s: got %s, want %s", ErrHashMismatch, remote, got, wantHash)
		}
	}

	err = os.Rename(tmp.Name(), local)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("rename %s: %w", local, err)
	}

	l.logger.Info("dataset downloaded", "url", remote, "path", local)

	return nil
}
