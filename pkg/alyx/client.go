// Package alyx is a REST client for the Alyx metadata database.
//
// GET responses are cached in a byte-bounded in-memory LRU and, when a
// cache directory is configured, on disk as LZ4-compressed JSON so that
// conversions can be re-run offline.
package alyx

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/iblnwb/pkg/cache"
	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
	"github.com/Sumatoshi-tech/iblnwb/pkg/persist"
)

// Sentinel errors. *APIError unwraps to one of the first three.
var (
	// ErrUnauthorized indicates rejected or missing credentials (401/403).
	ErrUnauthorized = errors.New("alyx: unauthorized")
	// ErrNotFound indicates a missing record (404).
	ErrNotFound = errors.New("alyx: not found")
	// ErrRequestFailed indicates any other non-2xx answer.
	ErrRequestFailed = errors.New("alyx: request failed")
	// ErrMissingBaseURL indicates a client configured without a base URL.
	ErrMissingBaseURL = errors.New("alyx: base url is required")
)

const (
	tracerName = "iblnwb/alyx"

	defaultTimeout  = 60 * time.Second
	defaultPageSize = 500
	maxErrorBody    = 2048
	diskCacheSuffix = ".response"
)

// APIError describes a non-2xx Alyx answer.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("alyx %s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Unwrap maps the status code to a sentinel error.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrRequestFailed
	}
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Token skips authentication when set.
	Token   string
	Timeout time.Duration
	// CacheSize bounds the in-memory response cache in bytes.
	CacheSize int64
	// CacheDir enables the on-disk response cache.
	CacheDir string
	PageSize int
}

// Client talks to one Alyx instance. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
	memory  *cache.ResponseCache
	disk    persist.Codec
	tracer  trace.Tracer

	mu    sync.Mutex
	token string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCache shares a response cache between clients.
func WithCache(rc *cache.ResponseCache) Option {
	return func(c *Client) { c.memory = rc }
}

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse alyx base url: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	c := &Client{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		token:   cfg.Token,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.memory == nil {
		c.memory = cache.New(cfg.CacheSize)
	}

	if cfg.CacheDir != "" {
		c.disk = persist.NewLZ4Codec(persist.NewJSONCodec())
	}

	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CacheStats reports the in-memory cache counters.
func (c *Client) CacheStats() cache.Stats {
	return c.memory.Stats()
}

// Authenticate exchanges username and password for a token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.Username == "" {
		return fmt.Errorf("%w: no username configured", ErrUnauthorized)
	}

	body := map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}

	raw, err := c.roundTrip(ctx, http.MethodPost, "/auth-token", nil, body, false)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	var tok tokenResponse

	err = json.Unmarshal(raw, &tok)
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}

	if tok.Token == "" {
		return fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	c.mu.Lock()
	c.token = tok.Token
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "alyx authenticated", "user", c.cfg.Username)

	return nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.currentToken() != "" || c.cfg.Username == "" {
		return nil
	}

	return c.Authenticate(ctx)
}

// get fetches endpoint and decodes JSON into out, going through both caches.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	raw, err := c.getRaw(ctx, endpoint, params)
	if err != nil {
		return err
	}

	err = json.Unmarshal(raw, out)
	if err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}

	return nil
}

func (c *Client) getRaw(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	key := c.endpointURL(endpoint, params)

	raw, ok := c.memory.Get(key)
	observability.TallyFromContext(ctx).AddCacheLookup(ok)

	if ok {
		return raw, nil
	}

	if raw, ok := c.loadDisk(key); ok {
		c.memory.Put(key, raw)

		return raw, nil
	}

	raw, err := c.roundTrip(ctx, http.MethodGet, endpoint, params, nil, true)
	if err != nil {
		return nil, err
	}

	c.memory.Put(key, raw)
	c.storeDisk(ctx, key, raw)

	return raw, nil
}

// getList follows Alyx pagination until count records or an empty page
// arrived. Endpoints that answer with a bare JSON array are accepted as a
// single page. params is not modified.
func getList[T any](ctx context.Context, c *Client, endpoint string, params url.Values) ([]T, error) {
	params = maps.Clone(params)
	if params == nil {
		params = url.Values{}
	}

	params.Set("limit", strconv.Itoa(c.cfg.PageSize))

	var out []T

	for offset := 0; ; {
		params.Set("offset", strconv.Itoa(offset))

		raw, err := c.getRaw(ctx, endpoint, params)
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var items []T

			err = json.Unmarshal(trimmed, &items)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", endpoint, err)
			}

			return append(out, items...), nil
		}

		var pg page[T]

		err = json.Unmarshal(trimmed, &pg)
		if err != nil {
			return nil, fmt.Errorf("decode %s page: %w", endpoint, err)
		}

		out = append(out, pg.Results...)
		offset += len(pg.Results)

		if len(pg.Results) == 0 || offset >= pg.Count {
			return out, nil
		}
	}
}

// post sends body as JSON and decodes the answer into out (when non-nil).
// Successful writes drop the in-memory cache.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	raw, err := c.roundTrip(ctx, http.MethodPost, endpoint, nil, body, true)
	if err != nil {
		return err
	}

	c.memory.Clear()

	if out == nil {
		return nil
	}

	err = json.Unmarshal(raw, out)
	if err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}

	return nil
}

func (c *Client) roundTrip(
	ctx context.Context, method, endpoint string, params url.Values, body any, authed bool,
) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "alyx.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("alyx.endpoint", endpoint),
	))
	defer span.End()

	if authed {
		err := c.ensureToken(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())

			return nil, err
		}
	}

	raw, status, err := c.send(ctx, method, endpoint, params, body, authed)

	// An expired token is refreshed once.
	if authed && status == http.StatusUnauthorized && c.cfg.Username != "" {
		authErr := c.Authenticate(ctx)
		if authErr == nil {
			raw, status, err = c.send(ctx, method, endpoint, params, body, authed)
		}
	}

	span.SetAttributes(attribute.Int("http.status_code", status))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	return raw, nil
}

func (c *Client) send(
	ctx context.Context, method, endpoint string, params url.Values, body any, authed bool,
) ([]byte, int, error) {
	target := c.endpointURL(endpoint, params)

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s body: %w", endpoint, err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build alyx request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.currentToken(); authed && token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("alyx %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("read alyx response: %w", readErr)
	}

	c.logger.DebugContext(ctx, "alyx request",
		"method", method, "endpoint", endpoint, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet := string(raw)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}

		return nil, resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        target,
			Body:       strings.TrimSpace(snippet),
		}
	}

	return raw, resp.StatusCode, nil
}

func (c *Client) endpointURL(endpoint string, params url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(endpoint, "/")

	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	return u.String()
}

type diskEntry struct {
	URL     string          `json:"url"`
	Fetched time.Time       `json:"fetched"`
	Body    json.RawMessage `json:"body"`
}

func (c *Client) diskPath(key string) string {
	sum := sha256.Sum256([]byte(key))

	return filepath.Join(c.cfg.CacheDir, hex.EncodeToString(sum[:])+diskCacheSuffix+c.disk.Extension())
}

func (c *Client) loadDisk(key string) ([]byte, bool) {
	if c.disk == nil {
		return nil, false
	}

	var entry diskEntry

	err := persist.LoadFile(c.diskPath(key), c.disk, &entry)
	if err != nil || entry.URL != key {
		return nil, false
	}

	return entry.Body, true
}

func (c *Client) storeDisk(ctx context.Context, key string, raw []byte) {
	if c.disk == nil || !json.Valid(raw) {
		return
	}

	entry := diskEntry{URL: key, Fetched: time.Now().UTC(), Body: raw}

	err := persist.SaveFile(c.diskPath(key), c.disk, &entry)
	if err != nil {
		c.logger.WarnContext(ctx, "alyx disk cache write failed", "url", key, "error", err)
	}
}
