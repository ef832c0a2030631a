package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	readHeaderTimeout = 5 * time.Second

	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
)

// ReadyCheck reports whether a dependency (Alyx, the catalog) is usable.
type ReadyCheck func(ctx context.Context) error

// PrometheusMeterProvider returns a meter provider whose instruments are
// scraped by the returned handler. Each call uses its own registry.
func PrometheusMeterProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// HealthHandler always answers {"status":"ok"}.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeHealth(rw, http.StatusOK, healthStatusOK)
	})
}

// ReadyHandler answers 503 when any check fails.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		for _, check := range checks {
			err := check(hr.Context())
			if err != nil {
				writeHealth(rw, http.StatusServiceUnavailable, healthStatusUnavailable)

				return
			}
		}

		writeHealth(rw, http.StatusOK, healthStatusOK)
	})
}

func writeHealth(rw http.ResponseWriter, code int, status string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	_ = json.NewEncoder(rw).Encode(map[string]string{"status": status})
}

// Diagnostics serves /healthz, /readyz and /metrics while a batch runs.
type Diagnostics struct {
	server   *http.Server
	listener net.Listener
	provider *sdkmetric.MeterProvider
}

// StartDiagnostics listens on addr. Requests are counted on /metrics and
// traced with tracer when it is non-nil.
func StartDiagnostics(addr string, tracer trace.Tracer, checks ...ReadyCheck) (*Diagnostics, error) {
	mp, metricsHandler, err := PrometheusMeterProvider()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthHandler())
	mux.Handle("/readyz", ReadyHandler(checks...))
	mux.Handle("/metrics", metricsHandler)

	red, err := NewREDMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, errors.Join(err, mp.Shutdown(context.Background()))
	}

	handler := HTTPMiddleware(tracer, red, mux)

	var lc net.ListenConfig

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("listen on %s: %w", addr, err), mp.Shutdown(context.Background()))
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		serveErr := srv.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Warn("diagnostics server stopped", "error", serveErr)
		}
	}()

	return &Diagnostics{server: srv, listener: listener, provider: mp}, nil
}

// Meter returns a meter exported on /metrics.
func (d *Diagnostics) Meter() metric.Meter {
	return d.provider.Meter(instrumentationName)
}

// Addr returns the listening address.
func (d *Diagnostics) Addr() string {
	return d.listener.Addr().String()
}

// Close stops the server and the meter provider.
func (d *Diagnostics) Close(ctx context.Context) error {
	err := d.server.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("shutdown diagnostics server: %w", err)
	}

	return errors.Join(err, d.provider.Shutdown(ctx))
}
