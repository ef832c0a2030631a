package observability

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const httpStatusServerError = 500

// unmatchedRoute names requests outside the diagnostics routes, keeping span
// names and metric labels bounded.
const unmatchedRoute = "unmatched"

var diagnosticsRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// statusWriter records the status code written through it.
type statusWriter struct {
	http.ResponseWriter

	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.statusCode == 0 {
		sw.statusCode = code
	}

	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(buf []byte) (int, error) {
	if sw.statusCode == 0 {
		sw.statusCode = http.StatusOK
	}

	n, err := sw.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// HTTPMiddleware traces diagnostics requests and records them as RED
// operations "http.<route>". Either tracer or red may be nil. Span names are
// "METHOD /route"; paths outside the diagnostics routes are reported as
// "unmatched".
func HTTPMiddleware(tracer trace.Tracer, red *REDMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		route := hr.URL.Path
		if !diagnosticsRoutes[route] {
			route = unmatchedRoute
		}

		ctx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		var span trace.Span
		if tracer != nil {
			ctx, span = tracer.Start(ctx, hr.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(hr.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
		}

		op := "http." + route
		if red != nil {
			defer red.TrackInflight(ctx, op)()
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw}
		next.ServeHTTP(sw, hr.WithContext(ctx))

		if sw.statusCode == 0 {
			sw.statusCode = http.StatusOK
		}

		status := StatusOK
		if sw.statusCode >= httpStatusServerError {
			status = StatusError
		}

		if red != nil {
			red.RecordRequest(ctx, op, status, time.Since(start))
		}

		if span != nil {
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.statusCode))

			if status == StatusError {
				span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
			}
		}
	})
}
