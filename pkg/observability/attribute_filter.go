package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// attrAction is what the filter does with one span attribute.
type attrAction int

const (
	actionDrop attrAction = iota
	actionKeep
	// actionScrubURL keeps a URL attribute with credential query parameters removed.
	actionScrubURL
)

// keptPrefixes are the attribute namespaces spans may carry.
var keptPrefixes = []string{
	"iblnwb.", "alyx.", "one.", "nwb.", "session.", "convert.", "batch.",
	"interface.", "probe.", "error.", "http.", "mcp.", "cache.",
}

// droppedKeys never reach an exporter: Alyx credentials, personal data of
// lab members and raw payloads.
var droppedKeys = map[string]bool{
	"alyx.password":  true,
	"alyx.token":     true,
	"alyx.username":  true,
	"session.users":  true,
	"email":          true,
	"request.body":   true,
	"response.body":  true,
	"http.auth":      true,
	"one.basic_auth": true,
}

// credentialParams are query parameters removed from URL attributes.
var credentialParams = []string{"password", "token", "auth", "key"}

func classify(key string) attrAction {
	if droppedKeys[key] || strings.HasPrefix(key, "user.") {
		return actionDrop
	}

	if key == "error" {
		return actionKeep
	}

	if strings.HasSuffix(key, ".url") {
		return actionScrubURL
	}

	for _, prefix := range keptPrefixes {
		if strings.HasPrefix(key, prefix) {
			return actionKeep
		}
	}

	return actionDrop
}

// scrubURL removes userinfo and credential query parameters.
func scrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	u.User = nil

	q := u.Query()
	for _, p := range credentialParams {
		q.Del(p)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// attributeFilter is a SpanProcessor that applies classify to span
// attributes before a delegate exports them.
type attributeFilter struct {
	delegate sdktrace.SpanProcessor
	logger   *slog.Logger
	warned   sync.Map
}

// NewAttributeFilter returns a SpanProcessor that keeps the iblnwb attribute
// namespaces, strips credentials from URL attributes and drops credentials,
// personal data and unknown keys. A non-nil logger reports each dropped key
// once.
func NewAttributeFilter(delegate sdktrace.SpanProcessor, logger *slog.Logger) sdktrace.SpanProcessor {
	return &attributeFilter{delegate: delegate, logger: logger}
}

// OnStart delegates to the wrapped processor.
func (f *attributeFilter) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	f.delegate.OnStart(parent, s)
}

// OnEnd hands the delegate a filtered view of the span.
func (f *attributeFilter) OnEnd(s sdktrace.ReadOnlySpan) {
	f.delegate.OnEnd(&filteredSpan{ReadOnlySpan: s, attrs: f.filter(s.Attributes())})
}

// Shutdown delegates to the wrapped processor.
func (f *attributeFilter) Shutdown(ctx context.Context) error {
	err := f.delegate.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("attribute filter shutdown: %w", err)
	}

	return nil
}

// ForceFlush delegates to the wrapped processor.
func (f *attributeFilter) ForceFlush(ctx context.Context) error {
	err := f.delegate.ForceFlush(ctx)
	if err != nil {
		return fmt.Errorf("attribute filter flush: %w", err)
	}

	return nil
}

func (f *attributeFilter) filter(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))

	for _, kv := range attrs {
		key := string(kv.Key)

		switch classify(key) {
		case actionKeep:
			out = append(out, kv)
		case actionScrubURL:
			out = append(out, attribute.String(key, scrubURL(kv.Value.Emit())))
		default:
			f.warn(key)
		}
	}

	return out
}

func (f *attributeFilter) warn(key string) {
	if f.logger == nil {
		return
	}

	if _, seen := f.warned.LoadOrStore(key, true); !seen {
		f.logger.Warn("span attribute dropped", "key", key)
	}
}

// filteredSpan is a ReadOnlySpan with replaced attributes.
type filteredSpan struct {
	sdktrace.ReadOnlySpan

	attrs []attribute.KeyValue
}

// Attributes returns the filtered attributes.
func (s *filteredSpan) Attributes() []attribute.KeyValue {
	return s.attrs
}
