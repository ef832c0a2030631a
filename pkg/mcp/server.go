// Package mcp implements a Model Context Protocol server exposing NWB
// inspection and Alyx extraction as MCP tools over stdio transport.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/iblnwb/pkg/observability"
	"github.com/Sumatoshi-tech/iblnwb/pkg/version"
)

const (
	serverName = "iblnwb"

	// toolCount is the expected number of registered tools.
	toolCount = 3
)

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional RED metrics recorder. Nil disables per-tool metrics.
	Metrics *observability.REDMetrics

	// Tracer is an optional OTel tracer for per-tool-call spans. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with the iblnwb tool registrations.
type Server struct {
	inner   *mcpsdk.Server
	tools   []string
	logger  *slog.Logger
	metrics *observability.REDMetrics
	tracer  trace.Tracer
}

// NewServer creates a new MCP server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	srv := &Server{
		inner: mcpsdk.NewServer(
			&mcpsdk.Implementation{Name: serverName, Version: version.Version},
			&mcpsdk.ServerOptions{Logger: logger},
		),
		tools:   make([]string, 0, toolCount),
		logger:  logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	addTool(srv, ToolNameInspect, inspectToolDescription, handleInspect)
	addTool(srv, ToolNameToAlyx, toAlyxToolDescription, handleToAlyx)
	addTool(srv, ToolNameALFParse, alfParseToolDescription, handleALFParse)

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	names := slices.Clone(s.tools)
	slices.Sort(names)

	return names
}

// Run serves MCP over stdin and stdout until ctx is canceled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport serves MCP over transport.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	s.logger.InfoContext(ctx, "mcp server started", "tools", len(s.tools), "version", version.Version)

	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// toolHandler is the typed handler signature of every iblnwb tool.
type toolHandler[Input any] func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error)

// addTool registers handler under name behind instrument.
func addTool[Input any](s *Server, name, description string, handler toolHandler[Input]) {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{Name: name, Description: description}, instrument(s, name, handler))

	s.tools = append(s.tools, name)
}

// instrument wraps a tool call in a span, RED metrics and a debug log line.
// A sampled call reports its trace id as an extra text content so clients
// can look the call up in the collector.
func instrument[Input any](s *Server, name string, handler toolHandler[Input]) toolHandler[Input] {
	op := "mcp." + name

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()

		var span trace.Span
		if s.tracer != nil {
			ctx, span = s.tracer.Start(ctx, op,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("mcp.tool", name)),
			)
			defer span.End()
		}

		if s.metrics != nil {
			defer s.metrics.TrackInflight(ctx, op)()
		}

		result, output, err := handler(ctx, req, input)

		failed := err != nil || (result != nil && result.IsError)

		status := observability.StatusOK
		if failed {
			status = observability.StatusError
		}

		if s.metrics != nil {
			s.metrics.RecordRequest(ctx, op, status, time.Since(start))
		}

		if span != nil {
			if failed {
				span.SetStatus(codes.Error, "tool failed")
			}

			if sc := span.SpanContext(); sc.IsSampled() && result != nil {
				result.Content = append(result.Content, &mcpsdk.TextContent{Text: "trace_id=" + sc.TraceID().String()})
			}
		}

		s.logger.DebugContext(ctx, "mcp tool call", "tool", name, "status", status, "took", time.Since(start))

		return result, output, err
	}
}

const (
	inspectToolDescription = "Summarize an NWB file: session header, subject, " +
		"probes, unit and trial counts, firing rates and the stored objects."

	toAlyxToolDescription = "Extract the Alyx records (subject, session, weighings, " +
		"water administrations, insertions, dataset types) described by an NWB file."

	alfParseToolDescription = "Split an ALF dataset file name such as _ibl_trials.goCue_times.npy " +
		"into namespace, object, attribute, timescale, extra parts and extension."
)
