package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/authz"
)

// ToolHandler executes one unary tool call.
type ToolHandler func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

// StreamHandler executes one streaming tool call. The caller owns the
// response body.
type StreamHandler func(ctx context.Context, name string, args map[string]any) (*http.Response, error)

// ToolMiddleware wraps a ToolHandler.
type ToolMiddleware func(ToolHandler) ToolHandler

// StreamMiddleware wraps a StreamHandler.
type StreamMiddleware func(StreamHandler) StreamHandler

// Pipeline is the composed call path for one proxy: monitoring around
// authorization around the instrumented upstream leg. Authorization failures
// surface as benign results (unary) or 403 responses (streaming) and never
// reach the upstream; monitoring records them without an upstream span.
type Pipeline struct {
	Call   ToolHandler
	Stream StreamHandler
}

// NewPipeline composes the middleware chain around the given upstream legs.
func NewPipeline(conn *mesh.Connection, reqctx *mesh.RequestContext, call ToolHandler, stream StreamHandler) *Pipeline {
	inst := newInstruments(reqctx)

	call = instrumentCall(conn, inst)(call)
	call = authorizeCall(conn, reqctx)(call)
	call = monitorCall(conn, reqctx)(call)

	stream = instrumentStream(conn, inst)(stream)
	stream = authorizeStream(conn, reqctx)(stream)
	stream = monitorStream(conn, reqctx)(stream)

	return &Pipeline{Call: call, Stream: stream}
}

// authorizeCall denies unauthorized unary calls with a benign error result so
// the MCP client sees a tool failure rather than a protocol error.
func authorizeCall(conn *mesh.Connection, reqctx *mesh.RequestContext) ToolMiddleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			ac := authz.New(reqctx.Identity, reqctx.Permissions, conn.ID)
			if err := ac.Check(ctx, name); err != nil {
				return mcp.NewToolResultError("Authorization failed: " + err.Error()), nil
			}
			return next(ctx, name, args)
		}
	}
}

// authorizeStream denies unauthorized streaming calls with a synthesized 403
// JSON response.
func authorizeStream(conn *mesh.Connection, reqctx *mesh.RequestContext) StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
			ac := authz.New(reqctx.Identity, reqctx.Permissions, conn.ID)
			if err := ac.Check(ctx, name); err != nil {
				return jsonErrorResponse(http.StatusForbidden, "Authorization failed: "+err.Error()), nil
			}
			return next(ctx, name, args)
		}
	}
}

func jsonErrorResponse(status int, message string) *http.Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// instruments holds the metric handles shared by both pipelines of a proxy.
type instruments struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

func newInstruments(reqctx *mesh.RequestContext) *instruments {
	tracer := reqctx.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("meshgate")
	}
	meter := reqctx.Meter
	if meter == nil {
		meter = noopmetric.NewMeterProvider().Meter("meshgate")
	}
	duration, err := meter.Float64Histogram("mcp.proxy.call.duration",
		metric.WithDescription("Upstream tool call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		logger.Warnf("[proxy] creating duration histogram: %v", err)
	}
	calls, err := meter.Int64Counter("mcp.proxy.calls",
		metric.WithDescription("Upstream tool calls by outcome"))
	if err != nil {
		logger.Warnf("[proxy] creating call counter: %v", err)
	}
	return &instruments{tracer: tracer, duration: duration, calls: calls}
}

func (in *instruments) record(ctx context.Context, conn *mesh.Connection, name string, start time.Time, failed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("connection.id", conn.ID),
		attribute.String("tool.name", name),
		attribute.Bool("error", failed),
	}
	if in.duration != nil {
		in.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
	if in.calls != nil {
		in.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// instrumentCall wraps the upstream leg in a tracer span and records call
// metrics. It runs inside authorization, so denied calls produce no span.
func instrumentCall(conn *mesh.Connection, inst *instruments) ToolMiddleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			ctx, span := inst.tracer.Start(ctx, "mcp.proxy.callTool", trace.WithAttributes(
				attribute.String("connection.id", conn.ID),
				attribute.String("tool.name", name),
			))
			defer span.End()

			start := time.Now()
			result, err := next(ctx, name, args)
			inst.record(ctx, conn, name, start, err != nil)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}

// instrumentStream mirrors instrumentCall for the streaming leg. The span
// covers the request dispatch, not the client's read of the body.
func instrumentStream(conn *mesh.Connection, inst *instruments) StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
			ctx, span := inst.tracer.Start(ctx, "mcp.proxy.callStreamableTool", trace.WithAttributes(
				attribute.String("connection.id", conn.ID),
				attribute.String("tool.name", name),
			))
			defer span.End()

			start := time.Now()
			resp, err := next(ctx, name, args)
			inst.record(ctx, conn, name, start, err != nil)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return resp, err
		}
	}
}
