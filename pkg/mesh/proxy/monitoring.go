package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/monitor"
)

// errorBodyPreview bounds how much of a non-JSON error body goes into the
// monitoring event's error message.
const errorBodyPreview = 500

// monitorCall records one monitoring event per unary tool call. It is the
// outermost middleware so that authorization denials are captured too. Sink
// failures are logged and never affect the caller.
func monitorCall(conn *mesh.Connection, reqctx *mesh.RequestContext) ToolMiddleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			start := time.Now()
			result, err := next(ctx, name, args)

			event := newEvent(conn, reqctx, name, args, start)
			switch {
			case err != nil:
				event.IsError = true
				event.ErrorMessage = err.Error()
			case result != nil:
				event.Output = monitor.NormalizeOutput(resultOutput(result))
				if result.IsError {
					event.IsError = true
					event.ErrorMessage = firstText(result.Content)
				}
			}
			record(ctx, reqctx, event)
			return result, err
		}
	}
}

// monitorStream records one monitoring event per streaming call without
// blocking the caller's stream: the response body is teed into a capped
// capture and the event is emitted when the stream finishes.
func monitorStream(conn *mesh.Connection, reqctx *mesh.RequestContext) StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
			start := time.Now()
			resp, err := next(ctx, name, args)
			if err != nil {
				event := newEvent(conn, reqctx, name, args, start)
				event.IsError = true
				event.ErrorMessage = err.Error()
				record(ctx, reqctx, event)
				return nil, err
			}

			status := resp.StatusCode
			statusText := resp.Status
			isJSON := strings.Contains(resp.Header.Get("Content-Type"), "application/json")

			// The record context must outlive the request: the body is
			// usually drained after the handler returns.
			recordCtx := context.WithoutCancel(ctx)
			resp.Body = monitor.CaptureBody(resp.Body, func(body []byte, truncated bool) {
				event := newEvent(conn, reqctx, name, args, start)
				event.Output = streamOutput(body, isJSON)
				if status >= http.StatusBadRequest {
					event.IsError = true
					event.ErrorMessage = streamErrorMessage(body, isJSON, status, statusText)
				} else if truncated {
					event.ErrorMessage = monitor.TruncationMessage
				}
				record(recordCtx, reqctx, event)
			})
			return resp, nil
		}
	}
}

func newEvent(conn *mesh.Connection, reqctx *mesh.RequestContext, name string, args map[string]any, start time.Time) *monitor.Event {
	return &monitor.Event{
		OrganizationID:  reqctx.TenantID,
		ConnectionID:    conn.ID,
		ConnectionTitle: conn.Title,
		ToolName:        name,
		Input:           args,
		DurationMS:      time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
		UserID:          reqctx.UserID(),
		RequestID:       reqctx.RequestID,
	}
}

func record(ctx context.Context, reqctx *mesh.RequestContext, event *monitor.Event) {
	sink := reqctx.Monitor
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event); err != nil {
		logger.Warnf("[proxy] monitoring sink failed for tool %s: %v", event.ToolName, err)
	}
}

// resultOutput reduces an SDK tool result to the shape NormalizeOutput
// expects.
func resultOutput(result *mcp.CallToolResult) any {
	out := map[string]any{}
	if result.StructuredContent != nil {
		if sc, ok := result.StructuredContent.(map[string]any); ok {
			out["structuredContent"] = sc
		}
	}
	if text := allText(result.Content); text != "" {
		out["content"] = text
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func streamOutput(body []byte, isJSON bool) any {
	if len(body) == 0 {
		return nil
	}
	if isJSON {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return monitor.NormalizeOutput(parsed)
		}
	}
	return map[string]any{"value": string(body)}
}

// streamErrorMessage surfaces the most specific error available: a JSON
// "error" field, then a body preview, then the HTTP status line.
func streamErrorMessage(body []byte, isJSON bool, status int, statusText string) string {
	if isJSON {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			if msg, ok := parsed["error"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	if len(body) > 0 {
		if len(body) > errorBodyPreview {
			return string(body[:errorBodyPreview])
		}
		return string(body)
	}
	if statusText != "" {
		return "HTTP " + statusText
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}

func firstText(content []mcp.Content) string {
	for _, c := range content {
		if text, ok := mcp.AsTextContent(c); ok {
			return text.Text
		}
	}
	return ""
}

func allText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
