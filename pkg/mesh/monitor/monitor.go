// Package monitor records structured events for tool invocations.
//
// One event is produced per tool call (unary or streaming). Sink failures
// never affect the user-facing response; callers log and swallow them.
package monitor

import (
	"context"
	"time"
)

// Event is the structured record of one tool invocation.
type Event struct {
	OrganizationID  string         `json:"organization_id"`
	ConnectionID    string         `json:"connection_id"`
	ConnectionTitle string         `json:"connection_title"`
	ToolName        string         `json:"tool_name"`
	Input           map[string]any `json:"input,omitempty"`
	Output          any            `json:"output,omitempty"`
	IsError         bool           `json:"is_error"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	Timestamp       time.Time      `json:"timestamp"`
	UserID          string         `json:"user_id,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
}

// Sink receives tool invocation events.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Record persists one event. Errors are advisory; callers must not let
	// them affect the user response.
	Record(ctx context.Context, event *Event) error
}

// NormalizeOutput reduces a tool result for storage.
//
// Results carrying a structuredContent sub-object are reduced to just that
// object, avoiding duplication of text and structured payloads. Objects pass
// through unchanged; anything else is wrapped as {value: v}.
func NormalizeOutput(v any) any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		if sc, ok := m["structuredContent"].(map[string]any); ok {
			return sc
		}
		return m
	}
	return map[string]any{"value": v}
}
