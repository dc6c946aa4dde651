package monitor

import (
	"context"

	"github.com/meshgate/meshgate/pkg/logger"
)

// LogSink writes events as structured log lines. It is the default sink when
// no external event store is configured.
type LogSink struct{}

// NewLogSink returns a sink that logs each event.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Record implements Sink.
func (*LogSink) Record(_ context.Context, event *Event) error {
	logger.Infow("tool invocation",
		"organization_id", event.OrganizationID,
		"connection_id", event.ConnectionID,
		"connection_title", event.ConnectionTitle,
		"tool_name", event.ToolName,
		"is_error", event.IsError,
		"error_message", event.ErrorMessage,
		"duration_ms", event.DurationMS,
		"user_id", event.UserID,
		"request_id", event.RequestID,
	)
	return nil
}

// NopSink discards all events.
type NopSink struct{}

// NewNopSink returns a sink that drops every event.
func NewNopSink() *NopSink {
	return &NopSink{}
}

// Record implements Sink.
func (*NopSink) Record(context.Context, *Event) error {
	return nil
}
