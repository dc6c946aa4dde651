package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/monitor"
)

// denyAllEvaluator refuses every permission request.
type denyAllEvaluator struct{}

func (denyAllEvaluator) HasPermission(_ context.Context, req map[string][]string) (map[string]bool, error) {
	out := make(map[string]bool)
	for connID, resources := range req {
		for _, r := range resources {
			out[connID+mesh.ScopeSeparator+r] = false
		}
	}
	return out, nil
}

func textOf(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if t, ok := mcp.AsTextContent(c); ok {
			return t.Text
		}
	}
	return ""
}

func TestUnaryDenialReturnsBenignResultWithoutUpstreamCall(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	conn := &mesh.Connection{ID: "c", Title: "C"}
	reqctx := &mesh.RequestContext{
		TenantID: "tenant-1",
		Identity: &auth.Identity{Subject: "u1", Role: "user"},
		Permissions: denyAllEvaluator{},
		Monitor:     sink,
	}

	upstreamCalled := false
	upstream := func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		upstreamCalled = true
		return mcp.NewToolResultText("ok"), nil
	}

	call := monitorCall(conn, reqctx)(authorizeCall(conn, reqctx)(upstream))
	result, err := call(t.Context(), "t", map[string]any{"q": "x"})
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, "Authorization failed: Access denied to: t", textOf(result))
	assert.False(t, upstreamCalled)

	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsError)
	assert.Equal(t, "Authorization failed: Access denied to: t", events[0].ErrorMessage)
	assert.Equal(t, "t", events[0].ToolName)
	assert.Equal(t, "tenant-1", events[0].OrganizationID)
}

func TestStreamDenialReturns403JSON(t *testing.T) {
	t.Parallel()

	conn := &mesh.Connection{ID: "c", Title: "C"}
	reqctx := &mesh.RequestContext{
		Identity:    &auth.Identity{Subject: "u1", Role: "user"},
		Permissions: denyAllEvaluator{},
	}

	stream := authorizeStream(conn, reqctx)(func(context.Context, string, map[string]any) (*http.Response, error) {
		t.Fatal("upstream must not be reached")
		return nil, nil
	})

	resp, err := stream(t.Context(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Authorization failed: Access denied to: t", body["error"])
}

func TestMonitorCallRecordsSuccess(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	conn := &mesh.Connection{ID: "c", Title: "C"}
	reqctx := &mesh.RequestContext{TenantID: "tenant-1", Monitor: sink, RequestID: "req-1"}

	call := monitorCall(conn, reqctx)(func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		res := mcp.NewToolResultText("hello")
		res.StructuredContent = map[string]any{"answer": 42}
		return res, nil
	})

	_, err := call(t.Context(), "greet", map[string]any{"name": "w"})
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].IsError)
	assert.Equal(t, map[string]any{"answer": 42}, events[0].Output)
	assert.Equal(t, "req-1", events[0].RequestID)
}

func TestMonitorStreamCapturesTruncatedBody(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	conn := &mesh.Connection{ID: "c", Title: "C"}
	reqctx := &mesh.RequestContext{TenantID: "tenant-1", Monitor: sink}

	// 300 KiB upstream body with HTTP 200.
	payload := bytes.Repeat([]byte("x"), 300*1024)
	stream := monitorStream(conn, reqctx)(func(context.Context, string, map[string]any) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(bytes.NewReader(payload)),
		}, nil
	})

	resp, err := stream(t.Context(), "export", nil)
	require.NoError(t, err)

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Len(t, out, len(payload), "client must receive the full stream")

	events := sink.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].IsError)
	assert.Equal(t, monitor.TruncationMessage, events[0].ErrorMessage)

	captured, ok := events[0].Output.(map[string]any)
	require.True(t, ok)
	assert.Len(t, captured["value"], monitor.MaxStreamCaptureBytes)
}

func TestMonitorStreamErrorStatus(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	conn := &mesh.Connection{ID: "c", Title: "C"}
	reqctx := &mesh.RequestContext{Monitor: sink}

	stream := monitorStream(conn, reqctx)(func(context.Context, string, map[string]any) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			Status:     "502 Bad Gateway",
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"error":"upstream exploded"}`)),
		}, nil
	})

	resp, err := stream(t.Context(), "t", nil)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())

	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsError)
	assert.Equal(t, "upstream exploded", events[0].ErrorMessage)
}

func TestStreamErrorMessageFallbacks(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("e", 600)

	tests := []struct {
		name   string
		body   string
		isJSON bool
		want   string
	}{
		{name: "json error field", body: `{"error":"boom"}`, isJSON: true, want: "boom"},
		{name: "json without error field", body: `{"detail":"x"}`, isJSON: true, want: `{"detail":"x"}`},
		{name: "long body preview", body: long, isJSON: false, want: long[:errorBodyPreview]},
		{name: "empty body", body: "", isJSON: false, want: "HTTP 500 Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := streamErrorMessage([]byte(tt.body), tt.isJSON, http.StatusInternalServerError, "500 Internal Server Error")
			assert.Equal(t, tt.want, got)
		})
	}
}
