package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/monitor"
)

// fakeSession is a sessionClient backed by canned responses.
type fakeSession struct {
	tools      []mcp.Tool
	listCalls  int
	callResult *mcp.CallToolResult
	callErr    error
	closed     int
}

func (f *fakeSession) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeSession) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.listCalls++
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return f.callResult, f.callErr
}

func (f *fakeSession) ReadResource(context.Context, mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeSession) ListResources(context.Context, mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeSession) ListResourceTemplates(context.Context, mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{}, nil
}

func (f *fakeSession) ListPrompts(context.Context, mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}

func (f *fakeSession) GetPrompt(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

func newTestProxy(conn *mesh.Connection, session *fakeSession, caps capabilitySet) *Proxy {
	return &Proxy{
		conn:         conn,
		binder:       NewCredentialBinder(conn, &mesh.RequestContext{}, nil),
		client:       session,
		caps:         caps,
		streamClient: newStreamClient(nil),
	}
}

func TestListToolsServedFromCachedIndex(t *testing.T) {
	t.Parallel()

	conn := &mesh.Connection{
		ID: "conn-1",
		ToolIndex: []mesh.Tool{
			{Name: "search", Description: "Search things", InputSchema: map[string]any{"type": "object"}},
		},
	}
	session := &fakeSession{tools: []mcp.Tool{{Name: "upstream-only"}}}
	p := newTestProxy(conn, session, capabilitySet{tools: true})

	tools, err := p.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, map[string]any{"type": "object"}, tools[0].InputSchema)
	assert.Zero(t, session.listCalls, "cached index must short-circuit the upstream")
}

func TestListToolsFromUpstream(t *testing.T) {
	t.Parallel()

	session := &fakeSession{tools: []mcp.Tool{
		{Name: "raw", RawInputSchema: []byte(`{"type":"object","required":["q"]}`)},
		{Name: "structured", InputSchema: mcp.ToolInputSchema{Type: "object"}},
	}}
	p := newTestProxy(&mesh.Connection{ID: "conn-1"}, session, capabilitySet{tools: true})

	tools, err := p.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, map[string]any{"type": "object", "required": []any{"q"}}, tools[0].InputSchema)
	assert.Equal(t, map[string]any{"type": "object"}, tools[1].InputSchema)
	assert.Equal(t, 1, session.listCalls)
}

func TestListToolsWithoutCapabilityReturnsEmpty(t *testing.T) {
	t.Parallel()

	session := &fakeSession{tools: []mcp.Tool{{Name: "t"}}}
	p := newTestProxy(&mesh.Connection{ID: "conn-1"}, session, capabilitySet{})

	tools, err := p.ListTools(t.Context())
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Zero(t, session.listCalls)
}

func TestCallStreamableDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	followed := false
	mux := http.NewServeMux()
	mux.HandleFunc("/call-tool/export", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, _ *http.Request) {
		followed = true
		_, _ = w.Write([]byte("followed"))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	p := newTestProxy(&mesh.Connection{ID: "conn-1", URL: upstream.URL}, &fakeSession{}, capabilitySet{})

	resp, err := p.CallStreamable(t.Context(), "export", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
	assert.False(t, followed, "redirect target must not be fetched")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	p := newTestProxy(&mesh.Connection{ID: "conn-1"}, session, capabilitySet{})

	p.Close()
	p.Close()
	assert.Equal(t, 1, session.closed)
}

func TestWrapUpstreamError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "cancellation", err: context.Canceled, want: mesh.ErrAborted},
		{name: "401 status string", err: errors.New("request failed with status 401 Unauthorized"), want: mesh.ErrUpstreamAuth},
		{name: "403 status string", err: errors.New("HTTP 403"), want: mesh.ErrUpstreamAuth},
		{name: "generic failure", err: errors.New("connection refused"), want: mesh.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := wrapUpstreamError(tt.err, "conn-1", "call tool")
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

// countingIssuer counts how many tokens it mints.
type countingIssuer struct {
	mu     sync.Mutex
	issued int
}

func (c *countingIssuer) Issue(context.Context, *auth.Identity, *mesh.Connection, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return "token-1", nil
}

func TestCredentialBinderIssuesOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	issuer := &countingIssuer{}
	conn := &mesh.Connection{ID: "conn-1", Token: "static"}
	reqctx := &mesh.RequestContext{
		Identity:           &auth.Identity{Subject: "u1"},
		CallerConnectionID: "caller-7",
	}
	binder := NewCredentialBinder(conn, reqctx, issuer)

	var wg sync.WaitGroup
	headers := make([]http.Header, 10)
	for i := range headers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			headers[i] = binder.Ensure(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, issuer.issued)
	for _, h := range headers {
		assert.Equal(t, "token-1", h.Get("x-mesh-token"))
		assert.Equal(t, "Bearer static", h.Get("Authorization"))
		assert.Equal(t, "caller-7", h.Get("x-caller-id"))
	}
}

func TestCredentialBinderConnectionHeadersWin(t *testing.T) {
	t.Parallel()

	conn := &mesh.Connection{
		ID:      "conn-1",
		Token:   "static",
		Headers: map[string]string{"Authorization": "Bearer upstream-declared"},
	}
	binder := NewCredentialBinder(conn, &mesh.RequestContext{}, nil)

	h := binder.Ensure(context.Background())
	assert.Equal(t, "Bearer upstream-declared", h.Get("Authorization"))
}

// recordingSink collects monitoring events.
type recordingSink struct {
	mu     sync.Mutex
	events []*monitor.Event
}

func (r *recordingSink) Record(_ context.Context, e *monitor.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) all() []*monitor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*monitor.Event(nil), r.events...)
}
