package aggregator

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/strategy"
	"github.com/meshgate/meshgate/pkg/mesh/token"
)

// fakeUpstream serves canned listings and records calls.
type fakeUpstream struct {
	tools     []mesh.Tool
	resources []mesh.Resource
	templates []mesh.ResourceTemplate
	prompts   []mesh.Prompt

	calledTool string
	closed     int
	dialErr    error
}

func (f *fakeUpstream) ListTools(context.Context) ([]mesh.Tool, error) { return f.tools, nil }

func (f *fakeUpstream) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.calledTool = name
	return mcp.NewToolResultText("from " + name), nil
}

func (f *fakeUpstream) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeUpstream) ListResources(context.Context) ([]mesh.Resource, error) {
	return f.resources, nil
}

func (f *fakeUpstream) ListResourceTemplates(context.Context) ([]mesh.ResourceTemplate, error) {
	return f.templates, nil
}

func (f *fakeUpstream) ListPrompts(context.Context) ([]mesh.Prompt, error) { return f.prompts, nil }

func (f *fakeUpstream) GetPrompt(_ context.Context, _ string, _ map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeUpstream) CallStreamable(_ context.Context, name string, _ map[string]any) (*http.Response, error) {
	f.calledTool = name
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (f *fakeUpstream) Close() { f.closed++ }

// dialFakes returns a Dialer serving fakes by connection ID.
func dialFakes(fakes map[string]*fakeUpstream) Dialer {
	return func(_ context.Context, conn *mesh.Connection, _ *mesh.RequestContext, _ token.Issuer) (Upstream, error) {
		f, ok := fakes[conn.ID]
		if !ok {
			return nil, errors.New("no fake for " + conn.ID)
		}
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return f, nil
	}
}

// adminContext passes the authorization layer inside the call pipelines via
// the role bypass, keeping these tests focused on aggregation semantics.
func adminContext() *mesh.RequestContext {
	return &mesh.RequestContext{
		TenantID: "tenant-1",
		Identity: &auth.Identity{Subject: "u1", Role: auth.RoleAdmin},
	}
}

func buildCollection(t *testing.T, mode mesh.SelectionMode, specs []MemberSpec, fakes map[string]*fakeUpstream) *Collection {
	t.Helper()
	col := NewCollection(t.Context(), mode, specs, adminContext(), nil, dialFakes(fakes))
	t.Cleanup(col.Release)
	return col
}

func specFor(id string, selection mesh.Member) MemberSpec {
	selection.ConnectionID = id
	return MemberSpec{
		Connection: &mesh.Connection{ID: id, TenantID: "tenant-1", Title: "Conn " + id, Status: mesh.StatusActive},
		Selection:  selection,
	}
}

func TestToolDedupFirstWins(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {tools: []mesh.Tool{{Name: "search"}, {Name: "read"}}},
		"c2": {tools: []mesh.Tool{{Name: "search"}, {Name: "ping"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, fakes)

	agg := NewToolAggregator(col, nil)
	tools, err := agg.ListTools(t.Context())
	require.NoError(t, err)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"search", "read", "ping"}, names)

	// The duplicate routes to its first provider.
	_, err = agg.Call(t.Context(), "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "search", fakes["c1"].calledTool)
	assert.Empty(t, fakes["c2"].calledTool)
}

func TestToolSelectionInclusion(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {tools: []mesh.Tool{{Name: "t1"}, {Name: "t2"}, {Name: "t3"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{SelectedTools: []string{"t1", "t2"}}),
	}, fakes)

	tools, err := NewToolAggregator(col, nil).ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "t1", tools[0].Name)
	assert.Equal(t, "t2", tools[1].Name)
}

func TestToolSelectionExclusion(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {tools: []mesh.Tool{{Name: "t1"}, {Name: "t2"}, {Name: "t3"}}},
	}
	col := buildCollection(t, mesh.SelectionExclusion, []MemberSpec{
		specFor("c1", mesh.Member{SelectedTools: []string{"t1"}}),
	}, fakes)

	tools, err := NewToolAggregator(col, nil).ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "t2", tools[0].Name)
	assert.Equal(t, "t3", tools[1].Name)
}

func TestToolNotFoundIsBenign(t *testing.T) {
	t.Parallel()

	col := buildCollection(t, mesh.SelectionInclusion, nil, nil)
	agg := NewToolAggregator(col, nil)

	result, err := agg.Call(t.Context(), "ghost", nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "Tool not found: ghost", text.Text)
}

func TestConflictPrefixKeepsBothTools(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {tools: []mesh.Tool{{Name: "search"}}},
		"c2": {tools: []mesh.Tool{{Name: "search"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, fakes)

	agg := NewToolAggregator(col, nil, WithConflictPrefix())
	tools, err := agg.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "c2::search", tools[1].Name)

	// The prefixed name still dispatches with the original name upstream.
	_, err = agg.Call(t.Context(), "c2::search", nil)
	require.NoError(t, err)
	assert.Equal(t, "search", fakes["c2"].calledTool)
}

func TestFailedMemberIsOmitted(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {tools: []mesh.Tool{{Name: "a"}}},
		"c2": {dialErr: errors.New("connection refused")},
		"c3": {tools: []mesh.Tool{{Name: "b"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
		specFor("c3", mesh.Member{}),
	}, fakes)

	require.Len(t, col.Entries(), 2)
	assert.Equal(t, "c1", col.Entries()[0].Connection.ID)
	assert.Equal(t, "c3", col.Entries()[1].Connection.ID)
}

func TestReleaseClosesEachMemberOnce(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {},
		"c2": {},
	}
	col := NewCollection(t.Context(), mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, adminContext(), nil, dialFakes(fakes))

	col.Release()
	col.Release()
	assert.Equal(t, 1, fakes["c1"].closed)
	assert.Equal(t, 1, fakes["c2"].closed)
}

func TestSmartStrategyRoutesThroughMetaTool(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {tools: []mesh.Tool{{Name: "search"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
	}, fakes)

	agg := NewToolAggregator(col, strategy.Smart)
	tools, err := agg.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 3)

	result, err := agg.Call(t.Context(), strategy.CallToolName, map[string]any{
		"name": "search",
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "search", fakes["c1"].calledTool)

	// The underlying tool remains directly callable through the route map.
	_, err = agg.Call(t.Context(), "search", nil)
	require.NoError(t, err)
}

func TestResourceAggregatorRoutesByURI(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {resources: []mesh.Resource{{URI: "doc://a"}}},
		"c2": {resources: []mesh.Resource{{URI: "doc://b"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, fakes)

	agg := NewResourceAggregator(col)
	resources, err := agg.ListResources(t.Context())
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "c1", resources[0].ConnectionID)

	_, err = agg.ReadResource(t.Context(), "doc://b")
	require.NoError(t, err)

	_, err = agg.ReadResource(t.Context(), "doc://missing")
	assert.ErrorIs(t, err, mesh.ErrResourceNotFound)
}

func TestResourceURICollisionLastWriteWins(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {resources: []mesh.Resource{{URI: "doc://shared"}}},
		"c2": {resources: []mesh.Resource{{URI: "doc://shared"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, fakes)

	agg := NewResourceAggregator(col)
	resources, err := agg.ListResources(t.Context())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "c2", resources[0].ConnectionID)
}

func TestPromptAggregatorFirstWins(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {prompts: []mesh.Prompt{{Name: "summarize"}}},
		"c2": {prompts: []mesh.Prompt{{Name: "summarize"}, {Name: "translate"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, fakes)

	agg := NewPromptAggregator(col)
	prompts, err := agg.ListPrompts(t.Context())
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "c1", prompts[0].ConnectionID)
	assert.Equal(t, "translate", prompts[1].Name)

	_, err = agg.GetPrompt(t.Context(), "missing", nil)
	assert.ErrorIs(t, err, mesh.ErrPromptNotFound)
}

func TestTemplatesConcatenate(t *testing.T) {
	t.Parallel()

	fakes := map[string]*fakeUpstream{
		"c1": {templates: []mesh.ResourceTemplate{{URITemplate: "doc://{id}"}}},
		"c2": {templates: []mesh.ResourceTemplate{{URITemplate: "img://{id}"}}},
	}
	col := buildCollection(t, mesh.SelectionInclusion, []MemberSpec{
		specFor("c1", mesh.Member{}),
		specFor("c2", mesh.Member{}),
	}, fakes)

	templates, err := NewResourceAggregator(col).ListResourceTemplates(t.Context())
	require.NoError(t, err)
	require.Len(t, templates, 2)
}
