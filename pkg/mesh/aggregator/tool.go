package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/strategy"
)

// ToolAggregator merges tools across the collection, first occurrence wins on
// name collisions. The merged list and route map are built once, on the first
// listing or call, and cached for the aggregator's lifetime.
type ToolAggregator struct {
	col      *Collection
	strategy strategy.Strategy

	// prefixOnConflict renames colliding tools to "connectionID::name"
	// instead of dropping them. Used by the tenant-wide mesh endpoint.
	prefixOnConflict bool

	once       sync.Once
	loadErr    error
	tools      []mesh.Tool
	aggregated []mesh.AggregatedTool
	routes     mesh.ToolRouteMap
	meta       map[string]strategy.CallFunc
}

// ToolOption configures a ToolAggregator.
type ToolOption func(*ToolAggregator)

// WithConflictPrefix renames colliding tool names to "connectionID::name"
// rather than dropping the later occurrence.
func WithConflictPrefix() ToolOption {
	return func(a *ToolAggregator) {
		a.prefixOnConflict = true
	}
}

// NewToolAggregator builds a tool aggregator over the collection. strat may
// be nil, which means passthrough.
func NewToolAggregator(col *Collection, strat strategy.Strategy, opts ...ToolOption) *ToolAggregator {
	if strat == nil {
		strat = strategy.Passthrough
	}
	a := &ToolAggregator{col: col, strategy: strat}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListTools returns the externally-visible tool list.
func (a *ToolAggregator) ListTools(ctx context.Context) ([]mesh.Tool, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	return a.tools, nil
}

// Routes returns the final-name route map. Valid after the first listing or
// call.
func (a *ToolAggregator) Routes(ctx context.Context) (mesh.ToolRouteMap, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	return a.routes, nil
}

// Call invokes a tool by its externally-visible name. Unknown names yield a
// benign error result, not a protocol error.
func (a *ToolAggregator) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	if route, ok := a.routes[name]; ok {
		entry := a.col.Entry(route.ConnectionID)
		if entry == nil {
			return nil, fmt.Errorf("%w: connection %s for tool %s", mesh.ErrConnectionNotFound, route.ConnectionID, name)
		}
		return entry.Call(ctx, route.OriginalName, args)
	}
	if fn, ok := a.meta[name]; ok {
		return fn(ctx, name, args)
	}
	return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", name)), nil
}

// CallStreamable invokes a tool's streaming endpoint by its
// externally-visible name. Meta-tools run through the strategy and their
// result is wrapped as a JSON response.
func (a *ToolAggregator) CallStreamable(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
	if err := a.ensure(ctx); err != nil {
		return nil, err
	}
	if route, ok := a.routes[name]; ok {
		entry := a.col.Entry(route.ConnectionID)
		if entry == nil {
			return nil, fmt.Errorf("%w: connection %s for tool %s", mesh.ErrConnectionNotFound, route.ConnectionID, name)
		}
		return entry.Stream(ctx, route.OriginalName, args)
	}
	if fn, ok := a.meta[name]; ok {
		result, err := fn(ctx, name, args)
		if err != nil {
			return nil, err
		}
		return jsonResponse(result)
	}
	return nil, fmt.Errorf("%w: %s", mesh.ErrToolNotFound, name)
}

// baseCall routes a final tool name to its upstream, bypassing meta-tools.
// Handed to the strategy so meta-tools can dispatch underlying tools.
func (a *ToolAggregator) baseCall(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	route, ok := a.routes[name]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Tool not found: %s", name)), nil
	}
	entry := a.col.Entry(route.ConnectionID)
	if entry == nil {
		return nil, fmt.Errorf("%w: connection %s for tool %s", mesh.ErrConnectionNotFound, route.ConnectionID, name)
	}
	return entry.Call(ctx, route.OriginalName, args)
}

func (a *ToolAggregator) ensure(ctx context.Context) error {
	a.once.Do(func() {
		a.loadErr = a.load(ctx)
	})
	return a.loadErr
}

func (a *ToolAggregator) load(ctx context.Context) error {
	entries := a.col.Entries()
	listings := make([][]mesh.Tool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dialLimit)
	for i, entry := range entries {
		g.Go(func() error {
			tools, err := entry.Upstream.ListTools(gctx)
			if err != nil {
				logger.Warnf("[mesh] listing tools on connection %s: %v", entry.Connection.ID, err)
				return nil
			}
			listings[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	mode := a.col.Mode()
	a.routes = make(mesh.ToolRouteMap)
	seen := make(map[string]bool)

	for i, entry := range entries {
		for _, t := range listings[i] {
			if !selectNames(mode, entry.Selection.SelectedTools, t.Name) {
				continue
			}
			finalName := t.Name
			if seen[finalName] {
				if !a.prefixOnConflict {
					continue
				}
				finalName = entry.Connection.ID + mesh.ScopeSeparator + t.Name
				if seen[finalName] {
					continue
				}
			}
			seen[finalName] = true
			a.routes[finalName] = mesh.ToolRoute{
				ConnectionID: entry.Connection.ID,
				OriginalName: t.Name,
			}
			renamed := t
			renamed.Name = finalName
			a.aggregated = append(a.aggregated, mesh.AggregatedTool{
				Tool:            renamed,
				ConnectionID:    entry.Connection.ID,
				ConnectionTitle: entry.Connection.Title,
			})
		}
	}

	result := a.strategy(&strategy.Context{
		Tools:      a.aggregated,
		Call:       a.baseCall,
		Categories: strategy.Categories(a.aggregated),
	})
	a.tools = result.Tools
	a.meta = result.MetaTools
	return nil
}

// jsonResponse wraps a meta-tool result as a streaming-shaped HTTP response.
func jsonResponse(result *mcp.CallToolResult) (*http.Response, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding meta-tool result: %w", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}
