// Package strategy transforms the aggregated tool view exposed to clients.
//
// A strategy receives the annotated tool list and the base call function and
// returns the externally-visible tools plus handlers for any meta-tools it
// introduces. Strategies are pure with respect to their input; per-request
// state lives in the aggregator.
package strategy

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meshgate/meshgate/pkg/mesh"
)

// ModePassthrough exposes upstream tools unchanged. It is the default.
const ModePassthrough = "passthrough"

// ModeSmart replaces the tool list with a small set of discovery and dispatch
// meta-tools, keeping the client's tool window small for large meshes.
const ModeSmart = "smart"

// CallFunc invokes an aggregated tool by its externally-visible name.
type CallFunc func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

// Context is the input handed to a strategy by the tool aggregator.
type Context struct {
	// Tools is the merged, annotated tool list in aggregation order.
	Tools []mesh.AggregatedTool

	// Call routes a tool name through the aggregator to its upstream.
	Call CallFunc

	// Categories lists the distinct connection titles, sorted.
	Categories []string
}

// Result is a strategy's transformed view.
type Result struct {
	// Tools is the externally-visible tool list.
	Tools []mesh.Tool

	// MetaTools maps strategy-owned tool names to their handlers. The
	// aggregator consults it only for names missing from its route map.
	MetaTools map[string]CallFunc
}

// Strategy transforms an aggregated tool view.
type Strategy func(sctx *Context) *Result

// ForMode resolves a strategy by its query-string mode. Unknown or empty
// modes fall back to passthrough.
func ForMode(mode string) Strategy {
	switch mode {
	case ModeSmart:
		return Smart
	default:
		return Passthrough
	}
}

// Passthrough exposes the aggregated tools as-is.
func Passthrough(sctx *Context) *Result {
	tools := make([]mesh.Tool, len(sctx.Tools))
	for i, t := range sctx.Tools {
		tools[i] = t.Tool
	}
	return &Result{Tools: tools}
}

// Categories derives the distinct connection titles from an annotated tool
// list.
func Categories(tools []mesh.AggregatedTool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tools {
		if t.ConnectionTitle == "" || seen[t.ConnectionTitle] {
			continue
		}
		seen[t.ConnectionTitle] = true
		out = append(out, t.ConnectionTitle)
	}
	sort.Strings(out)
	return out
}
