// Package virtual assembles a virtual MCP from its entity: it resolves the
// member connections, builds the proxy collection and aggregators, and
// exposes the combined MCP surface behind one value.
package virtual

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/aggregator"
	"github.com/meshgate/meshgate/pkg/mesh/store"
	"github.com/meshgate/meshgate/pkg/mesh/strategy"
	"github.com/meshgate/meshgate/pkg/mesh/token"
)

// VirtualMCP is the aggregated MCP surface for one client session. It owns
// the underlying proxy collection; Close releases it.
type VirtualMCP struct {
	entity    *mesh.VirtualMCP
	col       *aggregator.Collection
	tools     *aggregator.ToolAggregator
	resources *aggregator.ResourceAggregator
	prompts   *aggregator.PromptAggregator
}

// Builder constructs VirtualMCP instances per request.
type Builder struct {
	Connections store.ConnectionStore
	Issuer      token.Issuer

	// Dial overrides the upstream dialer; nil means real proxies.
	Dial aggregator.Dialer
}

// BuildOptions tune one VirtualMCP construction.
type BuildOptions struct {
	// Mode selects the tool strategy ("passthrough" when empty).
	Mode string

	// PrefixConflicts renames colliding tool names instead of dropping them.
	// Used by the tenant-wide mesh endpoint.
	PrefixConflicts bool
}

// DefaultAgent synthesizes the reserved per-tenant default agent entity:
// exclusion over all active connections with no exclusions.
func DefaultAgent(tenantID, id string) *mesh.VirtualMCP {
	return &mesh.VirtualMCP{
		ID:            id,
		TenantID:      tenantID,
		Title:         "Default tenant agent",
		Status:        mesh.StatusActive,
		SelectionMode: mesh.SelectionExclusion,
	}
}

// Build resolves the entity's members and assembles the aggregated surface.
func (b *Builder) Build(ctx context.Context, entity *mesh.VirtualMCP, reqctx *mesh.RequestContext, opts BuildOptions) (*VirtualMCP, error) {
	specs, err := b.resolveMembers(ctx, entity, reqctx)
	if err != nil {
		return nil, err
	}

	col := aggregator.NewCollection(ctx, entity.SelectionMode, specs, reqctx, b.Issuer, b.Dial)

	var toolOpts []aggregator.ToolOption
	if opts.PrefixConflicts {
		toolOpts = append(toolOpts, aggregator.WithConflictPrefix())
	}

	return &VirtualMCP{
		entity:    entity,
		col:       col,
		tools:     aggregator.NewToolAggregator(col, strategy.ForMode(opts.Mode), toolOpts...),
		resources: aggregator.NewResourceAggregator(col),
		prompts:   aggregator.NewPromptAggregator(col),
	}, nil
}

// resolveMembers turns the entity's member list into dialable specs.
func (b *Builder) resolveMembers(ctx context.Context, entity *mesh.VirtualMCP, reqctx *mesh.RequestContext) ([]aggregator.MemberSpec, error) {
	if entity.SelectionMode == mesh.SelectionInclusion {
		return b.resolveInclusion(ctx, entity, reqctx)
	}
	return b.resolveExclusion(ctx, entity, reqctx)
}

// resolveInclusion loads exactly the listed members, keeping active ones.
func (b *Builder) resolveInclusion(ctx context.Context, entity *mesh.VirtualMCP, reqctx *mesh.RequestContext) ([]aggregator.MemberSpec, error) {
	var specs []aggregator.MemberSpec
	for _, member := range entity.Members {
		conn, err := b.Connections.GetConnection(ctx, reqctx.TenantID, member.ConnectionID)
		if err != nil {
			logger.Warnf("[virtual-mcp] member connection %s of %s: %v", member.ConnectionID, entity.ID, err)
			continue
		}
		if !conn.Active() {
			continue
		}
		specs = append(specs, aggregator.MemberSpec{Connection: conn, Selection: member})
	}
	return specs, nil
}

// resolveExclusion starts from all active tenant connections: a member entry
// with all-empty lists drops its connection entirely, a member entry with
// lists carries them as exclusions, and unlisted connections pass
// unrestricted.
func (b *Builder) resolveExclusion(ctx context.Context, entity *mesh.VirtualMCP, reqctx *mesh.RequestContext) ([]aggregator.MemberSpec, error) {
	conns, err := b.Connections.ListActiveConnections(ctx, reqctx.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing tenant connections: %w", err)
	}

	members := make(map[string]mesh.Member, len(entity.Members))
	for _, m := range entity.Members {
		members[m.ConnectionID] = m
	}

	var specs []aggregator.MemberSpec
	for _, conn := range conns {
		if referencesSelf(conn, entity.ID) {
			continue
		}
		member, listed := members[conn.ID]
		if listed && member.Empty() {
			// Entire-connection drop.
			continue
		}
		specs = append(specs, aggregator.MemberSpec{Connection: conn, Selection: member})
	}
	return specs, nil
}

// referencesSelf detects a virtual connection pointing back at this same
// virtual MCP, which would recurse on listing. The ID must appear as a path
// segment of the connection URL; hosts and query strings do not count.
func referencesSelf(conn *mesh.Connection, virtualMCPID string) bool {
	if virtualMCPID == "" {
		return false
	}
	u, err := url.Parse(conn.URL)
	if err != nil {
		return false
	}
	for _, segment := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if segment == virtualMCPID {
			return true
		}
	}
	return false
}

// Entity returns the entity this instance was built from.
func (v *VirtualMCP) Entity() *mesh.VirtualMCP {
	return v.entity
}

// Instructions returns the entity's client-facing instructions.
func (v *VirtualMCP) Instructions() string {
	return v.entity.Instructions
}

// ListTools lists the aggregated, strategy-transformed tools.
func (v *VirtualMCP) ListTools(ctx context.Context) ([]mesh.Tool, error) {
	return v.tools.ListTools(ctx)
}

// CallTool invokes an aggregated tool.
func (v *VirtualMCP) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return v.tools.Call(ctx, name, args)
}

// CallStreamableTool invokes an aggregated tool's streaming endpoint.
func (v *VirtualMCP) CallStreamableTool(ctx context.Context, name string, args map[string]any) (*http.Response, error) {
	return v.tools.CallStreamable(ctx, name, args)
}

// ListResources lists the aggregated resources.
func (v *VirtualMCP) ListResources(ctx context.Context) ([]mesh.AggregatedResource, error) {
	return v.resources.ListResources(ctx)
}

// ReadResource reads a resource by URI.
func (v *VirtualMCP) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return v.resources.ReadResource(ctx, uri)
}

// ListResourceTemplates lists the aggregated resource templates.
func (v *VirtualMCP) ListResourceTemplates(ctx context.Context) ([]mesh.AggregatedResourceTemplate, error) {
	return v.resources.ListResourceTemplates(ctx)
}

// ListPrompts lists the aggregated prompts.
func (v *VirtualMCP) ListPrompts(ctx context.Context) ([]mesh.AggregatedPrompt, error) {
	return v.prompts.ListPrompts(ctx)
}

// GetPrompt fetches a prompt by name.
func (v *VirtualMCP) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return v.prompts.GetPrompt(ctx, name, args)
}

// Close releases the proxy collection. Idempotent.
func (v *VirtualMCP) Close() {
	v.col.Release()
}
