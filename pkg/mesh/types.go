// Package mesh contains the shared domain types used across the gateway's
// subpackages: connection and virtual-MCP records, aggregated capability
// views, and the per-request context threaded through proxies and
// aggregators.
package mesh

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshgate/meshgate/pkg/auth"
	"github.com/meshgate/meshgate/pkg/mesh/monitor"
)

// Status is the lifecycle state of a connection or virtual MCP.
type Status string

const (
	// StatusActive means the entity accepts traffic.
	StatusActive Status = "active"

	// StatusInactive means the entity exists but is disabled.
	StatusInactive Status = "inactive"
)

// ConnectionTypeHTTP is the only transport currently supported for upstreams.
const ConnectionTypeHTTP = "HTTP"

// ScopeSeparator splits a configuration scope entry into its state key and
// scope name, e.g. "TEAM_ID::read_issues".
const ScopeSeparator = "::"

// Connection is a registered upstream MCP server belonging to a tenant.
// Records are created and updated outside the core; within a single request
// they are immutable.
type Connection struct {
	// ID is the stable connection identifier.
	ID string

	// TenantID is the owning tenant. Mandatory once a connection is resolved.
	TenantID string

	// Title is the human-readable connection name.
	Title string

	// Type is the upstream transport type (ConnectionTypeHTTP).
	Type string

	// URL is the upstream MCP base URL.
	URL string

	// Token is an optional static bearer for the upstream.
	Token string

	// Headers are extra headers merged into every upstream request.
	// Upstream-declared headers win over gateway-injected ones.
	Headers map[string]string

	// ConfigurationState is an opaque configuration map.
	ConfigurationState map[string]any

	// ConfigurationScopes lists "KEY::SCOPE" entries whose KEY values in
	// ConfigurationState reference other connection IDs. They feed the
	// delegation token's permission map.
	ConfigurationScopes []string

	// ToolIndex is an optional cached tool listing for the upstream.
	// When present, tools/list is served from it without network I/O.
	ToolIndex []Tool

	// Status is active or inactive.
	Status Status
}

// Active reports whether the connection accepts traffic.
func (c *Connection) Active() bool {
	return c != nil && c.Status == StatusActive
}

// SelectionMode controls how a virtual MCP selects member connections.
type SelectionMode string

const (
	// SelectionInclusion selects exactly the listed members.
	SelectionInclusion SelectionMode = "inclusion"

	// SelectionExclusion starts from all active tenant connections and
	// subtracts the listed items.
	SelectionExclusion SelectionMode = "exclusion"
)

// Member is one virtual-MCP member entry. A nil selection list means "all";
// in exclusion mode, all-nil/empty lists drop the connection entirely.
type Member struct {
	ConnectionID      string
	SelectedTools     []string
	SelectedResources []string
	SelectedPrompts   []string
}

// Empty reports whether no selection list carries any entries.
func (m Member) Empty() bool {
	return len(m.SelectedTools) == 0 && len(m.SelectedResources) == 0 && len(m.SelectedPrompts) == 0
}

// VirtualMCP is a tenant-defined composition of connections exposing one
// aggregated MCP surface.
type VirtualMCP struct {
	ID            string
	TenantID      string
	Title         string
	Instructions  string
	Status        Status
	SelectionMode SelectionMode
	Strategy      string
	Members       []Member
}

// Active reports whether the virtual MCP accepts traffic.
func (v *VirtualMCP) Active() bool {
	return v != nil && v.Status == StatusActive
}

// DefaultAgentPrefix marks the reserved per-tenant default agent: it behaves
// as exclusion over all active connections with no exclusions.
const DefaultAgentPrefix = "decopilot-"

// IsDefaultAgentID reports whether id names a tenant's default agent.
func IsDefaultAgentID(id string) bool {
	return strings.HasPrefix(id, DefaultAgentPrefix)
}

// Tool is upstream tool metadata as listed by an MCP server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Resource is upstream resource metadata.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ResourceTemplate is upstream resource-template metadata.
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
}

// PromptArgument is a prompt parameter.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Prompt is upstream prompt metadata.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

// AggregatedTool is a tool annotated with its owning connection.
type AggregatedTool struct {
	Tool
	ConnectionID    string
	ConnectionTitle string
}

// AggregatedResource is a resource annotated with its owning connection.
type AggregatedResource struct {
	Resource
	ConnectionID string
}

// AggregatedResourceTemplate is a template annotated with its owning connection.
type AggregatedResourceTemplate struct {
	ResourceTemplate
	ConnectionID string
}

// AggregatedPrompt is a prompt annotated with its owning connection.
type AggregatedPrompt struct {
	Prompt
	ConnectionID string
}

// ToolRoute maps an externally-visible tool name back to its upstream.
type ToolRoute struct {
	ConnectionID string
	// OriginalName is the tool's name as the upstream knows it. It differs
	// from the final name only when conflict prefixing applied.
	OriginalName string
}

// ToolRouteMap maps final tool names to their routes. First occurrence wins
// on collisions.
type ToolRouteMap map[string]ToolRoute

// ResourceRouteMap maps resource URIs to connection IDs. URIs are assumed
// globally unique across upstreams; collisions are a tenant misconfiguration
// and resolve last-write-wins.
type ResourceRouteMap map[string]string

// PromptRouteMap maps prompt names to connection IDs (first-wins).
type PromptRouteMap map[string]string

// TemplateRouteMap maps resource URI templates to connection IDs.
type TemplateRouteMap map[string]string

// PermissionEvaluator checks fine-grained permissions for a caller.
// Implementations are provided by the authentication provider and treated as
// safe for concurrent use.
type PermissionEvaluator interface {
	// HasPermission evaluates a {connectionID: [resource...]} request and
	// returns the outcome keyed by "connectionID::resource".
	HasPermission(ctx context.Context, req map[string][]string) (map[string]bool, error)
}

// RequestContext carries the tenant, caller, and capability handles for one
// client MCP session. It is created by the front-door handler and threaded
// through every proxy and aggregator built for the session.
type RequestContext struct {
	// TenantID is the owning tenant (organization) ID.
	TenantID string

	// Identity is the authenticated caller, or nil for anonymous requests.
	// Anonymous requests fail at the authorization layer, not here.
	Identity *auth.Identity

	// CallerConnectionID, when set, is propagated onward as x-caller-id.
	CallerConnectionID string

	// BaseURL is the public base URL of this gateway, embedded in delegation
	// tokens so upstreams can call back.
	BaseURL string

	// RequestID tags telemetry and monitoring events for this session.
	RequestID string

	// Permissions evaluates per-tool grants. Nil when the caller carries no
	// evaluator; authorization then denies non-elevated callers.
	Permissions PermissionEvaluator

	// Tracer and Meter instrument upstream calls.
	Tracer trace.Tracer
	Meter  metric.Meter

	// Monitor receives one event per tool invocation. Never nil after the
	// handler builds the context (NopSink at minimum).
	Monitor monitor.Sink
}

// UserID returns the caller's subject, or "" for anonymous requests.
func (r *RequestContext) UserID() string {
	if r == nil || r.Identity == nil {
		return ""
	}
	return r.Identity.Subject
}
