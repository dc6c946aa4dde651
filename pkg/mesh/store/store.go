// Package store defines read access to mesh entities.
//
// The gateway never mutates connections or virtual MCPs; it reads them per
// request so that configuration changes take effect without restarts.
package store

import (
	"context"

	"github.com/meshgate/meshgate/pkg/mesh"
)

// ConnectionStore reads connection entities scoped to a tenant.
type ConnectionStore interface {
	// GetConnection returns the connection with the given ID if it belongs to
	// tenantID. Connections owned by other tenants yield
	// mesh.ErrConnectionNotFound, never a forbidden error.
	GetConnection(ctx context.Context, tenantID, connectionID string) (*mesh.Connection, error)

	// ListActiveConnections returns every active connection for the tenant,
	// in stable order.
	ListActiveConnections(ctx context.Context, tenantID string) ([]*mesh.Connection, error)

	// GetTenantIDBySlug resolves a tenant slug to its ID.
	GetTenantIDBySlug(ctx context.Context, slug string) (string, error)
}

// VirtualMCPStore reads virtual MCP entities scoped to a tenant.
type VirtualMCPStore interface {
	// GetVirtualMCP returns the virtual MCP with the given ID if it belongs
	// to tenantID. Cross-tenant IDs yield mesh.ErrVirtualMCPNotFound.
	GetVirtualMCP(ctx context.Context, tenantID, id string) (*mesh.VirtualMCP, error)

	// DefaultVirtualMCP returns the tenant's default virtual MCP, used when a
	// request names no specific one.
	DefaultVirtualMCP(ctx context.Context, tenantID string) (*mesh.VirtualMCP, error)
}
