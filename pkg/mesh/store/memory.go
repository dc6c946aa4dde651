package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/meshgate/meshgate/pkg/mesh"
)

// Memory is an in-memory implementation of ConnectionStore and
// VirtualMCPStore. It backs tests and single-node deployments configured from
// a file.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]*mesh.Connection // keyed by connection ID
	virtuals    map[string]*mesh.VirtualMCP // keyed by virtual MCP ID
	defaults    map[string]string           // tenant ID -> default virtual MCP ID
	slugs       map[string]string           // tenant slug -> tenant ID
}

var (
	_ ConnectionStore = (*Memory)(nil)
	_ VirtualMCPStore = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		connections: make(map[string]*mesh.Connection),
		virtuals:    make(map[string]*mesh.VirtualMCP),
		defaults:    make(map[string]string),
		slugs:       make(map[string]string),
	}
}

// PutConnection adds or replaces a connection.
func (m *Memory) PutConnection(conn *mesh.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = conn
}

// PutVirtualMCP adds or replaces a virtual MCP.
func (m *Memory) PutVirtualMCP(v *mesh.VirtualMCP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.virtuals[v.ID] = v
}

// SetDefaultVirtualMCP marks id as the tenant's default virtual MCP.
func (m *Memory) SetDefaultVirtualMCP(tenantID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[tenantID] = id
}

// PutTenantSlug registers a slug for a tenant.
func (m *Memory) PutTenantSlug(slug, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slugs[slug] = tenantID
}

// GetConnection implements ConnectionStore.
func (m *Memory) GetConnection(_ context.Context, tenantID, connectionID string) (*mesh.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[connectionID]
	if !ok || conn.TenantID != tenantID {
		return nil, fmt.Errorf("connection %s: %w", connectionID, mesh.ErrConnectionNotFound)
	}
	return conn, nil
}

// ListActiveConnections implements ConnectionStore.
func (m *Memory) ListActiveConnections(_ context.Context, tenantID string) ([]*mesh.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*mesh.Connection
	for _, conn := range m.connections {
		if conn.TenantID == tenantID && conn.Active() {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTenantIDBySlug implements ConnectionStore.
func (m *Memory) GetTenantIDBySlug(_ context.Context, slug string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugs[slug]
	if !ok {
		return "", fmt.Errorf("tenant slug %q: %w", slug, mesh.ErrTenantNotFound)
	}
	return id, nil
}

// GetVirtualMCP implements VirtualMCPStore.
func (m *Memory) GetVirtualMCP(_ context.Context, tenantID, id string) (*mesh.VirtualMCP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.virtuals[id]
	if !ok || v.TenantID != tenantID {
		return nil, fmt.Errorf("virtual MCP %s: %w", id, mesh.ErrVirtualMCPNotFound)
	}
	return v, nil
}

// DefaultVirtualMCP implements VirtualMCPStore.
func (m *Memory) DefaultVirtualMCP(ctx context.Context, tenantID string) (*mesh.VirtualMCP, error) {
	m.mu.RLock()
	id, ok := m.defaults[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tenant %s has no default virtual MCP: %w", tenantID, mesh.ErrVirtualMCPNotFound)
	}
	return m.GetVirtualMCP(ctx, tenantID, id)
}
