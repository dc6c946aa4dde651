package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/mesh"
)

func newSeededStore() *Memory {
	m := NewMemory()
	m.PutTenantSlug("acme", "tenant-1")
	m.PutConnection(&mesh.Connection{
		ID:       "conn-a",
		TenantID: "tenant-1",
		Title:    "Alpha",
		Status:   mesh.StatusActive,
	})
	m.PutConnection(&mesh.Connection{
		ID:       "conn-b",
		TenantID: "tenant-1",
		Title:    "Beta",
		Status:   mesh.StatusInactive,
	})
	m.PutConnection(&mesh.Connection{
		ID:       "conn-z",
		TenantID: "tenant-2",
		Title:    "Other tenant",
		Status:   mesh.StatusActive,
	})
	m.PutVirtualMCP(&mesh.VirtualMCP{
		ID:       "vmcp-1",
		TenantID: "tenant-1",
		Title:    "Default",
		Status:   mesh.StatusActive,
	})
	m.SetDefaultVirtualMCP("tenant-1", "vmcp-1")
	return m
}

func TestGetConnection(t *testing.T) {
	t.Parallel()
	m := newSeededStore()
	ctx := t.Context()

	conn, err := m.GetConnection(ctx, "tenant-1", "conn-a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", conn.Title)
}

func TestGetConnectionCrossTenantIsNotFound(t *testing.T) {
	t.Parallel()
	m := newSeededStore()

	// A connection owned by another tenant must be indistinguishable from a
	// missing one.
	_, err := m.GetConnection(t.Context(), "tenant-1", "conn-z")
	assert.ErrorIs(t, err, mesh.ErrConnectionNotFound)

	_, err = m.GetConnection(t.Context(), "tenant-1", "no-such")
	assert.ErrorIs(t, err, mesh.ErrConnectionNotFound)
}

func TestListActiveConnectionsFiltersAndSorts(t *testing.T) {
	t.Parallel()
	m := newSeededStore()

	conns, err := m.ListActiveConnections(t.Context(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-a", conns[0].ID)
}

func TestGetTenantIDBySlug(t *testing.T) {
	t.Parallel()
	m := newSeededStore()

	id, err := m.GetTenantIDBySlug(t.Context(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", id)

	_, err = m.GetTenantIDBySlug(t.Context(), "missing")
	assert.ErrorIs(t, err, mesh.ErrTenantNotFound)
}

func TestDefaultVirtualMCP(t *testing.T) {
	t.Parallel()
	m := newSeededStore()

	v, err := m.DefaultVirtualMCP(t.Context(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "vmcp-1", v.ID)

	_, err = m.DefaultVirtualMCP(t.Context(), "tenant-2")
	assert.ErrorIs(t, err, mesh.ErrVirtualMCPNotFound)
}

func TestGetVirtualMCPCrossTenantIsNotFound(t *testing.T) {
	t.Parallel()
	m := newSeededStore()

	_, err := m.GetVirtualMCP(t.Context(), "tenant-2", "vmcp-1")
	assert.ErrorIs(t, err, mesh.ErrVirtualMCPNotFound)
}
