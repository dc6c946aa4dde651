package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/pkg/mesh"
)

const sampleConfig = `
server:
  port: 9090
  baseUrl: https://gateway.example.com
token:
  secret: signing-key
tenants:
  - id: tenant-1
    slug: acme
    defaultVirtualMcp: v1
connections:
  - id: c1
    tenantId: tenant-1
    title: Issues
    url: http://upstream/c1
  - id: c2
    tenantId: tenant-1
    url: http://upstream/c2
    status: inactive
virtualMcps:
  - id: v1
    tenantId: tenant-1
    selectionMode: inclusion
    members:
      - connectionId: c1
        selectedTools: [search]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, mesh.ConnectionTypeHTTP, cfg.Connections[0].Type)
	assert.Equal(t, string(mesh.StatusActive), cfg.Connections[0].Status)
	assert.Equal(t, string(mesh.StatusInactive), cfg.Connections[1].Status)
}

func TestLoadRejectsUnknownReferences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{
			name: "connection without tenant",
			mutate: `
token:
  secret: k
connections:
  - id: c1
    tenantId: ghost
    url: http://u
`,
			wantErr: "unknown tenant",
		},
		{
			name: "virtual MCP with unknown member",
			mutate: `
token:
  secret: k
tenants:
  - id: t1
virtualMcps:
  - id: v1
    tenantId: t1
    members:
      - connectionId: ghost
`,
			wantErr: "unknown connection",
		},
		{
			name:    "missing token secret",
			mutate:  "server:\n  port: 1\n",
			wantErr: "token.secret",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.mutate))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSeedStore(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	m := cfg.SeedStore()

	tenantID, err := m.GetTenantIDBySlug(t.Context(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenantID)

	conn, err := m.GetConnection(t.Context(), "tenant-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Issues", conn.Title)
	assert.True(t, conn.Active())

	v, err := m.DefaultVirtualMCP(t.Context(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v.ID)
	require.Len(t, v.Members, 1)
	assert.Equal(t, []string{"search"}, v.Members[0].SelectedTools)

	active, err := m.ListActiveConnections(t.Context(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c1", active[0].ID)
}
