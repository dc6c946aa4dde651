// Package config loads the gateway's file configuration: listen settings,
// telemetry, token signing, and the tenant/connection/virtual-MCP records
// served by the in-memory store.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/meshgate/meshgate/pkg/mesh"
	"github.com/meshgate/meshgate/pkg/mesh/store"
	"github.com/meshgate/meshgate/pkg/telemetry"
)

// ServerConfig holds the HTTP front-door settings.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`

	// BaseURL is the public URL of this gateway, embedded in delegation
	// tokens.
	BaseURL string `mapstructure:"baseUrl"`

	// AuthSecret verifies caller bearer JWTs.
	AuthSecret string `mapstructure:"authSecret"`
}

// TokenConfig holds delegation token signing settings.
type TokenConfig struct {
	// Secret signs outgoing x-mesh-token delegation tokens.
	Secret string `mapstructure:"secret"`

	// TTL is the token lifetime; zero means the issuer default.
	TTL time.Duration `mapstructure:"ttl"`
}

// TenantConfig declares one tenant and its slug.
type TenantConfig struct {
	ID   string `mapstructure:"id"`
	Slug string `mapstructure:"slug"`

	// DefaultVirtualMCP optionally names the tenant's default virtual MCP.
	DefaultVirtualMCP string `mapstructure:"defaultVirtualMcp"`
}

// ConnectionConfig declares one upstream connection.
type ConnectionConfig struct {
	ID       string            `mapstructure:"id"`
	TenantID string            `mapstructure:"tenantId"`
	Title    string            `mapstructure:"title"`
	Type     string            `mapstructure:"type"`
	URL      string            `mapstructure:"url"`
	Token    string            `mapstructure:"token"`
	Headers  map[string]string `mapstructure:"headers"`
	Status   string            `mapstructure:"status"`

	ConfigurationState  map[string]any `mapstructure:"configurationState"`
	ConfigurationScopes []string       `mapstructure:"configurationScopes"`
}

// MemberConfig declares one virtual-MCP member entry.
type MemberConfig struct {
	ConnectionID      string   `mapstructure:"connectionId"`
	SelectedTools     []string `mapstructure:"selectedTools"`
	SelectedResources []string `mapstructure:"selectedResources"`
	SelectedPrompts   []string `mapstructure:"selectedPrompts"`
}

// VirtualMCPConfig declares one virtual MCP.
type VirtualMCPConfig struct {
	ID            string         `mapstructure:"id"`
	TenantID      string         `mapstructure:"tenantId"`
	Title         string         `mapstructure:"title"`
	Instructions  string         `mapstructure:"instructions"`
	Status        string         `mapstructure:"status"`
	SelectionMode string         `mapstructure:"selectionMode"`
	Strategy      string         `mapstructure:"strategy"`
	Members       []MemberConfig `mapstructure:"members"`
}

// Config is the root of the gateway configuration file.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Telemetry   telemetry.Config   `mapstructure:"telemetry"`
	Token       TokenConfig        `mapstructure:"token"`
	Tenants     []TenantConfig     `mapstructure:"tenants"`
	Connections []ConnectionConfig `mapstructure:"connections"`
	VirtualMCPs []VirtualMCPConfig `mapstructure:"virtualMcps"`
}

// Load reads and validates the configuration file at path. YAML, JSON, and
// TOML are accepted, by extension.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	for i := range c.Connections {
		if c.Connections[i].Type == "" {
			c.Connections[i].Type = mesh.ConnectionTypeHTTP
		}
		if c.Connections[i].Status == "" {
			c.Connections[i].Status = string(mesh.StatusActive)
		}
	}
	for i := range c.VirtualMCPs {
		if c.VirtualMCPs[i].Status == "" {
			c.VirtualMCPs[i].Status = string(mesh.StatusActive)
		}
		if c.VirtualMCPs[i].SelectionMode == "" {
			c.VirtualMCPs[i].SelectionMode = string(mesh.SelectionInclusion)
		}
	}
}

// Validate checks cross-references and enumerated fields.
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}

	tenants := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant entries need an id")
		}
		tenants[t.ID] = true
	}

	connections := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.ID == "" || conn.TenantID == "" {
			return fmt.Errorf("connection entries need id and tenantId")
		}
		if conn.URL == "" {
			return fmt.Errorf("connection %s needs a url", conn.ID)
		}
		if !tenants[conn.TenantID] {
			return fmt.Errorf("connection %s references unknown tenant %s", conn.ID, conn.TenantID)
		}
		if s := mesh.Status(conn.Status); s != mesh.StatusActive && s != mesh.StatusInactive {
			return fmt.Errorf("connection %s has invalid status %q", conn.ID, conn.Status)
		}
		connections[conn.ID] = true
	}

	for _, v := range c.VirtualMCPs {
		if v.ID == "" || v.TenantID == "" {
			return fmt.Errorf("virtual MCP entries need id and tenantId")
		}
		if !tenants[v.TenantID] {
			return fmt.Errorf("virtual MCP %s references unknown tenant %s", v.ID, v.TenantID)
		}
		if m := mesh.SelectionMode(v.SelectionMode); m != mesh.SelectionInclusion && m != mesh.SelectionExclusion {
			return fmt.Errorf("virtual MCP %s has invalid selectionMode %q", v.ID, v.SelectionMode)
		}
		for _, member := range v.Members {
			if !connections[member.ConnectionID] {
				return fmt.Errorf("virtual MCP %s references unknown connection %s", v.ID, member.ConnectionID)
			}
		}
	}

	for _, t := range c.Tenants {
		if t.DefaultVirtualMCP == "" {
			continue
		}
		found := false
		for _, v := range c.VirtualMCPs {
			if v.ID == t.DefaultVirtualMCP && v.TenantID == t.ID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("tenant %s default virtual MCP %s is not defined", t.ID, t.DefaultVirtualMCP)
		}
	}
	return nil
}

// SeedStore materializes the declared records into an in-memory store.
func (c *Config) SeedStore() *store.Memory {
	m := store.NewMemory()
	for _, t := range c.Tenants {
		if t.Slug != "" {
			m.PutTenantSlug(t.Slug, t.ID)
		}
		if t.DefaultVirtualMCP != "" {
			m.SetDefaultVirtualMCP(t.ID, t.DefaultVirtualMCP)
		}
	}
	for _, conn := range c.Connections {
		m.PutConnection(&mesh.Connection{
			ID:                  conn.ID,
			TenantID:            conn.TenantID,
			Title:               conn.Title,
			Type:                conn.Type,
			URL:                 conn.URL,
			Token:               conn.Token,
			Headers:             conn.Headers,
			ConfigurationState:  conn.ConfigurationState,
			ConfigurationScopes: conn.ConfigurationScopes,
			Status:              mesh.Status(conn.Status),
		})
	}
	for _, v := range c.VirtualMCPs {
		members := make([]mesh.Member, len(v.Members))
		for i, member := range v.Members {
			members[i] = mesh.Member{
				ConnectionID:      member.ConnectionID,
				SelectedTools:     member.SelectedTools,
				SelectedResources: member.SelectedResources,
				SelectedPrompts:   member.SelectedPrompts,
			}
		}
		m.PutVirtualMCP(&mesh.VirtualMCP{
			ID:            v.ID,
			TenantID:      v.TenantID,
			Title:         v.Title,
			Instructions:  v.Instructions,
			Status:        mesh.Status(v.Status),
			SelectionMode: mesh.SelectionMode(v.SelectionMode),
			Strategy:      v.Strategy,
			Members:       members,
		})
	}
	return m
}
