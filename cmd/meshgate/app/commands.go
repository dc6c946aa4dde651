// Package app provides the entry point for the meshgate command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshgate/meshgate/pkg/logger"
	"github.com/meshgate/meshgate/pkg/mesh/config"
	"github.com/meshgate/meshgate/pkg/mesh/server"
	"github.com/meshgate/meshgate/pkg/mesh/token"
	"github.com/meshgate/meshgate/pkg/telemetry"
)

var rootCmd = &cobra.Command{
	Use:               "meshgate",
	DisableAutoGenTag: true,
	Short:             "Multi-tenant MCP aggregation gateway",
	Long: `meshgate aggregates the MCP servers registered by a tenant behind one
streamable HTTP surface. It provides:

- Tool, resource, and prompt aggregation across upstream connections
- Per-tool authorization and delegation tokens for upstream calls
- Virtual MCP compositions with inclusion and exclusion member selection
- Monitoring events and OpenTelemetry instrumentation per tool call`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the meshgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway and listen for MCP client connections.

The server reads the configuration file given by --config, seeds its stores
from it, and serves the configured tenants' connections and virtual MCPs.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warnf("Telemetry shutdown: %v", err)
		}
	}()

	stores := cfg.SeedStore()
	srv := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Name:       cfg.Server.Name,
		Version:    cfg.Server.Version,
		BaseURL:    cfg.Server.BaseURL,
		AuthSecret: []byte(cfg.Server.AuthSecret),
	}, server.Deps{
		Connections: stores,
		Virtuals:    stores,
		Issuer:      token.NewHMACIssuer([]byte(cfg.Token.Secret), cfg.Token.TTL),
		Tracer:      provider.Tracer("meshgate"),
		Meter:       provider.Meter("meshgate"),
		Metrics:     provider.PrometheusHandler(),
	})

	logger.Infof("Starting meshgate with %d connections across %d tenants",
		len(cfg.Connections), len(cfg.Tenants))
	return srv.Start(ctx)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Infof("Configuration is valid")
			logger.Infof("  Tenants: %d", len(cfg.Tenants))
			logger.Infof("  Connections: %d", len(cfg.Connections))
			logger.Infof("  Virtual MCPs: %d", len(cfg.VirtualMCPs))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("meshgate version: %s", getVersion())
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	// This will be replaced with actual version info using ldflags
	return "dev"
}

func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}
