// Package app provides the entry point for the gateway command-line
// application: the "serve", "validate", and "version" subcommands.
package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/vmcp-gateway/internal/config"
	"github.com/stacklok/vmcp-gateway/internal/gateway"
	"github.com/stacklok/vmcp-gateway/internal/gwauth/token"
	"github.com/stacklok/vmcp-gateway/internal/gwauth/tokenexchange"
	"github.com/stacklok/vmcp-gateway/internal/logger"
	"github.com/stacklok/vmcp-gateway/internal/registry"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "gateway",
	DisableAutoGenTag: true,
	Short:             "Authenticated MCP gateway",
	Long: `gateway is an authenticated Model Context Protocol (MCP) gateway: it sits
between AI agent clients and a fleet of downstream tool servers, gating every
request through an OAuth2/OIDC identity provider, performing RFC 8693 token
exchange to mint narrowly-scoped downstream credentials, and isolating tool
activations per MCP session.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		logger.Initialize(debug)
	},
}

// NewRootCmd creates the gateway CLI's root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the server catalog YAML file (server_catalog_path)")
	if err := viper.BindPFlag("server_catalog_path", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's MCP Server Surface",
		Long: `Start the gateway: load the server catalog, register the built-in tools
(search_servers, enable_server, _reset_gateway), and listen for inbound MCP
Streamable-HTTP connections at the configured --host/--port.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "0.0.0.0", "Host address to bind to")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides listen_port)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and server catalog",
		Long: `Load the environment-driven Config and the server catalog document it
points to, reporting any missing required field or malformed catalog entry
without starting the gateway.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("server_catalog_path"))
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			logger.Infof("configuration valid: issuer=%s gateway_audience=%s", cfg.IssuerURL, cfg.GatewayAudience)

			servers, err := registry.Load(cfg.ServerCatalogPath)
			if err != nil {
				return fmt.Errorf("server catalog invalid: %w", err)
			}
			logger.Infof("server catalog valid: %d server(s)", servers.Len())
			for _, s := range servers.List() {
				logger.Infof("  - %s: audience=%s required_role=%s", s.Name, s.Audience, s.RequiredRole)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("gateway version: %s", version)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(viper.GetString("server_catalog_path"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	servers, err := registry.Load(cfg.ServerCatalogPath)
	if err != nil {
		return fmt.Errorf("loading server catalog: %w", err)
	}
	logger.Infof("loaded server catalog: %d server(s)", servers.Len())

	validator, err := token.NewValidator(ctx, token.Config{
		Issuer:             cfg.IssuerURL,
		Audience:           cfg.GatewayAudience,
		JWKSURL:            cfg.JWKSURL(),
		AlgorithmAllowlist: cfg.AlgorithmAllowlist,
	})
	if err != nil {
		return fmt.Errorf("constructing JWKS validator: %w", err)
	}

	exchangeClient := tokenexchange.NewClient(cfg.TokenURL(), cfg.GatewayClientID, cfg.GatewayClientSecret, nil)

	var cache *tokenexchange.Cache
	if cfg.ExchangeCacheEnabled {
		cache = tokenexchange.NewCache()
	}

	tools := gateway.NewToolRegistry()
	sessions := gateway.NewStore()
	engine := gateway.NewEngine(servers, tools, exchangeClient, cache, gateway.DefaultDownstreamClientFactory)
	dispatcher := gateway.NewDispatcher(engine)

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.ListenPort
	}

	srv := gateway.NewServer(gateway.ServerConfig{
		Host:           host,
		Port:           port,
		Issuer:         cfg.IssuerURL,
		GatewayName:    "vmcp-gateway",
		GatewayVersion: version,
	}, validator, servers, tools, sessions, engine, dispatcher)

	return srv.ListenAndServe(ctx)
}
