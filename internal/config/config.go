// Package config binds the gateway's environment-driven configuration,
// following the viper-based loading convention used for the gateway CLI.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/vmcp-gateway/internal/gwerrors"
)

// Config holds every recognized environment option from spec.md §6.
type Config struct {
	IssuerURL          string        `mapstructure:"issuer_url"`
	GatewayAudience    string        `mapstructure:"gateway_audience"`
	GatewayClientID    string        `mapstructure:"gateway_client_id"`
	GatewayClientSecret string       `mapstructure:"gateway_client_secret"`
	ListenPort         int           `mapstructure:"listen_port"`
	ServerCatalogPath  string        `mapstructure:"server_catalog_path"`
	JWKSRefreshTTL     time.Duration `mapstructure:"jwks_refresh_ttl"`
	IdpTimeoutMs       int           `mapstructure:"idp_timeout_ms"`
	DownstreamTimeoutMs int          `mapstructure:"downstream_timeout_ms"`
	AlgorithmAllowlist []string      `mapstructure:"algorithm_allowlist"`
	ExchangeCacheEnabled bool        `mapstructure:"exchange_cache_enabled"`
	Debug              bool          `mapstructure:"debug"`
}

// envOptions lists every option in spec.md §6's table, excluding
// server_catalog_path (which is not an env-bound viper key: it is the path
// to the separate catalog document, set directly on Config below).
var envOptions = []string{
	"issuer_url",
	"gateway_audience",
	"gateway_client_id",
	"gateway_client_secret",
	"listen_port",
	"jwks_refresh_ttl",
	"idp_timeout_ms",
	"downstream_timeout_ms",
	"algorithm_allowlist",
	"exchange_cache_enabled",
	"debug",
}

// defaults mirror spec.md §6's stated defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_port", 8080)
	v.SetDefault("jwks_refresh_ttl", 10*time.Minute)
	v.SetDefault("idp_timeout_ms", 5000)
	v.SetDefault("downstream_timeout_ms", 30000)
	v.SetDefault("algorithm_allowlist", []string{"RS256"})
	v.SetDefault("exchange_cache_enabled", true)
}

// bindEnvOptions registers every recognized env var with viper. AutomaticEnv
// alone does not populate Unmarshal's key set: viper.Unmarshal only reads
// keys present in AllKeys() (defaults, BindEnv, flags, or a config file), so
// without an explicit BindEnv per option the required string options (which
// carry no SetDefault) would never reach the unmarshalled Config.
func bindEnvOptions(v *viper.Viper) error {
	for _, key := range envOptions {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding env option %q: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables into a validated
// Config. catalogPath is the server catalog document's path (spec.md §6's
// server_catalog_path) — a distinct source from the environment-bound
// options above, per spec.md §6's split between the catalog document and
// recognized environment options.
func Load(catalogPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindEnvOptions(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.ServerCatalogPath = catalogPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on missing required fields, matching the teacher's
// eager-validation convention for the vmcp CLI's "validate" subcommand.
func (c *Config) Validate() error {
	var missing []string
	if c.IssuerURL == "" {
		missing = append(missing, "issuer_url")
	}
	if c.GatewayAudience == "" {
		missing = append(missing, "gateway_audience")
	}
	if c.GatewayClientID == "" {
		missing = append(missing, "gateway_client_id")
	}
	if c.GatewayClientSecret == "" {
		missing = append(missing, "gateway_client_secret")
	}
	if c.ServerCatalogPath == "" {
		missing = append(missing, "server_catalog_path")
	}
	if len(missing) > 0 {
		return gwerrors.New(gwerrors.KindInvalidArgument, "", fmt.Sprintf("missing required configuration: %v", missing))
	}
	return nil
}

// JWKSURL derives the IdP's JWKS endpoint from IssuerURL, following the
// Keycloak-style path convention spec.md §6 specifies.
func (c *Config) JWKSURL() string {
	return c.IssuerURL + "/protocol/openid-connect/certs"
}

// TokenURL derives the IdP's token endpoint from IssuerURL.
func (c *Config) TokenURL() string {
	return c.IssuerURL + "/protocol/openid-connect/token"
}

func (c *Config) IdpTimeout() time.Duration {
	return time.Duration(c.IdpTimeoutMs) * time.Millisecond
}

func (c *Config) DownstreamTimeout() time.Duration {
	return time.Duration(c.DownstreamTimeoutMs) * time.Millisecond
}
