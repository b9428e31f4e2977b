// Package config loads the gateway's configuration surface (spec §6):
// a YAML file with environment overrides, validated eagerly so a
// malformed configuration fails fast at startup rather than surfacing
// as a confusing runtime error later.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

const defaultPort = 8045

// Config is the enumerated configuration surface from spec §6.
type Config struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`

	Proxy struct {
		UpstreamProxy struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"upstream_proxy"`
	} `yaml:"proxy"`

	LocalAI struct {
		Ollama struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"ollama"`
		LMStudio struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"lmstudio"`
	} `yaml:"local_ai"`

	// AuthDir holds the SQLite database file and (in absence of an OS
	// keyring) the master-key fallback file (spec §9 design note).
	AuthDir string `yaml:"auth_dir"`

	UserAgent string `yaml:"user_agent"`
}

// Load reads path as YAML, applies a ".env" file (if present) and
// process-environment overrides, fills defaults, and validates the
// result. A missing config file is not an error — the gateway can run
// on defaults plus environment overrides alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.KindConfig, "parse config file "+path, err)
			}
		case os.IsNotExist(err):
			// no file: defaults + env only
		default:
			return nil, gatewayerr.Wrap(gatewayerr.KindConfig, "read config file "+path, err)
		}
	}

	_ = godotenv.Load() // optional .env overlay; absence is not an error

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("GATEWAY_PORT"); ok {
		if port, err := parsePort(v); err == nil {
			cfg.Port = port
		}
	}
	if v, ok := os.LookupEnv("GATEWAY_AUTH_TOKEN"); ok {
		cfg.AuthToken = v
	}
	if v, ok := os.LookupEnv("GATEWAY_UPSTREAM_PROXY_URL"); ok {
		cfg.Proxy.UpstreamProxy.URL = v
		cfg.Proxy.UpstreamProxy.Enabled = true
	}
	if v, ok := os.LookupEnv("GATEWAY_AUTH_DIR"); ok {
		cfg.AuthDir = v
	}
}

func parsePort(v string) (int, error) {
	var port int
	_, err := fmt.Sscanf(v, "%d", &port)
	return port, err
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.AuthDir == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			dir = "."
		}
		cfg.AuthDir = dir + "/.antigravity-gateway"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "antigravity/1.0 gateway"
	}
}

// Validate enforces the configuration surface's internal constraints.
// A malformed/unsatisfiable configuration is a ConfigError, fatal at
// startup per spec §7.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return gatewayerr.New(gatewayerr.KindConfig, fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.Proxy.UpstreamProxy.Enabled && c.Proxy.UpstreamProxy.URL == "" {
		return gatewayerr.New(gatewayerr.KindConfig, "proxy.upstream_proxy.enabled is true but url is empty")
	}
	if c.LocalAI.Ollama.Enabled && c.LocalAI.Ollama.URL == "" {
		return gatewayerr.New(gatewayerr.KindConfig, "local_ai.ollama.enabled is true but url is empty")
	}
	if c.LocalAI.LMStudio.Enabled && c.LocalAI.LMStudio.URL == "" {
		return gatewayerr.New(gatewayerr.KindConfig, "local_ai.lmstudio.enabled is true but url is empty")
	}
	return nil
}
