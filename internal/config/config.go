// Package config loads the daemon's configuration from an optional
// YAML file plus environment overrides, and resolves the gateway
// credential list at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAddr    = ":8080"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o"
	DefaultDBPath  = "ohm.db"
	DefaultTimeout = 2 * time.Minute
)

// Config is the daemon configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// Gateway configures the upstream chat-completion endpoint.
	Gateway GatewayConfig `yaml:"gateway"`
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// GatewayConfig configures the provider endpoint and model. Timeout
// is a duration string like "90s" or "2m".
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration parses the configured timeout, falling back to the
// default on empty or malformed values.
func (g GatewayConfig) TimeoutDuration() time.Duration {
	if g.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(g.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), applies environment overrides, then defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if v := os.Getenv("OHM_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("OHM_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("OHM_MODEL"); v != "" {
		cfg.Gateway.Model = v
	}
	if v := os.Getenv("OHM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = DefaultBaseURL
	}
	if cfg.Gateway.Model == "" {
		cfg.Gateway.Model = DefaultModel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	return cfg, nil
}

// LoadCredentials resolves the ordered gateway credential list from
// the environment: OHM_GATEWAY_KEY_1, OHM_GATEWAY_KEY_2, ... read in
// order until the first gap. When no numbered keys exist, the legacy
// forms apply: OHM_GATEWAY_KEYS as a comma-separated list, then
// OHM_GATEWAY_KEY as a single value. Zero resolved credentials is a
// startup failure.
func LoadCredentials() ([]string, error) {
	var keys []string
	for i := 1; ; i++ {
		v := strings.TrimSpace(os.Getenv(fmt.Sprintf("OHM_GATEWAY_KEY_%d", i)))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	if len(keys) > 0 {
		return keys, nil
	}

	if list := os.Getenv("OHM_GATEWAY_KEYS"); list != "" {
		for _, k := range strings.Split(list, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			return keys, nil
		}
	}

	if v := strings.TrimSpace(os.Getenv("OHM_GATEWAY_KEY")); v != "" {
		return []string{v}, nil
	}

	return nil, fmt.Errorf("no gateway credentials configured: set OHM_GATEWAY_KEY_1..N, OHM_GATEWAY_KEYS or OHM_GATEWAY_KEY")
}
