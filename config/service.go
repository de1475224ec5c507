package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// HttpServerConfig defines HTTP server configuration.
type HttpServerConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// ServiceConfig defines the traceability service and its API daemon.
type ServiceConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`

	Database   DatabaseConfig   `yaml:"database"`
	HttpServer HttpServerConfig `yaml:"http_server"`

	// ConfirmationWait bounds how long a write operation blocks waiting for
	// on-chain confirmation before falling back to a provisional mirror row.
	ConfirmationWait string `yaml:"confirmation_wait"`

	// Ledger client configuration file path.
	LedgerConfigPath string `yaml:"ledger_config_path"`
}

// SetDefaults sets reasonable default values for the service configuration.
func (c *ServiceConfig) SetDefaults() {
	if c.ConfirmationWait == "" {
		c.ConfirmationWait = "60s"
		fmt.Printf("Warning: confirmation_wait not set, defaulting to %s\n", c.ConfirmationWait)
	}
}

// LoadServiceConfig loads the traceability service configuration from the
// specified YAML file path.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service config file '%s': %w", path, err)
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse service YAML config file: %w", err)
	}

	cfg.Database.SetDefaults()
	cfg.SetDefaults()

	if cfg.HttpListenAddr == "" {
		return nil, fmt.Errorf("configuration error: http_listen_addr must be configured")
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("database configuration error: %w", err)
	}
	if cfg.LedgerConfigPath == "" {
		return nil, fmt.Errorf("configuration error: ledger_config_path is required")
	}
	return &cfg, nil
}
