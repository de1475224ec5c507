package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ListenerConfig defines the event-listener poll loop behavior.
type ListenerConfig struct {
	PollInterval   string `yaml:"poll_interval"`    // Matches the ledger's average block time
	LookbackBlocks uint64 `yaml:"lookback_blocks"`  // Cold-start window when no watermark is persisted
	BatchBlocks    uint64 `yaml:"batch_blocks"`     // Max blocks fetched per iteration
	MaxReorgDepth  uint64 `yaml:"max_reorg_depth"`  // How far back the fork search walks
	RetryDelay     string `yaml:"retry_delay"`      // Delay after a failed iteration
}

// SetDefaults sets reasonable default values for listener configuration.
func (c *ListenerConfig) SetDefaults() {
	if c.PollInterval == "" {
		c.PollInterval = "12s"
		fmt.Printf("Warning: listener.poll_interval not set, defaulting to %s\n", c.PollInterval)
	}
	if c.LookbackBlocks == 0 {
		c.LookbackBlocks = 128
		fmt.Printf("Warning: listener.lookback_blocks not set, defaulting to %d\n", c.LookbackBlocks)
	}
	if c.BatchBlocks == 0 {
		c.BatchBlocks = 2000
		fmt.Printf("Warning: listener.batch_blocks not set, defaulting to %d\n", c.BatchBlocks)
	}
	if c.MaxReorgDepth == 0 {
		c.MaxReorgDepth = 64
		fmt.Printf("Warning: listener.max_reorg_depth not set, defaulting to %d\n", c.MaxReorgDepth)
	}
	if c.RetryDelay == "" {
		c.RetryDelay = "5s"
		fmt.Printf("Warning: listener.retry_delay not set, defaulting to %s\n", c.RetryDelay)
	}
}

// SyncerConfig defines the reconciliation engine behavior.
type SyncerConfig struct {
	MaxEventRetries int `yaml:"max_event_retries"` // Held out-of-order events retried this many cycles
}

// SetDefaults sets reasonable default values for syncer configuration.
func (c *SyncerConfig) SetDefaults() {
	if c.MaxEventRetries <= 0 {
		c.MaxEventRetries = 5
		fmt.Printf("Warning: syncer.max_event_retries not set, defaulting to %d\n", c.MaxEventRetries)
	}
}

// FraudConfig defines the consistency-sweep behavior.
type FraudConfig struct {
	SweepInterval       string `yaml:"sweep_interval"`
	RefillWindow        string `yaml:"refill_window"`         // Rolling window for refill/duplicate checks
	RefillThreshold     int    `yaml:"refill_threshold"`      // Refills within the window before an alert
	NormalSupplyMax     uint64 `yaml:"normal_supply_max"`     // Prescribed quantity above this is flagged
	ProvisionalMaxAge   string `yaml:"provisional_max_age"`   // Provisional rows older than this are stale
}

// SetDefaults sets reasonable default values for the fraud sweep.
func (c *FraudConfig) SetDefaults() {
	if c.SweepInterval == "" {
		c.SweepInterval = "10m"
		fmt.Printf("Warning: fraud.sweep_interval not set, defaulting to %s\n", c.SweepInterval)
	}
	if c.RefillWindow == "" {
		c.RefillWindow = "720h"
		fmt.Printf("Warning: fraud.refill_window not set, defaulting to %s\n", c.RefillWindow)
	}
	if c.RefillThreshold <= 0 {
		c.RefillThreshold = 3
		fmt.Printf("Warning: fraud.refill_threshold not set, defaulting to %d\n", c.RefillThreshold)
	}
	if c.NormalSupplyMax == 0 {
		c.NormalSupplyMax = 90
		fmt.Printf("Warning: fraud.normal_supply_max not set, defaulting to %d\n", c.NormalSupplyMax)
	}
	if c.ProvisionalMaxAge == "" {
		c.ProvisionalMaxAge = "30m"
		fmt.Printf("Warning: fraud.provisional_max_age not set, defaulting to %s\n", c.ProvisionalMaxAge)
	}
}

// AlertProducerConfig defines the Kafka topic fraud/ops alerts are published
// to. Brokers ["mock://local"] selects the in-process mock producer.
type AlertProducerConfig struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	RequiredAcks string   `yaml:"required_acks"`
	WriteTimeout string   `yaml:"write_timeout"`
}

// SetDefaults sets reasonable default values for the alert producer.
func (c *AlertProducerConfig) SetDefaults() {
	if c.Topic == "" {
		c.Topic = "traceability.alerts"
		fmt.Printf("Warning: alerts.topic not set, defaulting to %s\n", c.Topic)
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "one"
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = "5s"
	}
}

// SyncDaemonConfig defines all configuration for the sync daemon: listener,
// synchronizer, fraud sweep and their shared dependencies.
type SyncDaemonConfig struct {
	Database DatabaseConfig      `yaml:"database"`
	Listener ListenerConfig      `yaml:"listener"`
	Syncer   SyncerConfig        `yaml:"syncer"`
	Fraud    FraudConfig         `yaml:"fraud"`
	Alerts   AlertProducerConfig `yaml:"alerts"`

	// Ledger client configuration file path (same layout the API uses).
	LedgerConfigPath string `yaml:"ledger_config_path"`
}

// LoadSyncDaemonConfig loads configuration from the specified YAML file path.
func LoadSyncDaemonConfig(path string) (*SyncDaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg SyncDaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	cfg.Database.SetDefaults()
	cfg.Listener.SetDefaults()
	cfg.Syncer.SetDefaults()
	cfg.Fraud.SetDefaults()
	cfg.Alerts.SetDefaults()

	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("database configuration error: %w", err)
	}
	if cfg.LedgerConfigPath == "" {
		return nil, fmt.Errorf("configuration error: ledger_config_path is required")
	}
	return &cfg, nil
}
