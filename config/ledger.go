package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LedgerConfig stores the configuration for the external ledger endpoint.
// The signing key is only ever read from the environment.
type LedgerConfig struct {
	// --- Ledger Type Selection ---
	LedgerType string `yaml:"ledger_type"` // "ethereum" (default)

	// --- Connection ---
	RPCURL  string `yaml:"rpc_url"`
	ChainID int64  `yaml:"chain_id"`

	// --- Contract ---
	ContractAddress string `yaml:"contract_address"`

	// --- Transaction Behavior ---
	GasLimit          uint64 `yaml:"gas_limit"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	ConfirmationDepth uint64 `yaml:"confirmation_depth"` // Confirmations before a tx counts as final
	ReceiptPoll       string `yaml:"receipt_poll"`       // How often AwaitConfirmation re-checks

	// Signing key hex, loaded from LEDGER_PRIVATE_KEY. Never configured in a
	// file and never logged.
	PrivateKeyHex string `yaml:"-"`
}

// SetDefaults sets reasonable default values for the ledger configuration.
func (c *LedgerConfig) SetDefaults() {
	if c.LedgerType == "" {
		c.LedgerType = "ethereum"
	}
	if c.GasLimit == 0 {
		c.GasLimit = 500000
		fmt.Printf("Warning: ledger.gas_limit not set, defaulting to %d\n", c.GasLimit)
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 15
		fmt.Printf("Warning: ledger.timeout_seconds not set, defaulting to %d\n", c.TimeoutSeconds)
	}
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = 3
		fmt.Printf("Warning: ledger.confirmation_depth not set, defaulting to %d\n", c.ConfirmationDepth)
	}
	if c.ReceiptPoll == "" {
		c.ReceiptPoll = "2s"
		fmt.Printf("Warning: ledger.receipt_poll not set, defaulting to %s\n", c.ReceiptPoll)
	}
	c.PrivateKeyHex = os.Getenv("LEDGER_PRIVATE_KEY")
}

// Validate validates the ledger configuration.
func (c *LedgerConfig) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("ledger rpc_url is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("ledger contract_address is required")
	}
	return nil
}

// LoadLedgerConfig loads ledger configuration from the specified YAML file
// path.
func LoadLedgerConfig(path string) (*LedgerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger config file '%s': %w", path, err)
	}

	var cfg LedgerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ledger YAML config file: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ledger configuration error: %w", err)
	}
	return &cfg, nil
}
