package client

import (
	"fmt"
	"log"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/client/ethereum"
)

// LedgerType represents the type of ledger client.
type LedgerType string

const (
	Ethereum LedgerType = "ethereum"
	// Future ledger types can be added here.
)

// NewLedgerClient creates a ledger client based on the configuration.
// rpc_url "mock://local" selects the in-memory ledger, matching the alert
// producer's broker convention.
func NewLedgerClient(cfg *config.LedgerConfig, logger *log.Logger) (LedgerClient, error) {
	if cfg.RPCURL == "mock://local" {
		return NewMockClient(logger, 0), nil
	}
	switch LedgerType(cfg.LedgerType) {
	case Ethereum, "":
		return ethereum.NewClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.LedgerType)
	}
}

// NewLedgerClientFromFile creates a ledger client from a configuration file.
func NewLedgerClientFromFile(configPath string, logger *log.Logger) (LedgerClient, error) {
	cfg, err := config.LoadLedgerConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger config from file '%s': %w", configPath, err)
	}
	return NewLedgerClient(cfg, logger)
}
