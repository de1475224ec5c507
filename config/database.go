package config

import (
	"fmt"
	"os"
)

// DatabaseConfig defines the MongoDB mirror-store configuration shared by
// the sync daemon and the traceability API.
type DatabaseConfig struct {
	URI            string `yaml:"uri" json:"uri"`                         // MongoDB connection string
	Database       string `yaml:"database" json:"database"`               // Database name
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout"` // Dial/ping timeout
	QueryTimeout   string `yaml:"query_timeout" json:"query_timeout"`     // Per-operation timeout
}

// SetDefaults sets sensible default values for the database configuration.
// The connection string may be overridden from the environment so secrets
// stay out of config files.
func (c *DatabaseConfig) SetDefaults() {
	if env := os.Getenv("MONGODB_URI"); env != "" {
		c.URI = env
	}
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
		fmt.Printf("Warning: database.uri not set, defaulting to %s\n", c.URI)
	}
	if env := os.Getenv("MONGODB_DATABASE"); env != "" {
		c.Database = env
	}
	if c.Database == "" {
		c.Database = "drug_traceability"
		fmt.Printf("Warning: database.database not set, defaulting to %s\n", c.Database)
	}
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "10s"
		fmt.Printf("Warning: database.connect_timeout not set, defaulting to %s\n", c.ConnectTimeout)
	}
	if c.QueryTimeout == "" {
		c.QueryTimeout = "5s"
		fmt.Printf("Warning: database.query_timeout not set, defaulting to %s\n", c.QueryTimeout)
	}
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("database URI is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}
