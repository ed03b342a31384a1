package core

import (
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/backend"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/commatea/APNS-Bridge/pkg/transport"
)

// Config is the root engine configuration.
type Config struct {
	// Environment selects the gateway and feedback endpoints.
	Environment string `yaml:"environment" json:"environment" validate:"omitempty,oneof=production sandbox"`

	// GatewayAddress overrides the environment's gateway endpoint.
	// For test gateways.
	GatewayAddress string `yaml:"gateway_address" json:"gateway_address"`

	// FeedbackAddress overrides the environment's feedback endpoint.
	FeedbackAddress string `yaml:"feedback_address" json:"feedback_address"`

	// TLS holds the client credentials, shared by both endpoints.
	TLS transport.TLSConfig `yaml:"tls" json:"tls"`

	// ConnectTimeout bounds connect plus handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// Backend configures the connection workers.
	Backend backend.Config `yaml:"backend" json:"backend"`

	// Logging configures the engine logger.
	Logging logger.Config `yaml:"logging" json:"logging"`

	// API configures the ops HTTP server.
	API APIConfig `yaml:"api" json:"api"`

	// Journal configures the failure/feedback journal.
	Journal JournalConfig `yaml:"journal" json:"journal"`
}

// APIConfig configures the ops HTTP server.
type APIConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port" validate:"min=0,max=65535"`
}

// JournalConfig configures the on-disk journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// DefaultConfig returns a sandbox configuration with one connection.
func DefaultConfig() *Config {
	return &Config{
		Environment:    apns.EnvironmentSandbox,
		ConnectTimeout: 10 * time.Second,
		Backend:        backend.DefaultConfig(),
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		API: APIConfig{
			Enabled: false,
			Port:    8080,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./apns-journal.db",
		},
	}
}

// GatewayEndpoint resolves the effective gateway address.
func (c *Config) GatewayEndpoint() string {
	if c.GatewayAddress != "" {
		return c.GatewayAddress
	}
	return apns.GatewayAddress(c.Environment)
}

// FeedbackEndpoint resolves the effective feedback address.
func (c *Config) FeedbackEndpoint() string {
	if c.FeedbackAddress != "" {
		return c.FeedbackAddress
	}
	return apns.FeedbackAddress(c.Environment)
}
