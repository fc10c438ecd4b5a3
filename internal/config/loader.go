package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const ConfigFileName = "archsock.toml"

// LoadFromFile loads configuration from a TOML file, layering it over the
// defaults. Returns default config if path is empty or the file doesn't exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Merge merges command-line flags into configuration
// Flags take precedence over config file values
func (c *Config) Merge(name string, tcpPort, discoveryPort int, verbosity int) {
	// Only override if flag was explicitly set
	if name != "" {
		c.Messenger.Name = name
	}
	if tcpPort != 0 {
		c.Messenger.TCPPort = tcpPort
	}
	if discoveryPort != 0 {
		c.Messenger.DiscoveryPort = discoveryPort
	}
	if verbosity > 0 {
		c.Logging.Verbosity = verbosity
	}
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	if c.Messenger.TCPPort < 1 || c.Messenger.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp port: %d (must be 1-65535)", c.Messenger.TCPPort)
	}
	if c.Messenger.DiscoveryPort < 1 || c.Messenger.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port: %d (must be 1-65535)", c.Messenger.DiscoveryPort)
	}
	for _, p := range c.Discovery.BroadcastPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid broadcast port: %d (must be 1-65535)", p)
		}
	}
	if c.Messenger.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Discovery.AnnounceInterval.Duration <= 0 {
		return fmt.Errorf("invalid announce interval: %v (must be positive)", c.Discovery.AnnounceInterval)
	}
	if c.Discovery.StaleAfter.Duration <= 0 {
		return fmt.Errorf("invalid stale-after: %v (must be positive)", c.Discovery.StaleAfter)
	}
	if c.Discovery.SweepInterval.Duration <= 0 {
		return fmt.Errorf("invalid sweep interval: %v (must be positive)", c.Discovery.SweepInterval)
	}
	if c.Connection.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("invalid connect timeout: %v (must be positive)", c.Connection.ConnectTimeout)
	}
	if c.Connection.SendQueueDepth < 1 {
		return fmt.Errorf("invalid send queue depth: %d (must be >= 1)", c.Connection.SendQueueDepth)
	}
	if c.Connection.MaxTextSize < 1 {
		return fmt.Errorf("invalid max text size: %d (must be >= 1)", c.Connection.MaxTextSize)
	}
	if c.Transfer.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk size: %d (must be >= 1)", c.Transfer.ChunkSize)
	}
	return nil
}
