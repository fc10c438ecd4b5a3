package config

import "time"

// Config holds all engine configuration
type Config struct {
	Messenger  MessengerConfig  `toml:"messenger"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Connection ConnectionConfig `toml:"connection"`
	Transfer   TransferConfig   `toml:"transfer"`
	Logging    LoggingConfig    `toml:"logging"`
}

// MessengerConfig holds identity and port settings
type MessengerConfig struct {
	Name          string `toml:"name"`
	TCPPort       int    `toml:"tcpPort"`
	DiscoveryPort int    `toml:"discoveryPort"`
	DownloadDir   string `toml:"downloadDir"`
}

// DiscoveryConfig holds UDP broadcast discovery settings
type DiscoveryConfig struct {
	AnnounceInterval Duration `toml:"announceInterval"`
	StaleAfter       Duration `toml:"staleAfter"`
	SweepInterval    Duration `toml:"sweepInterval"`
	BroadcastAddr    string   `toml:"broadcastAddr"`
	BroadcastPorts   []int    `toml:"broadcastPorts"`
}

// ConnectionConfig holds data-channel settings
type ConnectionConfig struct {
	ConnectTimeout    Duration `toml:"connectTimeout"`
	KeepaliveInterval Duration `toml:"keepaliveInterval"`
	IdleTimeout       Duration `toml:"idleTimeout"`
	SendQueueDepth    int      `toml:"sendQueueDepth"`
	MaxTextSize       int      `toml:"maxTextSize"`
}

// TransferConfig holds file transfer settings
type TransferConfig struct {
	ChunkSize int `toml:"chunkSize"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
