package config

import "time"

const (
	// DefaultTCPPort is the default data-channel listen port.
	DefaultTCPPort = 6969
	// DefaultDiscoveryPort is the default UDP discovery port.
	DefaultDiscoveryPort = 6968
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Messenger: MessengerConfig{
			Name:          "",
			TCPPort:       DefaultTCPPort,
			DiscoveryPort: DefaultDiscoveryPort,
			DownloadDir:   "received",
		},
		Discovery: DiscoveryConfig{
			AnnounceInterval: Duration{2 * time.Second},
			StaleAfter:       Duration{10 * time.Second},
			SweepInterval:    Duration{2 * time.Second},
			BroadcastAddr:    "255.255.255.255",
			BroadcastPorts:   nil, // defaults to own discovery port
		},
		Connection: ConnectionConfig{
			ConnectTimeout:    Duration{10 * time.Second},
			KeepaliveInterval: Duration{5 * time.Second},
			IdleTimeout:       Duration{15 * time.Second},
			SendQueueDepth:    256,
			MaxTextSize:       64 * 1024,
		},
		Transfer: TransferConfig{
			ChunkSize: 64 * 1024,
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}
