package config

import (
	"net"
	"time"
)

type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// Per-viewer queue lengths. A viewer whose queue fills is disconnected.
	WSSendBuffer int `mapstructure:"ws_send_buffer"`
	SSEBuffer    int `mapstructure:"sse_buffer"`
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort("", s.Port)
}

// Backends for network.backend.
const (
	BackendMemory = "memory"
	BackendHedera = "hedera"
)

// MirrorURLs are the public mirror nodes of each Hedera network.
var MirrorURLs = map[string]string{
	"mainnet":    "https://mainnet-public.mirrornode.hedera.com",
	"testnet":    "https://testnet.mirrornode.hedera.com",
	"previewnet": "https://previewnet.mirrornode.hedera.com",
}
