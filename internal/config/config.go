package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/consensus-relay/internal/notify"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Network      NetworkConfig      `mapstructure:"network"`
	Bootstrap    BootstrapConfig    `mapstructure:"bootstrap"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Notify       notify.Config      `mapstructure:"notify"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type NetworkConfig struct {
	Backend          string        `mapstructure:"backend"` // "memory" or "hedera"
	Name             string        `mapstructure:"name"`    // testnet, previewnet, mainnet
	OperatorID       string        `mapstructure:"operator_id"`
	OperatorKey      string        `mapstructure:"operator_key"`
	TopicMemo        string        `mapstructure:"topic_memo"`
	PropagationDelay time.Duration `mapstructure:"propagation_delay"` // memory backend only
	Mirror           MirrorConfig  `mapstructure:"mirror"`
}

type MirrorConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Stream        string        `mapstructure:"stream"` // grpc (SDK topic stream) or rest (mirror polling)
	RatePerSecond int           `mapstructure:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PageSize      int           `mapstructure:"page_size"`
}

type BootstrapConfig struct {
	StateDir        string `mapstructure:"state_dir"`
	TopicID         string `mapstructure:"topic_id"`
	SymmetricKeyB64 string `mapstructure:"symmetric_key_b64"`
}

type SubscriptionConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type RelayConfig struct {
	DedupWindow int `mapstructure:"dedup_window"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "4000")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.ws_send_buffer", 256)
	v.SetDefault("server.sse_buffer", 64)
	v.SetDefault("network.backend", BackendHedera)
	v.SetDefault("network.name", "testnet")
	v.SetDefault("network.topic_memo", "consensus-relay chat")
	v.SetDefault("network.propagation_delay", "0s")
	v.SetDefault("network.mirror.stream", "grpc")
	v.SetDefault("network.mirror.rate_per_second", 5)
	v.SetDefault("network.mirror.timeout", "30s")
	v.SetDefault("network.mirror.retry_count", 3)
	v.SetDefault("network.mirror.retry_delay", "500ms")
	v.SetDefault("network.mirror.poll_interval", "1s")
	v.SetDefault("network.mirror.page_size", 100)
	v.SetDefault("bootstrap.state_dir", ".")
	v.SetDefault("subscription.base_delay", "250ms")
	v.SetDefault("subscription.max_attempts", 8)
	v.SetDefault("relay.dedup_window", 4096)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "satellite")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars, including the bare names
	// existing deployments already set.
	_ = v.BindEnv("server.port", "RELAY_SERVER_PORT", "PORT")
	_ = v.BindEnv("bootstrap.topic_id", "RELAY_BOOTSTRAP_TOPIC_ID", "TOPIC_ID")
	_ = v.BindEnv("bootstrap.symmetric_key_b64", "RELAY_BOOTSTRAP_SYMMETRIC_KEY_B64", "SYMMETRIC_KEY_B64")
	_ = v.BindEnv("network.operator_id", "RELAY_NETWORK_OPERATOR_ID", "OPERATOR_ID")
	_ = v.BindEnv("network.operator_key", "RELAY_NETWORK_OPERATOR_KEY", "OPERATOR_KEY")
	_ = v.BindEnv("notify.topic", "RELAY_NOTIFY_TOPIC", "NTFY_TOPIC")
	_ = v.BindEnv("notify.token", "RELAY_NOTIFY_TOKEN", "NTFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Network.Mirror.BaseURL == "" {
		cfg.Network.Mirror.BaseURL = MirrorURLs[cfg.Network.Name]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
