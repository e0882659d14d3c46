package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DispatcherConfig contains all configuration for the dispatcher service.
type DispatcherConfig struct {
	REST     RESTConfig     `mapstructure:"rest"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Registry RegistryConfig `mapstructure:"registry"`
	Bus      BusConfig      `mapstructure:"bus"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// QueueConfig contains task queue, lane, and stall sweep configuration.
type QueueConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	StallInterval     time.Duration `mapstructure:"stall_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	PriorityLaneSize  int           `mapstructure:"priority_lane_size"`
	NormalLaneSize    int           `mapstructure:"normal_lane_size"`
	LanesEnabled      bool          `mapstructure:"lanes_enabled"`
	LanePollInterval  time.Duration `mapstructure:"lane_poll_interval"`
	BacklogFlushLimit int           `mapstructure:"backlog_flush_limit"`
}

// RegistryConfig contains agent registry and liveness configuration.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// BusConfig selects the message bus backing the distribution channel.
type BusConfig struct {
	Kind       string `mapstructure:"kind"` // "memory" or "nats"
	URL        string `mapstructure:"url"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// ExchangeConfig contains exchange-token pairing configuration. The pairing
// budget applies per bucket key, so owners (initiate) and devices (complete)
// are throttled independently.
type ExchangeConfig struct {
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	Retention        time.Duration `mapstructure:"retention"`
	PurgeInterval    time.Duration `mapstructure:"purge_interval"`
	PairingPerMinute int           `mapstructure:"pairing_per_minute"`
}

// AuthConfig contains credential issuing configuration.
type AuthConfig struct {
	Secret     string        `mapstructure:"secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	DesktopTTL time.Duration `mapstructure:"desktop_ttl"`
}

// LoadDispatcher loads the dispatcher configuration from the given path.
// If configPath is empty, it looks for dispatcher.yaml in the config/ directory.
// Environment variables with APPLYDESK_DISPATCHER_ prefix override config file values.
func LoadDispatcher(configPath string) (*DispatcherConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.stall_interval", 2*time.Minute)
	v.SetDefault("queue.sweep_interval", 30*time.Second)
	v.SetDefault("queue.priority_lane_size", 2)
	v.SetDefault("queue.normal_lane_size", 8)
	v.SetDefault("queue.lanes_enabled", false)
	v.SetDefault("queue.lane_poll_interval", 5*time.Second)
	v.SetDefault("queue.backlog_flush_limit", 50)
	v.SetDefault("registry.heartbeat_interval", 15*time.Second)
	v.SetDefault("bus.kind", "memory")
	v.SetDefault("bus.url", "nats://localhost:4222")
	v.SetDefault("bus.buffer_size", 256)
	v.SetDefault("exchange.token_ttl", 10*time.Minute)
	v.SetDefault("exchange.retention", 30*time.Minute)
	v.SetDefault("exchange.purge_interval", time.Minute)
	v.SetDefault("exchange.pairing_per_minute", 5)
	v.SetDefault("auth.access_ttl", time.Hour)
	v.SetDefault("auth.desktop_ttl", 30*24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dispatcher")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("APPLYDESK_DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg DispatcherConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
