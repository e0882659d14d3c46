package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig contains all configuration for the desktop agent.
type AgentConfig struct {
	Dispatcher  DispatcherConnConfig `mapstructure:"dispatcher"`
	Credentials CredentialsConfig    `mapstructure:"credentials"`
	Automation  AutomationConfig     `mapstructure:"automation"`
	Logging     LoggingConfig        `mapstructure:"logging"`
}

// DispatcherConnConfig contains dispatcher connection configuration.
type DispatcherConnConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// CredentialsConfig locates the paired device credential file.
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

// AutomationConfig contains task execution configuration.
type AutomationConfig struct {
	MaxConcurrency  int  `mapstructure:"max_concurrency"`
	CaptchaHandling bool `mapstructure:"captcha_handling"`
}

// LoadAgent loads the agent configuration from the given path.
// If configPath is empty, it looks for agent.yaml in the config/ directory.
// Environment variables with APPLYDESK_AGENT_ prefix override config file values.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := viper.New()

	v.SetDefault("dispatcher.base_url", "http://localhost:8080")
	v.SetDefault("dispatcher.connect_timeout", 10*time.Second)
	v.SetDefault("dispatcher.min_backoff", time.Second)
	v.SetDefault("dispatcher.max_backoff", time.Minute)
	v.SetDefault("credentials.path", "")
	v.SetDefault("automation.max_concurrency", 1)
	v.SetDefault("automation.captcha_handling", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("APPLYDESK_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
