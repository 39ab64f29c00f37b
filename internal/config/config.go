// Package config provides configuration for the chat client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config holds the chat client configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Policy  PolicyConfig  `mapstructure:"policy"`
}

// APIConfig configures the transport client.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RefreshSkew refreshes a JWT access token this long before it expires.
	RefreshSkew time.Duration `mapstructure:"refresh_skew"`
}

// StreamConfig configures the live response channel.
type StreamConfig struct {
	Transport   string        `mapstructure:"transport"`
	Path        string        `mapstructure:"path"`
	WSPath      string        `mapstructure:"ws_path"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig configures durable client-side state.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig bounds what a submission may contain.
type PolicyConfig struct {
	MaxMessageLength int   `mapstructure:"max_message_length"`
	MaxFileBytes     int64 `mapstructure:"max_file_bytes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080/api")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.refresh_skew", 30*time.Second)
	v.SetDefault("stream.transport", TransportSSE)
	v.SetDefault("stream.path", "/chat/stream")
	v.SetDefault("stream.ws_path", "/chat/ws")
	v.SetDefault("stream.idle_timeout", 2*time.Minute)
	v.SetDefault("storage.path", "chatclient.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("policy.max_message_length", 8000)
	v.SetDefault("policy.max_file_bytes", 10<<20)
}

// Load reads configuration from the YAML file at path (optional) and CHAT_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			// SetConfigFile skips the search path, so a missing file is an fs error.
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.API.BaseURL = strings.TrimSuffix(cfg.API.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the client cannot work with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return errors.New("config: api.timeout must be positive")
	}
	if c.API.RefreshSkew < 0 {
		return errors.New("config: api.refresh_skew must not be negative")
	}
	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("config: unknown stream.transport %q", c.Stream.Transport)
	}
	if c.Stream.IdleTimeout <= 0 {
		return errors.New("config: stream.idle_timeout must be positive")
	}
	if c.Storage.Path == "" {
		return errors.New("config: storage.path is required")
	}
	return nil
}
