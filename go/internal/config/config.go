// Package config loads client settings from defaults, an optional YAML file
// and HEIST_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/game/relay"
	"github.com/mcdev12/codeheist/go/internal/logging"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Retry      RetryConfig      `yaml:"retry"`
	Chat       ChatConfig       `yaml:"chat"`
	Timer      TimerConfig      `yaml:"timer"`
	State      StateConfig      `yaml:"state"`
	Log        logging.Config   `yaml:"log"`
	Status     StatusConfig     `yaml:"status"`
	Relay      RelayConfig      `yaml:"relay"`
}

type ServerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

type ChatConfig struct {
	// Timeout bounds one streamed reply; zero means no bound
	Timeout time.Duration `yaml:"timeout"`
}

type TimerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type StatusConfig struct {
	Addr string `yaml:"addr"` // empty disables the status API
}

type RelayConfig struct {
	URL           string `yaml:"url"` // empty disables the relay
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	conn := gateway.DefaultConnectionConfig()
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Connection: ConnectionConfig{
			HandshakeTimeout: conn.HandshakeTimeout,
			WriteTimeout:     conn.WriteTimeout,
			ReadTimeout:      conn.ReadTimeout,
			PingInterval:     conn.PingInterval,
			MaxMessageSize:   conn.MaxMessageSize,
		},
		// reconnection is opt-in
		Retry: RetryConfig{Multiplier: 2},
		Chat:  ChatConfig{Timeout: 2 * time.Minute},
		Timer: TimerConfig{Interval: time.Second},
		State: StateConfig{Path: defaultStatePath()},
		Log:   logging.DefaultConfig(),
		Relay: RelayConfig{SubjectPrefix: relay.DefaultConfig().SubjectPrefix},
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".codeheist", "state.db")
	}
	return filepath.Join(dir, "codeheist", "state.db")
}

// LoadDotEnv loads .env files into the environment; a missing file is not an error
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.Server.BaseURL = getEnv("HEIST_SERVER_URL", c.Server.BaseURL)
	c.Server.Timeout = getEnvAsDuration("HEIST_SERVER_TIMEOUT", c.Server.Timeout)

	c.Connection.ReadTimeout = getEnvAsDuration("HEIST_READ_TIMEOUT", c.Connection.ReadTimeout)
	c.Connection.PingInterval = getEnvAsDuration("HEIST_PING_INTERVAL", c.Connection.PingInterval)

	c.Retry.MaxAttempts = getEnvAsInt("HEIST_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.InitialBackoff = getEnvAsDuration("HEIST_RETRY_INITIAL_BACKOFF", c.Retry.InitialBackoff)
	c.Retry.MaxBackoff = getEnvAsDuration("HEIST_RETRY_MAX_BACKOFF", c.Retry.MaxBackoff)

	c.Chat.Timeout = getEnvAsDuration("HEIST_CHAT_TIMEOUT", c.Chat.Timeout)
	c.State.Path = getEnv("HEIST_STATE_PATH", c.State.Path)

	c.Log.Level = getEnv("HEIST_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("HEIST_LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("HEIST_LOG_FILE", c.Log.File)

	c.Status.Addr = getEnv("HEIST_STATUS_ADDR", c.Status.Addr)
	c.Relay.URL = getEnv("HEIST_RELAY_URL", c.Relay.URL)
	c.Relay.SubjectPrefix = getEnv("HEIST_RELAY_SUBJECT_PREFIX", c.Relay.SubjectPrefix)
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server.base_url %q must be an http(s) URL", c.Server.BaseURL)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Connection.ReadTimeout <= 0 {
		return fmt.Errorf("connection.read_timeout must be positive")
	}
	if c.Connection.PingInterval >= c.Connection.ReadTimeout {
		return fmt.Errorf("connection.ping_interval must be shorter than read_timeout")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.MaxAttempts > 0 && c.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("retry.initial_backoff must be positive when retries are enabled")
	}
	if c.Chat.Timeout < 0 {
		return fmt.Errorf("chat.timeout must not be negative")
	}
	if c.Timer.Interval <= 0 {
		return fmt.Errorf("timer.interval must be positive")
	}
	if strings.TrimSpace(c.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Relay.URL != "" && strings.TrimSpace(c.Relay.SubjectPrefix) == "" {
		return fmt.Errorf("relay.subject_prefix is required when the relay is enabled")
	}
	return c.Log.Validate()
}

// ConnectionConfig converts the connection section for the gateway
func (c *Config) ConnectionConfig() gateway.ConnectionConfig {
	conn := gateway.DefaultConnectionConfig()
	conn.HandshakeTimeout = c.Connection.HandshakeTimeout
	conn.WriteTimeout = c.Connection.WriteTimeout
	conn.ReadTimeout = c.Connection.ReadTimeout
	conn.PingInterval = c.Connection.PingInterval
	if c.Connection.MaxMessageSize > 0 {
		conn.MaxMessageSize = c.Connection.MaxMessageSize
	}
	return conn
}

// RetryPolicy converts the retry section; zero attempts disables reconnection
func (c *Config) RetryPolicy() gateway.RetryPolicy {
	if c.Retry.MaxAttempts == 0 {
		return gateway.NoRetry()
	}
	return gateway.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
		Multiplier:     c.Retry.Multiplier,
	}
}

// RelayConfig converts the relay section for the NATS publisher
func (c *Config) RelayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.URL = c.Relay.URL
	cfg.SubjectPrefix = c.Relay.SubjectPrefix
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid integer")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration")
	}
	return defaultValue
}
