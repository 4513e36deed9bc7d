package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Channel    ChannelConfig    `yaml:"channel"`
	Polling    PollingConfig    `yaml:"polling"`
	Projection ProjectionConfig `yaml:"projection"`
	Database   DatabaseConfig   `yaml:"database"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Console    ConsoleConfig    `yaml:"console"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ChannelConfig struct {
	URL              string        `yaml:"url"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type PollingConfig struct {
	QueueInterval      time.Duration `yaml:"queue_interval"`
	PrinterInterval    time.Duration `yaml:"printer_interval"`
	RefreshDebounce    time.Duration `yaml:"refresh_debounce"`
	StaleAfterFailures int           `yaml:"stale_after_failures"`
}

type ProjectionConfig struct {
	AverageJobDuration time.Duration `yaml:"average_job_duration"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
}

// ConsoleConfig guards the console's own HTTP surface. An empty PasswordHash
// leaves the API open, which is only meant for local development.
type ConsoleConfig struct {
	PasswordHash  string        `yaml:"password_hash"`
	SessionSecret string        `yaml:"session_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:3000",
			RequestTimeout: 15 * time.Second,
		},
		Channel: ChannelConfig{
			ReconnectMin:     time.Second,
			ReconnectMax:     30 * time.Second,
			PingInterval:     30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Polling: PollingConfig{
			QueueInterval:      10 * time.Second,
			PrinterInterval:    30 * time.Second,
			RefreshDebounce:    500 * time.Millisecond,
			StaleAfterFailures: 3,
		},
		Projection: ProjectionConfig{
			AverageJobDuration: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: "./data/printconsole.db",
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 2,
			QueueSize:   100,
		},
		Console: ConsoleConfig{
			TokenDuration: 12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the yaml file at configPath over the defaults. A missing file is
// not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides loaded values with PRINTCONSOLE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRINTCONSOLE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTCONSOLE_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}

	if v := os.Getenv("PRINTCONSOLE_BACKEND_TOKEN"); v != "" {
		c.Backend.Token = v
	}

	if v := os.Getenv("PRINTCONSOLE_CHANNEL_URL"); v != "" {
		c.Channel.URL = v
	}

	if v := os.Getenv("PRINTCONSOLE_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("PRINTCONSOLE_PASSWORD_HASH"); v != "" {
		c.Console.PasswordHash = v
	}

	if v := os.Getenv("PRINTCONSOLE_SESSION_SECRET"); v != "" {
		c.Console.SessionSecret = v
	}

	if v := os.Getenv("PRINTCONSOLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("PRINTCONSOLE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// ChannelURL returns the push channel address, deriving it from the backend
// base URL when none is configured.
func (c *Config) ChannelURL() (string, error) {
	if c.Channel.URL != "" {
		return c.Channel.URL, nil
	}

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	return u.String(), nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base url is required")
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("backend base url is invalid: %q", c.Backend.BaseURL)
	}

	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend request timeout must be positive")
	}

	if c.Channel.ReconnectMin <= 0 {
		return fmt.Errorf("channel reconnect min must be positive")
	}

	if c.Channel.ReconnectMax < c.Channel.ReconnectMin {
		return fmt.Errorf("channel reconnect max must be at least reconnect min")
	}

	if c.Channel.PingInterval < 0 {
		return fmt.Errorf("channel ping interval must be non-negative")
	}

	if c.Polling.QueueInterval <= 0 {
		return fmt.Errorf("queue poll interval must be positive")
	}

	if c.Polling.PrinterInterval <= 0 {
		return fmt.Errorf("printer poll interval must be positive")
	}

	if c.Polling.RefreshDebounce < 0 {
		return fmt.Errorf("refresh debounce must be non-negative")
	}

	if c.Polling.StaleAfterFailures < 1 {
		return fmt.Errorf("stale after failures must be at least 1")
	}

	if c.Projection.AverageJobDuration < 0 {
		return fmt.Errorf("average job duration must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d: url is required", i)
		}
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Console.TokenDuration <= 0 {
		return fmt.Errorf("console token duration must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
