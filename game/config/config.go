package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound = errors.New("configuration not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Config is the server configuration. Values come from, in increasing
// precedence: Default, an optional YAML file, a .env file and the process
// environment.
type Config struct {
	TCPAddr  string `yaml:"tcp_addr" env:"TANKARENA_TCP_ADDR"`
	UDPAddr  string `yaml:"udp_addr" env:"TANKARENA_UDP_ADDR"`
	HTTPAddr string `yaml:"http_addr" env:"TANKARENA_HTTP_ADDR"`

	PoolSize    int `yaml:"pool_size" env:"TANKARENA_POOL_SIZE"`
	MaxPlayers  int `yaml:"max_players" env:"TANKARENA_MAX_PLAYERS"`
	SpawnX      int `yaml:"spawn_x" env:"TANKARENA_SPAWN_X"`
	SpawnY      int `yaml:"spawn_y" env:"TANKARENA_SPAWN_Y"`
	StartHealth int `yaml:"start_health" env:"TANKARENA_START_HEALTH"`

	AuthAddr    string        `yaml:"auth_addr" env:"TANKARENA_AUTH_ADDR"`
	AuthTimeout time.Duration `yaml:"auth_timeout" env:"TANKARENA_AUTH_TIMEOUT"`

	// NATSURL selects the JetStream queue. Empty runs the in-memory broker.
	NATSURL          string        `yaml:"nats_url" env:"TANKARENA_NATS_URL"`
	CommandStream    string        `yaml:"command_stream" env:"TANKARENA_COMMAND_STREAM"`
	CommandSubject   string        `yaml:"command_subject" env:"TANKARENA_COMMAND_SUBJECT"`
	CommandDurable   string        `yaml:"command_durable" env:"TANKARENA_COMMAND_DURABLE"`
	EventsPrefix     string        `yaml:"events_prefix" env:"TANKARENA_EVENTS_PREFIX"`
	PollTimeout      time.Duration `yaml:"poll_timeout" env:"TANKARENA_POLL_TIMEOUT"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" env:"TANKARENA_RECONNECT_BACKOFF"`
	StartupAttempts  int           `yaml:"startup_attempts" env:"TANKARENA_STARTUP_ATTEMPTS"`

	BroadcastInterval time.Duration `yaml:"broadcast_interval" env:"TANKARENA_BROADCAST_INTERVAL"`
	UDPRateLimit      float64       `yaml:"udp_rate_limit" env:"TANKARENA_UDP_RATE_LIMIT"`
	UDPBurst          int           `yaml:"udp_burst" env:"TANKARENA_UDP_BURST"`

	// JournalPath enables the SQLite event journal.
	JournalPath  string `yaml:"journal_path" env:"TANKARENA_JOURNAL_PATH"`
	OTelEndpoint string `yaml:"otel_endpoint" env:"TANKARENA_OTEL_ENDPOINT"`
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`

	NgrokEnabled   bool   `yaml:"ngrok_enabled" env:"NGROK_ENABLED"`
	NgrokDomain    string `yaml:"ngrok_domain" env:"NGROK_DOMAIN"`
	NgrokAuthToken string `yaml:"-" env:"NGROK_AUTHTOKEN"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TCPAddr:           ":8888",
		UDPAddr:           ":8889",
		HTTPAddr:          ":8080",
		PoolSize:          32,
		MaxPlayers:        8,
		StartHealth:       100,
		AuthAddr:          "localhost:50051",
		AuthTimeout:       time.Second,
		CommandStream:     "TANK_COMMANDS",
		CommandSubject:    "tankarena.commands",
		CommandDurable:    "tank-command-consumer",
		EventsPrefix:      "tankarena.events",
		PollTimeout:       time.Second,
		ReconnectBackoff:  5 * time.Second,
		StartupAttempts:   3,
		BroadcastInterval: 100 * time.Millisecond,
		UDPRateLimit:      20,
		UDPBurst:          40,
		LogLevel:          "info",
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.PoolSize <= 0 {
		problems = append(problems, "pool_size must be positive")
	}
	if c.MaxPlayers <= 0 {
		problems = append(problems, "max_players must be positive")
	}
	if c.StartHealth <= 0 {
		problems = append(problems, "start_health must be positive")
	}
	if c.AuthTimeout <= 0 {
		problems = append(problems, "auth_timeout must be positive")
	}
	if c.PollTimeout <= 0 {
		problems = append(problems, "poll_timeout must be positive")
	}
	if c.ReconnectBackoff <= 0 {
		problems = append(problems, "reconnect_backoff must be positive")
	}
	if c.StartupAttempts <= 0 {
		problems = append(problems, "startup_attempts must be positive")
	}
	if c.BroadcastInterval <= 0 {
		problems = append(problems, "broadcast_interval must be positive")
	}
	if c.UDPRateLimit < 0 || c.UDPBurst < 0 {
		problems = append(problems, "udp rate limits must not be negative")
	}
	if c.TCPAddr == "" && c.UDPAddr == "" {
		problems = append(problems, "at least one of tcp_addr or udp_addr is required")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q is not a level", c.LogLevel))
	}
	if c.NgrokEnabled && c.NgrokAuthToken == "" {
		problems = append(problems, "NGROK_AUTHTOKEN is required when ngrok is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the process logger at the configured level.
func (c *Config) NewLogger() *log.Logger {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
}
