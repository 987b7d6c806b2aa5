package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in client.transport.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Stream  StreamConfig  `yaml:"stream"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	TCPAddr      string        `yaml:"tcp_addr"` // empty disables the sentinel listener
	SaveDir      string        `yaml:"save_dir"`
	DBPath       string        `yaml:"db_path"` // empty keeps conversations in memory
	PollInterval time.Duration `yaml:"poll_interval"`
	RateLimit    float64       `yaml:"rate_limit"` // inbound records per second, 0 = unlimited
	RateBurst    int           `yaml:"rate_burst"`
	AuthSecret   string        `yaml:"auth_secret"`
	Retention    time.Duration `yaml:"retention"`
	PruneCron    string        `yaml:"prune_schedule"`
	Replay       bool          `yaml:"replay"`
}

type ClientConfig struct {
	Transport  string        `yaml:"transport"`
	URL        string        `yaml:"url"`
	Addr       string        `yaml:"addr"`
	Token      string        `yaml:"token"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Topic      string        `yaml:"topic"`
	ChatMode   bool          `yaml:"chat_mode"`
	ChunkSize  int           `yaml:"chunk_size"`
	Audio      AudioConfig   `yaml:"audio"`
}

type AudioConfig struct {
	Format   int `yaml:"format"`
	Channels int `yaml:"channels"`
	Rate     int `yaml:"rate"`
}

type StreamConfig struct {
	QueueLimit int    `yaml:"queue_limit"` // 0 = unbounded
	Overflow   string `yaml:"overflow"`    // drop-newest or drop-oldest
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8765",
			Path:         "/ws",
			SaveDir:      "./data/notes",
			PollInterval: 20 * time.Millisecond,
			RateLimit:    200,
			RateBurst:    50,
			Retention:    30 * 24 * time.Hour,
			PruneCron:    "@daily",
		},
		Client: ClientConfig{
			Transport:  TransportWebSocket,
			URL:        "ws://localhost:8765/ws",
			Addr:       "localhost:8766",
			RetryDelay: 3 * time.Second,
			ChunkSize:  4096,
			Audio:      AudioConfig{Format: 8, Channels: 1, Rate: 44100},
		},
		Stream:  StreamConfig{Overflow: "drop-newest"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.PollInterval <= 0 {
		errs = append(errs, errors.New("server.poll_interval must be positive"))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}
	if c.Server.PruneCron != "" {
		if _, err := cronlib.ParseStandard(c.Server.PruneCron); err != nil {
			errs = append(errs, fmt.Errorf("server.prune_schedule: %w", err))
		}
	}
	switch c.Client.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		errs = append(errs, fmt.Errorf("client.transport %q must be %s or %s", c.Client.Transport, TransportWebSocket, TransportTCP))
	}
	if c.Client.ChunkSize <= 0 {
		errs = append(errs, errors.New("client.chunk_size must be positive"))
	}
	if c.Stream.QueueLimit < 0 {
		errs = append(errs, errors.New("stream.queue_limit must not be negative"))
	}
	switch c.Stream.Overflow {
	case "", "drop-newest", "drop-oldest":
	default:
		errs = append(errs, fmt.Errorf("stream.overflow %q must be drop-newest or drop-oldest", c.Stream.Overflow))
	}
	return errors.Join(errs...)
}

// parseBool parses a string as boolean with a default value.
// Accepts: "true", "1", "yes" as true; empty or other values return default.
func parseBool(s string, defaultVal bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultVal
	}
	return s == "true" || s == "1" || s == "yes"
}

// MetricsEnabled honors VOICENOTE_METRICS over the file setting.
func (c Config) MetricsEnabled() bool {
	return parseBool(os.Getenv("VOICENOTE_METRICS"), c.Metrics.Enabled)
}
