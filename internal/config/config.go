// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Ollama   OllamaConfig   `yaml:"ollama"`
	Chat     ChatConfig     `yaml:"chat"`
	Realtime RealtimeConfig `yaml:"realtime"`
	CORS     CORSConfig     `yaml:"cors"`
}

// ListenConfig is the address the HTTP and WebSocket server binds to.
type ListenConfig struct {
	Host string `yaml:"host" env:"SY_LISTEN_HOST"`
	Port int    `yaml:"port" env:"SY_LISTEN_PORT"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// DatabaseConfig selects the SQL backend. Driver is "sqlite" (Path) or
// "mysql" (Host, Port, User, Password, Name).
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"SY_DB_DRIVER"`
	Path     string `yaml:"path" env:"SY_DB_PATH"`
	Host     string `yaml:"host" env:"SY_DB_HOST"`
	Port     int    `yaml:"port" env:"SY_DB_PORT"`
	User     string `yaml:"user" env:"SY_DB_USER"`
	Password string `yaml:"password" env:"SY_DB_PASSWORD"`
	Name     string `yaml:"name" env:"SY_DB_NAME"`
	LogLevel string `yaml:"log_level" env:"SY_DB_LOG_LEVEL"` // silent, error, warn, info
}

// OllamaConfig controls how model-server processes are spawned and stopped.
type OllamaConfig struct {
	Binary         string        `yaml:"binary" env:"SY_OLLAMA_BINARY"`
	Host           string        `yaml:"host" env:"SY_OLLAMA_HOST"`
	BasePort       int           `yaml:"base_port" env:"SY_OLLAMA_BASE_PORT"`
	MaxPortTries   int           `yaml:"max_port_tries"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	StopRetries    int           `yaml:"stop_retries"`
	StopRetryDelay time.Duration `yaml:"stop_retry_delay"`
	HealthSchedule string        `yaml:"health_schedule" env:"SY_HEALTH_SCHEDULE"`
}

// ChatConfig tunes turn post-processing and endpoint assignment.
type ChatConfig struct {
	PlaceholderTitle  string        `yaml:"placeholder_title"`
	TitleAttempts     int           `yaml:"title_attempts"`
	TitleTimeout      time.Duration `yaml:"title_timeout"`
	ListRetries       int           `yaml:"list_retries"`
	ListRetryDelay    time.Duration `yaml:"list_retry_delay"`
	ListRetryMaxDelay time.Duration `yaml:"list_retry_max_delay"`
}

// RealtimeConfig tunes the WebSocket channel.
type RealtimeConfig struct {
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// CORSConfig lists the origins allowed to call the REST surface.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = nil
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. SY_* environment
// variables override file values.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Listen.Host == "" {
		c.Listen.Host = "0.0.0.0"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "switchyard.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchyard"
		}
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "silent"
	}

	if c.Ollama.Binary == "" {
		c.Ollama.Binary = "ollama"
	}
	if c.Ollama.Host == "" {
		c.Ollama.Host = "127.0.0.1"
	}
	if c.Ollama.BasePort == 0 {
		c.Ollama.BasePort = 11434
	}
	if c.Ollama.MaxPortTries == 0 {
		c.Ollama.MaxPortTries = 100
	}
	if c.Ollama.ReadyTimeout == 0 {
		c.Ollama.ReadyTimeout = 10 * time.Second
	}
	if c.Ollama.StopTimeout == 0 {
		c.Ollama.StopTimeout = 10 * time.Second
	}
	if c.Ollama.StopRetries == 0 {
		c.Ollama.StopRetries = 3
	}
	if c.Ollama.StopRetryDelay == 0 {
		c.Ollama.StopRetryDelay = time.Second
	}
	if c.Ollama.HealthSchedule == "" {
		c.Ollama.HealthSchedule = "@every 30s"
	}

	if c.Chat.PlaceholderTitle == "" {
		c.Chat.PlaceholderTitle = "New Chat"
	}
	if c.Chat.TitleAttempts == 0 {
		c.Chat.TitleAttempts = 10
	}
	if c.Chat.TitleTimeout == 0 {
		c.Chat.TitleTimeout = time.Minute
	}
	if c.Chat.ListRetries == 0 {
		c.Chat.ListRetries = 5
	}
	if c.Chat.ListRetryDelay == 0 {
		c.Chat.ListRetryDelay = 500 * time.Millisecond
	}
	if c.Chat.ListRetryMaxDelay == 0 {
		c.Chat.ListRetryMaxDelay = 2 * time.Second
	}

	if c.Realtime.MessagesPerSecond == 0 {
		c.Realtime.MessagesPerSecond = 5
	}
	if c.Realtime.Burst == 0 {
		c.Realtime.Burst = 10
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = 10 * time.Second
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	switch c.Database.LogLevel {
	case "silent", "error", "warn", "info":
	default:
		errs = append(errs, fmt.Sprintf("database.log_level %q must be silent, error, warn or info", c.Database.LogLevel))
	}
	if c.Ollama.BasePort < 1 || c.Ollama.BasePort+c.Ollama.MaxPortTries > 65535 {
		errs = append(errs, "ollama.base_port + ollama.max_port_tries must stay below 65536")
	}
	if c.Ollama.MaxPortTries < 0 {
		errs = append(errs, "ollama.max_port_tries must be positive")
	}
	if c.Ollama.StopRetries < 0 {
		errs = append(errs, "ollama.stop_retries must not be negative")
	}
	if c.Chat.TitleAttempts < 0 {
		errs = append(errs, "chat.title_attempts must not be negative")
	}
	for _, o := range c.CORS.AllowedOrigins {
		if o == "*" {
			continue
		}
		if n := strings.Count(o, "*"); n > 1 || (n == 0 && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://")) {
			errs = append(errs, fmt.Sprintf("cors.allowed_origins %q must be \"*\", a http(s) origin or contain one \"*\"", o))
		}
	}
	if c.Realtime.MessagesPerSecond < 0 {
		errs = append(errs, "realtime.messages_per_second must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
