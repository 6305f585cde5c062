package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "taskline.yml"

// Config models taskline.yml.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		BasePath        string        `yaml:"base_path"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		Leeway    time.Duration `yaml:"leeway"`
	} `yaml:"auth"`
	Storage struct {
		Driver        string `yaml:"driver"`
		Path          string `yaml:"path"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
		DSN           string `yaml:"dsn"`
		MaxConns      int32  `yaml:"max_conns"`
	} `yaml:"storage"`
	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		DedupTTL time.Duration `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Assistant struct {
		BaseURL      string `yaml:"base_url"`
		APIKey       string `yaml:"api_key"`
		Model        string `yaml:"model"`
		MaxSteps     int    `yaml:"max_steps"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"assistant"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads and validates config from dir. A missing file yields Default.
// A relative SQLite path is taken relative to dir.
func Load(dir string) (*Config, error) {
	var cfg *Config
	data, err := os.ReadFile(Path(dir))
	switch {
	case os.IsNotExist(err):
		cfg = Default()
	case err != nil:
		return nil, err
	default:
		if cfg, err = FromYAML(data); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.Driver == DriverSQLite && cfg.Storage.Path != "" && !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(dir, cfg.Storage.Path)
	}
	return cfg, nil
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML on top of the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("config.auth.leeway must not be negative")
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("config.storage.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config.storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Redis.Addr != "" && c.Redis.DedupTTL <= 0 {
		return fmt.Errorf("config.redis.dedup_ttl must be positive")
	}
	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		return fmt.Errorf("config.amqp.exchange is required when amqp.url is set")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Assistant.MaxSteps < 0 || c.Assistant.HistoryLimit < 0 {
		return fmt.Errorf("config.assistant limits must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// RequireSecret fails when no signing secret is configured; serving and
// token minting need one.
func (c *Config) RequireSecret() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required (or TASKLINE_AUTH_JWT_SECRET)")
	}
	return nil
}

const defaultTemplate = `server:
  addr: "127.0.0.1:8000"
  base_path: ""
  read_timeout: 15s
  write_timeout: 120s
  shutdown_timeout: 10s

auth:
  jwt_secret: ""
  issuer: ""
  leeway: 30s

storage:
  driver: sqlite
  path: .taskline/taskline.db
  busy_timeout_ms: 5000
  dsn: ""
  max_conns: 10

redis:
  addr: ""
  password: ""
  db: 0
  dedup_ttl: 10m

amqp:
  url: ""
  exchange: taskline.events

webhooks: []

assistant:
  base_url: ""
  api_key: ""
  model: gpt-4o-mini
  max_steps: 8
  history_limit: 50

log:
  level: info
  format: json
`
