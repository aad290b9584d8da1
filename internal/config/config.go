package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models crewline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Ingest struct {
		Secret        string   `yaml:"secret"`
		MaxBodyBytes  int64    `yaml:"max_body_bytes"`
		OriginPrefix  string   `yaml:"origin_prefix"`
		EventKinds    []string `yaml:"event_kinds"`
		StrictPayload bool     `yaml:"strict_payload"`
	} `yaml:"ingest"`
	Scheduler struct {
		MaxConcurrentUnits int `yaml:"max_concurrent_units"`
		PollSeconds        int `yaml:"poll_seconds"`
		TimeoutSeconds     int `yaml:"timeout_seconds"`
		RegisterSeconds    int `yaml:"register_seconds"`
	} `yaml:"scheduler"`
	Coordinator struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		RequestSeconds int    `yaml:"request_seconds"`
	} `yaml:"coordinator"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Notify []NotifyConfig `yaml:"notify"`
}

// NotifyConfig is one outbound completion-notification target.
type NotifyConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Statuses       []string `yaml:"statuses"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	defaultMaxBodyBytes       = 50 << 20
	defaultMaxConcurrentUnits = 10
	defaultPollSeconds        = 30
	defaultTimeoutSeconds     = 3600
	defaultRegisterSeconds    = 15
	defaultRequestSeconds     = 10
	defaultOriginPrefix       = "GitHub-Hookshot/"
)

// PollInterval returns the per-unit progress poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollSeconds) * time.Second
}

// UnitTimeout returns the per-unit timeout horizon.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.Scheduler.TimeoutSeconds) * time.Second
}

// RegisterTimeout bounds a single worker registration call.
func (c *Config) RegisterTimeout() time.Duration {
	return time.Duration(c.Scheduler.RegisterSeconds) * time.Second
}

// RequestTimeout bounds a single coordinator request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Coordinator.RequestSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentUnits <= 0 {
		return fmt.Errorf("config.scheduler.max_concurrent_units must be positive")
	}
	if c.Scheduler.PollSeconds <= 0 {
		return fmt.Errorf("config.scheduler.poll_seconds must be positive")
	}
	if c.Scheduler.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.scheduler.timeout_seconds must be positive")
	}
	if c.Scheduler.TimeoutSeconds <= c.Scheduler.PollSeconds {
		return fmt.Errorf("config.scheduler.timeout_seconds must exceed poll_seconds")
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("config.ingest.max_body_bytes must be positive")
	}
	if len(c.Ingest.EventKinds) == 0 {
		return fmt.Errorf("config.ingest.event_kinds is required")
	}
	for _, kind := range c.Ingest.EventKinds {
		if kind == "" {
			return fmt.Errorf("config.ingest.event_kinds contains empty kind")
		}
	}
	for i, n := range c.Notify {
		if n.URL == "" {
			return fmt.Errorf("config.notify[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses, applies defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Ingest.OriginPrefix == "" {
		c.Ingest.OriginPrefix = defaultOriginPrefix
	}
	if len(c.Ingest.EventKinds) == 0 {
		c.Ingest.EventKinds = []string{"push", "pull_request", "issues", "release"}
	}
	if c.Scheduler.MaxConcurrentUnits == 0 {
		c.Scheduler.MaxConcurrentUnits = defaultMaxConcurrentUnits
	}
	if c.Scheduler.PollSeconds == 0 {
		c.Scheduler.PollSeconds = defaultPollSeconds
	}
	if c.Scheduler.TimeoutSeconds == 0 {
		c.Scheduler.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Scheduler.RegisterSeconds == 0 {
		c.Scheduler.RegisterSeconds = defaultRegisterSeconds
	}
	if c.Coordinator.RequestSeconds == 0 {
		c.Coordinator.RequestSeconds = defaultRequestSeconds
	}
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0

ingest:
  # HMAC secret shared with the event source. Leave empty to accept
  # unsigned deliveries (a warning is logged on every request).
  secret: ""
  max_body_bytes: 52428800
  origin_prefix: "GitHub-Hookshot/"
  event_kinds: [push, pull_request, issues, release]
  strict_payload: false

scheduler:
  max_concurrent_units: 10
  poll_seconds: 30
  timeout_seconds: 3600
  register_seconds: 15

coordinator:
  base_url: "http://localhost:9090"
  token: ""
  request_seconds: 10

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

notify: []
`
