package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models autodash.yml.
type Config struct {
	Server struct {
		Addr         string `yaml:"addr"`
		CORSOrigin   string `yaml:"cors_origin"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Tasks struct {
		Interpreter string        `yaml:"interpreter"`
		ScriptsDir  string        `yaml:"scripts_dir"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"tasks"`
	Summary struct {
		BaseURL         string        `yaml:"base_url"`
		APIKey          string        `yaml:"api_key"`
		Model           string        `yaml:"model"`
		MaxTokens       int           `yaml:"max_tokens"`
		ReportMaxTokens int           `yaml:"report_max_tokens"`
		Timeout         time.Duration `yaml:"timeout"`
	} `yaml:"summary"`
	Limits struct {
		GlobalRequests   int           `yaml:"global_requests"`
		GlobalWindow     time.Duration `yaml:"global_window"`
		WorkflowRequests int           `yaml:"workflow_requests"`
		WorkflowWindow   time.Duration `yaml:"workflow_window"`
	} `yaml:"limits"`
	Sweep struct {
		Interval   time.Duration `yaml:"interval"`
		StaleAfter time.Duration `yaml:"stale_after"`
	} `yaml:"sweep"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config.server.max_body_bytes must be positive")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("config.database.path is required")
	}
	if strings.TrimSpace(c.Tasks.Interpreter) == "" {
		return fmt.Errorf("config.tasks.interpreter is required")
	}
	if c.Tasks.Timeout <= 0 {
		return fmt.Errorf("config.tasks.timeout must be positive")
	}
	if c.Summary.MaxTokens <= 0 || c.Summary.ReportMaxTokens <= 0 {
		return fmt.Errorf("config.summary token budgets must be positive")
	}
	if c.Summary.Timeout <= 0 {
		return fmt.Errorf("config.summary.timeout must be positive")
	}
	if c.Limits.GlobalRequests <= 0 || c.Limits.GlobalWindow <= 0 {
		return fmt.Errorf("config.limits global cap must be positive")
	}
	if c.Limits.WorkflowRequests <= 0 || c.Limits.WorkflowWindow <= 0 {
		return fmt.Errorf("config.limits workflow cap must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	if c.Sweep.StaleAfter <= c.Tasks.Timeout {
		return fmt.Errorf("config.sweep.stale_after (%s) must exceed config.tasks.timeout (%s)", c.Sweep.StaleAfter, c.Tasks.Timeout)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "autodash.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates a config file. Values missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with autodash config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:3001
  cors_origin: http://localhost:5173
  max_body_bytes: 10485760

database:
  path: autodash.db

tasks:
  interpreter: python3
  scripts_dir: scripts
  timeout: 2m

summary:
  base_url: https://api.anthropic.com/v1/
  api_key: ""
  model: claude-3-5-sonnet-20241022
  max_tokens: 1024
  report_max_tokens: 2048
  timeout: 60s

limits:
  global_requests: 100
  global_window: 15m
  workflow_requests: 10
  workflow_window: 1m

sweep:
  interval: 1m
  stale_after: 10m

auth:
  jwt_secret: ""

log:
  level: info
  format: text
`
