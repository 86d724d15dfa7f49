package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "taskmanager.yml"

// Config models taskmanager.yml.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Mail          MailConfig          `yaml:"mail"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Reminders     RemindersConfig     `yaml:"reminders"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	BasePath        string        `yaml:"base_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	Issuer     string        `yaml:"issuer"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

type MailConfig struct {
	Backend string `yaml:"backend"`
	From    string `yaml:"from"`
	SMTP    struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"smtp"`
	Breaker struct {
		ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
		OpenTimeout         time.Duration `yaml:"open_timeout"`
	} `yaml:"breaker"`
}

type NotificationsConfig struct {
	Queue          string        `yaml:"queue"`
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	Redis          struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Key      string `yaml:"key"`
	} `yaml:"redis"`
}

type RemindersConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads and validates config from dir.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with taskmanager config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config.database.path is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("config.auth access_ttl and refresh_ttl must be positive")
	}
	switch c.Mail.Backend {
	case "console":
	case "smtp":
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.Port <= 0 {
			return fmt.Errorf("config.mail.smtp host and port are required for the smtp backend")
		}
	default:
		return fmt.Errorf("config.mail.backend must be 'console' or 'smtp'")
	}
	if c.Mail.From == "" {
		return fmt.Errorf("config.mail.from is required")
	}
	switch c.Notifications.Queue {
	case "sql":
	case "redis":
		if c.Notifications.Redis.Addr == "" {
			return fmt.Errorf("config.notifications.redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("config.notifications.queue must be 'sql' or 'redis'")
	}
	if c.Notifications.Workers < 0 {
		return fmt.Errorf("config.notifications.workers must not be negative")
	}
	if c.Reminders.Enabled && (c.Reminders.Interval <= 0 || c.Reminders.Window <= 0) {
		return fmt.Errorf("config.reminders interval and window must be positive when enabled")
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8000
  base_path: /api/v1
  shutdown_timeout: 10s

database:
  path: data/taskmanager.db
  busy_timeout_ms: 5000

auth:
  # Override with TASKMANAGER_AUTH_JWT_SECRET in production.
  jwt_secret: change-me
  issuer: taskmanager
  access_ttl: 5m
  refresh_ttl: 24h
  bcrypt_cost: 12

mail:
  backend: console
  from: noreply@taskmanager.local
  smtp:
    host: localhost
    port: 587
    username: ""
    password: ""
  breaker:
    consecutive_failures: 3
    open_timeout: 30s

notifications:
  queue: sql
  workers: 2
  poll_interval: 1s
  process_timeout: 30s
  redis:
    addr: localhost:6379
    db: 0
    key: taskmanager:notifications

reminders:
  enabled: true
  interval: 24h
  window: 24h

logging:
  level: info
  format: text
  file: ""
`
