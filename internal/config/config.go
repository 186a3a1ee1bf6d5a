package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	System   SystemConfig   `yaml:"system"`
	Paths    PathsConfig    `yaml:"paths"`
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Services ServicesConfig `yaml:"services"`
}

type SystemConfig struct {
	Hostname  string `yaml:"hostname"`
	Username  string `yaml:"username"`
	Groupname string `yaml:"groupname"`
}

type PathsConfig struct {
	Home         string `yaml:"home"`
	Repositories string `yaml:"repositories"`
	Executables  string `yaml:"executables"`
	Data         string `yaml:"data"`
	Cache        string `yaml:"cache"`
	Runtime      string `yaml:"runtime"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type BusConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ServicesConfig struct {
	Workers             int    `yaml:"workers"`
	RestartBackoffMax   string `yaml:"restart_backoff_max"`   // e.g. "1m"
	IntegrationDeadline string `yaml:"integration_deadline"`  // e.g. "5m"
	RequestDeadline     string `yaml:"request_deadline"`      // pub/sub request timeout
	OutboxRetention     string `yaml:"outbox_retention"`      // e.g. "168h"
}

// OutboxDir is where outgoing mail files are written.
func (c *Config) OutboxDir() string {
	return filepath.Join(c.Paths.Home, "outbox")
}

// RepositoryPath resolves a repository's on-disk location.
func (c *Config) RepositoryPath(relative string) string {
	return filepath.Join(c.Paths.Repositories, relative)
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Paths.Repositories == "" {
		return fmt.Errorf("paths.repositories must be configured")
	}
	if c.Paths.Home == "" {
		return fmt.Errorf("paths.home must be configured")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

func Default() *Config {
	return &Config{
		System: SystemConfig{
			Hostname: "localhost",
		},
		Paths: PathsConfig{
			Home:         "data",
			Repositories: "data/repositories",
			Data:         "data/state",
			Cache:        "data/cache",
			Runtime:      "data/run",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "critic.db",
		},
		Bus: BusConfig{
			Addr: "localhost:6379",
		},
		Services: ServicesConfig{
			Workers:             2,
			RestartBackoffMax:   "1m",
			IntegrationDeadline: "5m",
			RequestDeadline:     "30s",
			OutboxRetention:     "168h",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CRITIC_HOSTNAME"); v != "" {
		cfg.System.Hostname = v
	}
	if v := os.Getenv("CRITIC_HOME"); v != "" {
		cfg.Paths.Home = v
	}
	if v := os.Getenv("CRITIC_REPOSITORIES"); v != "" {
		cfg.Paths.Repositories = v
	}
	if v := os.Getenv("CRITIC_CACHE"); v != "" {
		cfg.Paths.Cache = v
	}
	if v := os.Getenv("CRITIC_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CRITIC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CRITIC_BUS_ADDR"); v != "" {
		cfg.Bus.Addr = v
	}
	if v := os.Getenv("CRITIC_BUS_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv("CRITIC_BUS_DATABASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Database = n
		}
	}
	if v := os.Getenv("CRITIC_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("CRITIC_SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("CRITIC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Services.Workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CRITIC_INTEGRATION_DEADLINE")); v != "" {
		cfg.Services.IntegrationDeadline = v
	}
}
