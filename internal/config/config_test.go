package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.System.Hostname != "localhost" {
		t.Fatalf("System.Hostname = %q, want %q", cfg.System.Hostname, "localhost")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Bus.Addr != "localhost:6379" {
		t.Fatalf("Bus.Addr = %q, want %q", cfg.Bus.Addr, "localhost:6379")
	}
	if cfg.Services.Workers != 2 {
		t.Fatalf("Services.Workers = %d, want 2", cfg.Services.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(default) = %v, want nil", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CRITIC_HOSTNAME", "critic.example.com")
	t.Setenv("CRITIC_HOME", "/var/lib/critic")
	t.Setenv("CRITIC_REPOSITORIES", "/var/git")
	t.Setenv("CRITIC_DB_DRIVER", "postgres")
	t.Setenv("CRITIC_DB_DSN", "postgres://example")
	t.Setenv("CRITIC_BUS_ADDR", "redis:6380")
	t.Setenv("CRITIC_BUS_DATABASE", "3")
	t.Setenv("CRITIC_WORKERS", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.System.Hostname != "critic.example.com" {
		t.Fatalf("System.Hostname = %q, want override", cfg.System.Hostname)
	}
	if cfg.Paths.Home != "/var/lib/critic" {
		t.Fatalf("Paths.Home = %q, want %q", cfg.Paths.Home, "/var/lib/critic")
	}
	if cfg.Paths.Repositories != "/var/git" {
		t.Fatalf("Paths.Repositories = %q, want %q", cfg.Paths.Repositories, "/var/git")
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("Database.Driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Database.DSN != "postgres://example" {
		t.Fatalf("Database.DSN = %q, want %q", cfg.Database.DSN, "postgres://example")
	}
	if cfg.Bus.Addr != "redis:6380" {
		t.Fatalf("Bus.Addr = %q, want %q", cfg.Bus.Addr, "redis:6380")
	}
	if cfg.Bus.Database != 3 {
		t.Fatalf("Bus.Database = %d, want 3", cfg.Bus.Database)
	}
	if cfg.Services.Workers != 8 {
		t.Fatalf("Services.Workers = %d, want 8", cfg.Services.Workers)
	}
}

func TestLoadInvalidEnvValuesDoNotOverrideDefaults(t *testing.T) {
	t.Setenv("CRITIC_BUS_DATABASE", "not-an-int")
	t.Setenv("CRITIC_WORKERS", "-1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Bus.Database != 0 {
		t.Fatalf("Bus.Database = %d, want default 0", cfg.Bus.Database)
	}
	if cfg.Services.Workers != 2 {
		t.Fatalf("Services.Workers = %d, want default 2", cfg.Services.Workers)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
system:
  hostname: review.example.com
paths:
  home: /srv/critic
  repositories: /srv/critic/repositories
database:
  driver: sqlite
  dsn: test.db
bus:
  addr: redis.internal:6379
  database: 1
smtp:
  host: mail.example.com
  port: 587
services:
  workers: 4
  integration_deadline: 10m
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(path): %v", err)
	}

	if cfg.System.Hostname != "review.example.com" {
		t.Fatalf("System.Hostname = %q, want %q", cfg.System.Hostname, "review.example.com")
	}
	if cfg.Paths.Home != "/srv/critic" {
		t.Fatalf("Paths.Home = %q, want %q", cfg.Paths.Home, "/srv/critic")
	}
	if cfg.Bus.Addr != "redis.internal:6379" {
		t.Fatalf("Bus.Addr = %q, want %q", cfg.Bus.Addr, "redis.internal:6379")
	}
	if cfg.Bus.Database != 1 {
		t.Fatalf("Bus.Database = %d, want 1", cfg.Bus.Database)
	}
	if cfg.SMTP.Host != "mail.example.com" {
		t.Fatalf("SMTP.Host = %q, want %q", cfg.SMTP.Host, "mail.example.com")
	}
	if cfg.SMTP.Port != 587 {
		t.Fatalf("SMTP.Port = %d, want 587", cfg.SMTP.Port)
	}
	if cfg.Services.Workers != 4 {
		t.Fatalf("Services.Workers = %d, want 4", cfg.Services.Workers)
	}
	if cfg.Services.IntegrationDeadline != "10m" {
		t.Fatalf("Services.IntegrationDeadline = %q, want %q", cfg.Services.IntegrationDeadline, "10m")
	}
}

func TestLoadReadError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Load(missing)
	if err == nil {
		t.Fatal("Load(missing) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "read config") {
		t.Fatalf("Load(missing) error = %v, want read config error", err)
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("paths: [\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load(invalid yaml) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("Load(invalid yaml) error = %v, want parse config error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: "config is required",
		},
		{
			name: "missing repositories path is rejected",
			cfg: &Config{
				Paths:    PathsConfig{Home: "data"},
				Database: DatabaseConfig{Driver: "sqlite"},
			},
			wantErr: "paths.repositories must be configured",
		},
		{
			name: "missing home is rejected",
			cfg: &Config{
				Paths:    PathsConfig{Repositories: "data/repositories"},
				Database: DatabaseConfig{Driver: "sqlite"},
			},
			wantErr: "paths.home must be configured",
		},
		{
			name: "unsupported driver is rejected",
			cfg: &Config{
				Paths:    PathsConfig{Home: "data", Repositories: "data/repositories"},
				Database: DatabaseConfig{Driver: "oracle"},
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "valid config passes",
			cfg: &Config{
				Paths:    PathsConfig{Home: "data", Repositories: "data/repositories"},
				Database: DatabaseConfig{Driver: "postgres"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	cfg.Paths.Home = "/srv/critic"
	cfg.Paths.Repositories = "/srv/critic/repositories"

	if got := cfg.OutboxDir(); got != "/srv/critic/outbox" {
		t.Fatalf("OutboxDir() = %q, want %q", got, "/srv/critic/outbox")
	}
	if got := cfg.RepositoryPath("alpha.git"); got != "/srv/critic/repositories/alpha.git" {
		t.Fatalf("RepositoryPath() = %q, want %q", got, "/srv/critic/repositories/alpha.git")
	}
}
