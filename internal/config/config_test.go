package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "gateway",
				Password: "secret",
				Name:     "auth_gateway",
				SSLMode:  "require",
			},
			want: "host=localhost port=5432 user=gateway password=secret dbname=auth_gateway sslmode=require",
		},
		{
			name: "disable ssl mode",
			cfg: DatabaseConfig{
				Host:     "db.example.com",
				Port:     5433,
				User:     "admin",
				Password: "pass",
				Name:     "mydb",
				SSLMode:  "disable",
			},
			want: "host=db.example.com port=5433 user=admin password=pass dbname=mydb sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetDSN()
			if got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAddress(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 9000}
	if got := cfg.GetAddress(); got != "127.0.0.1:9000" {
		t.Errorf("GetAddress() = %q, want %q", got, "127.0.0.1:9000")
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Auth.ServiceTokens.Prefix != "agw_" {
		t.Errorf("default token prefix = %q, want %q", cfg.Auth.ServiceTokens.Prefix, "agw_")
	}
	if cfg.Database.BackgroundMaxConnections >= cfg.Database.MaxConnections {
		t.Errorf("background pool (%d) should be smaller than hot-path pool (%d)",
			cfg.Database.BackgroundMaxConnections, cfg.Database.MaxConnections)
	}
	if cfg.Rotation.MaxAgeDays != 90 {
		t.Errorf("default rotation max age = %d, want 90", cfg.Rotation.MaxAgeDays)
	}
	if len(cfg.Expiry.ThresholdDays) != 4 {
		t.Errorf("default expiry thresholds = %v, want 4 entries", cfg.Expiry.ThresholdDays)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("AGW_SERVER_PORT", "9999")
	os.Setenv("AGW_AUTH_SERVICE_TOKENS_PREFIX", "svc_")
	defer os.Unsetenv("AGW_SERVER_PORT")
	defer os.Unsetenv("AGW_AUTH_SERVICE_TOKENS_PREFIX")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("server port = %d, want env override 9999", cfg.Server.Port)
	}
	if cfg.Auth.ServiceTokens.Prefix != "svc_" {
		t.Errorf("token prefix = %q, want env override %q", cfg.Auth.ServiceTokens.Prefix, "svc_")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 8181
auth:
  service_tokens:
    grace_period: 30m
rotation:
  enabled: true
  max_age_days: 45
  blackout:
    - start: "02:00"
      end: "04:00"
      days: ["Saturday", "Sunday"]
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("server port = %d, want 8181", cfg.Server.Port)
	}
	if cfg.Rotation.MaxAgeDays != 45 {
		t.Errorf("rotation max age = %d, want 45", cfg.Rotation.MaxAgeDays)
	}
	if len(cfg.Rotation.Blackout) != 1 || cfg.Rotation.Blackout[0].Start != "02:00" {
		t.Errorf("blackout windows not parsed: %+v", cfg.Rotation.Blackout)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "missing db host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: "database.host",
		},
		{
			name: "both auth modes disabled",
			mutate: func(c *Config) {
				c.Auth.ServiceTokens.Enabled = false
				c.Auth.Assertion.Enabled = false
			},
			wantErr: "at least one",
		},
		{
			name: "short pepper salt",
			mutate: func(c *Config) {
				c.Auth.ServiceTokens.PepperPassphrase = "passphrase"
				c.Auth.ServiceTokens.PepperSalt = "short"
			},
			wantErr: "pepper_salt",
		},
		{
			name: "assertion without issuer",
			mutate: func(c *Config) {
				c.Auth.Assertion.Enabled = true
				c.Auth.Assertion.Issuer = ""
			},
			wantErr: "issuer",
		},
		{
			name: "bad blackout window",
			mutate: func(c *Config) {
				c.Auth.Assertion.Enabled = false
				c.Rotation.Enabled = true
				c.Rotation.Blackout = []BlackoutWindow{{Start: "25:00", End: "04:00"}}
			},
			wantErr: "blackout window",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid logging level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
