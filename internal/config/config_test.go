package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/scanning"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			path: func(t *testing.T) string {
				return writeConfig(t, "config.yaml", `
database:
  host: db.internal
  port: 5432
  database: portsweep
  username: sweeper
  password: secret
  ssl_mode: require
scanning:
  ports: "22,80,443"
  concurrency: 200
  timeout: 750ms
  order: sequential
  grace_period: 1s
  rate_limit: 500
api:
  enabled: true
  listen_addr: 0.0.0.0
  port: 9090
schedules:
  - name: nightly-web
    cron: "0 2 * * *"
    target: example.com
    ports: web
`)
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Database.Host != "db.internal" || cfg.Database.SSLMode != "require" {
					t.Errorf("database section not loaded: %+v", cfg.Database)
				}
				if cfg.Scanning.Timeout != 750*time.Millisecond {
					t.Errorf("Expected timeout 750ms, got %v", cfg.Scanning.Timeout)
				}
				if cfg.Scanning.Concurrency != 200 {
					t.Errorf("Expected concurrency 200, got %d", cfg.Scanning.Concurrency)
				}
				if cfg.GetAPIAddress() != "0.0.0.0:9090" {
					t.Errorf("Expected API address 0.0.0.0:9090, got %s", cfg.GetAPIAddress())
				}
				if len(cfg.Schedules) != 1 || cfg.Schedules[0].Name != "nightly-web" {
					t.Errorf("schedules not loaded: %+v", cfg.Schedules)
				}
				if !cfg.IsDatabaseEnabled() {
					t.Error("Expected database to be enabled")
				}
				// Unset values keep their defaults.
				if cfg.Daemon.ShutdownTimeout != defaultShutdownTimeout {
					t.Errorf("Expected default shutdown timeout, got %v", cfg.Daemon.ShutdownTimeout)
				}
			},
		},
		{
			name: "valid json config",
			path: func(t *testing.T) string {
				return writeConfig(t, "config.json", `{
					"scanning": {"ports": "top", "concurrency": 50, "timeout": "2s"},
					"logging": {"level": "debug", "format": "json"}
				}`)
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scanning.Ports != "top" || cfg.Scanning.Timeout != 2*time.Second {
					t.Errorf("scanning section not loaded: %+v", cfg.Scanning)
				}
				if cfg.IsDatabaseEnabled() {
					t.Error("Expected database to be disabled")
				}
			},
		},
		{
			name: "missing file yields defaults",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "absent.yaml")
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Scanning.Concurrency != scanning.DefaultConcurrency {
					t.Errorf("Expected default concurrency, got %d", cfg.Scanning.Concurrency)
				}
			},
		},
		{
			name:    "invalid yaml",
			path:    func(t *testing.T) string { return writeConfig(t, "bad.yaml", "scanning: [unclosed") },
			wantErr: true,
		},
		{
			name: "invalid values",
			path: func(t *testing.T) string {
				return writeConfig(t, "bad.yaml", "scanning:\n  concurrency: 0\n")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path(t))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scanning.Ports = "1-1024"
	cfg.Scanning.Timeout = 300 * time.Millisecond
	cfg.Schedules = []ScheduleConfig{{Name: "hourly", Cron: "@hourly", Target: "10.0.0.1"}}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Scanning.Ports != "1-1024" || loaded.Scanning.Timeout != 300*time.Millisecond {
		t.Errorf("round trip lost scanning settings: %+v", loaded.Scanning)
	}
	if len(loaded.Schedules) != 1 || loaded.Schedules[0].Cron != "@hourly" {
		t.Errorf("round trip lost schedules: %+v", loaded.Schedules)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"zero concurrency", func(c *Config) { c.Scanning.Concurrency = 0 }, "scanning.concurrency"},
		{"concurrency too high", func(c *Config) { c.Scanning.Concurrency = 70000 }, "scanning.concurrency"},
		{"zero timeout", func(c *Config) { c.Scanning.Timeout = 0 }, "scanning.timeout"},
		{"bad port spec", func(c *Config) { c.Scanning.Ports = "80-70" }, "scanning.ports"},
		{"bad order", func(c *Config) { c.Scanning.Order = "sideways" }, "scanning.order"},
		{"bad dns server", func(c *Config) { c.Scanning.DNSServer = "not a server" }, "scanning.dnsserver"},
		{"zero max scans", func(c *Config) { c.Daemon.MaxConcurrentScans = 0 }, "daemon.maxconcurrentscans"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"database without user", func(c *Config) {
			c.Database.Database = "portsweep"
			c.Database.Username = ""
		}, "database.username"},
		{"bad cron", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Cron: "every day", Target: "127.0.0.1"}}
		}, "schedules[0].cron"},
		{"duplicate schedule", func(c *Config) {
			c.Schedules = []ScheduleConfig{
				{Name: "x", Cron: "@daily", Target: "127.0.0.1"},
				{Name: "x", Cron: "@hourly", Target: "127.0.0.2"},
			}
		}, "schedules[1].name"},
		{"schedule bad ports", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Cron: "@daily", Target: "127.0.0.1", Ports: "0"}}
		}, "schedules[0].ports"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var cerr *errors.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected *errors.ConfigError, got %T: %v", err, err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Expected field %q, got %q (%v)", tt.field, cerr.Field, err)
			}
		})
	}
}

func TestScanningConfigScanRequest(t *testing.T) {
	s := Default().Scanning
	s.Ports = "web"
	s.Order = "seq"
	s.Seed = 7

	req, err := s.ScanRequest("example.com")
	if err != nil {
		t.Fatalf("ScanRequest() error = %v", err)
	}
	if req.Target != "example.com" || req.Order != scanning.OrderSequential || req.Seed != 7 {
		t.Errorf("unexpected request: %+v", req)
	}
	if !req.Ports.Contains(8080) {
		t.Error("Expected web preset to include 8080")
	}

	s.Ports = "nope"
	if _, err := s.ScanRequest("example.com"); err == nil {
		t.Error("Expected error for invalid ports")
	}
}

func TestScanningConfigResolver(t *testing.T) {
	s := Default().Scanning
	if _, ok := s.Resolver().(*scanning.SystemResolver); !ok {
		t.Errorf("Expected system resolver, got %T", s.Resolver())
	}

	s.DNSServer = "9.9.9.9:53"
	r, ok := s.Resolver().(*scanning.DNSResolver)
	if !ok {
		t.Fatalf("Expected DNS resolver, got %T", s.Resolver())
	}
	if r.Server() != "9.9.9.9:53" {
		t.Errorf("Expected server 9.9.9.9:53, got %s", r.Server())
	}
}

func TestScheduleScanRequest(t *testing.T) {
	defaults := Default().Scanning
	sched := ScheduleConfig{
		Name:        "db",
		Cron:        "@daily",
		Target:      "10.1.2.3",
		Ports:       "5432,3306",
		Concurrency: 10,
		Timeout:     time.Second,
	}

	req, err := sched.ScanRequest(defaults)
	if err != nil {
		t.Fatalf("ScanRequest() error = %v", err)
	}
	if req.Ports.Len() != 2 || req.Concurrency != 10 || req.Timeout != time.Second {
		t.Errorf("schedule overrides not applied: %+v", req)
	}
	if req.GracePeriod != defaults.GracePeriod {
		t.Errorf("Expected default grace period, got %v", req.GracePeriod)
	}
}
