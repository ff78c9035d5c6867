package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/logging"
)

func resetScanFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		scanPorts, scanConcurrency, scanTimeout = "", 0, 0
		scanOrder, scanSeed, scanGrace, scanRate, scanDNSServer = "", 0, 0, 0, ""
	})
}

func TestScanningOverrides(t *testing.T) {
	resetScanFlags(t)

	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	fs.StringVar(&scanPorts, "ports", "", "")
	fs.IntVar(&scanConcurrency, "concurrency", 0, "")
	fs.DurationVar(&scanTimeout, "timeout", 0, "")
	fs.StringVar(&scanOrder, "order", "", "")
	fs.Int64Var(&scanSeed, "seed", 0, "")
	fs.DurationVar(&scanGrace, "grace", 0, "")
	fs.Float64Var(&scanRate, "rate", 0, "")
	fs.StringVar(&scanDNSServer, "dns-server", "", "")

	require.NoError(t, fs.Parse([]string{"--ports", "22,80", "--timeout", "250ms", "--seed", "7"}))

	defaults := config.Default().Scanning
	got := scanningOverrides(fs, defaults)

	assert.Equal(t, "22,80", got.Ports)
	assert.Equal(t, 250*time.Millisecond, got.Timeout)
	assert.Equal(t, int64(7), got.Seed)

	// Flags left alone keep the configured values, even zero-valued ones.
	assert.Equal(t, defaults.Concurrency, got.Concurrency)
	assert.Equal(t, defaults.Order, got.Order)
	assert.Equal(t, defaults.GracePeriod, got.GracePeriod)
	assert.Equal(t, defaults.DNSServer, got.DNSServer)
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("database.host", "db.internal")
	v.Set("database.database", "portsweep")
	v.Set("database.port", 6543)
	v.Set("api.port", "9090")
	v.Set("api.enabled", false)
	v.Set("scanning.concurrency", 50)
	v.Set("logging.level", "debug")
	v.Set("logging.format", "json")

	cfg := config.Default()
	applyOverrides(v, cfg)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "portsweep", cfg.Database.Database)
	assert.True(t, cfg.IsDatabaseEnabled())
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, 50, cfg.Scanning.Concurrency)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)

	// Unset keys are untouched.
	assert.Equal(t, config.Default().Scanning.Ports, cfg.Scanning.Ports)
	assert.Equal(t, config.Default().API.ListenAddr, cfg.API.ListenAddr)
}

func TestValidateCronExpressions(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)

	invalid := validateCronExpressions(&buf, []string{"0 2 * * *", "not a cron", "@every 1h"}, now)

	assert.Equal(t, 1, invalid)
	out := buf.String()
	assert.Contains(t, out, `"0 2 * * *": valid, next runs: 2026-01-01 02:00, 2026-01-02 02:00, 2026-01-03 02:00`)
	assert.Contains(t, out, `"not a cron": invalid`)
	assert.Contains(t, out, `"@every 1h": valid, next runs: 2026-01-01 01:30`)
}

func TestPrintSchedules(t *testing.T) {
	cfg := config.Default()
	cfg.Scanning.Ports = "1-1024"
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", Target: "10.0.0.5"},
		{Name: "web", Cron: "*/15 * * * *", Target: "web.internal", Ports: "80,443"},
		{Name: "off", Cron: "0 0 * * *", Target: "10.0.0.6", Disabled: true},
	}

	var buf bytes.Buffer
	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, printSchedules(&buf, cfg, now))

	out := buf.String()
	for _, want := range []string{"nightly", "web", "off", "1-1024", "80,443", "2026-01-01 02:00", "2026-01-01 00:15"} {
		assert.Contains(t, out, want)
	}
	assert.Contains(t, strings.ToLower(out), "next run")
}

func TestPrintMigrationStatus(t *testing.T) {
	applied := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	statuses := []db.MigrationStatus{
		{Name: "001_initial_schema", Applied: true, AppliedAt: &applied},
		{Name: "002_changed", Applied: true, AppliedAt: &applied, Modified: true},
		{Name: "003_pending"},
	}

	var buf bytes.Buffer
	require.NoError(t, printMigrationStatus(&buf, statuses))

	out := buf.String()
	assert.Contains(t, out, "001_initial_schema")
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "modified")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "2026-03-04 05:06:07")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Minute, "5m"},
		{90 * time.Minute, "1.5h"},
		{50 * time.Hour, "2d"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.in))
		})
	}
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte("4242\n"), 0o600))
	pid, err := readPIDFile(good)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = readPIDFile(bad)
	assert.Error(t, err)

	_, err = readPIDFile(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(1<<30))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "1,2,3,4...", truncate("1,2,3,4,5,6,7", 10))
}

func TestFormatPorts(t *testing.T) {
	assert.Equal(t, "-", formatPorts(nil))
	assert.Equal(t, "22,80,443", formatPorts([]uint16{22, 80, 443}))
}

func TestValueOr(t *testing.T) {
	assert.Equal(t, "none", valueOr("", "none"))
	assert.Equal(t, "x", valueOr("x", "none"))
	assert.Equal(t, "disabled", apiDescription(false, "127.0.0.1:8080"))
	assert.Equal(t, "127.0.0.1:8080", apiDescription(true, "127.0.0.1:8080"))
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, buf.String(), "portsweep "+version)
	assert.Contains(t, buf.String(), "commit:")
}
