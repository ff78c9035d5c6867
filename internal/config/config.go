// Package config loads and validates portsweep configuration files.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/scanning"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600

	defaultAPIPort         = 8080
	defaultMaxRequestSize  = 1 << 20
	defaultMaxScans        = 4
	defaultShutdownTimeout = 30 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultDNSTimeout      = 3 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultRateLimitBurst  = 20
)

// Config represents the complete portsweep configuration.
type Config struct {
	Daemon    DaemonConfig     `yaml:"daemon" json:"daemon"`
	Database  db.Config        `yaml:"database" json:"database"`
	Scanning  ScanningConfig   `yaml:"scanning" json:"scanning"`
	API       APIConfig        `yaml:"api" json:"api"`
	Logging   logging.Config   `yaml:"logging" json:"logging"`
	Schedules []ScheduleConfig `yaml:"schedules" json:"schedules" validate:"dive"`
}

// DaemonConfig holds settings for the long-running server process.
type DaemonConfig struct {
	PIDFile            string        `yaml:"pid_file" json:"pid_file"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0s"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans" json:"max_concurrent_scans" validate:"min=1"`
}

// ScanningConfig holds the defaults applied to every scan.
type ScanningConfig struct {
	// Ports is a port spec such as "22,80,8000-8100" or a preset name.
	Ports       string        `yaml:"ports" json:"ports" validate:"required"`
	Concurrency int           `yaml:"concurrency" json:"concurrency" validate:"min=1,max=65535"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0s"`
	Order       string        `yaml:"order" json:"order"`
	Seed        int64         `yaml:"seed" json:"seed"`
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period" validate:"gte=0s"`
	// RateLimit caps probe dispatches per second; zero means unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	// DNSServer, when set, is queried directly instead of the system resolver.
	DNSServer  string        `yaml:"dns_server" json:"dns_server" validate:"omitempty,hostname_port|ip"`
	DNSTimeout time.Duration `yaml:"dns_timeout" json:"dns_timeout" validate:"gte=0s"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`
	Port       int    `yaml:"port" json:"port" validate:"min=0,max=65535"`
	// APIKeyHashes are bcrypt hashes of accepted API keys. Empty disables auth.
	APIKeyHashes   []string      `yaml:"api_key_hashes" json:"-"`
	CORS           CORSConfig    `yaml:"cors" json:"cors"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0s"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0s"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size" validate:"gte=0"`
	// RateLimit is the per-client request rate in requests per second.
	// Zero disables rate limiting.
	RateLimit      float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst" validate:"gte=0"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// ScheduleConfig describes a recurring scan.
type ScheduleConfig struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Cron        string        `yaml:"cron" json:"cron" validate:"required"`
	Target      string        `yaml:"target" json:"target" validate:"required"`
	Ports       string        `yaml:"ports" json:"ports"`
	Concurrency int           `yaml:"concurrency" json:"concurrency" validate:"gte=0,lte=65535"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0s"`
	Order       string        `yaml:"order" json:"order"`
	Disabled    bool          `yaml:"disabled" json:"disabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:            "",
			ShutdownTimeout:    defaultShutdownTimeout,
			MaxConcurrentScans: defaultMaxScans,
		},
		Database: db.DefaultConfig(),
		Scanning: ScanningConfig{
			Ports:       "all",
			Concurrency: scanning.DefaultConcurrency,
			Timeout:     scanning.DefaultTimeout,
			Order:       string(scanning.OrderShuffled),
			GracePeriod: scanning.DefaultGracePeriod,
			DNSTimeout:  defaultDNSTimeout,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       defaultAPIPort,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
			},
			ReadTimeout:    defaultReadTimeout,
			WriteTimeout:   defaultWriteTimeout,
			IdleTimeout:    defaultIdleTimeout,
			RequestTimeout: defaultRequestTimeout,
			MaxRequestSize: defaultMaxRequestSize,
			RateLimitBurst: defaultRateLimitBurst,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// yaml.v3 also accepts JSON documents.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the values that need parsing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}

	if _, err := scanning.ParsePortSpec(c.Scanning.Ports); err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "scanning.ports", c.Scanning.Ports)
	}
	if _, err := scanning.ParseOrder(c.Scanning.Order); err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), "scanning.order", c.Scanning.Order)
	}

	if c.Database.Database != "" && c.Database.Username == "" {
		return errors.ErrConfigMissing("database.username")
	}

	names := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if _, dup := names[s.Name]; dup {
			return errors.NewConfigFieldError(errors.CodeValidation, "duplicate schedule name", field+".name", s.Name)
		}
		names[s.Name] = struct{}{}

		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("invalid cron expression: %v", err), field+".cron", s.Cron)
		}
		if s.Ports != "" {
			if _, err := scanning.ParsePortSpec(s.Ports); err != nil {
				return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), field+".ports", s.Ports)
			}
		}
		if _, err := scanning.ParseOrder(s.Order); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), field+".order", s.Order)
		}
	}
	return nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}
	fe := verrs[0]
	// Namespace looks like "Config.Scanning.Concurrency".
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	msg := fmt.Sprintf("failed %q constraint", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
	}
	return errors.NewConfigFieldError(errors.CodeValidation, msg, strings.ToLower(field), fe.Value())
}

// IsDatabaseEnabled reports whether scans should be persisted.
func (c *Config) IsDatabaseEnabled() bool {
	return c.Database.Database != ""
}

// GetAPIAddress returns the full API address.
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}

// ScanRequest builds a request for target using the scanning defaults.
func (s ScanningConfig) ScanRequest(target string) (scanning.ScanRequest, error) {
	ports, err := scanning.ParsePortSpec(s.Ports)
	if err != nil {
		return scanning.ScanRequest{}, err
	}
	order, err := scanning.ParseOrder(s.Order)
	if err != nil {
		return scanning.ScanRequest{}, err
	}
	return scanning.ScanRequest{
		Target:      target,
		Ports:       ports,
		Concurrency: s.Concurrency,
		Timeout:     s.Timeout,
		Order:       order,
		Seed:        s.Seed,
		GracePeriod: s.GracePeriod,
		RateLimit:   s.RateLimit,
	}, nil
}

// Resolver returns the resolver selected by the configuration.
func (s ScanningConfig) Resolver() scanning.Resolver {
	if s.DNSServer == "" {
		return &scanning.SystemResolver{}
	}
	return scanning.NewDNSResolver(s.DNSServer, s.DNSTimeout)
}

// ScanRequest builds the request for a scheduled scan, filling unset
// fields from defaults.
func (s ScheduleConfig) ScanRequest(defaults ScanningConfig) (scanning.ScanRequest, error) {
	if s.Ports != "" {
		defaults.Ports = s.Ports
	}
	if s.Concurrency > 0 {
		defaults.Concurrency = s.Concurrency
	}
	if s.Timeout > 0 {
		defaults.Timeout = s.Timeout
	}
	if s.Order != "" {
		defaults.Order = s.Order
	}
	return defaults.ScanRequest(s.Target)
}
