package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/health"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/policy"
	"github.com/cuemby/replguard/pkg/retry"
	"github.com/cuemby/replguard/pkg/scanner"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REPLGUARD_SCAN_CONCURRENCY
const EnvPrefix = "REPLGUARD"

// Config is the full run configuration
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Inventory  string           `mapstructure:"inventory"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Repair     RepairConfig     `mapstructure:"repair"`
	Healing    HealingConfig    `mapstructure:"healing"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Delta      DeltaConfig      `mapstructure:"delta"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Run        RunConfig        `mapstructure:"run"`
}

type ScanConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	NodeTimeout   time.Duration `mapstructure:"node_timeout"`
	GlobalTimeout time.Duration `mapstructure:"global_timeout"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
}

type RepairConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Concurrency   int           `mapstructure:"concurrency"`
	Command       []string      `mapstructure:"command"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type HealingConfig struct {
	Policy          string        `mapstructure:"policy"`
	MaxActions      int           `mapstructure:"max_actions"`
	Rollback        bool          `mapstructure:"rollback"`
	ConvergenceWait time.Duration `mapstructure:"convergence_wait"`
}

type ClassifierConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

type DeltaConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

type ProbeConfig struct {
	Kind    string            `mapstructure:"kind"`
	Command []string          `mapstructure:"command"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	TCPPort int               `mapstructure:"tcp_port"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type RunConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// NewViper returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags to it before calling LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()

	// Defaults
	v.SetDefault("data_dir", "./replguard-data")
	v.SetDefault("inventory", "")
	v.SetDefault("scan.concurrency", 8)
	v.SetDefault("scan.node_timeout", "60s")
	v.SetDefault("scan.global_timeout", "10m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "2s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.jitter", 0.0)
	v.SetDefault("repair.max_attempts", 2)
	v.SetDefault("repair.initial_delay", "1s")
	v.SetDefault("repair.max_delay", "10s")
	v.SetDefault("repair.rate_per_second", 0.0)
	v.SetDefault("repair.concurrency", 4)
	v.SetDefault("repair.command", []string{})
	v.SetDefault("repair.timeout", "2m")
	v.SetDefault("healing.policy", policy.Conservative.Name)
	v.SetDefault("healing.max_actions", 0)
	v.SetDefault("healing.rollback", false)
	v.SetDefault("healing.convergence_wait", "2m")
	v.SetDefault("classifier.stale_threshold", "24h")
	v.SetDefault("delta.max_age", "4h")
	v.SetDefault("probe.kind", string(health.ProbeTypeExec))
	v.SetDefault("probe.command", []string{})
	v.SetDefault("probe.url", "")
	v.SetDefault("probe.tcp_port", 389)
	v.SetDefault("probe.timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("run.interval", "15m")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration from path (optional) with environment overrides
func Load(path string) (*Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom reads configuration through v, merging the file at path when set
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fault.Errorf(fault.CodePolicyConfigInvalid, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fault.Errorf(fault.CodePolicyConfigInvalid, "unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting every
// problem rather than stopping at the first one
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateScan()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validateHealing()...)
	errs = append(errs, c.validateProbe()...)

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Classifier.StaleThreshold <= 0 {
		errs = append(errs, errors.New("classifier.stale_threshold must be positive"))
	}
	if c.Delta.MaxAge <= 0 {
		errs = append(errs, errors.New("delta.max_age must be positive"))
	}
	if c.Run.Interval <= 0 {
		errs = append(errs, errors.New("run.interval must be positive"))
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}

	if len(errs) > 0 {
		return fault.Errorf(fault.CodePolicyConfigInvalid, "validating config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateScan() []error {
	var errs []error
	if c.Scan.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scan.concurrency must be at least 1, got %d", c.Scan.Concurrency))
	}
	if c.Scan.NodeTimeout < 0 || c.Scan.GlobalTimeout < 0 {
		errs = append(errs, errors.New("scan timeouts must not be negative"))
	}
	if c.Scan.NodeTimeout > 0 && c.Scan.GlobalTimeout > 0 && c.Scan.GlobalTimeout < c.Scan.NodeTimeout {
		errs = append(errs, fmt.Errorf("scan.global_timeout %s is shorter than scan.node_timeout %s",
			c.Scan.GlobalTimeout, c.Scan.NodeTimeout))
	}
	return errs
}

func (c *Config) validateRetry() []error {
	var errs []error
	if err := c.ProbeRetry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if err := c.RepairRetry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("repair: %w", err))
	}
	if c.Repair.RatePerSecond < 0 {
		errs = append(errs, errors.New("repair.rate_per_second must not be negative"))
	}
	return errs
}

func (c *Config) validateHealing() []error {
	var errs []error
	if _, err := policy.Lookup(c.Healing.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Healing.MaxActions < 0 {
		errs = append(errs, fmt.Errorf("healing.max_actions must not be negative, got %d", c.Healing.MaxActions))
	}
	if c.Healing.ConvergenceWait < 0 {
		errs = append(errs, errors.New("healing.convergence_wait must not be negative"))
	}
	return errs
}

func (c *Config) validateProbe() []error {
	var errs []error
	switch health.ProbeType(c.Probe.Kind) {
	case health.ProbeTypeExec, health.ProbeTypeHTTP:
	default:
		errs = append(errs, fmt.Errorf("probe.kind must be exec or http, got %q", c.Probe.Kind))
	}
	if c.Probe.TCPPort < 0 || c.Probe.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("probe.tcp_port out of range: %d", c.Probe.TCPPort))
	}
	return errs
}

// ProbeRetry returns the retry budget for node probes
func (c *Config) ProbeRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Jitter:       c.Retry.Jitter,
	}
}

// RepairRetry returns the retry budget for each repair action
func (c *Config) RepairRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.Repair.MaxAttempts,
		InitialDelay: c.Repair.InitialDelay,
		MaxDelay:     c.Repair.MaxDelay,
		Jitter:       c.Retry.Jitter,
	}
}

// ScanOptions returns the fleet scanner bounds
func (c *Config) ScanOptions() scanner.Options {
	return scanner.Options{
		Concurrency:   c.Scan.Concurrency,
		NodeTimeout:   c.Scan.NodeTimeout,
		GlobalTimeout: c.Scan.GlobalTimeout,
	}
}

// LoggerConfig returns the logger configuration
func (c *Config) LoggerConfig() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
