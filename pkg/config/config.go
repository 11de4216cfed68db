// Package config loads and validates the agent configuration. Configuration
// errors are fatal at startup, before any source subscribes; a running agent
// never dies from a bad config value.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/pipeline"
)

// Config is the root agent configuration.
type Config struct {
	// AgentID identifies this agent in reports. Generated when empty.
	AgentID string `mapstructure:"agent_id" yaml:"agent_id"`

	// ServerURL is the NATS endpoint reports are published to. Empty means
	// log-only reporting.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// CheckIntervalSeconds drives the periodic health evaluation.
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds"`

	// PathsToMonitor are the filesystem roots watched recursively.
	PathsToMonitor []string `mapstructure:"paths_to_monitor" yaml:"paths_to_monitor"`

	Sources   Sources         `mapstructure:"sources" yaml:"sources"`
	Pipeline  Pipeline        `mapstructure:"pipeline" yaml:"pipeline"`
	Patterns  []PatternConfig `mapstructure:"patterns" yaml:"patterns"`
	Telemetry Telemetry       `mapstructure:"telemetry" yaml:"telemetry"`
	Reporter  Reporter        `mapstructure:"reporter" yaml:"reporter"`
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
}

// SourceToggle enables one source and tunes its adapter.
type SourceToggle struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxEventsPerSec float64       `mapstructure:"max_events_per_sec" yaml:"max_events_per_sec"`
}

// Sources selects which monitored domains run.
type Sources struct {
	Filesystem SourceToggle `mapstructure:"filesystem" yaml:"filesystem"`
	Process    SourceToggle `mapstructure:"process" yaml:"process"`
	Network    SourceToggle `mapstructure:"network" yaml:"network"`
	Registry   SourceToggle `mapstructure:"registry" yaml:"registry"`

	// RegistryKeys are the keys the registry source watches.
	RegistryKeys []string `mapstructure:"registry_keys" yaml:"registry_keys"`

	// MaxFailures, BackoffBase and BackoffMax tune resubscription for all
	// adapters.
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// Pipeline tunes the merge, suppression and correlation stages.
type Pipeline struct {
	OutOfOrderTolerance time.Duration `mapstructure:"out_of_order_tolerance" yaml:"out_of_order_tolerance"`
	BurstWindow         time.Duration `mapstructure:"burst_window" yaml:"burst_window"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	IngressQueueSize    int           `mapstructure:"ingress_queue_size" yaml:"ingress_queue_size"`
	IngressPolicy       string        `mapstructure:"ingress_policy" yaml:"ingress_policy"`
	OutputQueueSize     int           `mapstructure:"output_queue_size" yaml:"output_queue_size"`
	OutputPolicy        string        `mapstructure:"output_policy" yaml:"output_policy"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// PatternConfig declares one correlation pattern.
type PatternConfig struct {
	ID       string        `mapstructure:"id" yaml:"id"`
	Steps    []string      `mapstructure:"steps" yaml:"steps"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Severity string        `mapstructure:"severity" yaml:"severity"`
}

// Telemetry configures the metrics and health endpoint.
type Telemetry struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Reporter configures event publication.
type Reporter struct {
	// SubjectPrefix is prepended to the per-kind publish subjects.
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`

	// JournalPath is the sqlite store-and-forward journal. Empty disables
	// journaling; events that cannot be published are then dropped.
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`

	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// Load reads the config file at path. A missing path yields pure defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HOSTSENTRY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = uuid.NewString()
	}
	if c.CheckIntervalSeconds <= 0 {
		c.CheckIntervalSeconds = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if !c.Sources.Filesystem.Enabled && !c.Sources.Process.Enabled &&
		!c.Sources.Network.Enabled && !c.Sources.Registry.Enabled {
		// An agent with nothing to watch is useless; filesystem and
		// process are on unless explicitly configured otherwise.
		c.Sources.Filesystem.Enabled = true
		c.Sources.Process.Enabled = true
	}
	if c.Sources.MaxFailures <= 0 {
		c.Sources.MaxFailures = 5
	}
	if c.Sources.BackoffBase <= 0 {
		c.Sources.BackoffBase = time.Second
	}
	if c.Sources.BackoffMax <= 0 {
		c.Sources.BackoffMax = 30 * time.Second
	}
	if len(c.PathsToMonitor) == 0 {
		c.PathsToMonitor = []string{"/tmp", "/etc"}
	}

	def := pipeline.DefaultConfig()
	if c.Pipeline.OutOfOrderTolerance <= 0 {
		c.Pipeline.OutOfOrderTolerance = def.OutOfOrderTolerance
	}
	if c.Pipeline.BurstWindow <= 0 {
		c.Pipeline.BurstWindow = def.BurstWindow
	}
	if c.Pipeline.SweepInterval <= 0 {
		c.Pipeline.SweepInterval = def.SweepInterval
	}
	if c.Pipeline.IngressQueueSize <= 0 {
		c.Pipeline.IngressQueueSize = def.IngressQueueSize
	}
	if c.Pipeline.IngressPolicy == "" {
		c.Pipeline.IngressPolicy = def.IngressPolicy.String()
	}
	if c.Pipeline.OutputQueueSize <= 0 {
		c.Pipeline.OutputQueueSize = def.OutputQueueSize
	}
	if c.Pipeline.OutputPolicy == "" {
		c.Pipeline.OutputPolicy = def.OutputPolicy.String()
	}
	if c.Pipeline.DrainTimeout <= 0 {
		c.Pipeline.DrainTimeout = def.DrainTimeout
	}

	if len(c.Patterns) == 0 {
		c.Patterns = []PatternConfig{{
			ID:       "write_then_execute",
			Steps:    []string{domain.ActionFileCreate, domain.ActionProcessExec},
			TTL:      30 * time.Second,
			Severity: "high",
		}}
	}
	for i := range c.Patterns {
		if c.Patterns[i].TTL <= 0 {
			c.Patterns[i].TTL = 30 * time.Second
		}
		if c.Patterns[i].Severity == "" {
			c.Patterns[i].Severity = "info"
		}
	}

	if c.Telemetry.ListenAddr == "" {
		c.Telemetry.ListenAddr = ":9464"
	}

	if c.Reporter.SubjectPrefix == "" {
		c.Reporter.SubjectPrefix = "hostsentry.events"
	}
	if c.Reporter.FlushInterval <= 0 {
		c.Reporter.FlushInterval = 5 * time.Second
	}
	if c.Reporter.BatchSize <= 0 {
		c.Reporter.BatchSize = 100
	}
}

// Validate rejects configurations the agent cannot run with. All problems
// are reported at once.
func (c *Config) Validate() error {
	var errs error

	if c.Sources.Filesystem.Enabled && len(c.PathsToMonitor) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("filesystem source enabled with no paths_to_monitor"))
	}
	if c.Sources.Registry.Enabled && len(c.Sources.RegistryKeys) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("registry source enabled with no registry_keys"))
	}

	if _, err := pipeline.ParseOverflowPolicy(c.Pipeline.IngressPolicy); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("ingress_policy: %w", err))
	}
	if _, err := pipeline.ParseOverflowPolicy(c.Pipeline.OutputPolicy); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("output_policy: %w", err))
	}

	seen := make(map[string]struct{}, len(c.Patterns))
	for _, pc := range c.Patterns {
		if _, dup := seen[pc.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate pattern id %q", pc.ID))
		}
		seen[pc.ID] = struct{}{}
		if _, err := pc.toPattern(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pattern %q: %w", pc.ID, err))
		}
	}

	return errs
}

func (pc PatternConfig) toPattern() (*domain.Pattern, error) {
	severity, err := domain.ParseSeverity(pc.Severity)
	if err != nil {
		return nil, err
	}
	p := &domain.Pattern{
		ID:       pc.ID,
		Steps:    pc.Steps,
		TTL:      pc.TTL,
		Severity: severity,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ToPatterns converts the declared patterns into domain patterns.
func (c *Config) ToPatterns() ([]*domain.Pattern, error) {
	patterns := make([]*domain.Pattern, 0, len(c.Patterns))
	for _, pc := range c.Patterns {
		p, err := pc.toPattern()
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pc.ID, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// PipelineConfig assembles the pipeline tuning from the validated config.
func (c *Config) PipelineConfig() (*pipeline.Config, error) {
	patterns, err := c.ToPatterns()
	if err != nil {
		return nil, err
	}
	ingressPolicy, err := pipeline.ParseOverflowPolicy(c.Pipeline.IngressPolicy)
	if err != nil {
		return nil, err
	}
	outputPolicy, err := pipeline.ParseOverflowPolicy(c.Pipeline.OutputPolicy)
	if err != nil {
		return nil, err
	}

	return &pipeline.Config{
		OutOfOrderTolerance: c.Pipeline.OutOfOrderTolerance,
		BurstWindow:         c.Pipeline.BurstWindow,
		SweepInterval:       c.Pipeline.SweepInterval,
		IngressQueueSize:    c.Pipeline.IngressQueueSize,
		IngressPolicy:       ingressPolicy,
		OutputQueueSize:     c.Pipeline.OutputQueueSize,
		OutputPolicy:        outputPolicy,
		DrainTimeout:        c.Pipeline.DrainTimeout,
		Patterns:            patterns,
		MetricsEnabled:      c.Telemetry.Enabled,
	}, nil
}

// CheckInterval is CheckIntervalSeconds as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}
