// Package config loads flotilla configuration with Viper from
// .flotilla/config.yaml, FLOTILLA_* environment variables and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/hooks"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
)

// Dir is the per-repository state directory
const Dir = ".flotilla"

// EnvPrefix prefixes environment overrides, e.g. FLOTILLA_EXECUTOR_MAX_CONCURRENCY
const EnvPrefix = "FLOTILLA"

// Config is the complete flotilla configuration
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Approval    ApprovalConfig    `mapstructure:"approval" yaml:"approval"`
	Executor    ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	Integration IntegrationConfig `mapstructure:"integration" yaml:"integration"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Hooks       []hooks.Config    `mapstructure:"hooks" yaml:"hooks"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig selects log level and format
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig locates the approval database
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ApprovalConfig tunes the approval gate and sweeper
type ApprovalConfig struct {
	Policy           string        `mapstructure:"policy" yaml:"policy"`
	RequireHuman     []string      `mapstructure:"require_human" yaml:"require_human"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	NotifyTimeout    time.Duration `mapstructure:"notify_timeout" yaml:"notify_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	RetentionDays    int           `mapstructure:"retention_days" yaml:"retention_days"`
}

// ExecutorConfig tunes the control loop
type ExecutorConfig struct {
	MaxConcurrency     int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RunDir             string        `mapstructure:"run_dir" yaml:"run_dir"`
}

// IntegrationConfig configures the integration line and reviews
type IntegrationConfig struct {
	Repo         string `mapstructure:"repo" yaml:"repo"`
	Trunk        string `mapstructure:"trunk" yaml:"trunk"`
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	WorktreeDir  string `mapstructure:"worktree_dir" yaml:"worktree_dir"`
	LedgerDir    string `mapstructure:"ledger_dir" yaml:"ledger_dir"`

	// Reviews is local or github
	Reviews   string `mapstructure:"reviews" yaml:"reviews"`
	Remote    string `mapstructure:"remote" yaml:"remote"`
	ReviewDir string `mapstructure:"review_dir" yaml:"review_dir"`
}

// AgentConfig describes how coding agents are launched
type AgentConfig struct {
	Command      string        `mapstructure:"command" yaml:"command"`
	Args         []string      `mapstructure:"args" yaml:"args"`
	BranchPrefix string        `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	WorktreeDir  string        `mapstructure:"worktree_dir" yaml:"worktree_dir"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig configures the /metrics endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Path: filepath.Join(Dir, "approvals.db")},
		Approval: ApprovalConfig{
			Policy:           "default",
			Timeout:          approval.DefaultTimeout,
			NotifyTimeout:    10 * time.Second,
			HeartbeatTimeout: 2 * time.Minute,
			SweepInterval:    time.Minute,
			RetentionDays:    30,
		},
		Executor: ExecutorConfig{
			MaxConcurrency:     4,
			CheckpointInterval: 5,
			PollInterval:       2 * time.Second,
			RunDir:             filepath.Join(Dir, "runs"),
		},
		Integration: IntegrationConfig{
			Repo:         ".",
			Trunk:        "main",
			BranchPrefix: "integration/",
			LedgerDir:    filepath.Join(Dir, "ledger"),
			Reviews:      "local",
			Remote:       "origin",
			ReviewDir:    filepath.Join(Dir, "reviews"),
		},
		Agent: AgentConfig{
			BranchPrefix: "flotilla/",
			Timeout:      time.Hour,
		},
		Telemetry: telemetry.DefaultConfig(),
		Metrics:   MetricsConfig{Addr: ":9464"},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("approval.policy", d.Approval.Policy)
	v.SetDefault("approval.timeout", d.Approval.Timeout)
	v.SetDefault("approval.notify_timeout", d.Approval.NotifyTimeout)
	v.SetDefault("approval.heartbeat_timeout", d.Approval.HeartbeatTimeout)
	v.SetDefault("approval.sweep_interval", d.Approval.SweepInterval)
	v.SetDefault("approval.retention_days", d.Approval.RetentionDays)

	v.SetDefault("executor.max_concurrency", d.Executor.MaxConcurrency)
	v.SetDefault("executor.checkpoint_interval", d.Executor.CheckpointInterval)
	v.SetDefault("executor.poll_interval", d.Executor.PollInterval)
	v.SetDefault("executor.run_dir", d.Executor.RunDir)

	v.SetDefault("integration.repo", d.Integration.Repo)
	v.SetDefault("integration.trunk", d.Integration.Trunk)
	v.SetDefault("integration.branch_prefix", d.Integration.BranchPrefix)
	v.SetDefault("integration.worktree_dir", d.Integration.WorktreeDir)
	v.SetDefault("integration.ledger_dir", d.Integration.LedgerDir)
	v.SetDefault("integration.reviews", d.Integration.Reviews)
	v.SetDefault("integration.remote", d.Integration.Remote)
	v.SetDefault("integration.review_dir", d.Integration.ReviewDir)

	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.branch_prefix", d.Agent.BranchPrefix)
	v.SetDefault("agent.worktree_dir", d.Agent.WorktreeDir)
	v.SetDefault("agent.timeout", d.Agent.Timeout)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Load reads configuration. An explicit path must exist; otherwise
// .flotilla/config.yaml under the working directory is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "failed to read configuration", err).
				WithSuggestion("Check the YAML syntax of " + v.ConfigFileUsed())
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "failed to decode configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and references between sections
func (c *Config) Validate() error {
	var problems []string
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if _, err := approval.PolicyByName(c.Approval.Policy); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Approval.Timeout <= 0 {
		problems = append(problems, "approval.timeout must be positive")
	}
	if hb := approval.DefaultBackoff().Heartbeat; c.Approval.HeartbeatTimeout <= hb {
		problems = append(problems, fmt.Sprintf("approval.heartbeat_timeout must exceed the %s requester heartbeat", hb))
	}
	if c.Approval.RetentionDays < 0 {
		problems = append(problems, "approval.retention_days must not be negative")
	}
	if c.Executor.MaxConcurrency < 1 {
		problems = append(problems, "executor.max_concurrency must be at least 1")
	}
	if c.Executor.CheckpointInterval < 0 {
		problems = append(problems, "executor.checkpoint_interval must not be negative")
	}
	if c.Executor.PollInterval <= 0 {
		problems = append(problems, "executor.poll_interval must be positive")
	}
	if c.Integration.Trunk == "" {
		problems = append(problems, "integration.trunk is required")
	}
	switch c.Integration.Reviews {
	case "local", "github":
	default:
		problems = append(problems, fmt.Sprintf("integration.reviews must be local or github, got %q", c.Integration.Reviews))
	}
	if c.Agent.BranchPrefix == "" {
		problems = append(problems, "agent.branch_prefix is required")
	}
	if c.Agent.BranchPrefix == c.Integration.BranchPrefix {
		problems = append(problems, "agent.branch_prefix and integration.branch_prefix must differ")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, "telemetry.sample_rate must be between 0 and 1")
	}
	for _, h := range c.Hooks {
		if err := h.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.ErrCodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; ")).
		WithSuggestion("Run 'flotilla config' to print the effective configuration")
}

// Policy builds the approval policy named by the configuration, wrapped
// with the operation overrides when any are configured
func (c *Config) Policy() approval.Policy {
	p, err := approval.PolicyByName(c.Approval.Policy)
	if err != nil {
		p = approval.DefaultPolicy{}
	}
	if len(c.Approval.RequireHuman) == 0 {
		return p
	}
	return approval.NewCompositePolicy(approval.OperationPolicy{RequireHuman: c.Approval.RequireHuman}, p)
}

// Resolve makes relative state paths absolute against the repository
func (c *Config) Resolve() {
	repo, err := filepath.Abs(c.Integration.Repo)
	if err == nil {
		c.Integration.Repo = repo
	}
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Integration.Repo, *p)
		}
	}
	abs(&c.Store.Path)
	abs(&c.Executor.RunDir)
	abs(&c.Integration.WorktreeDir)
	abs(&c.Integration.LedgerDir)
	abs(&c.Integration.ReviewDir)
	abs(&c.Agent.WorktreeDir)
}
