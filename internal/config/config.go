// Package config loads and validates the maestro TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General   General   `toml:"general"`
	Temporal  Temporal  `toml:"temporal"`
	Executor  Executor  `toml:"executor"`
	Agents    Agents    `toml:"agents"`
	Policy    Policy    `toml:"policy"`
	Audit     Audit     `toml:"audit"`
	Telemetry Telemetry `toml:"telemetry"`
}

type General struct {
	StateDB  string `toml:"state_db"`
	LogLevel string `toml:"log_level"`
}

type Temporal struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

type Executor struct {
	// MaxAttempts bounds transient/timeout retries of one adapter call.
	MaxAttempts      int      `toml:"max_attempts"`
	RetryBackoffBase Duration `toml:"retry_backoff_base"`
	RetryMaxDelay    Duration `toml:"retry_max_delay"`

	// LeaseTTL is the single-writer lease duration; it is renewed while the
	// run is active.
	LeaseTTL Duration `toml:"lease_ttl"`

	// RunDeadline caps a run's wall clock. Zero means unbounded.
	RunDeadline Duration `toml:"run_deadline"`
}

type Agents struct {
	Mode              string  `toml:"mode"` // "stub" or "llm"
	Model             string  `toml:"model"`
	MaxTokens         int64   `toml:"max_tokens"`
	MaxRetries        int     `toml:"max_retries"`
	CostInputPerMtok  float64 `toml:"cost_input_per_mtok"`
	CostOutputPerMtok float64 `toml:"cost_output_per_mtok"`
}

type Policy struct {
	// DefaultAction applies to tools unknown to every policy rule. The
	// POLICY_DEFAULT_ACTION environment variable overrides it.
	DefaultAction string `toml:"default_action"`

	// DryRunForced downgrades all execute runs to dry-run. The DRY_RUN_FORCED
	// environment variable overrides it; downgrades are audit-logged.
	DryRunForced bool `toml:"dry_run_forced"`
}

type Audit struct {
	// Salt keys the audit chain HMAC. Fixed before the executor starts and
	// never rotated in place.
	Salt string `toml:"salt"`

	RedactPatterns []string `toml:"redact_patterns"`
}

type Telemetry struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	MetricsBind  string `toml:"metrics_bind"`
}

// Load reads and validates a maestro TOML configuration file, then applies
// the environment overrides the core consumes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "maestro.db"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "maestro-task-queue"
	}
	if cfg.Executor.MaxAttempts == 0 {
		cfg.Executor.MaxAttempts = 3
	}
	if cfg.Executor.RetryBackoffBase.Duration == 0 {
		cfg.Executor.RetryBackoffBase.Duration = 1 * time.Second
	}
	if cfg.Executor.RetryMaxDelay.Duration == 0 {
		cfg.Executor.RetryMaxDelay.Duration = 30 * time.Second
	}
	if cfg.Executor.LeaseTTL.Duration == 0 {
		cfg.Executor.LeaseTTL.Duration = 30 * time.Second
	}
	if cfg.Agents.Mode == "" {
		cfg.Agents.Mode = "stub"
	}
	if cfg.Agents.MaxTokens == 0 {
		cfg.Agents.MaxTokens = 2048
	}
	if cfg.Agents.MaxRetries == 0 {
		cfg.Agents.MaxRetries = 3
	}
	if cfg.Policy.DefaultAction == "" {
		cfg.Policy.DefaultAction = "block"
	}
}

// applyEnv applies the two environment variables the core consumes.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("POLICY_DEFAULT_ACTION")); v != "" {
		cfg.Policy.DefaultAction = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("DRY_RUN_FORCED")); v != "" {
		if forced, err := strconv.ParseBool(v); err == nil {
			cfg.Policy.DryRunForced = forced
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Policy.DefaultAction {
	case "block", "allow":
	default:
		return fmt.Errorf("policy.default_action must be block or allow, got %q", cfg.Policy.DefaultAction)
	}
	switch cfg.Agents.Mode {
	case "stub", "llm":
	default:
		return fmt.Errorf("agents.mode must be stub or llm, got %q", cfg.Agents.Mode)
	}
	if cfg.Agents.Mode == "llm" && cfg.Agents.Model == "" {
		return fmt.Errorf("agents.model is required when agents.mode is llm")
	}
	if cfg.Audit.Salt == "" {
		return fmt.Errorf("audit.salt is required")
	}
	if cfg.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor.max_attempts must be >= 1")
	}

	dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
	if dir != "." {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
