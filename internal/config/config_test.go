package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
[audit]
salt = "dev-salt"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "maestro.db", cfg.General.StateDB)
	require.Equal(t, "info", cfg.General.LogLevel)
	require.Equal(t, "127.0.0.1:7233", cfg.Temporal.HostPort)
	require.Equal(t, "default", cfg.Temporal.Namespace)
	require.Equal(t, "maestro-task-queue", cfg.Temporal.TaskQueue)
	require.Equal(t, 3, cfg.Executor.MaxAttempts)
	require.Equal(t, time.Second, cfg.Executor.RetryBackoffBase.Duration)
	require.Equal(t, 30*time.Second, cfg.Executor.RetryMaxDelay.Duration)
	require.Equal(t, 30*time.Second, cfg.Executor.LeaseTTL.Duration)
	require.Equal(t, "stub", cfg.Agents.Mode)
	require.Equal(t, int64(2048), cfg.Agents.MaxTokens)
	require.Equal(t, 3, cfg.Agents.MaxRetries)
	require.Equal(t, "block", cfg.Policy.DefaultAction)
	require.False(t, cfg.Policy.DryRunForced)
}

func TestLoadParsesFullDocument(t *testing.T) {
	stateDB := filepath.Join(t.TempDir(), "maestro.db")
	cfg, err := Load(writeConfig(t, fmt.Sprintf(`
[general]
state_db = %q
log_level = "debug"

[temporal]
host_port = "temporal:7233"
namespace = "ops"
task_queue = "runbooks"

[executor]
max_attempts = 5
retry_backoff_base = "500ms"
retry_max_delay = "1m"
lease_ttl = "45s"
run_deadline = "2h"

[agents]
mode = "llm"
model = "claude-sonnet-4-5"
max_tokens = 4096
max_retries = 2

[policy]
default_action = "allow"
dry_run_forced = true

[audit]
salt = "prod-salt"
redact_patterns = ["^rk-[0-9a-f]{16}$"]

[telemetry]
otlp_endpoint = "127.0.0.1:4317"
metrics_bind = ":9464"
`, stateDB)))
	require.NoError(t, err)

	require.Equal(t, stateDB, cfg.General.StateDB)
	require.Equal(t, "debug", cfg.General.LogLevel)
	require.Equal(t, "temporal:7233", cfg.Temporal.HostPort)
	require.Equal(t, "runbooks", cfg.Temporal.TaskQueue)
	require.Equal(t, 5, cfg.Executor.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Executor.RetryBackoffBase.Duration)
	require.Equal(t, time.Minute, cfg.Executor.RetryMaxDelay.Duration)
	require.Equal(t, 2*time.Hour, cfg.Executor.RunDeadline.Duration)
	require.Equal(t, "llm", cfg.Agents.Mode)
	require.Equal(t, "claude-sonnet-4-5", cfg.Agents.Model)
	require.Equal(t, "allow", cfg.Policy.DefaultAction)
	require.True(t, cfg.Policy.DryRunForced)
	require.Equal(t, []string{"^rk-[0-9a-f]{16}$"}, cfg.Audit.RedactPatterns)
	require.Equal(t, ":9464", cfg.Telemetry.MetricsBind)
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing salt", "[general]\nlog_level = \"info\"", "audit.salt"},
		{"bad default action", minimalConfig + "[policy]\ndefault_action = \"warn\"", "default_action"},
		{"bad agent mode", minimalConfig + "[agents]\nmode = \"psychic\"", "agents.mode"},
		{"llm without model", minimalConfig + "[agents]\nmode = \"llm\"", "agents.model"},
		{"bad duration", minimalConfig + "[executor]\nretry_backoff_base = \"fast\"", "invalid duration"},
		{"negative attempts", minimalConfig + "[executor]\nmax_attempts = -1", "max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsMissingStateDBDir(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"[general]\nstate_db = \"/nonexistent-dir-for-test/maestro.db\""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLICY_DEFAULT_ACTION", "ALLOW")
	t.Setenv("DRY_RUN_FORCED", "true")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "allow", cfg.Policy.DefaultAction)
	require.True(t, cfg.Policy.DryRunForced)

	// garbage DRY_RUN_FORCED leaves the file value alone
	t.Setenv("DRY_RUN_FORCED", "maybe")
	t.Setenv("POLICY_DEFAULT_ACTION", "")
	cfg, err = Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "block", cfg.Policy.DefaultAction)
	require.False(t, cfg.Policy.DryRunForced)
}

func TestEnvOverrideRejectsBadAction(t *testing.T) {
	t.Setenv("POLICY_DEFAULT_ACTION", "warn")

	_, err := Load(writeConfig(t, minimalConfig))
	require.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, filepath.Join(home, ".maestro", "state.db"), ExpandHome("~/.maestro/state.db"))
	require.Equal(t, "/var/lib/maestro.db", ExpandHome("/var/lib/maestro.db"))
	require.Equal(t, "", ExpandHome(""))
}
