package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/assadsharif/fte/go/fault"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "fte.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	var cfg, err = Load(writeConfig(t, `
vault_path: /srv/vault
max_concurrent_tasks: 4
reasoning:
  command: ["python3", "reason.py"]
  timeout: 30m
  grace_period: 5s
vip_senders: ["ceo@company.com"]
approvals:
  expire_while_stopped: false
rate_limits:
  drivers:
    mail-sender:
      message: {per_minute: 2, per_hour: 40}
drivers:
  mail-sender: {path: /opt/fte/mail-sender, timeout: 90s}
`))
	require.NoError(t, err)

	// Explicit keys override.
	require.Equal(t, "/srv/vault", cfg.VaultPath)
	require.Equal(t, 4, cfg.MaxConcurrentTasks)
	require.Equal(t, []string{"python3", "reason.py"}, cfg.Reasoning.Command)
	require.Equal(t, 30*time.Minute, cfg.Reasoning.Timeout.Std())
	require.False(t, cfg.Approvals.ExpireWhileStopped)

	// Absent keys keep defaults.
	require.Equal(t, 30*time.Second, cfg.PollInterval.Std())
	require.Equal(t, ".stop_hook", cfg.StopHookFilename)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, time.Minute, cfg.Retry.Delay(1))
	require.Equal(t, 4*time.Hour, cfg.Retry.Delay(5))
	require.Equal(t, []string{"payment", "delete", "deploy"}, cfg.Approvals.Require)
	require.Equal(t, 5, cfg.Circuit.FailureThreshold)
	require.Equal(t, "info", cfg.Log.Level)

	// Rate lookup falls back per driver then to defaults.
	require.Equal(t, Rate{PerMinute: 2, PerHour: 40}, cfg.RateLimits.Lookup("mail-sender", "message"))
	require.Equal(t, Rate{PerMinute: 10, PerHour: 100}, cfg.RateLimits.Lookup("mail-sender", "payment"))
	require.Equal(t, Rate{PerMinute: 10, PerHour: 100}, cfg.RateLimits.Lookup("unknown", "message"))

	// Driver timeout with fallback.
	require.Equal(t, 90*time.Second, cfg.DriverTimeout("mail-sender"))
	require.Equal(t, 2*time.Minute, cfg.DriverTimeout("unconfigured"))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	var _, err = Load(writeConfig(t, `
vault_path: /srv/vault
vault_pth: /typo
`))
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	var _, err = Load(writeConfig(t, `
vault_path: /srv/vault
poll_interval: thirty seconds
`))
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestValidateCrossFieldRules(t *testing.T) {
	var cases = []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing vault_path", func(c *Config) { c.VaultPath = "" }},
		{"zero workers", func(c *Config) { c.MaxConcurrentTasks = 0 }},
		{"too many workers", func(c *Config) { c.MaxConcurrentTasks = 11 }},
		{"weights do not sum", func(c *Config) { c.PriorityWeights.Urgency = 0.9 }},
		{"empty reasoning command", func(c *Config) { c.Reasoning.Command = nil }},
		{"negative delay", func(c *Config) { c.Retry.Delays[2] = Duration(-time.Second) }},
		{"zero approval timeout", func(c *Config) { c.Approvals.Timeouts["payment"] = 0 }},
		{"bad approver glob", func(c *Config) {
			c.AuthorizedApprovers = map[string][]string{"payment": {"[unclosed"}}
		}},
		{"empty approver list", func(c *Config) {
			c.AuthorizedApprovers = map[string][]string{"payment": {}}
		}},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg = Default()
			cfg.VaultPath = "/srv/vault"
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), fault.ErrValidation)
		})
	}

	var ok = Default()
	ok.VaultPath = "/srv/vault"
	require.NoError(t, ok.Validate())
}

func TestApprovalHelpers(t *testing.T) {
	var cfg = Default()
	require.True(t, cfg.Approvals.RequiresApproval("payment"))
	require.True(t, cfg.Approvals.RequiresApproval("deploy"))
	require.False(t, cfg.Approvals.RequiresApproval("message"))

	require.Equal(t, 24*time.Hour, cfg.Approvals.Timeout("payment"))
	require.Equal(t, 4*time.Hour, cfg.Approvals.Timeout("deploy"))
	// Unlisted types use the "other" TTL.
	require.Equal(t, 12*time.Hour, cfg.Approvals.Timeout("archive"))
}

func TestRetryDelayClamps(t *testing.T) {
	var r = Retry{MaxAttempts: 7, Delays: []Duration{Duration(time.Minute), Duration(5 * time.Minute)}}
	require.Equal(t, time.Minute, r.Delay(0))
	require.Equal(t, time.Minute, r.Delay(1))
	require.Equal(t, 5*time.Minute, r.Delay(2))
	// Attempts past the schedule reuse the final delay.
	require.Equal(t, 5*time.Minute, r.Delay(6))
}

func TestStarterRoundTrips(t *testing.T) {
	var vault = t.TempDir()
	var path = filepath.Join(vault, "fte.yaml")
	require.NoError(t, os.WriteFile(path, []byte(Starter(vault)), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, vault, cfg.VaultPath)

	var def = Default()
	def.VaultPath = vault
	require.Equal(t, def, cfg)
}
