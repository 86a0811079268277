// Package config loads and validates the orchestrator's YAML
// configuration file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/score"
)

// Duration wraps time.Duration so YAML values read "30s" / "4h" rather
// than integer nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Rate is a token budget over one minute and, optionally, one hour.
// PerHour zero means no hourly window.
type Rate struct {
	PerMinute int `yaml:"per_minute" validate:"min=0"`
	PerHour   int `yaml:"per_hour" validate:"min=0"`
}

// RateLimits maps driver then action type to a Rate. Lookup falls back
// from (driver, action) to the driver's "*" entry to Defaults.
type RateLimits struct {
	Defaults Rate                       `yaml:"defaults"`
	Drivers  map[string]map[string]Rate `yaml:"drivers"`
}

// Lookup resolves the Rate for a (driver, action type) pair.
func (r RateLimits) Lookup(driver, actionType string) Rate {
	if byAction, ok := r.Drivers[driver]; ok {
		if rate, ok := byAction[actionType]; ok {
			return rate
		}
		if rate, ok := byAction["*"]; ok {
			return rate
		}
	}
	return r.Defaults
}

// Reasoning configures the reasoning subprocess.
type Reasoning struct {
	Command     []string `yaml:"command" validate:"required,min=1"`
	Timeout     Duration `yaml:"timeout"`
	GracePeriod Duration `yaml:"grace_period"`
}

// Retry configures the error-queue backoff schedule. A task's attempt
// N waits Delays[N-1]; attempts beyond the list reuse the final delay.
type Retry struct {
	MaxAttempts int        `yaml:"max_attempts" validate:"min=1"`
	Delays      []Duration `yaml:"delays" validate:"required,min=1"`
}

// Delay returns the wait before retry |attempt| (1-based).
func (r Retry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(r.Delays) {
		attempt = len(r.Delays)
	}
	return r.Delays[attempt-1].Std()
}

// Approvals configures which action types require human sign-off and
// how long each approval may stay pending.
type Approvals struct {
	Require            []string            `yaml:"require"`
	Timeouts           map[string]Duration `yaml:"timeouts"`
	ExpireWhileStopped bool                `yaml:"expire_while_stopped"`
}

// RequiresApproval reports whether |actionType| needs an approval file.
func (a Approvals) RequiresApproval(actionType string) bool {
	for _, t := range a.Require {
		if t == actionType {
			return true
		}
	}
	return false
}

// Timeout returns the pending TTL for |actionType|, falling back to the
// "other" entry.
func (a Approvals) Timeout(actionType string) time.Duration {
	if d, ok := a.Timeouts[actionType]; ok {
		return d.Std()
	}
	if d, ok := a.Timeouts["other"]; ok {
		return d.Std()
	}
	return 12 * time.Hour
}

// Circuit configures the per-driver breakers.
type Circuit struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"min=1"`
	FailureWindow    Duration `yaml:"failure_window"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls" validate:"min=1"`
}

// Driver locates one action driver executable. PermanentExitCodes lists
// exit codes the guard treats as non-retryable; everything else is
// retryable.
type Driver struct {
	Path               string   `yaml:"path" validate:"required"`
	Timeout            Duration `yaml:"timeout"`
	PermanentExitCodes []int    `yaml:"permanent_exit_codes"`
}

// Metrics configures the Prometheus endpoint. Port zero disables it.
type Metrics struct {
	Port int `yaml:"port" validate:"min=0,max=65535"`
}

// Log configures process logging.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Config is the single configuration document for the orchestrator and
// its CLI.
type Config struct {
	VaultPath          string   `yaml:"vault_path" validate:"required"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks" validate:"min=1,max=10"`
	PollInterval       Duration `yaml:"poll_interval"`
	MaxIterations      int      `yaml:"max_iterations" validate:"min=0"`
	StopHookFilename   string   `yaml:"stop_hook_filename" validate:"required"`

	Reasoning       Reasoning     `yaml:"reasoning"`
	PriorityWeights score.Weights `yaml:"priority_weights"`
	VIPSenders      []string      `yaml:"vip_senders"`
	ClientSenders   []string      `yaml:"client_senders"`
	InternalDomains []string      `yaml:"internal_domains"`

	Retry               Retry               `yaml:"retry"`
	Approvals           Approvals           `yaml:"approvals"`
	AuthorizedApprovers map[string][]string `yaml:"authorized_approvers"`
	RateLimits          RateLimits          `yaml:"rate_limits"`
	Circuit             Circuit             `yaml:"circuit"`
	Drivers             map[string]Driver   `yaml:"drivers"`
	Metrics             Metrics             `yaml:"metrics"`
	Log                 Log                 `yaml:"log"`
}

// Default returns the documented defaults. Loading overlays the file's
// keys on top, so absent keys keep these values.
func Default() Config {
	return Config{
		MaxConcurrentTasks: 2,
		PollInterval:       Duration(30 * time.Second),
		StopHookFilename:   labels.StopHook,
		Reasoning: Reasoning{
			Command:     []string{"fte-reason"},
			Timeout:     Duration(time.Hour),
			GracePeriod: Duration(10 * time.Second),
		},
		PriorityWeights: score.DefaultWeights,
		Retry: Retry{
			MaxAttempts: 5,
			Delays: []Duration{
				Duration(time.Minute),
				Duration(5 * time.Minute),
				Duration(15 * time.Minute),
				Duration(time.Hour),
				Duration(4 * time.Hour),
			},
		},
		Approvals: Approvals{
			Require: []string{"payment", "delete", "deploy"},
			Timeouts: map[string]Duration{
				"payment": Duration(24 * time.Hour),
				"message": Duration(6 * time.Hour),
				"delete":  Duration(12 * time.Hour),
				"deploy":  Duration(4 * time.Hour),
				"other":   Duration(12 * time.Hour),
			},
			ExpireWhileStopped: true,
		},
		RateLimits: RateLimits{
			Defaults: Rate{PerMinute: 10, PerHour: 100},
		},
		Circuit: Circuit{
			FailureThreshold: 5,
			FailureWindow:    Duration(60 * time.Second),
			OpenTimeout:      Duration(30 * time.Second),
			HalfOpenMaxCalls: 1,
		},
		Metrics: Metrics{Port: 0},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// DefaultPath is where a vault keeps its configuration.
func DefaultPath(vault string) string { return filepath.Join(vault, "fte.yaml") }

// Load reads, overlays onto defaults, and validates the configuration
// at |path|. Errors wrap fault.ErrValidation so callers can map them to
// the usage exit code.
func Load(path string) (Config, error) {
	var cfg = Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	var dec = yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err = dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parsing config %s: %v: %w", path, err, fault.ErrValidation)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate applies struct tags plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%v: %w", err, fault.ErrValidation)
	}
	var fail = func(format string, args ...interface{}) error {
		return fmt.Errorf(format+": %w", append(args, fault.ErrValidation)...)
	}

	if c.PollInterval <= 0 {
		return fail("poll_interval must be positive")
	}
	if c.Reasoning.Timeout <= 0 || c.Reasoning.GracePeriod <= 0 {
		return fail("reasoning timeout and grace_period must be positive")
	}
	var sum = c.PriorityWeights.Urgency + c.PriorityWeights.Deadline + c.PriorityWeights.Sender
	if math.Abs(sum-1.0) > 1e-6 {
		return fail("priority_weights must sum to 1.0, got %v", sum)
	}
	for i, d := range c.Retry.Delays {
		if d <= 0 {
			return fail("retry.delays[%d] must be positive", i)
		}
	}
	for actionType, d := range c.Approvals.Timeouts {
		if d <= 0 {
			return fail("approvals.timeouts[%s] must be positive", actionType)
		}
	}
	if c.Circuit.FailureWindow <= 0 || c.Circuit.OpenTimeout <= 0 {
		return fail("circuit failure_window and open_timeout must be positive")
	}
	for actionType, patterns := range c.AuthorizedApprovers {
		if len(patterns) == 0 {
			return fail("authorized_approvers[%s] is empty", actionType)
		}
		for _, p := range patterns {
			if _, err := glob.Compile(p); err != nil {
				return fail("authorized_approvers[%s]: bad pattern %q", actionType, p)
			}
		}
	}
	for name, drv := range c.Drivers {
		if drv.Timeout < 0 {
			return fail("drivers[%s].timeout must not be negative", name)
		}
	}
	return nil
}

// DriverTimeout returns the execution timeout for |driver|, defaulting
// to two minutes when unset.
func (c *Config) DriverTimeout(driver string) time.Duration {
	if d, ok := c.Drivers[driver]; ok && d.Timeout > 0 {
		return d.Timeout.Std()
	}
	return 2 * time.Minute
}

// DriverPermanent reports whether |exitCode| is configured as a
// permanent failure for |driver|. Unlisted codes are retryable.
func (c *Config) DriverPermanent(driver string, exitCode int) bool {
	d, ok := c.Drivers[driver]
	if !ok {
		return false
	}
	for _, code := range d.PermanentExitCodes {
		if code == exitCode {
			return true
		}
	}
	return false
}
