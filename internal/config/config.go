// Package config loads bosun's runtime configuration from the environment
// variables named in spec §6. Configuration-file parsing is intentionally
// absent: bosun is a control plane, not a project generator, and every
// knob it exposes is an operational tuning value, not project structure.
//
// Follows the teacher's shape (internal/config/config.go, pre-transform):
// a struct of nested sub-structs plus a pure Validate(cfg) []error rather
// than fail-fast construction, so a caller sees every problem at once
// before deciding whether to proceed. Field-level checks are expressed
// with github.com/go-playground/validator/v10 struct tags, a library the
// teacher's own config code doesn't use but that this task's domain
// sibling (jordigilh-kubernaut) pulls in for exactly this job.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is bosun's full runtime configuration.
type Config struct {
	Workflow       WorkflowConfig
	SelfRestart    SelfRestartConfig
	MonitorMonitor MonitorMonitorConfig
	Reconciler     ReconcilerConfig
}

// WorkflowConfig controls the Event Dispatcher / workflow dispatch layer.
type WorkflowConfig struct {
	// AutomationEnabled is loaded from WORKFLOW_AUTOMATION_ENABLED, but no
	// component reads it: reconciler writes, restarts and notifications run
	// whatever its value.
	AutomationEnabled bool
	EventDedupWindow  time.Duration `validate:"min=0"`
}

// SelfRestartConfig controls the Source-Change Watcher / self-restart path.
type SelfRestartConfig struct {
	QuietPeriod                 time.Duration `validate:"min=0"`
	RetryPeriod                 time.Duration `validate:"min=0"`
	DeferHardCap                int           `validate:"min=0"`
	MaxDeferWindow               time.Duration `validate:"min=0"`
	ForceActiveSlotMinAge        time.Duration `validate:"min=0"`
	WatchEnabled                 bool
	WatchForce                   bool
	AllowInternalRuntimeRestarts bool
}

// MonitorMonitorConfig controls the Secondary Supervisor Loop (spec §4.9).
type MonitorMonitorConfig struct {
	Enabled             bool
	CycleInterval       time.Duration `validate:"min=0"`
	CycleTimeout        time.Duration `validate:"min=0"`
	StatusInterval      time.Duration `validate:"min=0"`
	Branch              string
	CycleStartupDelay   time.Duration `validate:"min=0"`
	StatusStartupDelay  time.Duration `validate:"min=0"`
	WatchdogGrace       time.Duration `validate:"min=0"`
	SkipStreakThreshold int           `validate:"min=0"`
}

// ReconcilerConfig controls the Task Reconciliation Engine (spec §4.4/§4.6).
type ReconcilerConfig struct {
	StaleTaskAge         time.Duration `validate:"min=0"`
	RecoveryCacheEnabled bool
	RecoveryLogDedup     time.Duration `validate:"min=0"`
	RecoveryCacheMax     int           `validate:"min=0"`
	// DryRun is not one of spec §6's named environment variables; it's a
	// supplemented operational escape hatch (logs decisions, writes
	// nothing) for running the reconciler against an unfamiliar repo the
	// first time.
	DryRun bool
}

// Load reads Config from the process environment, applying spec §6's
// defaults for every variable that's unset or unparsable.
func Load() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			AutomationEnabled: envBool("WORKFLOW_AUTOMATION_ENABLED", true),
			EventDedupWindow:  envMillis("WORKFLOW_EVENT_DEDUP_WINDOW_MS", 5*time.Minute),
		},
		SelfRestart: SelfRestartConfig{
			QuietPeriod:                  envMillis("SELF_RESTART_QUIET_MS", 2*time.Second),
			RetryPeriod:                  envMillis("SELF_RESTART_RETRY_MS", 15*time.Second),
			DeferHardCap:                 envInt("SELF_RESTART_DEFER_HARD_CAP", 5),
			MaxDeferWindow:               envMillis("SELF_RESTART_MAX_DEFER_MS", 5*time.Minute),
			ForceActiveSlotMinAge:        envMillis("SELF_RESTART_FORCE_ACTIVE_SLOT_MIN_AGE_MS", 30*time.Second),
			WatchEnabled:                 envBool("SELF_RESTART_WATCH_ENABLED", true),
			WatchForce:                   envBool("SELF_RESTART_WATCH_FORCE", false),
			AllowInternalRuntimeRestarts: envBool("ALLOW_INTERNAL_RUNTIME_RESTARTS", false),
		},
		MonitorMonitor: MonitorMonitorConfig{
			Enabled:             envBool("DEVMODE_MONITOR_MONITOR_ENABLED", false),
			CycleInterval:       envMillis("DEVMODE_MONITOR_MONITOR_INTERVAL_MS", 5*time.Minute),
			CycleTimeout:        envMillis("DEVMODE_MONITOR_MONITOR_TIMEOUT_MS", 2*time.Minute),
			StatusInterval:      envMillis("DEVMODE_MONITOR_MONITOR_STATUS_INTERVAL_MS", 30*time.Minute),
			Branch:              envString("DEVMODE_MONITOR_MONITOR_BRANCH", ""),
			CycleStartupDelay:   envMillis("DEVMODE_MONITOR_MONITOR_STARTUP_DELAY_MS", 15*time.Second),
			StatusStartupDelay:  envMillis("DEVMODE_MONITOR_MONITOR_STATUS_STARTUP_DELAY_MS", 20*time.Second),
			WatchdogGrace:       envMillis("DEVMODE_MONITOR_MONITOR_WATCHDOG_DELAY_MS", 60*time.Second),
			SkipStreakThreshold: envInt("DEVMODE_MONITOR_MONITOR_SKIP_STREAK_THRESHOLD", 2),
		},
		Reconciler: ReconcilerConfig{
			StaleTaskAge:         envHours("STALE_TASK_AGE_HOURS", 3*time.Hour),
			RecoveryCacheEnabled: envBool("RECOVERY_CACHE_ENABLED", true),
			RecoveryLogDedup:     envMinutes("RECOVERY_LOG_DEDUP_MINUTES", 30*time.Minute),
			RecoveryCacheMax:     envInt("RECOVERY_CACHE_MAX", 500),
			DryRun:               envBool("RECONCILER_DRY_RUN", false),
		},
	}
}

// Validate runs struct-tag validation over cfg and returns every violation
// found, rather than stopping at the first one, so an operator fixes their
// environment in one pass.
func Validate(cfg *Config) []error {
	if err := validator.New().Struct(cfg); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []error{err}
		}
		errs := make([]error, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Errorf("%s: failed %s validation", fe.Namespace(), fe.Tag()))
		}
		return errs
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMillis(key string, def time.Duration) time.Duration {
	return envScaledInt(key, def, time.Millisecond)
}

func envMinutes(key string, def time.Duration) time.Duration {
	return envScaledInt(key, def, time.Minute)
}

func envHours(key string, def time.Duration) time.Duration {
	return envScaledInt(key, def, time.Hour)
}

func envScaledInt(key string, def time.Duration, unit time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * unit
}
