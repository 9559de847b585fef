package app

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"autogram/internal/activity"
	"autogram/internal/config"
	"autogram/internal/executor"
	"autogram/internal/metrics"
	"autogram/internal/notify"
	"autogram/internal/scheduler"
	"autogram/internal/store"
)

// ValidateConfigFile parses path and runs the same checks the daemon's
// reload validator applies. Used by `autogram config validate`.
func ValidateConfigFile(path string) error {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}

// validateConfig runs every section mapper; a config is valid exactly when
// all of them accept it.
func validateConfig(cfg *config.Config) error {
	if _, err := mapSchedulerOptions(cfg); err != nil {
		return err
	}
	if _, _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutor(cfg); err != nil {
		return err
	}
	if _, err := mapMetricsConfig(cfg); err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}
	for i, sd := range cfg.Sessions {
		if strings.TrimSpace(sd.ID) == "" {
			return fmt.Errorf("sessions[%d].id: must not be empty", i)
		}
		if sd.Credential == "" {
			return fmt.Errorf("sessions[%d].credential: must not be empty", i)
		}
	}
	return nil
}

// mapSchedulerOptions resolves the scheduler section onto the stock tuning.
// It is also the validator for that section: any error here rejects a config
// commit during hot reload.
func mapSchedulerOptions(cfg *config.Config) (scheduler.Options, error) {
	opts := scheduler.DefaultOptions()
	if cfg == nil {
		return opts, nil
	}
	sc := cfg.Scheduler
	opts.Enabled = sc.Enabled

	if sc.Workers < 0 {
		return opts, fmt.Errorf("scheduler.workers: must be >= 0")
	}
	if sc.Workers > 0 {
		opts.Workers = sc.Workers
	}

	var err error
	if opts.Tick, err = config.ParseDurationOrDefault("scheduler.tick", sc.Tick, opts.Tick); err != nil {
		return opts, err
	}
	// Zero is meaningful for the pacing floor: no pause between actions.
	if strings.TrimSpace(sc.MinActionDelay) != "" {
		if opts.MinActionDelay, err = config.ParseDurationField("scheduler.min_action_delay", sc.MinActionDelay); err != nil {
			return opts, err
		}
	}
	if opts.MaxActionDelay, err = config.ParseDurationOrDefault("scheduler.max_action_delay", sc.MaxActionDelay, opts.MaxActionDelay); err != nil {
		return opts, err
	}
	if opts.MaxActionDelay < opts.MinActionDelay {
		return opts, fmt.Errorf("scheduler.max_action_delay: must not be below min_action_delay")
	}

	if sc.FailureThreshold < 0 || sc.InvalidThreshold < 0 {
		return opts, fmt.Errorf("scheduler.failure_threshold/invalid_threshold: must be >= 0")
	}
	if sc.FailureThreshold > 0 {
		opts.Policy.FailureThreshold = sc.FailureThreshold
	}
	if sc.InvalidThreshold > 0 {
		opts.Policy.InvalidThreshold = sc.InvalidThreshold
	}
	if opts.Policy.Cooldown, err = config.ParseDurationOrDefault("scheduler.cooldown", sc.Cooldown, opts.Policy.Cooldown); err != nil {
		return opts, err
	}
	if opts.Policy.CooldownStep, err = config.ParseDurationOrDefault("scheduler.cooldown_step", sc.CooldownStep, opts.Policy.CooldownStep); err != nil {
		return opts, err
	}
	if opts.Policy.CooldownCap, err = config.ParseDurationOrDefault("scheduler.cooldown_cap", sc.CooldownCap, opts.Policy.CooldownCap); err != nil {
		return opts, err
	}
	if opts.Policy.RateLimitedCooldown, err = config.ParseDurationOrDefault("scheduler.rate_limited_cooldown", sc.RateLimitedCooldown, opts.Policy.RateLimitedCooldown); err != nil {
		return opts, err
	}
	if opts.Policy.RateLimitedCooldownStep, err = config.ParseDurationOrDefault("scheduler.rate_limited_cooldown_step", sc.RateLimitedCooldownStep, opts.Policy.RateLimitedCooldownStep); err != nil {
		return opts, err
	}

	if sc.MaxAttempts < 0 {
		return opts, fmt.Errorf("scheduler.max_attempts: must be >= 0")
	}
	if sc.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = sc.MaxAttempts
	}
	if opts.Retry.BackoffBase, err = config.ParseDurationOrDefault("scheduler.retry_backoff_base", sc.RetryBackoffBase, opts.Retry.BackoffBase); err != nil {
		return opts, err
	}
	if opts.Retry.BackoffCap, err = config.ParseDurationOrDefault("scheduler.retry_backoff_cap", sc.RetryBackoffCap, opts.Retry.BackoffCap); err != nil {
		return opts, err
	}
	if opts.Retry.BackoffCap < opts.Retry.BackoffBase {
		return opts, fmt.Errorf("scheduler.retry_backoff_cap: must not be below retry_backoff_base")
	}

	// Zero disables these three.
	if strings.TrimSpace(sc.WatchdogTimeout) != "" {
		if opts.WatchdogTimeout, err = config.ParseDurationField("scheduler.watchdog_timeout", sc.WatchdogTimeout); err != nil {
			return opts, err
		}
	}
	if strings.TrimSpace(sc.ExecutorTimeout) != "" {
		if opts.ExecutorTimeout, err = config.ParseDurationField("scheduler.executor_timeout", sc.ExecutorTimeout); err != nil {
			return opts, err
		}
	}
	if strings.TrimSpace(sc.KeepaliveIdle) != "" {
		if opts.KeepaliveIdle, err = config.ParseDurationField("scheduler.keepalive_idle", sc.KeepaliveIdle); err != nil {
			return opts, err
		}
	}

	if opts.Retention, err = config.ParseDurationOrDefault("scheduler.retention", sc.Retention, opts.Retention); err != nil {
		return opts, err
	}
	if spec := strings.TrimSpace(sc.MaintenanceSpec); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return opts, fmt.Errorf("scheduler.maintenance_spec: invalid %q: %w", spec, err)
		}
		opts.MaintenanceSpec = spec
	}

	for k, v := range sc.Probabilities {
		t, err := activity.ParseType(k)
		if err != nil {
			return opts, fmt.Errorf("scheduler.probabilities: %w", err)
		}
		if v < 0 || v > 1 {
			return opts, fmt.Errorf("scheduler.probabilities[%s]: must be within [0,1]", k)
		}
		opts.Probabilities[t] = v
	}
	if sc.Targets != nil {
		targets := make([]string, 0, len(sc.Targets))
		for _, t := range sc.Targets {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		opts.Targets = targets
	}

	if err := mergeLimitTable(opts.Limits.Daily, cfg.Limits.Daily, "limits.daily"); err != nil {
		return opts, err
	}
	if err := mergeLimitTable(opts.Limits.Hourly, cfg.Limits.Hourly, "limits.hourly"); err != nil {
		return opts, err
	}
	if err := mergeLimitTable(opts.Limits.SessionDaily, cfg.Limits.SessionDaily, "limits.session_daily"); err != nil {
		return opts, err
	}
	return opts, nil
}

// mergeLimitTable folds configured budgets onto the defaults. A zero removes
// the budget entirely (unlimited).
func mergeLimitTable(dst map[activity.Type]int, src map[string]int, path string) error {
	for k, n := range src {
		t, err := activity.ParseType(k)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if n < 0 {
			return fmt.Errorf("%s[%s]: must be >= 0", path, k)
		}
		if n == 0 {
			delete(dst, t)
			continue
		}
		dst[t] = n
	}
	return nil
}

// mapStoreConfig resolves persistence settings; enabled is false when no
// driver is configured.
func mapStoreConfig(cfg *config.Config) (store.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return store.Config{}, false, nil
	}
	st := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	if driver == "" || driver == "none" {
		return store.Config{}, false, nil
	}

	out := store.Config{Driver: driver, Path: st.Path}
	var err error
	if out.BusyTimeout, err = config.ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
		return store.Config{}, false, err
	}
	if st.Redis != nil {
		out.Redis = store.RedisConfig{
			Addr:      st.Redis.Addr,
			Password:  st.Redis.Password,
			DB:        st.Redis.DB,
			KeyPrefix: st.Redis.KeyPrefix,
		}
		if out.Redis.DialTimeout, err = config.ParseDurationField("storage.redis.dial_timeout", st.Redis.DialTimeout); err != nil {
			return store.Config{}, false, err
		}
	}
	switch driver {
	case "file", "sqlite", "redis":
	default:
		return store.Config{}, false, fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
	}
	if driver == "redis" && (st.Redis == nil || strings.TrimSpace(st.Redis.Addr) == "") {
		return store.Config{}, false, fmt.Errorf("storage.redis.addr: required for the redis driver")
	}
	return out, true, nil
}

// mapExecutor builds the configured executor. Only the simulator ships in
// the daemon.
func mapExecutor(cfg *config.Config) (executor.Executor, error) {
	driver := "simulator"
	if cfg != nil {
		if d := strings.ToLower(strings.TrimSpace(cfg.Executor.Driver)); d != "" {
			driver = d
		}
	}
	if driver != "simulator" {
		return nil, fmt.Errorf("executor.driver: unknown driver %q", driver)
	}
	sim, err := mapSimulatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	return executor.NewSimulator(sim), nil
}

func mapSimulatorConfig(cfg *config.Config) (executor.SimulatorConfig, error) {
	out := executor.DefaultSimulatorConfig()
	if cfg == nil || cfg.Executor.Simulator == nil {
		return out, nil
	}
	sc := cfg.Executor.Simulator
	out.Seed = sc.Seed

	var err error
	if out.MinLatency, err = config.ParseDurationOrDefault("executor.simulator.min_latency", sc.MinLatency, out.MinLatency); err != nil {
		return out, err
	}
	if out.MaxLatency, err = config.ParseDurationOrDefault("executor.simulator.max_latency", sc.MaxLatency, out.MaxLatency); err != nil {
		return out, err
	}
	if sc.FailureRate < 0 || sc.FailureRate > 1 {
		return out, fmt.Errorf("executor.simulator.failure_rate: must be within [0,1]")
	}
	if sc.FailureRate > 0 {
		out.FailureRate = sc.FailureRate
	}
	if len(sc.FailureWeights) > 0 {
		weights := make(map[executor.Kind]int, len(sc.FailureWeights))
		for k, w := range sc.FailureWeights {
			kind := executor.Kind(strings.ToLower(strings.TrimSpace(k)))
			switch kind {
			case executor.RateLimited, executor.DetectedBlock, executor.InvalidCredential,
				executor.NetworkError, executor.Unknown:
			default:
				return out, fmt.Errorf("executor.simulator.failure_weights: unknown kind %q", k)
			}
			if w < 0 {
				return out, fmt.Errorf("executor.simulator.failure_weights[%s]: must be >= 0", k)
			}
			weights[kind] = w
		}
		out.FailureWeights = weights
	}
	return out, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	if cfg == nil || cfg.Metrics == nil {
		return metrics.ServerConfig{}, nil
	}
	mc := cfg.Metrics
	out := metrics.ServerConfig{
		Enabled:       mc.Enabled,
		Addr:          mc.Addr,
		Token:         mc.Token,
		AllowInsecure: mc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("metrics.read_timeout", mc.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("metrics.write_timeout", mc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("metrics.idle_timeout", mc.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	if cfg == nil || cfg.Alerts == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerMin: cfg.Alerts.RatePerMin,
	}
}
