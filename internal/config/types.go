package config

// Config is the root of the autogram configuration file.
//
// The file may be JSON, YAML (.yaml/.yml) or TOML (.toml); non-JSON inputs
// are coerced to JSON before the strict decode, so unknown keys are rejected
// for every format. All durations are Go duration strings (e.g. "500ms",
// "10s", "30m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`

	// Sessions seeds the pool at startup (and on reload, for ids not yet
	// known). Existing sessions are never overwritten by a seed, so health
	// and counters survive config edits.
	Sessions []SessionSeed `json:"sessions,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the control loop, the worker pool, session
// health policy and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - tick: "10s"
//   - workers: 5
//   - min_action_delay / max_action_delay: "2s" / "8s"
//   - failure_threshold: 3, invalid_threshold: 5
//   - cooldown: "30m", cooldown_step: "10m", cooldown_cap: "1h"
//   - rate_limited_cooldown: "5m", rate_limited_cooldown_step: "3m"
//   - max_attempts: 3
//   - retry_backoff_base: "30s", retry_backoff_cap: "15m"
//   - watchdog_timeout: "3m", executor_timeout: "60s"
//   - keepalive_idle: "30m"
//   - retention: "24h", maintenance_spec: "@hourly"
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`
	Workers int    `json:"workers,omitempty"`

	MinActionDelay string `json:"min_action_delay,omitempty"`
	MaxActionDelay string `json:"max_action_delay,omitempty"`

	FailureThreshold int `json:"failure_threshold,omitempty"`
	InvalidThreshold int `json:"invalid_threshold,omitempty"`

	Cooldown     string `json:"cooldown,omitempty"`
	CooldownStep string `json:"cooldown_step,omitempty"`
	CooldownCap  string `json:"cooldown_cap,omitempty"`

	// Separate, shorter policy for rate-limit failures: the remote is
	// asking for a pause, not signalling a broken session.
	RateLimitedCooldown     string `json:"rate_limited_cooldown,omitempty"`
	RateLimitedCooldownStep string `json:"rate_limited_cooldown_step,omitempty"`

	MaxAttempts      int    `json:"max_attempts,omitempty"`
	RetryBackoffBase string `json:"retry_backoff_base,omitempty"`
	RetryBackoffCap  string `json:"retry_backoff_cap,omitempty"`

	WatchdogTimeout string `json:"watchdog_timeout,omitempty"`
	ExecutorTimeout string `json:"executor_timeout,omitempty"`

	// KeepaliveIdle is how long a session may sit without any dispatch
	// before a session_keepalive activity is auto-enqueued for it.
	KeepaliveIdle string `json:"keepalive_idle,omitempty"`

	// Retention bounds how long terminal activities are kept before the
	// maintenance job prunes them. MaintenanceSpec is a robfig/cron spec.
	Retention       string `json:"retention,omitempty"`
	MaintenanceSpec string `json:"maintenance_spec,omitempty"`

	// Probabilities maps activity type -> chance (0..1) of being drawn by
	// random scheduling. Types omitted here keep their defaults; set 0 to
	// exclude a type.
	Probabilities map[string]float64 `json:"probabilities,omitempty"`

	// Targets is the pool random scheduling draws from for activity types
	// that need a target (hashtags, usernames).
	Targets []string `json:"targets,omitempty"`
}

// LimitsConfig maps activity type -> budget. A limit of 0 means unlimited
// for daily/hourly and disabled for session_daily. Types omitted keep their
// defaults.
type LimitsConfig struct {
	Daily        map[string]int `json:"daily,omitempty"`
	Hourly       map[string]int `json:"hourly,omitempty"`
	SessionDaily map[string]int `json:"session_daily,omitempty"`
}

// ExecutorConfig selects the action executor. Only the simulator ships with
// the daemon; real executors plug in at the API level.
type ExecutorConfig struct {
	Driver    string           `json:"driver,omitempty"` // default: "simulator"
	Simulator *SimulatorConfig `json:"simulator,omitempty"`
}

// SimulatorConfig tunes the simulated executor.
//
// FailureWeights maps failure kind (rate_limited, detected_block,
// invalid_credential, network_error, unknown) -> relative weight used when
// a simulated call fails.
type SimulatorConfig struct {
	Seed           int64          `json:"seed,omitempty"` // 0 = time-seeded
	MinLatency     string         `json:"min_latency,omitempty"`
	MaxLatency     string         `json:"max_latency,omitempty"`
	FailureRate    float64        `json:"failure_rate,omitempty"`
	FailureWeights map[string]int `json:"failure_weights,omitempty"`
}

// StorageConfig controls the persistence layer. Driver is one of
// "file", "sqlite", "redis" or ""/"none" (disabled).
//
// Example:
//
//	"storage": { "driver": "file", "path": "./autogram_store" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"` // default: "autogram:"
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// MetricsConfig controls the optional debug HTTP server (/metrics, /healthz,
// /debug/pprof/*).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9091").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9091"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so pprof
	// profile captures (30s+) work reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AlertsConfig controls Telegram health alerts. Alerts stay disabled unless
// both token and chat_id are set.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"` // default: 20
}

// SessionSeed declares a session the pool should know about.
// Credential is opaque to the daemon and never logged.
type SessionSeed struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
}
