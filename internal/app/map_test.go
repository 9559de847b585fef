package app

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"autogram/internal/activity"
	"autogram/internal/config"
	"autogram/internal/executor"
	"autogram/internal/scheduler"
)

func TestMapSchedulerOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts, err := mapSchedulerOptions(nil)
	if err != nil {
		t.Fatalf("mapSchedulerOptions(nil) error: %v", err)
	}
	if !reflect.DeepEqual(opts, scheduler.DefaultOptions()) {
		t.Fatalf("nil config drifted from the stock tuning:\n got %+v\nwant %+v", opts, scheduler.DefaultOptions())
	}

	opts, err = mapSchedulerOptions(&config.Config{})
	if err != nil {
		t.Fatalf("empty config error: %v", err)
	}
	want := scheduler.DefaultOptions()
	want.Enabled = false // the file's enabled flag seeds the gate
	if !reflect.DeepEqual(opts, want) {
		t.Fatalf("empty config:\n got %+v\nwant %+v", opts, want)
	}
}

func TestMapSchedulerOptionsOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{
			Enabled:                 true,
			Tick:                    "15s",
			Workers:                 3,
			MinActionDelay:          "0s", // zero is a real value here: no pacing floor
			MaxActionDelay:          "4s",
			FailureThreshold:        2,
			InvalidThreshold:        4,
			Cooldown:                "10m",
			CooldownStep:            "5m",
			CooldownCap:             "30m",
			RateLimitedCooldown:     "2m",
			RateLimitedCooldownStep: "1m",
			MaxAttempts:             5,
			RetryBackoffBase:        "10s",
			RetryBackoffCap:         "1m",
			WatchdogTimeout:         "0s", // disables the watchdog
			ExecutorTimeout:         "45s",
			KeepaliveIdle:           "0s", // disables the idle sweep
			Retention:               "48h",
			MaintenanceSpec:         "@daily",
			Probabilities:           map[string]float64{"like": 0.25},
			Targets:                 []string{" #go ", "", "#rust"},
		},
		Limits: config.LimitsConfig{
			Daily:        map[string]int{"like": 50, "comment": 0},
			Hourly:       map[string]int{"follow": 99},
			SessionDaily: map[string]int{"like": 5},
		},
	}

	opts, err := mapSchedulerOptions(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerOptions error: %v", err)
	}

	if !opts.Enabled || opts.Tick != 15*time.Second || opts.Workers != 3 {
		t.Fatalf("core tuning = %+v", opts)
	}
	if opts.MinActionDelay != 0 || opts.MaxActionDelay != 4*time.Second {
		t.Fatalf("pacing = %v..%v, want 0..4s", opts.MinActionDelay, opts.MaxActionDelay)
	}
	if opts.Policy.FailureThreshold != 2 || opts.Policy.InvalidThreshold != 4 {
		t.Fatalf("thresholds = %+v", opts.Policy)
	}
	if opts.Policy.Cooldown != 10*time.Minute || opts.Policy.CooldownStep != 5*time.Minute || opts.Policy.CooldownCap != 30*time.Minute {
		t.Fatalf("cooldowns = %+v", opts.Policy)
	}
	if opts.Policy.RateLimitedCooldown != 2*time.Minute || opts.Policy.RateLimitedCooldownStep != time.Minute {
		t.Fatalf("rate-limited cooldowns = %+v", opts.Policy)
	}
	if opts.Retry.MaxAttempts != 5 || opts.Retry.BackoffBase != 10*time.Second || opts.Retry.BackoffCap != time.Minute {
		t.Fatalf("retry = %+v", opts.Retry)
	}
	if opts.WatchdogTimeout != 0 || opts.ExecutorTimeout != 45*time.Second || opts.KeepaliveIdle != 0 {
		t.Fatalf("timeouts = %v/%v/%v", opts.WatchdogTimeout, opts.ExecutorTimeout, opts.KeepaliveIdle)
	}
	if opts.Retention != 48*time.Hour || opts.MaintenanceSpec != "@daily" {
		t.Fatalf("maintenance = %v %q", opts.Retention, opts.MaintenanceSpec)
	}

	if opts.Probabilities[activity.TypeLike] != 0.25 {
		t.Fatalf("like probability = %v, want 0.25", opts.Probabilities[activity.TypeLike])
	}
	if opts.Probabilities[activity.TypeStoryView] != 0.8 {
		t.Fatalf("story_view probability = %v, want the default 0.8 kept", opts.Probabilities[activity.TypeStoryView])
	}
	if !reflect.DeepEqual(opts.Targets, []string{"#go", "#rust"}) {
		t.Fatalf("targets = %v, want trimmed and filtered", opts.Targets)
	}

	if opts.Limits.Daily[activity.TypeLike] != 50 {
		t.Fatalf("daily like = %d, want 50", opts.Limits.Daily[activity.TypeLike])
	}
	if _, ok := opts.Limits.Daily[activity.TypeComment]; ok {
		t.Fatal("daily comment budget still present; zero should remove it")
	}
	if opts.Limits.Hourly[activity.TypeFollow] != 99 {
		t.Fatalf("hourly follow = %d, want 99", opts.Limits.Hourly[activity.TypeFollow])
	}
	if opts.Limits.SessionDaily[activity.TypeLike] != 5 {
		t.Fatalf("session daily like = %d, want 5", opts.Limits.SessionDaily[activity.TypeLike])
	}
}

func TestMapSchedulerOptionsRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "negative workers",
			mutate:  func(c *config.Config) { c.Scheduler.Workers = -1 },
			wantErr: "scheduler.workers",
		},
		{
			name:    "bad tick",
			mutate:  func(c *config.Config) { c.Scheduler.Tick = "abc" },
			wantErr: "scheduler.tick",
		},
		{
			name: "max delay below min",
			mutate: func(c *config.Config) {
				c.Scheduler.MinActionDelay = "10s"
				c.Scheduler.MaxActionDelay = "2s"
			},
			wantErr: "max_action_delay",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *config.Config) { c.Scheduler.FailureThreshold = -1 },
			wantErr: "failure_threshold",
		},
		{
			name:    "negative cooldown",
			mutate:  func(c *config.Config) { c.Scheduler.Cooldown = "-3m" },
			wantErr: "scheduler.cooldown",
		},
		{
			name:    "negative attempts",
			mutate:  func(c *config.Config) { c.Scheduler.MaxAttempts = -1 },
			wantErr: "max_attempts",
		},
		{
			name: "backoff cap below base",
			mutate: func(c *config.Config) {
				c.Scheduler.RetryBackoffBase = "1m"
				c.Scheduler.RetryBackoffCap = "10s"
			},
			wantErr: "retry_backoff_cap",
		},
		{
			name:    "bad maintenance spec",
			mutate:  func(c *config.Config) { c.Scheduler.MaintenanceSpec = "every sometimes" },
			wantErr: "maintenance_spec",
		},
		{
			name:    "probability above one",
			mutate:  func(c *config.Config) { c.Scheduler.Probabilities = map[string]float64{"like": 1.5} },
			wantErr: "probabilities",
		},
		{
			name:    "unknown probability type",
			mutate:  func(c *config.Config) { c.Scheduler.Probabilities = map[string]float64{"teleport": 0.5} },
			wantErr: "unknown activity type",
		},
		{
			name:    "negative limit",
			mutate:  func(c *config.Config) { c.Limits.Daily = map[string]int{"like": -1} },
			wantErr: "limits.daily",
		},
		{
			name:    "unknown limit type",
			mutate:  func(c *config.Config) { c.Limits.Hourly = map[string]int{"teleport": 3} },
			wantErr: "limits.hourly",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			tt.mutate(cfg)
			_, err := mapSchedulerOptions(cfg)
			if err == nil {
				t.Fatal("config accepted, want rejection")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapStoreConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapStoreConfig(nil); err != nil || enabled {
		t.Fatalf("nil config = (%v, %v), want disabled", enabled, err)
	}
	if _, enabled, err := mapStoreConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("no storage section = (%v, %v), want disabled", enabled, err)
	}
	for _, driver := range []string{"", "none", " None "} {
		if _, enabled, err := mapStoreConfig(&config.Config{Storage: &config.StorageConfig{Driver: driver}}); err != nil || enabled {
			t.Fatalf("driver %q = (%v, %v), want disabled", driver, enabled, err)
		}
	}

	out, enabled, err := mapStoreConfig(&config.Config{Storage: &config.StorageConfig{
		Driver: " File ", Path: "./data",
	}})
	if err != nil || !enabled {
		t.Fatalf("file driver = (%v, %v)", enabled, err)
	}
	if out.Driver != "file" || out.Path != "./data" {
		t.Fatalf("file config = %+v", out)
	}

	out, enabled, err = mapStoreConfig(&config.Config{Storage: &config.StorageConfig{
		Driver: "sqlite", Path: "./autogram.db", BusyTimeout: "5s",
	}})
	if err != nil || !enabled || out.BusyTimeout != 5*time.Second {
		t.Fatalf("sqlite config = %+v (%v, %v)", out, enabled, err)
	}

	out, enabled, err = mapStoreConfig(&config.Config{Storage: &config.StorageConfig{
		Driver: "redis",
		Redis: &config.RedisConfig{
			Addr: "127.0.0.1:6379", Password: "pw", DB: 2, KeyPrefix: "staging:", DialTimeout: "2s",
		},
	}})
	if err != nil || !enabled {
		t.Fatalf("redis config error: (%v, %v)", enabled, err)
	}
	if out.Redis.Addr != "127.0.0.1:6379" || out.Redis.DB != 2 || out.Redis.KeyPrefix != "staging:" || out.Redis.DialTimeout != 2*time.Second {
		t.Fatalf("redis config = %+v", out.Redis)
	}

	if _, _, err := mapStoreConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatal("redis without addr accepted")
	}
	if _, _, err := mapStoreConfig(&config.Config{Storage: &config.StorageConfig{Driver: "etcd"}}); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, _, err := mapStoreConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}}); err == nil {
		t.Fatal("bad busy_timeout accepted")
	}
}

func TestMapExecutor(t *testing.T) {
	t.Parallel()

	exec, err := mapExecutor(nil)
	if err != nil || exec == nil {
		t.Fatalf("mapExecutor(nil) = (%v, %v)", exec, err)
	}
	if _, err := mapExecutor(&config.Config{Executor: config.ExecutorConfig{Driver: " Simulator "}}); err != nil {
		t.Fatalf("simulator driver rejected: %v", err)
	}
	if _, err := mapExecutor(&config.Config{Executor: config.ExecutorConfig{Driver: "real"}}); err == nil {
		t.Fatal("unknown executor driver accepted")
	}
}

func TestMapSimulatorConfig(t *testing.T) {
	t.Parallel()

	out, err := mapSimulatorConfig(nil)
	if err != nil {
		t.Fatalf("nil config error: %v", err)
	}
	if !reflect.DeepEqual(out, executor.DefaultSimulatorConfig()) {
		t.Fatalf("nil config = %+v, want defaults", out)
	}

	out, err = mapSimulatorConfig(&config.Config{Executor: config.ExecutorConfig{Simulator: &config.SimulatorConfig{
		Seed:        42,
		MinLatency:  "50ms",
		MaxLatency:  "100ms",
		FailureRate: 0.5,
		FailureWeights: map[string]int{
			"RATE_LIMITED":  3,
			"network_error": 0,
		},
	}}})
	if err != nil {
		t.Fatalf("simulator config error: %v", err)
	}
	if out.Seed != 42 || out.MinLatency != 50*time.Millisecond || out.MaxLatency != 100*time.Millisecond || out.FailureRate != 0.5 {
		t.Fatalf("simulator config = %+v", out)
	}
	want := map[executor.Kind]int{executor.RateLimited: 3, executor.NetworkError: 0}
	if !reflect.DeepEqual(out.FailureWeights, want) {
		t.Fatalf("weights = %v, want %v", out.FailureWeights, want)
	}

	// A zero failure rate keeps the default rather than disabling failures.
	out, err = mapSimulatorConfig(&config.Config{Executor: config.ExecutorConfig{Simulator: &config.SimulatorConfig{}}})
	if err != nil || out.FailureRate != executor.DefaultSimulatorConfig().FailureRate {
		t.Fatalf("zero failure rate = %v (%v)", out.FailureRate, err)
	}

	bad := []*config.SimulatorConfig{
		{FailureRate: 1.5},
		{FailureRate: -0.1},
		{FailureWeights: map[string]int{"teleport_error": 1}},
		{FailureWeights: map[string]int{"rate_limited": -1}},
		{MinLatency: "soon"},
	}
	for i, sc := range bad {
		if _, err := mapSimulatorConfig(&config.Config{Executor: config.ExecutorConfig{Simulator: sc}}); err == nil {
			t.Errorf("bad simulator config %d accepted: %+v", i, sc)
		}
	}
}

func TestMapMetricsConfig(t *testing.T) {
	t.Parallel()

	out, err := mapMetricsConfig(nil)
	if err != nil || out.Enabled {
		t.Fatalf("nil config = %+v (%v)", out, err)
	}

	out, err = mapMetricsConfig(&config.Config{Metrics: &config.MetricsConfig{
		Enabled:       true,
		Addr:          "127.0.0.1:9091",
		Token:         "sekrit",
		AllowInsecure: true,
		ReadTimeout:   "5s",
		IdleTimeout:   "1m",
	}})
	if err != nil {
		t.Fatalf("metrics config error: %v", err)
	}
	if !out.Enabled || out.Addr != "127.0.0.1:9091" || out.Token != "sekrit" || !out.AllowInsecure {
		t.Fatalf("metrics config = %+v", out)
	}
	if out.ReadTimeout != 5*time.Second || out.WriteTimeout != 0 || out.IdleTimeout != time.Minute {
		t.Fatalf("timeouts = %+v", out)
	}

	if _, err := mapMetricsConfig(&config.Config{Metrics: &config.MetricsConfig{ReadTimeout: "soon"}}); err == nil {
		t.Fatal("bad read_timeout accepted")
	}
}

func TestMapNotifyConfig(t *testing.T) {
	t.Parallel()

	if out := mapNotifyConfig(nil); out.Enabled || out.Token != "" {
		t.Fatalf("nil config = %+v", out)
	}
	out := mapNotifyConfig(&config.Config{Alerts: &config.AlertsConfig{
		Enabled: true, Token: "tg", ChatID: 7, RatePerMin: 10,
	}})
	if !out.Enabled || out.Token != "tg" || out.ChatID != 7 || out.RatePerMin != 10 {
		t.Fatalf("notify config = %+v", out)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	valid := &config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, Tick: "10s"},
		Storage:   &config.StorageConfig{Driver: "file", Path: "./data"},
		Sessions:  []config.SessionSeed{{ID: "s1", Credential: "c1"}},
	}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := validateConfig(nil); err != nil {
		t.Fatalf("nil config rejected: %v", err)
	}

	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr string
	}{
		{
			name:    "blank session id",
			cfg:     &config.Config{Sessions: []config.SessionSeed{{ID: "  ", Credential: "c"}}},
			wantErr: "sessions[0].id",
		},
		{
			name:    "missing credential",
			cfg:     &config.Config{Sessions: []config.SessionSeed{{ID: "a", Credential: "c"}, {ID: "b"}}},
			wantErr: "sessions[1].credential",
		},
		{
			name:    "scheduler error bubbles",
			cfg:     &config.Config{Scheduler: config.SchedulerConfig{Tick: "abc"}},
			wantErr: "scheduler.tick",
		},
		{
			name:    "storage error bubbles",
			cfg:     &config.Config{Storage: &config.StorageConfig{Driver: "etcd"}},
			wantErr: "storage.driver",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateConfig(tt.cfg)
			if err == nil {
				t.Fatal("config accepted, want rejection")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfigFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{"scheduler": {"enabled": true, "tick": "10s"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ValidateConfigFile(good); err != nil {
		t.Fatalf("ValidateConfigFile(good) = %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"scheduler": {"tick": "never"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ValidateConfigFile(bad); err == nil {
		t.Fatal("ValidateConfigFile(bad) = nil, want error")
	}
	if err := ValidateConfigFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("ValidateConfigFile(missing) = nil, want error")
	}
}
