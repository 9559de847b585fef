package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autogram/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (credentials, tokens, passwords)
// never appear in the attrs; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.failure_threshold", newCfg.Scheduler.FailureThreshold),
			logx.Int("scheduler.invalid_threshold", newCfg.Scheduler.InvalidThreshold),
			logx.Int("scheduler.max_attempts", newCfg.Scheduler.MaxAttempts),
			logx.Int("scheduler.probability_count", len(newCfg.Scheduler.Probabilities)),
			logx.Int("scheduler.target_count", len(newCfg.Scheduler.Targets)),
		)
	}

	// Limits
	if !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits) {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.daily_count", len(newCfg.Limits.Daily)),
			logx.Int("limits.hourly_count", len(newCfg.Limits.Hourly)),
			logx.Int("limits.session_daily_count", len(newCfg.Limits.SessionDaily)),
		)
	}

	// Executor
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.driver", strings.TrimSpace(newCfg.Executor.Driver)),
			logx.Bool("executor.simulator_set", newCfg.Executor.Simulator != nil),
		)
	}

	// Storage (never log redis password)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	var oRedis, nRedis RedisConfig
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
		if oldS.Redis != nil {
			oRedis = *oldS.Redis
		}
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nPathSet = strings.TrimSpace(newS.Path) != ""
		if newS.Redis != nil {
			nRedis = *newS.Redis
		}
	}
	if oDriver != nDriver || oPathSet != nPathSet || !reflect.DeepEqual(oRedis, nRedis) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.redis_addr", strings.TrimSpace(nRedis.Addr)),
		)
	}

	// Metrics (never log token)
	oM := derefMetrics(oldCfg.Metrics)
	nM := derefMetrics(newCfg.Metrics)
	if !reflect.DeepEqual(oM, nM) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(nM.Token) != ""),
			logx.Bool("metrics.allow_insecure", nM.AllowInsecure),
		)
	}

	// Alerts (never log token)
	oA := derefAlerts(oldCfg.Alerts)
	nA := derefAlerts(newCfg.Alerts)
	if !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("alerts.chat_set", nA.ChatID != 0),
			logx.Int("alerts.rate_per_min", nA.RatePerMin),
		)
	}

	// Session seeds (never log credentials; ids only at debug via count)
	if seedsChanged(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.Int("sessions.seed_count", len(newCfg.Sessions)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func seedsChanged(oldS, newS []SessionSeed) bool {
	if len(oldS) != len(newS) {
		return true
	}
	byID := make(map[string]string, len(oldS))
	for _, s := range oldS {
		byID[s.ID] = s.Credential
	}
	for _, s := range newS {
		cred, ok := byID[s.ID]
		if !ok || cred != s.Credential {
			return true
		}
	}
	return false
}
