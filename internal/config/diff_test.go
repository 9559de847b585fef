package config

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	logx "autogram/pkg/logx"
)

// renderFields applies the structured fields to a throwaway JSON logger so
// the test can inspect exactly what a reload would put in the logs.
func renderFields(fields []logx.Field) string {
	var buf bytes.Buffer
	ev := zerolog.New(&buf).Info()
	for _, f := range fields {
		f(ev)
	}
	ev.Msg("config changed")
	return buf.String()
}

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Scheduler: SchedulerConfig{Workers: 2}}

	newCfg := &Config{
		Scheduler: SchedulerConfig{Workers: 5},
		Storage:   &StorageConfig{Driver: "redis", Redis: &RedisConfig{Addr: "127.0.0.1:6379"}},
		Alerts:    &AlertsConfig{Enabled: true, Token: "tg-token", ChatID: 7},
		Sessions:  []SessionSeed{{ID: "s1", Credential: "c1"}},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"alerts", "scheduler", "sessions", "storage"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
	if changed, _ := SummarizeConfigChange(nil, nil); len(changed) != 0 {
		t.Fatalf("nil configs reported changes: %v", changed)
	}
}

func TestSummarizeConfigChangeNeverLogsSecrets(t *testing.T) {
	t.Parallel()
	newCfg := &Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Storage: &StorageConfig{
			Driver: "redis",
			Redis:  &RedisConfig{Addr: "127.0.0.1:6379", Password: "redis-hunter2"},
		},
		Metrics:  &MetricsConfig{Enabled: true, Token: "metrics-hunter2"},
		Alerts:   &AlertsConfig{Enabled: true, Token: "alerts-hunter2", ChatID: 7},
		Sessions: []SessionSeed{{ID: "s1", Credential: "credential-hunter2"}},
	}

	_, attrs := SummarizeConfigChange(nil, newCfg)
	out := renderFields(attrs)

	for _, secret := range []string{"redis-hunter2", "metrics-hunter2", "alerts-hunter2", "credential-hunter2"} {
		if strings.Contains(out, secret) {
			t.Fatalf("log attrs leak secret %q: %s", secret, out)
		}
	}
	// The presence markers still tell the operator what is configured.
	for _, marker := range []string{`"metrics.token_set":true`, `"alerts.token_set":true`, `"sessions.seed_count":1`} {
		if !strings.Contains(out, marker) {
			t.Fatalf("log attrs missing %q: %s", marker, out)
		}
	}
}

func TestSeedsChanged(t *testing.T) {
	t.Parallel()
	base := []SessionSeed{{ID: "a", Credential: "1"}, {ID: "b", Credential: "2"}}

	tests := []struct {
		name string
		next []SessionSeed
		want bool
	}{
		{name: "same order", next: []SessionSeed{{ID: "a", Credential: "1"}, {ID: "b", Credential: "2"}}, want: false},
		{name: "reordered", next: []SessionSeed{{ID: "b", Credential: "2"}, {ID: "a", Credential: "1"}}, want: false},
		{name: "credential rotated", next: []SessionSeed{{ID: "a", Credential: "9"}, {ID: "b", Credential: "2"}}, want: true},
		{name: "session added", next: []SessionSeed{{ID: "a", Credential: "1"}, {ID: "b", Credential: "2"}, {ID: "c", Credential: "3"}}, want: true},
		{name: "session removed", next: []SessionSeed{{ID: "a", Credential: "1"}}, want: true},
	}
	for _, tt := range tests {
		if got := seedsChanged(base, tt.next); got != tt.want {
			t.Errorf("%s: seedsChanged = %v, want %v", tt.name, got, tt.want)
		}
	}
}
