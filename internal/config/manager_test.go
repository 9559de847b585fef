package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const jsonFixture = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {
    "enabled": true,
    "tick": "15s",
    "workers": 3,
    "probabilities": {"like": 0.5},
    "targets": ["#go"]
  },
  "limits": {"daily": {"like": 100}},
  "storage": {"driver": "file", "path": "./data"},
  "sessions": [{"id": "s1", "credential": "c1"}]
}`

const yamlFixture = `logging:
  level: debug
  console: true
scheduler:
  enabled: true
  tick: 15s
  workers: 3
  probabilities:
    like: 0.5
  targets:
    - "#go"
limits:
  daily:
    like: 100
storage:
  driver: file
  path: ./data
sessions:
  - id: s1
    credential: c1
`

const tomlFixture = `[logging]
level = "debug"
console = true

[scheduler]
enabled = true
tick = "15s"
workers = 3
targets = ["#go"]

[scheduler.probabilities]
like = 0.5

[limits.daily]
like = 100

[storage]
driver = "file"
path = "./data"

[[sessions]]
id = "s1"
credential = "c1"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseAcceptsEveryFormat(t *testing.T) {
	t.Parallel()

	ref, err := NewManager(writeConfig(t, "cfg.json", jsonFixture)).Parse()
	if err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if ref.Scheduler.Tick != "15s" || ref.Scheduler.Workers != 3 {
		t.Fatalf("scheduler = %+v", ref.Scheduler)
	}
	if ref.Storage == nil || ref.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", ref.Storage)
	}
	if len(ref.Sessions) != 1 || ref.Sessions[0].Credential != "c1" {
		t.Fatalf("sessions = %+v", ref.Sessions)
	}

	tests := []struct {
		name    string
		content string
	}{
		{name: "cfg.yaml", content: yamlFixture},
		{name: "cfg.toml", content: tomlFixture},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewManager(writeConfig(t, tt.name, tt.content)).Parse()
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(got, ref) {
				t.Fatalf("parsed config differs from the JSON reference:\n got %+v\nwant %+v", got, ref)
			}
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{name: "cfg.json", content: `{"scheduler": {"wrokers": 3}}`},
		{name: "cfg.yaml", content: "scheduler:\n  wrokers: 3\n"},
		{name: "cfg.toml", content: "[scheduler]\nwrokers = 3\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewManager(writeConfig(t, tt.name, tt.content)).Parse()
			if err == nil {
				t.Fatal("Parse accepted an unknown key")
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := NewManager(writeConfig(t, "cfg.json", `{"scheduler": {}} {"extra": 1}`)).Parse()
	if err == nil {
		t.Fatal("Parse accepted trailing data")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	_, err := NewManager(filepath.Join(t.TempDir(), "nope.json")).Parse()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want ErrNotExist", err)
	}
}

func TestLoadCommitsForGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "cfg.json", jsonFixture))
	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the loaded config")
	}
}

func TestPublishDeliversLatestToSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Scheduler: SchedulerConfig{Workers: 1}}
	second := &Config{Scheduler: SchedulerConfig{Workers: 2}}
	m.publish(first)
	m.publish(second) // buffer full: oldest is dropped in favor of the newest

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("received workers=%d, want the latest config", got.Scheduler.Workers)
		}
	default:
		t.Fatal("no config delivered")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected second delivery: %+v", got)
	default:
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	m.publish(first) // must not panic after removal
	m.Unsubscribe(ch)
	m.Unsubscribe(nil)
}

func TestHashConfigStability(t *testing.T) {
	t.Parallel()
	if got := hashConfig(nil); got != 0 {
		t.Fatalf("hashConfig(nil) = %d, want 0", got)
	}
	a := &Config{Scheduler: SchedulerConfig{Tick: "10s"}}
	b := &Config{Scheduler: SchedulerConfig{Tick: "10s"}}
	c := &Config{Scheduler: SchedulerConfig{Tick: "11s"}}
	if hashConfig(a) != hashConfig(b) {
		t.Fatal("equal configs must hash equal")
	}
	if hashConfig(a) == hashConfig(c) {
		t.Fatal("different configs hashed equal")
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"scheduler": {"workers": 1}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Workers == 9 {
			return errors.New("nine workers is right out")
		}
		return nil
	})

	ch := m.Subscribe(2)
	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.Watch(ctx) }()
	t.Cleanup(cancel)

	// Give the watcher a moment to attach to the directory.
	time.Sleep(100 * time.Millisecond)

	// A rejected edit must not commit or publish.
	if err := os.WriteFile(path, []byte(`{"scheduler": {"workers": 9}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("rejected config was published: %+v", cfg)
	case <-time.After(800 * time.Millisecond):
	}
	if got := m.Get().Scheduler.Workers; got != 1 {
		t.Fatalf("committed workers = %d, want 1 after rejection", got)
	}

	// A valid edit is committed and fanned out.
	if err := os.WriteFile(path, []byte(`{"scheduler": {"workers": 7}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.Workers != 7 {
			t.Fatalf("published workers = %d, want 7", cfg.Scheduler.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid config change never published")
	}
	if got := m.Get().Scheduler.Workers; got != 7 {
		t.Fatalf("committed workers = %d, want 7", got)
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on context cancel")
	}
}
