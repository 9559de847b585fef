package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (snapshots + jsonl journals)
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis": shared Redis instance
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string        // file: directory; sqlite: database file
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string // default "autogram:"
	DialTimeout time.Duration
	MaxRetries  int // connect attempts; 0 means default
}

// SessionRecord is the durable shape of a session.
// Keep it compact and schema-stable; the registry owns the live type.
type SessionRecord struct {
	ID             string    `json:"id"`
	Credential     string    `json:"credential"`
	Health         string    `json:"health"`
	FailureStreak  int       `json:"failure_streak"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	Quarantines    int       `json:"quarantines"`
	CreatedAt      time.Time `json:"created_at"`
	LastDispatchAt time.Time `json:"last_dispatch_at"`
	LastOutcomeAt  time.Time `json:"last_outcome_at"`
	TotalCompleted int64     `json:"total_completed"`
	TotalFailed    int64     `json:"total_failed"`
}

// ActivityRecord is the durable shape of an activity.
type ActivityRecord struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	SessionID   string            `json:"session_id"`
	Target      string            `json:"target,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      string            `json:"status"`
	Attempt     int               `json:"attempt"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// WindowRecord is one rate-limiter budget window.
// Key identity is (kind, scope, type, start).
type WindowRecord struct {
	Kind  string    `json:"kind"`  // "daily" | "hourly"
	Scope string    `json:"scope"` // "" global, else session id
	Type  string    `json:"type"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// Key returns the stable identity of the window for map/DB keys.
func (w WindowRecord) Key() string {
	return w.Kind + "|" + w.Scope + "|" + w.Type + "|" + w.Start.UTC().Format(time.RFC3339)
}

func terminalStatus(s string) bool {
	switch s {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}
