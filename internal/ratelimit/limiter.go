// Package ratelimit enforces global and per-session activity budgets over
// calendar-aligned UTC windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	activity "autogram/internal/activity"
	store "autogram/internal/store"
	logx "autogram/pkg/logx"
)

// DenyReason explains why admission was refused.
type DenyReason string

const (
	DailyLimitExceeded  DenyReason = "daily_limit_exceeded"
	HourlyLimitExceeded DenyReason = "hourly_limit_exceeded"
	SessionCooldown     DenyReason = "session_cooldown"
)

// Decision is the outcome of one TryConsume call.
type Decision struct {
	Admitted bool
	Reason   DenyReason // set when !Admitted
}

func admitted() Decision           { return Decision{Admitted: true} }
func denied(r DenyReason) Decision { return Decision{Reason: r} }

func (d Decision) String() string {
	if d.Admitted {
		return "admitted"
	}
	return "denied:" + string(d.Reason)
}

// CooldownChecker answers whether a session is currently cooling down.
// Implemented by the session registry.
type CooldownChecker interface {
	InCooldown(sessionID string, now time.Time) bool
}

const (
	kindDaily  = "daily"
	kindHourly = "hourly"
)

type windowKey struct {
	kind  string // kindDaily | kindHourly
	scope string // "" global, else session id
	typ   activity.Type
	start int64 // unix seconds, UTC window start
}

type window struct {
	start time.Time
	end   time.Time
	count int
}

// Limiter tracks consumption against the configured budgets. It is the only
// writer of budget windows; consumption is admission (denied calls consume
// nothing, and there is no release).
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	windows map[windowKey]*window

	cooldown CooldownChecker
	store    store.Store // nil = no persistence
	log      logx.Logger
}

type Option func(*Limiter)

// WithCooldownChecker makes TryConsume refuse sessions inside a cooldown.
func WithCooldownChecker(c CooldownChecker) Option {
	return func(l *Limiter) { l.cooldown = c }
}

// WithStore enables write-through persistence of budget windows.
func WithStore(st store.Store) Option {
	return func(l *Limiter) { l.store = st }
}

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log.With(logx.String("comp", "ratelimit")) }
}

func New(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		limits:  limits.Clone(),
		windows: make(map[windowKey]*window),
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetLimits swaps the budget tables. Existing window counts are kept; only
// the thresholds change.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits.Clone()
	l.mu.Unlock()
}

// GetLimits returns a copy of the active budget tables.
func (l *Limiter) GetLimits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits.Clone()
}

// TryConsume admits one execution of typ by sessionID, charging every
// applicable window, or refuses and charges nothing. The error return is a
// store write failure: in-memory counts are rolled back and the caller
// should treat the condition as transient.
func (l *Limiter) TryConsume(ctx context.Context, sessionID string, typ activity.Type, now time.Time) (Decision, error) {
	// Cooldown is registry state; ask before touching limiter locks.
	if l.cooldown != nil && l.cooldown.InCooldown(sessionID, now) {
		return denied(SessionCooldown), nil
	}

	now = now.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	type charge struct {
		key   windowKey
		limit int
	}
	charges := make([]charge, 0, 3)

	if limit := l.limits.Daily[typ]; limit > 0 {
		k := dailyKey("", typ, now)
		if l.countLocked(k, now) >= limit {
			return denied(DailyLimitExceeded), nil
		}
		charges = append(charges, charge{k, limit})
	}
	if limit := l.limits.Hourly[typ]; limit > 0 {
		k := hourlyKey("", typ, now)
		if l.countLocked(k, now) >= limit {
			return denied(HourlyLimitExceeded), nil
		}
		charges = append(charges, charge{k, limit})
	}
	if limit := l.limits.SessionDaily[typ]; limit > 0 {
		k := dailyKey(sessionID, typ, now)
		if l.countLocked(k, now) >= limit {
			return denied(DailyLimitExceeded), nil
		}
		charges = append(charges, charge{k, limit})
	}

	// All checks passed: charge every window, then persist. A failed persist
	// rolls the charges back so admission stays all-or-nothing.
	touched := make([]*window, 0, len(charges))
	keys := make([]windowKey, 0, len(charges))
	for _, c := range charges {
		w := l.windowLocked(c.key, now)
		w.count++
		touched = append(touched, w)
		keys = append(keys, c.key)
	}

	if l.store != nil {
		for i, w := range touched {
			if err := l.store.SaveWindow(ctx, recordOf(keys[i], w)); err != nil {
				for _, rb := range touched {
					rb.count--
				}
				return Decision{}, fmt.Errorf("persist window: %w", err)
			}
		}
	}
	return admitted(), nil
}

// SessionDailyCounts reports today's consumption per type for one session.
// Only types with a nonzero count appear.
func (l *Limiter) SessionDailyCounts(sessionID string, now time.Time) map[activity.Type]int {
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[activity.Type]int)
	for k, w := range l.windows {
		if k.kind == kindDaily && k.scope == sessionID && now.Before(w.end) {
			if w.count > 0 {
				out[k.typ] = w.count
			}
		}
	}
	return out
}

// Usage is a snapshot of the current global windows.
type Usage struct {
	Daily  map[activity.Type]int
	Hourly map[activity.Type]int
}

// GlobalUsage reports the live global counters for the windows containing now.
func (l *Limiter) GlobalUsage(now time.Time) Usage {
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	u := Usage{
		Daily:  make(map[activity.Type]int),
		Hourly: make(map[activity.Type]int),
	}
	for k, w := range l.windows {
		if k.scope != "" || !now.Before(w.end) || w.count == 0 {
			continue
		}
		switch k.kind {
		case kindDaily:
			u.Daily[k.typ] = w.count
		case kindHourly:
			u.Hourly[k.typ] = w.count
		}
	}
	return u
}

// Seed loads persisted windows, dropping any that have already ended.
// Call once at startup before the limiter is shared.
func (l *Limiter) Seed(records []store.WindowRecord, now time.Time) int {
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	loaded := 0
	for _, r := range records {
		if !now.Before(r.End) {
			continue
		}
		typ, err := activity.ParseType(r.Type)
		if err != nil {
			continue
		}
		k := windowKey{kind: r.Kind, scope: r.Scope, typ: typ, start: r.Start.UTC().Unix()}
		l.windows[k] = &window{start: r.Start.UTC(), end: r.End.UTC(), count: r.Count}
		loaded++
	}
	return loaded
}

// Prune drops expired windows from memory and the store. Returns the number
// of in-memory windows removed.
func (l *Limiter) Prune(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	l.mu.Lock()
	removed := 0
	for k, w := range l.windows {
		if !now.Before(w.end) {
			delete(l.windows, k)
			removed++
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		if _, err := l.store.DeleteWindowsBefore(ctx, now); err != nil {
			return removed, fmt.Errorf("prune windows: %w", err)
		}
	}
	return removed, nil
}

// countLocked returns the live count for key, treating expired or missing
// windows as zero. Expired entries are dropped on sight.
func (l *Limiter) countLocked(k windowKey, now time.Time) int {
	w, ok := l.windows[k]
	if !ok {
		return 0
	}
	if !now.Before(w.end) {
		delete(l.windows, k)
		return 0
	}
	return w.count
}

// windowLocked returns the window for key, creating it when absent.
func (l *Limiter) windowLocked(k windowKey, now time.Time) *window {
	if w, ok := l.windows[k]; ok && now.Before(w.end) {
		return w
	}
	start := time.Unix(k.start, 0).UTC()
	var end time.Time
	switch k.kind {
	case kindHourly:
		end = start.Add(time.Hour)
	default:
		end = start.Add(24 * time.Hour)
	}
	w := &window{start: start, end: end}
	l.windows[k] = w
	return w
}

func dailyKey(scope string, typ activity.Type, now time.Time) windowKey {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return windowKey{kind: kindDaily, scope: scope, typ: typ, start: start.Unix()}
}

func hourlyKey(scope string, typ activity.Type, now time.Time) windowKey {
	start := now.Truncate(time.Hour)
	return windowKey{kind: kindHourly, scope: scope, typ: typ, start: start.Unix()}
}

func recordOf(k windowKey, w *window) store.WindowRecord {
	return store.WindowRecord{
		Kind:  k.kind,
		Scope: k.scope,
		Type:  string(k.typ),
		Start: w.start,
		End:   w.end,
		Count: w.count,
	}
}
