package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autogram/internal/activity"
	"autogram/internal/eventbus"
	"autogram/internal/ratelimit"
	"autogram/internal/session"
	"autogram/internal/stats"
	"autogram/pkg/logx"
)

// ErrNoEligibleSession is returned by ScheduleRandomActivity when every
// session is unhealthy, cooling down or checked out.
var ErrNoEligibleSession = errors.New("no eligible session")

// Status is a point-in-time operational snapshot.
type Status struct {
	Running  bool // dispatch gate
	Workers  int
	InFlight int
	Tick     time.Duration

	Sessions   map[session.Health]int
	Activities map[activity.Status]int
	Usage      ratelimit.Usage
}

// SessionStatus is a session view enriched with its current-day usage.
type SessionStatus struct {
	session.View
	TodayCounts map[activity.Type]int
}

func (s *Service) ListStatus() Status {
	now := time.Now()
	s.mu.Lock()
	st := Status{
		Running: s.started,
		Workers: s.opts.Workers,
		Tick:    s.opts.Tick,
	}
	s.mu.Unlock()

	st.InFlight = s.InFlight()
	st.Sessions = make(map[session.Health]int)
	for _, v := range s.registry.Views() {
		st.Sessions[v.Health]++
	}
	st.Activities = s.queue.Counts()
	st.Usage = s.limiter.GlobalUsage(now)
	return st
}

func (s *Service) ListSessions() []SessionStatus {
	now := time.Now()
	views := s.registry.Views()
	out := make([]SessionStatus, 0, len(views))
	for _, v := range views {
		out = append(out, SessionStatus{
			View:        v,
			TodayCounts: s.limiter.SessionDailyCounts(v.ID, now),
		})
	}
	return out
}

// ListActivities returns activities newest-first; limit <= 0 means all.
func (s *Service) ListActivities(limit int) []activity.Activity {
	return s.queue.List(limit)
}

// Stats summarizes activity outcomes over the given window (0 means all).
func (s *Service) Stats(window time.Duration) stats.Summary {
	return stats.Summarize(s.queue.List(0), window, time.Now())
}

// ScheduleActivity enqueues one activity for a known session, due after the
// given delay.
func (s *Service) ScheduleActivity(ctx context.Context, typ activity.Type, sessionID, target string, delay time.Duration, metadata map[string]string) (activity.Activity, error) {
	if _, err := s.registry.Get(sessionID); err != nil {
		return activity.Activity{}, err
	}
	now := time.Now()
	a, err := s.queue.Enqueue(ctx, activity.Request{
		Type:        typ,
		SessionID:   sessionID,
		Target:      target,
		ScheduledAt: now.Add(delay),
		Metadata:    metadata,
	}, now)
	if err != nil {
		return activity.Activity{}, err
	}
	s.metrics.Enqueued(string(typ))
	s.log.Info("activity scheduled",
		logx.String("activity", a.ID),
		logx.String("type", string(typ)),
		logx.String("session", sessionID),
		logx.Duration("delay", delay))
	return a, nil
}

// ScheduleRandomActivity picks the longest-idle eligible session, draws an
// activity type from the probability table and enqueues it with a random
// delay. A type that acts on a target gets one drawn from the target pool.
func (s *Service) ScheduleRandomActivity(ctx context.Context) (activity.Activity, error) {
	now := time.Now()
	eligible := s.registry.ListEligible(now)
	if len(eligible) == 0 {
		return activity.Activity{}, ErrNoEligibleSession
	}
	sessionID := eligible[0]

	opts := s.snapshotOpts()
	typ, ok := s.drawType(opts.Probabilities)
	if !ok {
		return activity.Activity{}, errors.New("no activity type has a positive weight")
	}
	var target string
	if typ.NeedsTarget() && len(opts.Targets) > 0 {
		target = opts.Targets[s.randIndex(len(opts.Targets))]
	}
	delay := s.randBetween(opts.MinActionDelay, 10*opts.MaxActionDelay)

	a, err := s.queue.Enqueue(ctx, activity.Request{
		Type:        typ,
		SessionID:   sessionID,
		Target:      target,
		ScheduledAt: now.Add(delay),
		Metadata:    map[string]string{"origin": "random"},
	}, now)
	if err != nil {
		return activity.Activity{}, err
	}
	s.metrics.Enqueued(string(typ))
	s.log.Info("random activity scheduled",
		logx.String("activity", a.ID),
		logx.String("type", string(typ)),
		logx.String("session", sessionID),
		logx.Duration("delay", delay))
	return a, nil
}

// ScheduleBulkKeepalive enqueues one keepalive per eligible session, spread
// over the next 30 to 60 minutes, and reports how many were scheduled.
func (s *Service) ScheduleBulkKeepalive(ctx context.Context) (int, error) {
	now := time.Now()
	n := 0
	for _, id := range s.registry.ListEligible(now) {
		delay := s.randBetween(30*time.Minute, time.Hour)
		_, err := s.queue.Enqueue(ctx, activity.Request{
			Type:        activity.TypeKeepalive,
			SessionID:   id,
			ScheduledAt: now.Add(delay),
			Metadata:    map[string]string{"origin": "bulk"},
		}, now)
		if err != nil {
			return n, err
		}
		s.metrics.Enqueued(string(activity.TypeKeepalive))
		n++
	}
	if n > 0 {
		s.log.Info("bulk keepalive scheduled", logx.Int("sessions", n))
	}
	return n, nil
}

// CancelActivity cancels a pending activity. Running and terminal activities
// are not cancellable.
func (s *Service) CancelActivity(ctx context.Context, id string) error {
	a, err := s.queue.Get(id)
	if err != nil {
		return err
	}
	if err := s.queue.Cancel(ctx, id, time.Now()); err != nil {
		return err
	}
	s.metrics.Cancelled(string(a.Type))
	return nil
}

// RetryActivity re-queues a failed activity immediately, provided it has
// attempts left.
func (s *Service) RetryActivity(ctx context.Context, id string) error {
	return s.queue.RetryNow(ctx, id, time.Now())
}

// StartScheduler opens the dispatch gate. It reports whether the state
// changed.
func (s *Service) StartScheduler() bool {
	s.mu.Lock()
	changed := !s.started
	s.started = true
	s.mu.Unlock()
	if changed {
		s.log.Info("dispatch enabled")
		s.publishGate(eventbus.EventSchedulerStarted)
	}
	return changed
}

// StopScheduler closes the dispatch gate. Running activities finish; the
// watchdog and maintenance keep running.
func (s *Service) StopScheduler() bool {
	s.mu.Lock()
	changed := s.started
	s.started = false
	s.mu.Unlock()
	if changed {
		s.log.Info("dispatch disabled")
		s.publishGate(eventbus.EventSchedulerStopped)
	}
	return changed
}

// Running reports the dispatch gate state.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// AddSession registers a new session in active health.
func (s *Service) AddSession(ctx context.Context, id, credential string) error {
	return s.registry.Add(ctx, id, credential, time.Now())
}

// RemoveSession drops a session and cancels its pending activities, which
// could otherwise never dispatch again.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	if err := s.registry.Remove(ctx, id); err != nil {
		return err
	}
	now := time.Now()
	cancelled := 0
	for _, a := range s.queue.List(0) {
		if a.SessionID != id || a.Status != activity.StatusPending {
			continue
		}
		if err := s.queue.Cancel(ctx, a.ID, now); err == nil {
			s.metrics.Cancelled(string(a.Type))
			cancelled++
		}
	}
	if cancelled > 0 {
		s.log.Info("orphaned activities cancelled",
			logx.String("session", id), logx.Int("count", cancelled))
	}
	return nil
}

// ResetSession manually restores a session to active health and clears its
// failure bookkeeping.
func (s *Service) ResetSession(ctx context.Context, id string) error {
	return s.registry.Reset(ctx, id, time.Now())
}

// GetConfig returns a snapshot of the live tuning.
func (s *Service) GetConfig() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.clone()
}

// ConfigPatch is a partial runtime reconfiguration. Nil fields are left
// unchanged; maps are merged per key, with a negative limit removing that
// key. Targets, when non-nil, replaces the pool wholesale.
type ConfigPatch struct {
	Tick            *time.Duration
	MinActionDelay  *time.Duration
	MaxActionDelay  *time.Duration
	KeepaliveIdle   *time.Duration
	WatchdogTimeout *time.Duration
	ExecutorTimeout *time.Duration
	Retention       *time.Duration

	FailureThreshold        *int
	InvalidThreshold        *int
	Cooldown                *time.Duration
	CooldownStep            *time.Duration
	CooldownCap             *time.Duration
	RateLimitedCooldown     *time.Duration
	RateLimitedCooldownStep *time.Duration

	MaxAttempts *int
	BackoffBase *time.Duration
	BackoffCap  *time.Duration

	DailyLimits        map[activity.Type]int
	HourlyLimits       map[activity.Type]int
	SessionDailyLimits map[activity.Type]int
	Probabilities      map[activity.Type]float64

	Targets []string
}

// SetConfig validates and applies a patch atomically: either every field is
// accepted and pushed to the limiter, registry and queue, or nothing changes.
func (s *Service) SetConfig(patch ConfigPatch) error {
	s.mu.Lock()
	next := s.opts.clone()
	s.mu.Unlock()

	if err := mergePatch(&next, patch); err != nil {
		return err
	}

	s.mu.Lock()
	s.opts = next
	s.mu.Unlock()

	s.registry.SetPolicy(next.Policy)
	s.queue.SetPolicy(next.Retry)
	s.limiter.SetLimits(next.Limits)

	s.log.Info("runtime config applied")
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventConfigApplied, Time: time.Now(), Data: "runtime"})
	}
	return nil
}

func mergePatch(o *Options, p ConfigPatch) error {
	setDur := func(dst *time.Duration, v *time.Duration, name string, allowZero bool) error {
		if v == nil {
			return nil
		}
		if *v < 0 || (!allowZero && *v == 0) {
			return fmt.Errorf("%s: must be positive", name)
		}
		*dst = *v
		return nil
	}
	setInt := func(dst *int, v *int, name string) error {
		if v == nil {
			return nil
		}
		if *v < 1 {
			return fmt.Errorf("%s: must be at least 1", name)
		}
		*dst = *v
		return nil
	}

	if err := setDur(&o.Tick, p.Tick, "tick", false); err != nil {
		return err
	}
	if err := setDur(&o.MinActionDelay, p.MinActionDelay, "min_action_delay", true); err != nil {
		return err
	}
	if err := setDur(&o.MaxActionDelay, p.MaxActionDelay, "max_action_delay", false); err != nil {
		return err
	}
	if o.MaxActionDelay < o.MinActionDelay {
		return fmt.Errorf("max_action_delay: must not be below min_action_delay")
	}
	if err := setDur(&o.KeepaliveIdle, p.KeepaliveIdle, "keepalive_idle", true); err != nil {
		return err
	}
	if err := setDur(&o.WatchdogTimeout, p.WatchdogTimeout, "watchdog_timeout", true); err != nil {
		return err
	}
	if err := setDur(&o.ExecutorTimeout, p.ExecutorTimeout, "executor_timeout", true); err != nil {
		return err
	}
	if err := setDur(&o.Retention, p.Retention, "retention", false); err != nil {
		return err
	}

	if err := setInt(&o.Policy.FailureThreshold, p.FailureThreshold, "failure_threshold"); err != nil {
		return err
	}
	if err := setInt(&o.Policy.InvalidThreshold, p.InvalidThreshold, "invalid_threshold"); err != nil {
		return err
	}
	if err := setDur(&o.Policy.Cooldown, p.Cooldown, "cooldown", false); err != nil {
		return err
	}
	if err := setDur(&o.Policy.CooldownStep, p.CooldownStep, "cooldown_step", true); err != nil {
		return err
	}
	if err := setDur(&o.Policy.CooldownCap, p.CooldownCap, "cooldown_cap", false); err != nil {
		return err
	}
	if err := setDur(&o.Policy.RateLimitedCooldown, p.RateLimitedCooldown, "rate_limited_cooldown", false); err != nil {
		return err
	}
	if err := setDur(&o.Policy.RateLimitedCooldownStep, p.RateLimitedCooldownStep, "rate_limited_cooldown_step", true); err != nil {
		return err
	}

	if err := setInt(&o.Retry.MaxAttempts, p.MaxAttempts, "max_attempts"); err != nil {
		return err
	}
	if err := setDur(&o.Retry.BackoffBase, p.BackoffBase, "backoff_base", false); err != nil {
		return err
	}
	if err := setDur(&o.Retry.BackoffCap, p.BackoffCap, "backoff_cap", false); err != nil {
		return err
	}
	if o.Retry.BackoffCap < o.Retry.BackoffBase {
		return fmt.Errorf("backoff_cap: must not be below backoff_base")
	}

	if err := mergeLimits(&o.Limits.Daily, p.DailyLimits, "daily_limits"); err != nil {
		return err
	}
	if err := mergeLimits(&o.Limits.Hourly, p.HourlyLimits, "hourly_limits"); err != nil {
		return err
	}
	if err := mergeLimits(&o.Limits.SessionDaily, p.SessionDailyLimits, "session_daily_limits"); err != nil {
		return err
	}

	for t, w := range p.Probabilities {
		if !t.Valid() {
			return fmt.Errorf("probabilities[%s]: unknown activity type", t)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("probabilities[%s]: weight must be within [0,1]", t)
		}
		if o.Probabilities == nil {
			o.Probabilities = make(map[activity.Type]float64)
		}
		o.Probabilities[t] = w
	}

	if p.Targets != nil {
		o.Targets = append([]string(nil), p.Targets...)
	}
	return nil
}

func mergeLimits(dst *map[activity.Type]int, patch map[activity.Type]int, name string) error {
	for t, n := range patch {
		if !t.Valid() {
			return fmt.Errorf("%s[%s]: unknown activity type", name, t)
		}
		if *dst == nil {
			*dst = make(map[activity.Type]int)
		}
		if n < 0 {
			delete(*dst, t)
			continue
		}
		(*dst)[t] = n
	}
	return nil
}

// Apply replaces the full option set, typically after a config file reload.
// If core execution settings changed while running, the service restarts its
// worker pool.
func (s *Service) Apply(ctx context.Context, opts Options) {
	opts = opts.normalized()
	s.mu.Lock()
	prev := s.opts
	// The live dispatch gate is owned by StartScheduler/StopScheduler;
	// Enabled only seeds it at construction.
	opts.Enabled = s.started
	s.opts = opts
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.registry.SetPolicy(opts.Policy)
	s.queue.SetPolicy(opts.Retry)
	s.limiter.SetLimits(opts.Limits)

	if !running {
		return
	}
	// Worker pool size and the maintenance schedule are fixed at Start.
	if prev.Workers != opts.Workers || prev.MaintenanceSpec != opts.MaintenanceSpec {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// drawType draws from the probability table re-normalized over the types
// with positive weight, in stable type order.
func (s *Service) drawType(probs map[activity.Type]float64) (activity.Type, bool) {
	var total float64
	for _, t := range activity.Types() {
		if p := probs[t]; p > 0 {
			total += p
		}
	}
	if total <= 0 {
		return "", false
	}
	s.rngMu.Lock()
	r := s.rng.Float64() * total
	s.rngMu.Unlock()

	var last activity.Type
	for _, t := range activity.Types() {
		p := probs[t]
		if p <= 0 {
			continue
		}
		last = t
		if r < p {
			return t, true
		}
		r -= p
	}
	// Rounding can push r to the total; settle on the last weighted type.
	return last, true
}

func (s *Service) randIndex(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}
