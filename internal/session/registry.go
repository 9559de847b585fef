// Package session owns the pool of credentialed sessions: health state,
// cooldowns, checkout leases and dispatch eligibility.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	activity "autogram/internal/activity"
	eventbus "autogram/internal/eventbus"
	store "autogram/internal/store"
	logx "autogram/pkg/logx"
)

var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrSessionExists     = errors.New("session already exists")
	ErrAlreadyCheckedOut = errors.New("session already checked out")
	ErrNotEligible       = errors.New("session not eligible")
)

// session is the registry-private state. The credential lives only here and
// on leases handed to workers; it never reaches views, events or logs.
type session struct {
	id         string
	credential string

	health        Health
	failureStreak int
	cooldownUntil time.Time
	quarantines   int

	createdAt      time.Time
	lastDispatchAt time.Time
	lastOutcomeAt  time.Time
	totalCompleted int64
	totalFailed    int64

	checkedOut bool
	leaseSeq   uint64
}

// View is the credential-free snapshot exposed to callers.
type View struct {
	ID            string
	Health        Health
	FailureStreak int
	CooldownUntil time.Time
	Quarantines   int

	CreatedAt      time.Time
	LastDispatchAt time.Time
	LastOutcomeAt  time.Time
	TotalCompleted int64
	TotalFailed    int64

	CheckedOut bool
}

// Lease is proof of an exclusive checkout. It is issued by Checkout and
// honoured until Release or a watchdog ForceRelease; stale leases are inert.
type Lease struct {
	sessionID  string
	credential string
	seq        uint64
}

func (l Lease) SessionID() string { return l.sessionID }

// Credential exposes the secret for the duration of the lease. Never log it.
func (l Lease) Credential() string { return l.credential }

// Outcome is the session-level result of one executed activity.
type Outcome struct {
	Success bool
	Kind    activity.FailureKind // set when !Success
}

// Registry is the only writer of session health fields.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	policy   Policy
	seq      uint64

	bus   eventbus.Bus
	store store.Store // nil = no persistence
	log   logx.Logger
}

type Option func(*Registry)

func WithBus(bus eventbus.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func WithStore(st store.Store) Option {
	return func(r *Registry) { r.store = st }
}

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log.With(logx.String("comp", "session")) }
}

func New(policy Policy, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		policy:   policy.normalize(),
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetPolicy swaps the health policy. Applies to future outcomes only.
func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p.normalize()
	r.mu.Unlock()
}

func (r *Registry) GetPolicy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Add registers a new session in active health.
func (r *Registry) Add(ctx context.Context, id, credential string, now time.Time) error {
	if id == "" {
		return errors.New("session id must not be empty")
	}
	if credential == "" {
		return errors.New("session credential must not be empty")
	}

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := &session{
		id:         id,
		credential: credential,
		health:     HealthActive,
		createdAt:  now,
	}
	r.sessions[id] = s
	rec := recordOf(s)
	r.mu.Unlock()

	r.log.Info("session added", logx.String("session_id", id))
	return r.save(ctx, rec)
}

// Remove drops a session. A running activity for it finishes normally but
// its outcome will no longer find the session.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.log.Info("session removed", logx.String("session_id", id))
	if r.store != nil {
		if err := r.store.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return nil
}

// Reset is the manual intervention path out of blocked/invalid: health back
// to active, streak and escalation cleared, cooldown lifted.
func (r *Registry) Reset(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	recovered := s.health != HealthActive
	s.health = HealthActive
	s.failureStreak = 0
	s.quarantines = 0
	s.cooldownUntil = time.Time{}
	rec := recordOf(s)
	r.mu.Unlock()

	r.log.Info("session reset", logx.String("session_id", id))
	if recovered {
		r.publish(eventbus.EventSessionRecovered, id, HealthActive, "manual reset", 0)
	}
	return r.save(ctx, rec)
}

// Get returns the view of one session.
func (r *Registry) Get(id string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return viewOf(s), nil
}

// Views returns credential-free snapshots of every session, ordered by id.
func (r *Registry) Views() []View {
	r.mu.Lock()
	out := make([]View, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, viewOf(s))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEligible returns ids dispatchable at now, longest idle first
// (ties broken by id so the order is deterministic).
func (r *Registry) ListEligible(now time.Time) []string {
	r.mu.Lock()
	type cand struct {
		id   string
		last time.Time
	}
	cands := make([]cand, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.eligible(now) {
			cands = append(cands, cand{s.id, s.lastDispatchAt})
		}
	}
	r.mu.Unlock()

	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].last.Equal(cands[j].last) {
			return cands[i].last.Before(cands[j].last)
		}
		return cands[i].id < cands[j].id
	})
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func (s *session) eligible(now time.Time) bool {
	return s.health.dispatchable() && !s.checkedOut && !now.Before(s.cooldownUntil)
}

// Checkout grants exclusive use of a session. At most one lease is live per
// session; eligibility is re-judged here so races with health transitions
// cannot dispatch an ineligible session.
func (r *Registry) Checkout(ctx context.Context, id string, now time.Time) (Lease, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.checkedOut {
		r.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", ErrAlreadyCheckedOut, id)
	}
	if !s.health.dispatchable() || now.Before(s.cooldownUntil) {
		r.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: %s", ErrNotEligible, id)
	}

	prevDispatch := s.lastDispatchAt
	r.seq++
	s.leaseSeq = r.seq
	s.checkedOut = true
	s.lastDispatchAt = now
	lease := Lease{sessionID: s.id, credential: s.credential, seq: s.leaseSeq}
	rec := recordOf(s)
	r.mu.Unlock()

	if err := r.save(ctx, rec); err != nil {
		// Undo so the session is not stuck checked out with no worker.
		r.mu.Lock()
		if cur, ok := r.sessions[id]; ok && cur.leaseSeq == lease.seq {
			cur.checkedOut = false
			cur.lastDispatchAt = prevDispatch
		}
		r.mu.Unlock()
		return Lease{}, err
	}
	return lease, nil
}

// Release returns a lease. Idempotent; stale leases (superseded or
// force-released) are no-ops.
func (r *Registry) Release(l Lease) {
	if l.sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[l.sessionID]
	if !ok {
		return
	}
	if s.checkedOut && s.leaseSeq == l.seq {
		s.checkedOut = false
	}
}

// ForceRelease invalidates the live lease of a session, if any. Used by the
// watchdog when a worker exceeds its deadline; the worker's own Release and
// any outcome it still reports go stale. Returns whether a lease was held.
func (r *Registry) ForceRelease(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.checkedOut {
		return false
	}
	s.checkedOut = false
	r.seq++
	s.leaseSeq = r.seq
	return true
}

// InCooldown implements the limiter's cooldown check.
func (r *Registry) InCooldown(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	return now.Before(s.cooldownUntil)
}

// RecordOutcome applies one execution result to the session state machine.
//
// Success: streak and escalation reset; a quarantined session recovers to
// active. Failure: streak increments, then in order: DetectedBlock blocks,
// InvalidCredential invalidates, streak >= InvalidThreshold invalidates,
// streak >= FailureThreshold quarantines with an escalating cooldown.
func (r *Registry) RecordOutcome(ctx context.Context, id string, out Outcome, now time.Time) error {
	type event struct {
		typ    string
		health Health
		reason string
		cd     time.Duration
	}
	var events []event

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	s.lastOutcomeAt = now
	if out.Success {
		s.totalCompleted++
		s.failureStreak = 0
		s.quarantines = 0
		s.cooldownUntil = time.Time{}
		if s.health == HealthQuarantined {
			s.health = HealthActive
			events = append(events, event{eventbus.EventSessionRecovered, s.health, "success after cooldown", 0})
		}
	} else {
		s.totalFailed++
		s.failureStreak++
		switch {
		case out.Kind == activity.KindDetectedBlock:
			if s.health != HealthBlocked {
				s.health = HealthBlocked
				events = append(events, event{eventbus.EventSessionBlocked, s.health, "automation detected", 0})
			}
		case out.Kind == activity.KindInvalidCredential:
			if s.health != HealthInvalid {
				s.health = HealthInvalid
				events = append(events, event{eventbus.EventSessionInvalid, s.health, "credential rejected", 0})
			}
		case s.failureStreak >= r.policy.InvalidThreshold:
			if s.health != HealthInvalid {
				s.health = HealthInvalid
				events = append(events, event{eventbus.EventSessionInvalid, s.health,
					fmt.Sprintf("failure streak %d", s.failureStreak), 0})
			}
		case s.failureStreak >= r.policy.FailureThreshold:
			s.quarantines++
			cd := r.policy.cooldownFor(s.quarantines, out.Kind == activity.KindRateLimited)
			s.cooldownUntil = now.Add(cd)
			s.health = HealthQuarantined
			events = append(events, event{eventbus.EventSessionQuarantined, s.health, string(out.Kind), cd})
		}
	}
	rec := recordOf(s)
	streak := s.failureStreak
	r.mu.Unlock()

	for _, e := range events {
		r.publish(e.typ, id, e.health, e.reason, e.cd)
		r.log.Warn("session health changed",
			logx.String("session_id", id),
			logx.String("health", string(e.health)),
			logx.String("reason", e.reason),
			logx.Duration("cooldown", e.cd),
			logx.Int("streak", streak),
		)
	}
	return r.save(ctx, rec)
}

// Seed loads persisted sessions. Call once at startup before the registry
// is shared; existing entries are not overwritten.
func (r *Registry) Seed(records []store.SessionRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := r.sessions[rec.ID]; ok {
			continue
		}
		h := Health(rec.Health)
		if !h.Valid() {
			r.log.Warn("skipping session with unknown health",
				logx.String("session_id", rec.ID), logx.String("health", rec.Health))
			continue
		}
		r.sessions[rec.ID] = &session{
			id:             rec.ID,
			credential:     rec.Credential,
			health:         h,
			failureStreak:  rec.FailureStreak,
			cooldownUntil:  rec.CooldownUntil,
			quarantines:    rec.Quarantines,
			createdAt:      rec.CreatedAt,
			lastDispatchAt: rec.LastDispatchAt,
			lastOutcomeAt:  rec.LastOutcomeAt,
			totalCompleted: rec.TotalCompleted,
			totalFailed:    rec.TotalFailed,
		}
		loaded++
	}
	return loaded
}

func (r *Registry) publish(typ, id string, h Health, reason string, cd time.Duration) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.SessionEvent{SessionID: id, Health: string(h), Reason: reason, Cooldown: cd},
	})
}

func (r *Registry) save(ctx context.Context, rec store.SessionRecord) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func viewOf(s *session) View {
	return View{
		ID:             s.id,
		Health:         s.health,
		FailureStreak:  s.failureStreak,
		CooldownUntil:  s.cooldownUntil,
		Quarantines:    s.quarantines,
		CreatedAt:      s.createdAt,
		LastDispatchAt: s.lastDispatchAt,
		LastOutcomeAt:  s.lastOutcomeAt,
		TotalCompleted: s.totalCompleted,
		TotalFailed:    s.totalFailed,
		CheckedOut:     s.checkedOut,
	}
}

func recordOf(s *session) store.SessionRecord {
	return store.SessionRecord{
		ID:             s.id,
		Credential:     s.credential,
		Health:         string(s.health),
		FailureStreak:  s.failureStreak,
		CooldownUntil:  s.cooldownUntil,
		Quarantines:    s.quarantines,
		CreatedAt:      s.createdAt,
		LastDispatchAt: s.lastDispatchAt,
		LastOutcomeAt:  s.lastOutcomeAt,
		TotalCompleted: s.totalCompleted,
		TotalFailed:    s.totalFailed,
	}
}
