// Package activity owns the scheduled work queue: lifecycle transitions,
// retry policy and retention.
package activity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	eventbus "autogram/internal/eventbus"
	store "autogram/internal/store"
	logx "autogram/pkg/logx"
)

var (
	ErrUnknownActivity = errors.New("unknown activity")
	ErrConflict        = errors.New("activity not in expected status")
	ErrNotCancellable  = errors.New("activity not cancellable")
	ErrNotRetryable    = errors.New("activity not retryable")
)

// ValidationError rejects a malformed enqueue request. It is permanent:
// the request was never accepted and nothing will retry it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// scheduleGrace is how far in the past ScheduledAt may lie before an
// enqueue request is rejected as stale.
const scheduleGrace = time.Minute

// Request describes one activity to enqueue.
type Request struct {
	Type        Type
	SessionID   string
	Target      string
	ScheduledAt time.Time // zero means now
	Metadata    map[string]string
}

// Outcome is the terminal disposition of one execution attempt.
type Outcome struct {
	Status  Status
	Failure *Failure // set when Status == StatusFailed
}

func Completed() Outcome { return Outcome{Status: StatusCompleted} }
func Cancelled() Outcome { return Outcome{Status: StatusCancelled} }
func Failed(f Failure) Outcome {
	return Outcome{Status: StatusFailed, Failure: &f}
}

// RetryPolicy bounds automatic retries of failed attempts.
type RetryPolicy struct {
	MaxAttempts int           // executions per activity, not re-tries
	BackoffBase time.Duration // first retry delay before jitter
	BackoffCap  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  15 * time.Minute,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = def.BackoffCap
	}
	return p
}

// Queue is the only writer of activity status, attempt and error fields.
type Queue struct {
	mu     sync.Mutex
	byID   map[string]*Activity
	policy RetryPolicy
	rng    *rand.Rand // guarded by mu

	bus   eventbus.Bus
	store store.Store // nil = no persistence
	log   logx.Logger
}

type Option func(*Queue)

func WithBus(bus eventbus.Bus) Option {
	return func(q *Queue) { q.bus = bus }
}

func WithStore(st store.Store) Option {
	return func(q *Queue) { q.store = st }
}

func WithLogger(log logx.Logger) Option {
	return func(q *Queue) { q.log = log.With(logx.String("comp", "activity")) }
}

func NewQueue(policy RetryPolicy, opts ...Option) *Queue {
	q := &Queue{
		byID:   make(map[string]*Activity),
		policy: policy.normalize(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetPolicy swaps the retry policy. Applies to future failures only.
func (q *Queue) SetPolicy(p RetryPolicy) {
	q.mu.Lock()
	q.policy = p.normalize()
	q.mu.Unlock()
}

func (q *Queue) GetPolicy() RetryPolicy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// Enqueue accepts a new activity in pending status. The returned copy is
// the caller's receipt; the id is generated here.
func (q *Queue) Enqueue(ctx context.Context, req Request, now time.Time) (Activity, error) {
	if !req.Type.Valid() {
		return Activity{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown activity type %q", string(req.Type))}
	}
	if req.SessionID == "" {
		return Activity{}, &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	at := req.ScheduledAt
	if at.IsZero() {
		at = now
	}
	if now.Sub(at) > scheduleGrace {
		return Activity{}, &ValidationError{Field: "scheduled_at", Reason: "too far in the past"}
	}

	a := &Activity{
		ID:          uuid.NewString(),
		Type:        req.Type,
		SessionID:   req.SessionID,
		Target:      req.Target,
		ScheduledAt: at,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if len(req.Metadata) > 0 {
		a.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			a.Metadata[k] = v
		}
	}

	q.mu.Lock()
	q.byID[a.ID] = a
	cp := a.clone()
	q.mu.Unlock()

	q.publish(eventbus.EventActivityEnqueued, cp, "")
	q.log.Debug("activity enqueued",
		logx.String("activity_id", cp.ID),
		logx.String("type", string(cp.Type)),
		logx.String("session_id", cp.SessionID),
		logx.Time("scheduled_at", cp.ScheduledAt),
	)
	if err := q.save(ctx, cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// NextDue visits pending activities with ScheduledAt <= now in
// (ScheduledAt, ID) order. The visitor returns false to stop early. Visits
// run on snapshots, so the visitor may call back into the queue.
func (q *Queue) NextDue(now time.Time, fn func(Activity) bool) {
	q.mu.Lock()
	due := make([]Activity, 0, 16)
	for _, a := range q.byID {
		if a.Status == StatusPending && !a.ScheduledAt.After(now) {
			due = append(due, a.clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	for _, a := range due {
		if !fn(a) {
			return
		}
	}
}

// MarkRunning claims a pending activity for execution.
func (q *Queue) MarkRunning(ctx context.Context, id string, now time.Time) error {
	q.mu.Lock()
	a, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownActivity, id)
	}
	if a.Status != StatusPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
	}
	a.Status = StatusRunning
	a.StartedAt = now
	cp := a.clone()
	q.mu.Unlock()

	return q.save(ctx, cp)
}

// MarkTerminal finishes one execution attempt.
//
// completed and failed require the activity to be running; cancelled
// requires pending. A retryable failure below MaxAttempts requeues the same
// record pending with a backoff delay instead of going terminal. A second
// terminal report for the same attempt (e.g. a worker racing the watchdog)
// gets ErrConflict and must be dropped by the caller.
func (q *Queue) MarkTerminal(ctx context.Context, id string, out Outcome, now time.Time) error {
	q.mu.Lock()
	a, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownActivity, id)
	}

	var event string
	switch out.Status {
	case StatusCompleted:
		if a.Status != StatusRunning {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
		}
		a.Status = StatusCompleted
		a.LastError = ""
		a.FinishedAt = now
		event = eventbus.EventActivityCompleted

	case StatusFailed:
		if a.Status != StatusRunning {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
		}
		f := Failure{Kind: KindUnknown}
		if out.Failure != nil {
			f = *out.Failure
		}
		a.Attempt++
		a.LastError = f.String()
		if f.Kind.Retryable() && a.Attempt < q.policy.MaxAttempts {
			delay := q.backoffLocked(a.Attempt)
			a.Status = StatusPending
			a.ScheduledAt = now.Add(delay)
			a.StartedAt = time.Time{}
			a.FinishedAt = time.Time{}
		} else {
			a.Status = StatusFailed
			a.FinishedAt = now
		}
		event = eventbus.EventActivityFailed

	case StatusCancelled:
		if a.Status != StatusPending {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, a.Status)
		}
		a.Status = StatusCancelled
		a.FinishedAt = now
		event = eventbus.EventActivityCancelled

	default:
		q.mu.Unlock()
		return fmt.Errorf("%q is not a terminal status", out.Status)
	}
	cp := a.clone()
	q.mu.Unlock()

	q.publish(event, cp, cp.LastError)
	return q.save(ctx, cp)
}

// Cancel withdraws a pending activity.
func (q *Queue) Cancel(ctx context.Context, id string, now time.Time) error {
	return q.MarkTerminal(ctx, id, Cancelled(), now)
}

// RetryNow requeues a terminally failed activity immediately, preserving
// its attempt count. Only failed activities with attempts left qualify;
// in practice that means block-terminal ones being retried manually after
// the session was reset.
func (q *Queue) RetryNow(ctx context.Context, id string, now time.Time) error {
	q.mu.Lock()
	a, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownActivity, id)
	}
	if a.Status != StatusFailed || a.Attempt >= q.policy.MaxAttempts {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRetryable, id)
	}
	a.Status = StatusPending
	a.ScheduledAt = now
	a.StartedAt = time.Time{}
	a.FinishedAt = time.Time{}
	cp := a.clone()
	q.mu.Unlock()

	q.log.Info("activity requeued manually",
		logx.String("activity_id", id), logx.Int("attempt", cp.Attempt))
	return q.save(ctx, cp)
}

// Get returns a copy of one activity.
func (q *Queue) Get(id string) (Activity, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.byID[id]
	if !ok {
		return Activity{}, fmt.Errorf("%w: %s", ErrUnknownActivity, id)
	}
	return a.clone(), nil
}

// List returns copies newest-first by CreatedAt. limit <= 0 means all.
func (q *Queue) List(limit int) []Activity {
	q.mu.Lock()
	out := make([]Activity, 0, len(q.byID))
	for _, a := range q.byID {
		out = append(out, a.clone())
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Counts reports how many activities sit in each status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Status]int, 5)
	for _, a := range q.byID {
		out[a.Status]++
	}
	return out
}

// Running returns copies of all running activities (watchdog input).
func (q *Queue) Running() []Activity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Activity, 0, 8)
	for _, a := range q.byID {
		if a.Status == StatusRunning {
			out = append(out, a.clone())
		}
	}
	return out
}

// HasOpen reports whether the session has any pending or running activity
// of the given type (keepalive dedup).
func (q *Queue) HasOpen(sessionID string, typ Type) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.byID {
		if a.SessionID == sessionID && a.Type == typ &&
			(a.Status == StatusPending || a.Status == StatusRunning) {
			return true
		}
	}
	return false
}

// PruneTerminal drops terminal activities finished before cutoff, from
// memory and the store. Returns the in-memory count removed.
func (q *Queue) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	removed := 0
	for id, a := range q.byID {
		if a.Status.Terminal() && !a.FinishedAt.IsZero() && a.FinishedAt.Before(cutoff) {
			delete(q.byID, id)
			removed++
		}
	}
	q.mu.Unlock()

	if q.store != nil {
		if _, err := q.store.DeleteActivitiesBefore(ctx, cutoff); err != nil {
			return removed, fmt.Errorf("prune activities: %w", err)
		}
	}
	return removed, nil
}

// Seed loads persisted activities. Records in running status died with the
// previous process: they are reclassified as worker-timeout failures and
// flow through the normal retry policy. Returns (loaded, reclaimed).
func (q *Queue) Seed(ctx context.Context, records []store.ActivityRecord, now time.Time) (int, int) {
	loaded, reclaimed := 0, 0
	resaves := make([]Activity, 0, 4)

	q.mu.Lock()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := q.byID[rec.ID]; ok {
			continue
		}
		typ, err := ParseType(rec.Type)
		if err != nil {
			continue
		}
		switch Status(rec.Status) {
		case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		default:
			continue
		}
		a := &Activity{
			ID:          rec.ID,
			Type:        typ,
			SessionID:   rec.SessionID,
			Target:      rec.Target,
			ScheduledAt: rec.ScheduledAt,
			Metadata:    rec.Metadata,
			Status:      Status(rec.Status),
			Attempt:     rec.Attempt,
			LastError:   rec.LastError,
			CreatedAt:   rec.CreatedAt,
			StartedAt:   rec.StartedAt,
			FinishedAt:  rec.FinishedAt,
		}
		if a.Status == StatusRunning {
			f := Failure{Kind: KindWorkerTimeout, Message: "process restarted"}
			a.Attempt++
			a.LastError = f.String()
			if a.Attempt < q.policy.MaxAttempts {
				a.Status = StatusPending
				a.ScheduledAt = now.Add(q.backoffLocked(a.Attempt))
				a.StartedAt = time.Time{}
				a.FinishedAt = time.Time{}
			} else {
				a.Status = StatusFailed
				a.FinishedAt = now
			}
			reclaimed++
			resaves = append(resaves, a.clone())
		}
		q.byID[a.ID] = a
		loaded++
	}
	q.mu.Unlock()

	for _, cp := range resaves {
		if err := q.save(ctx, cp); err != nil {
			q.log.Warn("persisting reclaimed activity failed",
				logx.String("activity_id", cp.ID), logx.Err(err))
		}
	}
	return loaded, reclaimed
}

// backoffLocked computes the retry delay for the given attempt count:
// exponential doubling from the base, capped, with ±50% jitter.
func (q *Queue) backoffLocked(attempt int) time.Duration {
	base := q.policy.BackoffBase
	maxD := q.policy.BackoffCap

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	r := (q.rng.Float64()*2 - 1) * 0.5
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func (q *Queue) publish(typ string, a Activity, errStr string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.ActivityEvent{
			ActivityID: a.ID,
			Type:       string(a.Type),
			SessionID:  a.SessionID,
			Attempt:    a.Attempt,
			Error:      errStr,
		},
	})
}

func (q *Queue) save(ctx context.Context, a Activity) error {
	if q.store == nil {
		return nil
	}
	rec := store.ActivityRecord{
		ID:          a.ID,
		Type:        string(a.Type),
		SessionID:   a.SessionID,
		Target:      a.Target,
		ScheduledAt: a.ScheduledAt,
		Metadata:    a.Metadata,
		Status:      string(a.Status),
		Attempt:     a.Attempt,
		LastError:   a.LastError,
		CreatedAt:   a.CreatedAt,
		StartedAt:   a.StartedAt,
		FinishedAt:  a.FinishedAt,
	}
	if err := q.store.SaveActivity(ctx, rec); err != nil {
		return fmt.Errorf("persist activity: %w", err)
	}
	return nil
}
