// Package scheduler drives the automation control loop: it watches for due
// activities, admits them against rate budgets, checks out sessions and hands
// the work to a bounded executor pool. It also owns the watchdog, the idle
// keepalive sweep and periodic maintenance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"autogram/internal/activity"
	"autogram/internal/eventbus"
	"autogram/internal/executor"
	"autogram/internal/metrics"
	"autogram/internal/ratelimit"
	rtsup "autogram/internal/runtime/supervisor"
	"autogram/internal/session"
	"autogram/pkg/logx"
)

// dispatched is one unit of work handed from the control loop to a worker.
// The lease travels with the activity; the worker must release it.
type dispatched struct {
	act   activity.Activity
	lease session.Lease
}

// Deps are the collaborators the service drives. Registry, Queue, Limiter and
// Executor are required; Bus, Log and Metrics may be zero values.
type Deps struct {
	Registry *session.Registry
	Queue    *activity.Queue
	Limiter  *ratelimit.Limiter
	Executor executor.Executor

	Bus     eventbus.Bus
	Log     logx.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	mu   sync.Mutex
	opts Options

	// started is the dispatch gate. It is owned by this service and toggled
	// only by StartScheduler/StopScheduler; the loop reads it once per tick.
	started bool

	registry *session.Registry
	queue    *activity.Queue
	limiter  *ratelimit.Limiter
	exec     executor.Executor

	bus     eventbus.Bus
	log     logx.Logger
	metrics *metrics.Metrics

	dispatchCh chan dispatched
	inFlight   int32

	sup      *rtsup.Supervisor
	cron     *cron.Cron
	stopCh   chan struct{}
	stopDone chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	lastDegraded time.Time
}

func New(opts Options, deps Deps) *Service {
	opts = opts.normalized()
	s := &Service{
		opts:     opts,
		started:  opts.Enabled,
		registry: deps.Registry,
		queue:    deps.Queue,
		limiter:  deps.Limiter,
		exec:     deps.Executor,
		bus:      deps.Bus,
		log:      deps.Log.With(logx.String("comp", "scheduler")),
		metrics:  deps.Metrics,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	// Push the shared tuning down so all components agree from the start.
	s.registry.SetPolicy(opts.Policy)
	s.queue.SetPolicy(opts.Retry)
	s.limiter.SetLimits(opts.Limits)
	return s
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	workers := s.opts.Workers
	spec := s.opts.MaintenanceSpec

	s.dispatchCh = make(chan dispatched, workers)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.dispatchCh
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Scheduler failures should not hard-kill the app; workers self-heal.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	sup.GoRestart("loop", func(c context.Context) error {
		s.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("control loop exited unexpectedly")
	})

	s.startMaintenance(spec)

	s.mu.Lock()
	gate := s.started
	tick := s.opts.Tick
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Duration("tick", tick),
		logx.Bool("dispatching", gate))
	if gate {
		s.publishGate(eventbus.EventSchedulerStarted)
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	cr := s.cron
	s.cron = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if cr != nil {
			// Let an in-progress maintenance run finish.
			<-cr.Stop().Done()
		}
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.dispatchCh = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// loop is the control loop. Each pass is one tick; the period is re-read so
// SetConfig can retune it live.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(s.snapshotOpts().Tick)
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.runTick(ctx, time.Now())
		timer.Reset(s.snapshotOpts().Tick)
	}
}

// runTick performs one scheduling pass: watchdog first (it runs even while
// dispatch is paused), then the keepalive sweep and due-activity dispatch.
func (s *Service) runTick(ctx context.Context, now time.Time) {
	s.watchdogSweep(ctx, now)

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.keepaliveSweep(ctx, now)
	s.dispatchDue(ctx, now)
}

// watchdogSweep force-fails running activities whose worker has been silent
// past the timeout and force-releases their session leases. The queue's
// terminal transition is the dedup point: if the worker finishes after all,
// its late outcome hits ErrConflict and is dropped.
func (s *Service) watchdogSweep(ctx context.Context, now time.Time) {
	timeout := s.snapshotOpts().WatchdogTimeout
	if timeout <= 0 {
		return
	}
	for _, a := range s.queue.Running() {
		started := a.StartedAt
		if started.IsZero() || now.Sub(started) < timeout {
			continue
		}
		out := activity.Failed(activity.Failure{
			Kind:    activity.KindWorkerTimeout,
			Message: fmt.Sprintf("no result after %s", now.Sub(started).Truncate(time.Second)),
		})
		if err := s.queue.MarkTerminal(ctx, a.ID, out, now); err != nil {
			if errors.Is(err, activity.ErrConflict) || errors.Is(err, activity.ErrUnknownActivity) {
				continue // worker finished in the meantime
			}
			s.storeTrouble(err, "watchdog")
		}
		s.registry.ForceRelease(a.SessionID)
		if err := s.registry.RecordOutcome(ctx, a.SessionID, session.Outcome{Kind: activity.KindWorkerTimeout}, now); err != nil && !errors.Is(err, session.ErrUnknownSession) {
			s.storeTrouble(err, "watchdog outcome")
		}
		s.metrics.WatchdogExpired(string(a.Type))
		s.log.Warn("watchdog force-failed activity",
			logx.String("activity", a.ID),
			logx.String("type", string(a.Type)),
			logx.String("session", a.SessionID),
			logx.Duration("age", now.Sub(started)))
	}
}

// keepaliveSweep schedules a keepalive for every active session that has been
// idle past the threshold and has no keepalive already open.
func (s *Service) keepaliveSweep(ctx context.Context, now time.Time) {
	opts := s.snapshotOpts()
	if opts.KeepaliveIdle <= 0 {
		return
	}
	for _, v := range s.registry.Views() {
		if v.Health != session.HealthActive || v.CheckedOut {
			continue
		}
		last := v.LastDispatchAt
		if last.IsZero() {
			last = v.CreatedAt
		}
		if now.Sub(last) < opts.KeepaliveIdle {
			continue
		}
		if s.queue.HasOpen(v.ID, activity.TypeKeepalive) {
			continue
		}
		delay := s.randBetween(opts.MinActionDelay, 10*opts.MaxActionDelay)
		a, err := s.queue.Enqueue(ctx, activity.Request{
			Type:        activity.TypeKeepalive,
			SessionID:   v.ID,
			ScheduledAt: now.Add(delay),
			Metadata:    map[string]string{"origin": "idle-sweep"},
		}, now)
		if err != nil {
			s.log.Warn("keepalive enqueue failed", logx.String("session", v.ID), logx.Err(err))
			continue
		}
		s.metrics.Enqueued(string(activity.TypeKeepalive))
		s.log.Debug("keepalive scheduled",
			logx.String("activity", a.ID),
			logx.String("session", v.ID),
			logx.Duration("idle", now.Sub(last)),
			logx.Duration("delay", delay))
	}
}

// dispatchDue walks due activities oldest-first and starts those whose
// session can be checked out and whose budget admits them. Everything else
// stays pending for a later tick. The walk stops early when the worker pool
// is saturated or the store degrades.
func (s *Service) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	ch := s.dispatchCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	capN := cap(ch)

	s.queue.NextDue(now, func(a activity.Activity) bool {
		if int(atomic.LoadInt32(&s.inFlight)) >= capN {
			return false
		}

		lease, err := s.registry.Checkout(ctx, a.SessionID, now)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrUnknownSession),
			errors.Is(err, session.ErrAlreadyCheckedOut),
			errors.Is(err, session.ErrNotEligible):
			return true // session unavailable; the activity stays pending
		default:
			s.storeTrouble(err, "checkout")
			return false
		}

		dec, err := s.limiter.TryConsume(ctx, a.SessionID, a.Type, now)
		if err != nil {
			s.registry.Release(lease)
			s.storeTrouble(err, "admission")
			return false
		}
		if !dec.Admitted {
			s.registry.Release(lease)
			s.metrics.Denied(string(dec.Reason), string(a.Type))
			s.log.Debug("dispatch denied",
				logx.String("activity", a.ID),
				logx.String("type", string(a.Type)),
				logx.String("session", a.SessionID),
				logx.String("reason", string(dec.Reason)))
			return true
		}

		if err := s.queue.MarkRunning(ctx, a.ID, now); err != nil {
			s.registry.Release(lease)
			if errors.Is(err, activity.ErrConflict) || errors.Is(err, activity.ErrUnknownActivity) {
				return true // cancelled or pruned since the due snapshot
			}
			s.storeTrouble(err, "start")
			return false
		}

		atomic.AddInt32(&s.inFlight, 1)
		select {
		case ch <- dispatched{act: a, lease: lease}:
		default:
			// Unreachable while inFlight accounting holds; fail the attempt
			// rather than block the loop.
			atomic.AddInt32(&s.inFlight, -1)
			_ = s.queue.MarkTerminal(ctx, a.ID, activity.Failed(activity.Failure{
				Kind:    activity.KindWorkerTimeout,
				Message: "dispatch queue full",
			}), now)
			s.registry.ForceRelease(a.SessionID)
			s.log.Error("dispatch queue full", logx.String("activity", a.ID))
			return false
		}
		s.metrics.Dispatched(string(a.Type))
		s.log.Debug("activity dispatched",
			logx.String("activity", a.ID),
			logx.String("type", string(a.Type)),
			logx.String("session", a.SessionID),
			logx.Int("attempt", a.Attempt+1))
		return true
	})
}

// InFlight reports how many activities are dispatched but not yet finished.
func (s *Service) InFlight() int {
	return int(atomic.LoadInt32(&s.inFlight))
}

func (s *Service) snapshotOpts() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// randBetween returns a uniform duration in [min, max]; min when max <= min.
func (s *Service) randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)+1))
}

func (s *Service) publishGate(typ string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now()})
}

// storeTrouble logs a persistence failure and publishes store.degraded at
// most once a minute so a flapping store does not flood subscribers.
func (s *Service) storeTrouble(err error, during string) {
	s.log.Warn("store degraded; pausing dispatch for this tick",
		logx.String("during", during), logx.Err(err))
	s.mu.Lock()
	last := s.lastDegraded
	now := time.Now()
	if now.Sub(last) >= time.Minute {
		s.lastDegraded = now
	}
	bus := s.bus
	s.mu.Unlock()
	if bus == nil || now.Sub(last) < time.Minute {
		return
	}
	bus.Publish(eventbus.Event{
		Type: eventbus.EventStoreDegraded,
		Time: now,
		Data: fmt.Sprintf("%s: %v", during, err),
	})
}
