package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"autogram/internal/activity"
	"autogram/internal/executor"
	"autogram/internal/session"
	"autogram/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan dispatched, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.execOne(ctx, stopCh, d, log)
		}
	}
}

// execOne runs a single dispatched activity end to end: executor call,
// terminal transition, session outcome, then the human-pacing delay. The
// lease is released on every path, including panics inside the executor.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, d dispatched, log logx.Logger) {
	defer atomic.AddInt32(&s.inFlight, -1)
	defer s.registry.Release(d.lease)

	begin := time.Now()
	res := s.perform(ctx, d)
	took := time.Since(begin)

	now := time.Now()
	var out activity.Outcome
	var sessOut session.Outcome
	if res.OK() {
		out = activity.Completed()
		sessOut = session.Outcome{Success: true}
	} else {
		kind := res.Kind.FailureKind()
		out = activity.Failed(activity.Failure{Kind: kind, Message: res.Message})
		sessOut = session.Outcome{Kind: kind}
	}

	err := s.queue.MarkTerminal(ctx, d.act.ID, out, now)
	if errors.Is(err, activity.ErrConflict) || errors.Is(err, activity.ErrUnknownActivity) {
		// The watchdog already failed this attempt (or retention pruned it).
		// The lease is stale too; drop the outcome.
		log.Debug("late outcome dropped",
			logx.String("activity", d.act.ID),
			logx.Duration("took", took))
		return
	}
	if err != nil {
		// Transition applied in memory; only persistence failed.
		s.storeTrouble(err, "outcome")
	}

	if err := s.registry.RecordOutcome(ctx, d.act.SessionID, sessOut, now); err != nil {
		if !errors.Is(err, session.ErrUnknownSession) {
			s.storeTrouble(err, "session outcome")
		}
	}

	if res.OK() {
		s.metrics.Completed(string(d.act.Type), took)
		log.Debug("activity completed",
			logx.String("activity", d.act.ID),
			logx.String("type", string(d.act.Type)),
			logx.String("session", d.act.SessionID),
			logx.Duration("took", took))
	} else {
		s.metrics.Failed(string(d.act.Type), string(res.Kind.FailureKind()), took)
		log.Warn("activity failed",
			logx.String("activity", d.act.ID),
			logx.String("type", string(d.act.Type)),
			logx.String("session", d.act.SessionID),
			logx.String("kind", string(res.Kind)),
			logx.String("err", res.Message),
			logx.Duration("took", took))
	}

	// Hold the lease through the pacing delay so the session cannot be
	// re-dispatched back to back.
	opts := s.snapshotOpts()
	if delay := s.randBetween(opts.MinActionDelay, opts.MaxActionDelay); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-stopCh:
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

// perform calls the executor with the configured deadline. A panic inside
// the executor is contained and reported as an unknown failure.
func (s *Service) perform(parent context.Context, d dispatched) (res executor.Result) {
	ctx := parent
	if timeout := s.snapshotOpts().ExecutorTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("executor panicked",
				logx.String("activity", d.act.ID),
				logx.String("type", string(d.act.Type)),
				logx.Any("panic", r))
			res = executor.Result{Kind: executor.Unknown, Message: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	return s.exec.Perform(ctx, d.lease.Credential(), d.act.Type, d.act.Target, d.act.Metadata)
}
