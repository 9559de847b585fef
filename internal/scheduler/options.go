package scheduler

import (
	"time"

	"autogram/internal/activity"
	"autogram/internal/ratelimit"
	"autogram/internal/session"
)

// Options is the full runtime tuning of the scheduler. A copy is held under
// the service mutex; SetConfig patches it live and pushes the relevant parts
// down to the limiter, registry and queue.
type Options struct {
	// Enabled is the initial state of the dispatch gate. The gate is owned by
	// the scheduler and toggled only via StartScheduler/StopScheduler.
	Enabled bool

	// Tick is the control loop period.
	Tick time.Duration

	// Workers is the size of the executor pool and the in-flight cap.
	Workers int

	// MinActionDelay/MaxActionDelay bound the human-pacing pause a worker
	// holds the session lease for after an execution.
	MinActionDelay time.Duration
	MaxActionDelay time.Duration

	// Policy governs session health transitions (thresholds, cooldowns).
	Policy session.Policy

	// Retry governs activity retry attempts and backoff.
	Retry activity.RetryPolicy

	// Limits are the admission budgets enforced at dispatch.
	Limits ratelimit.Limits

	// WatchdogTimeout force-fails running activities stuck longer than this.
	// Zero disables the watchdog.
	WatchdogTimeout time.Duration

	// ExecutorTimeout caps a single executor call. Zero means no deadline.
	ExecutorTimeout time.Duration

	// KeepaliveIdle is how long an active session may sit idle before the
	// loop schedules a keepalive for it. Zero disables auto keepalive.
	KeepaliveIdle time.Duration

	// Retention is how long terminal activities are kept before maintenance
	// prunes them.
	Retention time.Duration

	// MaintenanceSpec is the cron spec for the maintenance job.
	MaintenanceSpec string

	// Probabilities weight the random-activity draw. Types with weight zero
	// are never drawn.
	Probabilities map[activity.Type]float64

	// Targets is the pool random targets are drawn from for activity types
	// that act on one.
	Targets []string
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		Tick:            10 * time.Second,
		Workers:         5,
		MinActionDelay:  2 * time.Second,
		MaxActionDelay:  8 * time.Second,
		Policy:          session.DefaultPolicy(),
		Retry:           activity.DefaultRetryPolicy(),
		Limits:          ratelimit.DefaultLimits(),
		WatchdogTimeout: 3 * time.Minute,
		ExecutorTimeout: time.Minute,
		KeepaliveIdle:   30 * time.Minute,
		Retention:       24 * time.Hour,
		MaintenanceSpec: "@hourly",
		Probabilities:   DefaultProbabilities(),
		Targets:         DefaultTargets(),
	}
}

// DefaultProbabilities is the stock weighting of the random-activity draw.
// Unfollow and keepalive are deliberately zero: the former is destructive,
// the latter is scheduled by the idle sweep rather than drawn.
func DefaultProbabilities() map[activity.Type]float64 {
	return map[activity.Type]float64{
		activity.TypeLike:          0.7,
		activity.TypeStoryView:     0.8,
		activity.TypeProfileVisit:  0.5,
		activity.TypeExploreBrowse: 0.4,
		activity.TypeFollow:        0.3,
		activity.TypeComment:       0.1,
		activity.TypeUnfollow:      0,
		activity.TypeKeepalive:     0,
	}
}

// DefaultTargets is the stock target pool.
func DefaultTargets() []string {
	return []string{
		"#instagram",
		"#photography",
		"#photo",
		"#art",
		"#nature",
		"#travel",
		"#lifestyle",
		"#fashion",
		"#food",
		"#music",
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Tick <= 0 {
		o.Tick = def.Tick
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.MinActionDelay < 0 {
		o.MinActionDelay = def.MinActionDelay
	}
	if o.MaxActionDelay <= 0 {
		o.MaxActionDelay = def.MaxActionDelay
	}
	if o.MaxActionDelay < o.MinActionDelay {
		o.MaxActionDelay = o.MinActionDelay
	}
	if o.WatchdogTimeout < 0 {
		o.WatchdogTimeout = 0
	}
	if o.ExecutorTimeout < 0 {
		o.ExecutorTimeout = 0
	}
	if o.KeepaliveIdle < 0 {
		o.KeepaliveIdle = 0
	}
	if o.Retention <= 0 {
		o.Retention = def.Retention
	}
	if o.MaintenanceSpec == "" {
		o.MaintenanceSpec = def.MaintenanceSpec
	}
	if o.Probabilities == nil {
		o.Probabilities = DefaultProbabilities()
	}
	return o
}

// clone deep-copies the maps and slices so a snapshot handed to a caller
// cannot be mutated out from under the service.
func (o Options) clone() Options {
	o.Limits = o.Limits.Clone()
	if o.Probabilities != nil {
		probs := make(map[activity.Type]float64, len(o.Probabilities))
		for k, v := range o.Probabilities {
			probs[k] = v
		}
		o.Probabilities = probs
	}
	if o.Targets != nil {
		o.Targets = append([]string(nil), o.Targets...)
	}
	return o
}
