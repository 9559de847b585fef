package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autogram/internal/activity"
	"autogram/internal/config"
	"autogram/internal/eventbus"
	"autogram/internal/metrics"
	"autogram/internal/notify"
	"autogram/internal/ratelimit"
	rtsup "autogram/internal/runtime/supervisor"
	"autogram/internal/scheduler"
	"autogram/internal/session"
	"autogram/internal/store"
	logx "autogram/pkg/logx"
)

// App wires the daemon: config manager, logging, event bus, optional
// persistence, the session/activity/ratelimit core and the scheduler on
// top, plus the debug HTTP server and Telegram alerts.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	registry *session.Registry
	queue    *activity.Queue
	limiter  *ratelimit.Limiter

	sched *scheduler.Service
	mets  *metrics.Metrics
	msrv  *metrics.Server
	notif *notify.Service
}

func New(boot Bootstrap) (*App, error) {
	cfgm := config.NewManager(boot.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(buildLogConfig(cfg, boot.LogLevel))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Persistence (optional). Nothing below logs or persists credentials.
	var st store.Store
	if sc, enabled, err := mapStoreConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err = store.Open(context.Background(), sc, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
		log.Info("persistence enabled", logx.String("driver", sc.Driver))
	}

	opts, err := mapSchedulerOptions(cfg)
	if err != nil {
		return nil, err
	}

	registry := session.New(opts.Policy,
		session.WithBus(bus), session.WithStore(st), session.WithLogger(log))
	queue := activity.NewQueue(opts.Retry,
		activity.WithBus(bus), activity.WithStore(st), activity.WithLogger(log))
	limiter := ratelimit.New(opts.Limits,
		ratelimit.WithCooldownChecker(registry), ratelimit.WithStore(st), ratelimit.WithLogger(log))

	if st != nil {
		if err := restoreState(st, registry, queue, limiter, log); err != nil {
			return nil, err
		}
	}

	exec, err := mapExecutor(cfg)
	if err != nil {
		return nil, err
	}

	mets := metrics.New()
	sched := scheduler.New(opts, scheduler.Deps{
		Registry: registry,
		Queue:    queue,
		Limiter:  limiter,
		Executor: exec,
		Bus:      bus,
		Log:      log,
		Metrics:  mets,
	})

	// Gauges are sampled at scrape time, straight off the live components.
	mets.RegisterActivityGauge(func() map[string]int {
		counts := queue.Counts()
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return out
	})
	mets.RegisterSessionGauge(func() map[string]int {
		out := make(map[string]int, 4)
		for _, v := range registry.Views() {
			out[string(v.Health)]++
		}
		return out
	})
	mets.RegisterInFlight(sched.InFlight)

	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	msrv := metrics.NewServer(mcfg, mets, log)

	notif, err := notify.New(mapNotifyConfig(cfg), bus, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  boot.ConfigPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		st:       st,
		registry: registry,
		queue:    queue,
		limiter:  limiter,
		sched:    sched,
		mets:     mets,
		msrv:     msrv,
		notif:    notif,
	}

	n, err := a.seedSessions(context.Background(), cfg.Sessions)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Info("sessions seeded from config", logx.Int("count", n))
	}
	return a, nil
}

// Scheduler exposes the control surface (status, manual scheduling, session
// management) to the CLI layer.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Alerts subscribe before the scheduler starts publishing.
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.msrv != nil && a.msrv.Enabled() {
		a.msrv.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise on busy ticks.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("dispatching", a.sched.Running()),
		logx.Bool("persistence", a.st != nil),
	)
	return nil
}

// applyReload pushes a validated config onto the live components. Storage and
// executor changes are not hot-swappable and only produce a warning.
func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "executor":
			a.log.Warn("executor config changed; restart required for changes to take effect")
		}
	}

	// Logging first so the remaining reload lines obey the new level.
	a.logs.Apply(buildLogConfig(next, ""))

	if opts, err := mapSchedulerOptions(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Any("err", err))
	} else {
		a.sched.Apply(ctx, opts)
		// The dispatch gate follows the file only when the file value flipped;
		// runtime start/stop commands survive unrelated edits.
		if prev == nil || prev.Scheduler.Enabled != next.Scheduler.Enabled {
			if next.Scheduler.Enabled {
				if a.sched.StartScheduler() {
					a.log.Info("dispatch enabled via config")
				}
			} else {
				if a.sched.StopScheduler() {
					a.log.Info("dispatch disabled via config")
				}
			}
		}
	}

	if a.msrv != nil {
		if mcfg, err := mapMetricsConfig(next); err != nil {
			a.log.Warn("invalid metrics config; keeping previous", logx.Any("err", err))
		} else {
			a.msrv.Reconfigure(ctx, mcfg)
		}
	}

	if a.notif != nil {
		a.notif.Reconfigure(ctx, mapNotifyConfig(next))
	}

	if n, err := a.seedSessions(ctx, next.Sessions); err != nil {
		a.log.Warn("session seeding failed", logx.Any("err", err))
	} else if n > 0 {
		a.log.Info("sessions added via config", logx.Int("count", n))
	}

	// Keep the final log line concise and human-friendly (details are in debug logs).
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first: it holds leases and in-flight work.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error {
		if a.msrv != nil {
			a.msrv.Stop(c)
		}
		return nil
	})
	step("alerts", 1*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("store", 1*time.Second, func(c context.Context) error {
		if a.st != nil {
			return a.st.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event logger).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// seedSessions adds config-declared sessions that the registry does not know
// yet. Existing sessions keep their live health and counters.
func (a *App) seedSessions(ctx context.Context, seeds []config.SessionSeed) (int, error) {
	added := 0
	for _, sd := range seeds {
		err := a.registry.Add(ctx, sd.ID, sd.Credential, time.Now())
		switch {
		case err == nil:
			added++
		case errors.Is(err, session.ErrSessionExists):
			// Live state wins over config seeds.
		default:
			return added, fmt.Errorf("seed session %q: %w", sd.ID, err)
		}
	}
	return added, nil
}

// restoreState reloads sessions, activities and rate windows from the store.
// Boot fails on a read error rather than silently starting empty.
func restoreState(st store.Store, reg *session.Registry, q *activity.Queue, lim *ratelimit.Limiter, log logx.Logger) error {
	ctx := context.Background()
	now := time.Now()

	sess, err := st.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	nSess := reg.Seed(sess)

	acts, err := st.ListActivities(ctx, 0)
	if err != nil {
		return fmt.Errorf("restore activities: %w", err)
	}
	nActs, reclaimed := q.Seed(ctx, acts, now)

	wins, err := st.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("restore windows: %w", err)
	}
	nWins := lim.Seed(wins, now)

	log.Info("state restored",
		logx.Int("sessions", nSess),
		logx.Int("activities", nActs),
		logx.Int("reclaimed", reclaimed),
		logx.Int("windows", nWins),
	)
	return nil
}

func buildLogConfig(cfg *config.Config, fallbackLevel string) logx.Config {
	out := logx.Config{}
	if cfg != nil {
		out.Level = cfg.Logging.Level
		out.Console = cfg.Logging.Console
		out.File = logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	if strings.TrimSpace(out.Level) == "" {
		out.Level = fallbackLevel
	}
	return out
}
