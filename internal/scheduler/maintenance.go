package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"autogram/internal/activity"
	"autogram/pkg/logx"
)

// startMaintenance schedules the periodic cleanup job. An invalid spec
// disables maintenance rather than failing startup.
func (s *Service) startMaintenance(spec string) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		s.runMaintenance(context.Background(), time.Now())
	}); err != nil {
		s.log.Error("invalid maintenance spec; maintenance disabled",
			logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	s.log.Debug("maintenance scheduled", logx.String("spec", spec))
}

// runMaintenance prunes terminal activities past retention and expired rate
// windows, then logs a status line.
func (s *Service) runMaintenance(ctx context.Context, now time.Time) {
	retention := s.snapshotOpts().Retention

	pruned, err := s.queue.PruneTerminal(ctx, now.Add(-retention))
	if err != nil {
		s.storeTrouble(err, "maintenance")
	}
	windows, err := s.limiter.Prune(ctx, now)
	if err != nil {
		s.storeTrouble(err, "maintenance")
	}

	st := s.ListStatus()
	s.log.Info("maintenance pass",
		logx.Int("activities_pruned", pruned),
		logx.Int("windows_pruned", windows),
		logx.Int("pending", st.Activities[activity.StatusPending]),
		logx.Int("running", st.Activities[activity.StatusRunning]),
		logx.Int("in_flight", st.InFlight),
		logx.Any("sessions", st.Sessions),
		logx.Bool("dispatching", st.Running))
}
