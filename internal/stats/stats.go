// Package stats computes read-only summaries over activity snapshots.
package stats

import (
	"time"

	activity "autogram/internal/activity"
)

// TypeStats is the per-type slice of a Summary.
type TypeStats struct {
	Total     int
	Completed int
	Failed    int
}

// Summary aggregates a set of activity snapshots.
//
// SuccessRate is completed/(completed+failed) over the summarized records,
// in 0..1; it is 0 when no terminal outcome exists yet.
type Summary struct {
	Window time.Duration

	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int

	ByType      map[activity.Type]TypeStats
	SuccessRate float64
}

// Summarize folds records created inside the window ending at now.
// A zero window means all records.
func Summarize(records []activity.Activity, window time.Duration, now time.Time) Summary {
	s := Summary{
		Window: window,
		ByType: make(map[activity.Type]TypeStats),
	}
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	for _, a := range records {
		if window > 0 && !a.CreatedAt.After(cutoff) {
			continue
		}
		s.Total++

		ts := s.ByType[a.Type]
		ts.Total++
		switch a.Status {
		case activity.StatusPending:
			s.Pending++
		case activity.StatusRunning:
			s.Running++
		case activity.StatusCompleted:
			s.Completed++
			ts.Completed++
		case activity.StatusFailed:
			s.Failed++
			ts.Failed++
		case activity.StatusCancelled:
			s.Cancelled++
		}
		s.ByType[a.Type] = ts
	}

	if done := s.Completed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Completed) / float64(done)
	}
	return s
}
