package ratelimit

import (
	activity "autogram/internal/activity"
)

// Limits holds the budget tables the limiter enforces.
//
// Daily and Hourly are global (across all sessions) per activity type.
// SessionDaily applies the same budget to every session individually.
// A limit of 0 means unlimited for Daily/Hourly and disabled for
// SessionDaily; types absent from a table count as 0.
type Limits struct {
	Daily        map[activity.Type]int
	Hourly       map[activity.Type]int
	SessionDaily map[activity.Type]int
}

// DefaultLimits returns the stock budget tables.
func DefaultLimits() Limits {
	return Limits{
		Daily: map[activity.Type]int{
			activity.TypeLike:          200,
			activity.TypeFollow:        50,
			activity.TypeUnfollow:      50,
			activity.TypeComment:       30,
			activity.TypeStoryView:     100,
			activity.TypeProfileVisit:  150,
			activity.TypeExploreBrowse: 0,
			activity.TypeKeepalive:     100,
		},
		Hourly: map[activity.Type]int{
			activity.TypeLike:         30,
			activity.TypeFollow:       10,
			activity.TypeUnfollow:     10,
			activity.TypeComment:      5,
			activity.TypeStoryView:    20,
			activity.TypeProfileVisit: 25,
		},
		SessionDaily: map[activity.Type]int{},
	}
}

// Clone returns a deep copy so callers can mutate their view safely.
func (l Limits) Clone() Limits {
	return Limits{
		Daily:        cloneTable(l.Daily),
		Hourly:       cloneTable(l.Hourly),
		SessionDaily: cloneTable(l.SessionDaily),
	}
}

func cloneTable(in map[activity.Type]int) map[activity.Type]int {
	out := make(map[activity.Type]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
