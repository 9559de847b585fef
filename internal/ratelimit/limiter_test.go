package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	activity "autogram/internal/activity"
	store "autogram/internal/store"
)

func limitsWith(daily, hourly, sessionDaily map[activity.Type]int) Limits {
	l := Limits{Daily: daily, Hourly: hourly, SessionDaily: sessionDaily}
	if l.Daily == nil {
		l.Daily = map[activity.Type]int{}
	}
	if l.Hourly == nil {
		l.Hourly = map[activity.Type]int{}
	}
	if l.SessionDaily == nil {
		l.SessionDaily = map[activity.Type]int{}
	}
	return l
}

func mustAdmit(t *testing.T, l *Limiter, session string, typ activity.Type, now time.Time) {
	t.Helper()
	d, err := l.TryConsume(context.Background(), session, typ, now)
	if err != nil {
		t.Fatalf("TryConsume error: %v", err)
	}
	if !d.Admitted {
		t.Fatalf("TryConsume = %s, want admitted", d)
	}
}

func mustDeny(t *testing.T, l *Limiter, session string, typ activity.Type, now time.Time, reason DenyReason) {
	t.Helper()
	d, err := l.TryConsume(context.Background(), session, typ, now)
	if err != nil {
		t.Fatalf("TryConsume error: %v", err)
	}
	if d.Admitted {
		t.Fatalf("TryConsume = admitted, want denied:%s", reason)
	}
	if d.Reason != reason {
		t.Fatalf("deny reason = %s, want %s", d.Reason, reason)
	}
}

func TestDailyLimitTwoLikes(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(map[activity.Type]int{activity.TypeLike: 2}, nil, nil))
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

	mustAdmit(t, l, "s1", activity.TypeLike, now)
	mustAdmit(t, l, "s2", activity.TypeLike, now)
	mustDeny(t, l, "s3", activity.TypeLike, now, DailyLimitExceeded)

	// The denial consumed nothing.
	if got := l.GlobalUsage(now).Daily[activity.TypeLike]; got != 2 {
		t.Fatalf("daily usage = %d, want 2", got)
	}
}

func TestHourlyLimitIndependentOfDaily(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(
		map[activity.Type]int{activity.TypeLike: 100},
		map[activity.Type]int{activity.TypeLike: 2},
		nil,
	))
	now := time.Date(2026, time.March, 14, 12, 30, 0, 0, time.UTC)

	mustAdmit(t, l, "s1", activity.TypeLike, now)
	mustAdmit(t, l, "s1", activity.TypeLike, now)
	mustDeny(t, l, "s1", activity.TypeLike, now, HourlyLimitExceeded)

	// Next hour opens a fresh hourly window; the daily one keeps counting.
	next := now.Add(time.Hour)
	mustAdmit(t, l, "s1", activity.TypeLike, next)

	u := l.GlobalUsage(next)
	if u.Daily[activity.TypeLike] != 3 {
		t.Fatalf("daily usage = %d, want 3", u.Daily[activity.TypeLike])
	}
	if u.Hourly[activity.TypeLike] != 1 {
		t.Fatalf("hourly usage = %d, want 1", u.Hourly[activity.TypeLike])
	}
}

func TestDailyWindowResetsAtUTCMidnight(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(map[activity.Type]int{activity.TypeFollow: 1}, nil, nil))

	lateNight := time.Date(2026, time.March, 14, 23, 59, 59, 0, time.UTC)
	mustAdmit(t, l, "s1", activity.TypeFollow, lateNight)
	mustDeny(t, l, "s1", activity.TypeFollow, lateNight, DailyLimitExceeded)

	midnight := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	mustAdmit(t, l, "s1", activity.TypeFollow, midnight)
}

func TestSessionDailyBudgetIsPerSession(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(nil, nil, map[activity.Type]int{activity.TypeComment: 1}))
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

	mustAdmit(t, l, "a", activity.TypeComment, now)
	mustDeny(t, l, "a", activity.TypeComment, now, DailyLimitExceeded)
	mustAdmit(t, l, "b", activity.TypeComment, now)

	counts := l.SessionDailyCounts("a", now)
	if counts[activity.TypeComment] != 1 {
		t.Fatalf("session daily count = %d, want 1", counts[activity.TypeComment])
	}
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(nil, nil, nil))
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		mustAdmit(t, l, "s1", activity.TypeLike, now)
	}
	// No budget, no windows.
	if u := l.GlobalUsage(now); len(u.Daily) != 0 || len(u.Hourly) != 0 {
		t.Fatalf("usage = %+v, want empty", u)
	}
}

type fakeCooldown struct {
	cooling map[string]bool
}

func (f fakeCooldown) InCooldown(id string, _ time.Time) bool { return f.cooling[id] }

func TestCooldownDeniedBeforeCharging(t *testing.T) {
	t.Parallel()
	l := New(
		limitsWith(map[activity.Type]int{activity.TypeLike: 5}, nil, nil),
		WithCooldownChecker(fakeCooldown{cooling: map[string]bool{"cold": true}}),
	)
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

	mustDeny(t, l, "cold", activity.TypeLike, now, SessionCooldown)
	if got := l.GlobalUsage(now).Daily[activity.TypeLike]; got != 0 {
		t.Fatalf("daily usage after cooldown denial = %d, want 0", got)
	}
	mustAdmit(t, l, "warm", activity.TypeLike, now)
}

func TestConcurrentConsumptionNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	const limit = 25
	l := New(limitsWith(map[activity.Type]int{activity.TypeLike: limit}, nil, nil))
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.TryConsume(context.Background(), "s1", activity.TypeLike, now)
			if err != nil {
				t.Errorf("TryConsume error: %v", err)
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("admitted = %d, want exactly %d", admitted, limit)
	}
	if got := l.GlobalUsage(now).Daily[activity.TypeLike]; got != limit {
		t.Fatalf("daily usage = %d, want %d", got, limit)
	}
}

func TestSetLimitsKeepsCounts(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(map[activity.Type]int{activity.TypeLike: 10}, nil, nil))
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

	mustAdmit(t, l, "s1", activity.TypeLike, now)
	mustAdmit(t, l, "s1", activity.TypeLike, now)

	l.SetLimits(limitsWith(map[activity.Type]int{activity.TypeLike: 2}, nil, nil))
	mustDeny(t, l, "s1", activity.TypeLike, now, DailyLimitExceeded)
}

func TestSeedRestoresLiveWindowsDropsExpired(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(map[activity.Type]int{activity.TypeLike: 3}, nil, nil))
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

	loaded := l.Seed([]store.WindowRecord{
		{
			Kind: "daily", Scope: "", Type: string(activity.TypeLike),
			Start: dayStart, End: dayStart.Add(24 * time.Hour), Count: 2,
		},
		{
			// Yesterday's window must not load.
			Kind: "daily", Scope: "", Type: string(activity.TypeLike),
			Start: dayStart.Add(-24 * time.Hour), End: dayStart, Count: 99,
		},
		{
			// Unknown types are skipped, not fatal.
			Kind: "daily", Scope: "", Type: "bogus",
			Start: dayStart, End: dayStart.Add(24 * time.Hour), Count: 1,
		},
	}, now)
	if loaded != 1 {
		t.Fatalf("Seed loaded = %d, want 1", loaded)
	}

	mustAdmit(t, l, "s1", activity.TypeLike, now)
	mustDeny(t, l, "s1", activity.TypeLike, now, DailyLimitExceeded)
}

func TestPruneDropsExpiredWindows(t *testing.T) {
	t.Parallel()
	l := New(limitsWith(
		map[activity.Type]int{activity.TypeLike: 10},
		map[activity.Type]int{activity.TypeLike: 10},
		nil,
	))
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)
	mustAdmit(t, l, "s1", activity.TypeLike, now)

	// One day later both the hourly and the daily window have ended.
	later := now.Add(25 * time.Hour)
	removed, err := l.Prune(context.Background(), later)
	if err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("Prune removed = %d, want 2", removed)
	}
	if u := l.GlobalUsage(later); len(u.Daily) != 0 || len(u.Hourly) != 0 {
		t.Fatalf("usage after prune = %+v, want empty", u)
	}
}

// brokenStore fails every window write; all other operations are no-ops.
type brokenStore struct {
	store.Store
}

func (brokenStore) SaveWindow(context.Context, store.WindowRecord) error {
	return errors.New("disk full")
}

func TestStoreFailureRollsBackCharges(t *testing.T) {
	t.Parallel()
	l := New(
		limitsWith(
			map[activity.Type]int{activity.TypeLike: 5},
			map[activity.Type]int{activity.TypeLike: 5},
			nil,
		),
		WithStore(brokenStore{}),
	)
	now := time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

	d, err := l.TryConsume(context.Background(), "s1", activity.TypeLike, now)
	if err == nil {
		t.Fatal("expected store error")
	}
	if d.Admitted {
		t.Fatal("admission must not survive a failed persist")
	}
	u := l.GlobalUsage(now)
	if u.Daily[activity.TypeLike] != 0 || u.Hourly[activity.TypeLike] != 0 {
		t.Fatalf("usage after rollback = %+v, want zero", u)
	}
}
