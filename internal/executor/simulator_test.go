package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	activity "autogram/internal/activity"
)

func fastConfig(seed int64, rate float64) SimulatorConfig {
	return SimulatorConfig{
		Seed:        seed,
		MinLatency:  time.Nanosecond,
		MaxLatency:  time.Nanosecond,
		FailureRate: rate,
	}
}

func TestSimulatorDeterministicPerSeed(t *testing.T) {
	t.Parallel()
	a := NewSimulator(fastConfig(42, 0.5))
	b := NewSimulator(fastConfig(42, 0.5))

	for i := 0; i < 30; i++ {
		la, ra := a.roll(activity.TypeLike, "post:1")
		lb, rb := b.roll(activity.TypeLike, "post:1")
		if la != lb || ra != rb {
			t.Fatalf("roll %d diverged: (%v, %+v) vs (%v, %+v)", i, la, ra, lb, rb)
		}
	}
}

func TestSimulatorLatencyWithinBounds(t *testing.T) {
	t.Parallel()
	cfg := SimulatorConfig{
		Seed:       7,
		MinLatency: 10 * time.Millisecond,
		MaxLatency: 20 * time.Millisecond,
	}
	s := NewSimulator(cfg)
	for i := 0; i < 100; i++ {
		latency, _ := s.roll(activity.TypeLike, "")
		if latency < cfg.MinLatency || latency > cfg.MaxLatency {
			t.Fatalf("latency = %v, want in [%v, %v]", latency, cfg.MinLatency, cfg.MaxLatency)
		}
	}
}

func TestSimulatorFailureRateExtremes(t *testing.T) {
	t.Parallel()
	always := NewSimulator(fastConfig(1, 1))
	never := NewSimulator(fastConfig(1, 0))

	for i := 0; i < 50; i++ {
		if _, res := always.roll(activity.TypeLike, ""); res.OK() {
			t.Fatal("FailureRate=1 produced a success")
		}
		if _, res := never.roll(activity.TypeLike, ""); !res.OK() {
			t.Fatalf("FailureRate=0 produced a failure: %+v", res)
		}
	}
}

func TestSimulatorFailureKindWeights(t *testing.T) {
	t.Parallel()
	cfg := fastConfig(99, 1)
	cfg.FailureWeights = map[Kind]int{RateLimited: 3, NetworkError: 1}
	s := NewSimulator(cfg)

	seen := map[Kind]int{}
	for i := 0; i < 200; i++ {
		_, res := s.roll(activity.TypeLike, "")
		seen[res.Kind]++
	}
	if len(seen) != 2 || seen[RateLimited] == 0 || seen[NetworkError] == 0 {
		t.Fatalf("kinds seen = %v, want only rate_limited and network_error", seen)
	}
}

func TestSimulatorHonorsContextDeadline(t *testing.T) {
	t.Parallel()
	s := NewSimulator(SimulatorConfig{
		Seed:       1,
		MinLatency: 5 * time.Second,
		MaxLatency: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := s.Perform(ctx, "cred", activity.TypeLike, "post:1", nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Perform ignored the deadline, took %v", elapsed)
	}
	if res.Kind != NetworkError || !strings.HasPrefix(res.Message, "interrupted") {
		t.Fatalf("result = %+v, want interrupted network_error", res)
	}
}

func TestSimulatorNeverEchoesCredential(t *testing.T) {
	t.Parallel()
	s := NewSimulator(fastConfig(3, 0))
	res := s.Perform(context.Background(), "super-secret-token", activity.TypeLike, "post:1", nil)
	if strings.Contains(res.Message, "super-secret-token") {
		t.Fatalf("result message leaks the credential: %q", res.Message)
	}
}

func TestKindFailureMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want activity.FailureKind
	}{
		{kind: RateLimited, want: activity.KindRateLimited},
		{kind: DetectedBlock, want: activity.KindDetectedBlock},
		{kind: InvalidCredential, want: activity.KindInvalidCredential},
		{kind: NetworkError, want: activity.KindNetworkError},
		{kind: Unknown, want: activity.KindUnknown},
		{kind: Kind("mystery"), want: activity.KindUnknown},
	}
	for _, tt := range tests {
		if got := tt.kind.FailureKind(); got != tt.want {
			t.Fatalf("FailureKind(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestSimulatorConfigNormalize(t *testing.T) {
	t.Parallel()
	got := SimulatorConfig{FailureRate: 2}.normalize()
	if got.MinLatency != 100*time.Millisecond {
		t.Fatalf("MinLatency = %v, want default", got.MinLatency)
	}
	if got.MaxLatency < got.MinLatency {
		t.Fatalf("MaxLatency = %v below MinLatency %v", got.MaxLatency, got.MinLatency)
	}
	if got.FailureRate != 1 {
		t.Fatalf("FailureRate = %v, want clamped to 1", got.FailureRate)
	}
	if len(got.FailureWeights) == 0 {
		t.Fatal("FailureWeights empty, want defaults")
	}
	if _, ok := got.FailureWeights[DetectedBlock]; ok {
		t.Fatal("default weights must not include destructive kinds")
	}

	inverted := SimulatorConfig{MinLatency: time.Second, MaxLatency: time.Millisecond}.normalize()
	if inverted.MaxLatency != time.Second {
		t.Fatalf("MaxLatency = %v, want raised to MinLatency", inverted.MaxLatency)
	}
}
