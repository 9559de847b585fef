package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	activity "autogram/internal/activity"
)

// SimulatorConfig tunes the simulated executor.
type SimulatorConfig struct {
	Seed        int64 // 0 = time-seeded
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // 0..1 chance a call fails

	// FailureWeights picks the failure kind by relative weight. The default
	// table only produces transient kinds; destructive outcomes
	// (detected_block, invalid_credential) are opt-in so long-running
	// simulations don't silently kill their session pool.
	FailureWeights map[Kind]int
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		MinLatency:  100 * time.Millisecond,
		MaxLatency:  800 * time.Millisecond,
		FailureRate: 0.05,
		FailureWeights: map[Kind]int{
			RateLimited:  4,
			NetworkError: 4,
			Unknown:      2,
		},
	}
}

func (c SimulatorConfig) normalize() SimulatorConfig {
	def := DefaultSimulatorConfig()
	if c.MinLatency <= 0 {
		c.MinLatency = def.MinLatency
	}
	if c.MaxLatency < c.MinLatency {
		c.MaxLatency = c.MinLatency
	}
	if c.FailureRate < 0 {
		c.FailureRate = 0
	}
	if c.FailureRate > 1 {
		c.FailureRate = 1
	}
	if len(c.FailureWeights) == 0 {
		c.FailureWeights = def.FailureWeights
	}
	return c
}

// Simulator is an Executor that sleeps a sampled latency and rolls dice.
// With a nonzero seed it is deterministic, which the tests rely on.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
	cfg SimulatorConfig
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg = cfg.normalize()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		rng: rand.New(rand.NewSource(seed)),
		cfg: cfg,
	}
}

func (s *Simulator) Perform(ctx context.Context, _ string, typ activity.Type, target string, _ map[string]string) Result {
	latency, res := s.roll(typ, target)

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{Kind: NetworkError, Message: "interrupted: " + ctx.Err().Error()}
		case <-t.C:
		}
	}
	return res
}

// roll samples latency and outcome under one lock so concurrent calls stay
// deterministic per seed (order still matters, as with any shared source).
func (s *Simulator) roll(typ activity.Type, target string) (time.Duration, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := int64(s.cfg.MaxLatency - s.cfg.MinLatency)
	latency := s.cfg.MinLatency
	if span > 0 {
		latency += time.Duration(s.rng.Int63n(span + 1))
	}

	if s.rng.Float64() >= s.cfg.FailureRate {
		msg := "simulated " + string(typ)
		if target != "" {
			msg += " on " + target
		}
		return latency, Result{Kind: OK, Message: msg}
	}
	return latency, Result{Kind: s.pickKindLocked(), Message: "simulated failure"}
}

func (s *Simulator) pickKindLocked() Kind {
	total := 0
	for _, w := range s.cfg.FailureWeights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return Unknown
	}
	n := s.rng.Intn(total)
	// Stable iteration order keeps a fixed seed reproducible.
	for _, k := range []Kind{RateLimited, DetectedBlock, InvalidCredential, NetworkError, Unknown} {
		w := s.cfg.FailureWeights[k]
		if w <= 0 {
			continue
		}
		if n < w {
			return k
		}
		n -= w
	}
	return Unknown
}
