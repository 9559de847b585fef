package session

import "time"

// Health is the pool's view of a session's fitness for dispatch.
//
// State machine:
//
//	active ⇄ quarantined        (threshold breach / cooldown expiry + success)
//	active|quarantined → blocked (remote detected the automation)
//	any → invalid                (credential rejected, or streak threshold)
//
// blocked and invalid are sticky: only a manual Reset leaves them.
type Health string

const (
	HealthActive      Health = "active"
	HealthQuarantined Health = "quarantined"
	HealthBlocked     Health = "blocked"
	HealthInvalid     Health = "invalid"
)

func (h Health) Valid() bool {
	switch h {
	case HealthActive, HealthQuarantined, HealthBlocked, HealthInvalid:
		return true
	default:
		return false
	}
}

// dispatchable reports whether the health state permits dispatch at all
// (cooldown and checkout are judged separately). Quarantined sessions stay
// dispatchable so a success after cooldown can recover them.
func (h Health) dispatchable() bool {
	return h == HealthActive || h == HealthQuarantined
}

// Policy holds the health thresholds and cooldown escalation parameters.
type Policy struct {
	// FailureThreshold is the consecutive-failure count that quarantines.
	FailureThreshold int
	// InvalidThreshold is the consecutive-failure count that invalidates.
	InvalidThreshold int

	// Cooldown escalates per quarantine since the last success:
	// base + step*(n-1), capped.
	Cooldown     time.Duration
	CooldownStep time.Duration
	CooldownCap  time.Duration

	// Rate-limit failures get a shorter pause: the remote asked us to slow
	// down, the session itself is fine.
	RateLimitedCooldown     time.Duration
	RateLimitedCooldownStep time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:        3,
		InvalidThreshold:        5,
		Cooldown:                30 * time.Minute,
		CooldownStep:            10 * time.Minute,
		CooldownCap:             time.Hour,
		RateLimitedCooldown:     5 * time.Minute,
		RateLimitedCooldownStep: 3 * time.Minute,
	}
}

// normalize fills zero fields with defaults so a partially set policy
// behaves sanely.
func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.InvalidThreshold <= 0 {
		p.InvalidThreshold = def.InvalidThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = def.Cooldown
	}
	if p.CooldownStep < 0 {
		p.CooldownStep = def.CooldownStep
	}
	if p.CooldownCap <= 0 {
		p.CooldownCap = def.CooldownCap
	}
	if p.RateLimitedCooldown <= 0 {
		p.RateLimitedCooldown = def.RateLimitedCooldown
	}
	if p.RateLimitedCooldownStep < 0 {
		p.RateLimitedCooldownStep = def.RateLimitedCooldownStep
	}
	return p
}

// cooldownFor computes the escalated cooldown for the n-th quarantine
// (n >= 1) caused by a failure of the given rate-limited flag.
func (p Policy) cooldownFor(n int, rateLimited bool) time.Duration {
	if n < 1 {
		n = 1
	}
	base, step := p.Cooldown, p.CooldownStep
	if rateLimited {
		base, step = p.RateLimitedCooldown, p.RateLimitedCooldownStep
	}
	d := base + time.Duration(n-1)*step
	if d > p.CooldownCap {
		d = p.CooldownCap
	}
	return d
}
