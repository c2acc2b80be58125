// Package confidence clamps and time-decays learning event confidence.
//
// Confidence is an integer in [1,100]. Decay reduces the effective confidence
// of an event that has stayed unapplied for a long time: a stale insight
// should need stronger evidence before it mutates the knowledge base.
package confidence

import (
	"math"
	"time"
)

// Bounds and defaults for confidence values.
const (
	Min     = 1
	Max     = 100
	Default = 70

	// DefaultMinConfidence is the application threshold after decay.
	DefaultMinConfidence = 80
)

// SkipReasonBelowThreshold is recorded for events filtered out after decay.
const SkipReasonBelowThreshold = "confidence below threshold after decay"

// Clamp forces c into [Min, Max].
func Clamp(c int) int {
	if c < Min {
		return Min
	}
	if c > Max {
		return Max
	}
	return c
}

// Normalize applies the default to a missing confidence, then clamps.
func Normalize(c *int) int {
	if c == nil {
		return Default
	}
	return Clamp(*c)
}

// DecayConfig controls how confidence decays with event age.
//
// Events younger than GracePeriod keep their raw confidence. After that the
// confidence halves every HalfLife, never dropping below Floor.
type DecayConfig struct {
	HalfLife    time.Duration `json:"half_life"`
	GracePeriod time.Duration `json:"grace_period"`
	Floor       int           `json:"floor"`
	Disabled    bool          `json:"disabled"`
}

// DefaultDecay returns the decay policy used when none is configured.
func DefaultDecay() DecayConfig {
	return DecayConfig{
		HalfLife:    90 * 24 * time.Hour,
		GracePeriod: 14 * 24 * time.Hour,
		Floor:       Min,
	}
}

// Decay returns the adjusted confidence of an event of the given age.
// The result is monotonic non-increasing in age, never exceeds the clamped
// input, and never drops below the floor (itself clamped to [Min, Max]).
func Decay(c int, age time.Duration, cfg DecayConfig) int {
	c = Clamp(c)
	if cfg.Disabled || cfg.HalfLife <= 0 || age <= cfg.GracePeriod {
		return c
	}
	floor := Clamp(cfg.Floor)
	if floor > c {
		return c
	}
	elapsed := float64(age-cfg.GracePeriod) / float64(cfg.HalfLife)
	decayed := int(math.Floor(float64(c) * math.Pow(0.5, elapsed)))
	if decayed < floor {
		return floor
	}
	return decayed
}

// Scorer applies a decay policy relative to a clock.
type Scorer struct {
	cfg DecayConfig
	now func() time.Time
}

// NewScorer creates a Scorer. A nil now uses time.Now.
func NewScorer(cfg DecayConfig, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{cfg: cfg, now: now}
}

// Adjusted returns the decayed confidence of an event created at createdAt.
func (s *Scorer) Adjusted(c int, createdAt time.Time) int {
	age := s.now().Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return Decay(c, age, s.cfg)
}

// Passes reports whether the decayed confidence meets minConfidence.
func (s *Scorer) Passes(c int, createdAt time.Time, minConfidence int) (int, bool) {
	adj := s.Adjusted(c, createdAt)
	return adj, adj >= minConfidence
}
