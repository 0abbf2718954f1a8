// Package ranking orders retrieved candidates for display: a freshness
// adjustment, then cross-encoder reranking, then maximal marginal relevance
// selection for diversity.
package ranking

import (
	"time"
)

// Freshness bounds and horizon defaults.
const (
	DefaultFreshnessMin     = 0.9
	DefaultFreshnessMax     = 1.15
	DefaultFreshnessHorizon = 365 * 24 * time.Hour
)

// Freshness computes a recency multiplier. A document updated now gets Max;
// the factor falls linearly with age and bottoms out at Min once the age
// reaches Horizon.
type Freshness struct {
	Min     float64
	Max     float64
	Horizon time.Duration
	Now     func() time.Time
}

// DefaultFreshness returns the default curve.
func DefaultFreshness() Freshness {
	return Freshness{Min: DefaultFreshnessMin, Max: DefaultFreshnessMax, Horizon: DefaultFreshnessHorizon, Now: time.Now}
}

// Factor returns the multiplier for a document last updated at updated.
// Future timestamps count as now. An unknown (zero) timestamp is neutral:
// 1.0 clamped into [Min, Max].
func (f Freshness) Factor(updated time.Time) float64 {
	if updated.IsZero() {
		return clamp(1, f.Min, f.Max)
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	age := now().Sub(updated)
	if age < 0 {
		age = 0
	}
	if f.Horizon <= 0 {
		return f.Max
	}
	ratio := float64(age) / float64(f.Horizon)
	return clamp(f.Max-(f.Max-f.Min)*ratio, f.Min, f.Max)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
