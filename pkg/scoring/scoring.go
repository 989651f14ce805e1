// Package scoring computes normalized quality scores for vendor candidates
// and quotes. Scores are deterministic, total over partial records, and
// always land in [0,1] so callers can rank mixed populations without
// special-casing missing data.
package scoring

import (
	"time"
)

// Candidate exposes the quality signals the engine reads. Implementations
// adapt whatever storage shape a vertical uses; each accessor returns false
// when the signal is absent so partial records score neutrally.
type Candidate interface {
	// Rating returns the candidate's numeric rating, if present.
	Rating() (float64, bool)
	// Verified reports whether the candidate passed verification.
	Verified() (bool, bool)
	// ReviewCount returns the number of reviews backing the rating.
	ReviewCount() (int, bool)
	// UpdatedAt returns when the candidate record was last refreshed.
	UpdatedAt() (time.Time, bool)
}

// Weights configures the scoring formula. The zero value is not usable;
// call DefaultWeights or load from configuration.
type Weights struct {
	// Base is the neutral starting score for a signal-free candidate.
	Base float64 `yaml:"base"`
	// Rating weights the normalized rating contribution.
	Rating float64 `yaml:"rating_weight"`
	// VerifiedBonus is added only when verification is exactly true.
	VerifiedBonus float64 `yaml:"verified_bonus"`
	// Reviews weights the saturating review-count confidence.
	Reviews float64 `yaml:"review_weight"`
	// Recency weights the freshness decay contribution.
	Recency float64 `yaml:"recency_weight"`
	// RatingMax is the known maximum of the rating scale.
	RatingMax float64 `yaml:"rating_max"`
	// ReviewCap is where review-count confidence saturates.
	ReviewCap int `yaml:"review_cap"`
	// RecencyHorizon is the age at which freshness decays to zero.
	RecencyHorizon time.Duration `yaml:"recency_horizon"`
}

// DefaultWeights returns the production defaults.
func DefaultWeights() Weights {
	return Weights{
		Base:           0.5,
		Rating:         0.3,
		VerifiedBonus:  0.15,
		Reviews:        0.15,
		Recency:        0.1,
		RatingMax:      5,
		ReviewCap:      50,
		RecencyHorizon: 30 * 24 * time.Hour,
	}
}

// Engine scores candidates. Engine is stateless and safe for concurrent use.
type Engine struct {
	weights Weights
	now     func() time.Time
}

// NewEngine creates an engine with the given weights. A fully zero
// Weights falls back to DefaultWeights; zero or negative RatingMax,
// ReviewCap, and RecencyHorizon fall back individually so a partially
// filled config cannot produce divide-by-zero scores.
func NewEngine(w Weights) *Engine {
	def := DefaultWeights()
	if w.Base == 0 && w.Rating == 0 && w.VerifiedBonus == 0 && w.Reviews == 0 && w.Recency == 0 {
		w = def
	}
	if w.RatingMax <= 0 {
		w.RatingMax = def.RatingMax
	}
	if w.ReviewCap <= 0 {
		w.ReviewCap = def.ReviewCap
	}
	if w.RecencyHorizon <= 0 {
		w.RecencyHorizon = def.RecencyHorizon
	}
	return &Engine{weights: w, now: time.Now}
}

// Score maps a candidate to a quality score in [0,1].
//
// The raw sum of base and weighted contributions is normalized by the
// maximum attainable sum rather than hard-clamped, so a verified candidate
// always outranks an otherwise identical unverified one even when both are
// saturated on every other signal. A candidate with no signals scores
// base/max, strictly inside (0,1), so unscored items neither sink to the
// bottom nor float to the top.
func (e *Engine) Score(c Candidate) float64 {
	w := e.weights
	score := w.Base

	if c != nil {
		if rating, ok := c.Rating(); ok {
			score += w.Rating * clamp01(rating/w.RatingMax)
		}
		if verified, ok := c.Verified(); ok && verified {
			score += w.VerifiedBonus
		}
		if reviews, ok := c.ReviewCount(); ok && reviews > 0 {
			n := float64(reviews)
			if n > float64(w.ReviewCap) {
				n = float64(w.ReviewCap)
			}
			score += w.Reviews * (n / float64(w.ReviewCap))
		}
		if updated, ok := c.UpdatedAt(); ok && !updated.IsZero() {
			age := e.now().Sub(updated)
			if age < 0 {
				age = 0
			}
			if age < w.RecencyHorizon {
				score += w.Recency * (1 - float64(age)/float64(w.RecencyHorizon))
			}
		}
	}

	max := w.Base + w.Rating + w.VerifiedBonus + w.Reviews + w.Recency
	if max <= 0 {
		return 0.5
	}
	return clamp01(score / max)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
