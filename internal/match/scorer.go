// Package match implements candidate scoring, exclusive claims, and the
// match lifecycle state machine.
package match

import (
	"time"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/geo"
	"github.com/nkaruna09/HazMap/internal/model"
)

// Scorer ranks an (need, offer) pair. Category mismatch and offer expiry are
// hard eligibility gates, never score penalties.
type Scorer struct {
	cfg config.ScoringConfig
}

func NewScorer(cfg config.ScoringConfig) *Scorer { return &Scorer{cfg: cfg} }

// Score returns the pair score in [0,100] and whether the pair is eligible
// at all. The score is proximity with linear falloff plus an urgency boost.
func (s *Scorer) Score(need model.Need, offer model.Offer, now time.Time) (float64, bool) {
	if need.Category != offer.Category {
		return 0, false
	}
	if offer.ExpiredAt(now) {
		return 0, false
	}
	d := geo.HaversineKm(need.Location, offer.Location)
	return s.scoreAtDistance(need.Urgency, d), true
}

// scoreAtDistance lets the engine reuse a distance it already computed.
func (s *Scorer) scoreAtDistance(u model.Urgency, distanceKm float64) float64 {
	score := 100 - s.cfg.ProximityFalloffPerKm*distanceKm
	if score < 0 {
		score = 0
	}
	score += s.cfg.UrgencyBoost[u.String()]
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
