// Package route plans multi-stop delivery runs for volunteers.
package route

import (
	"context"
	"errors"
	"time"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/geo"
	"github.com/nkaruna09/HazMap/internal/model"
)

// ErrInfeasible means no stop order can satisfy the precedence rules for
// the given legs.
var ErrInfeasible = errors.New("no feasible route")

// Planner turns a set of delivery legs into an ordered route. Construction
// is greedy nearest-feasible-stop; a bounded 2-opt pass then shortens the
// tour without breaking pickup-before-dropoff or the critical-delivery rule.
type Planner struct {
	cfg config.RoutingConfig
}

func NewPlanner(cfg config.RoutingConfig) *Planner { return &Planner{cfg: cfg} }

// Plan computes a stop order starting from the volunteer position. Every
// pickup precedes its dropoff, and once a critical dropoff becomes feasible
// at most one non-critical stop may be served before it.
func (p *Planner) Plan(ctx context.Context, volunteerID string, start model.Location, legs []model.DeliveryLeg) (model.Route, error) {
	if len(legs) == 0 {
		return model.Route{VolunteerID: volunteerID, Stops: []model.Stop{}, PlannedAt: time.Now().UTC()}, nil
	}
	seen := map[string]bool{}
	for _, leg := range legs {
		if leg.MatchID == "" || seen[leg.MatchID] || !leg.Pickup.Valid() || !leg.Dropoff.Valid() {
			return model.Route{}, ErrInfeasible
		}
		seen[leg.MatchID] = true
	}

	stops := p.construct(ctx, start, legs)
	// Input order (each pickup directly before its dropoff) is always valid;
	// never return anything longer than it.
	naive := make([]model.Stop, 0, 2*len(legs))
	for _, l := range legs {
		naive = append(naive,
			model.Stop{Kind: model.StopPickup, MatchID: l.MatchID, Location: l.Pickup, Urgency: l.Urgency},
			model.Stop{Kind: model.StopDropoff, MatchID: l.MatchID, Location: l.Dropoff, Urgency: l.Urgency})
	}
	if len(stops) < len(naive) || tourKm(start, naive) < tourKm(start, stops) {
		stops = naive
	}
	stops = p.improve(ctx, start, stops)

	dist := tourKm(start, stops)
	return model.Route{
		VolunteerID:      volunteerID,
		Stops:            stops,
		TotalDistanceKm:  dist,
		TotalDurationMin: dist/p.cfg.SpeedKph*60 + p.cfg.ServiceMinutes*float64(len(stops)),
		PlannedAt:        time.Now().UTC(),
	}, nil
}

// construct builds an order greedily. Criticals are allowed one deferral
// after their pickup, then they jump the queue.
func (p *Planner) construct(ctx context.Context, start model.Location, legs []model.DeliveryLeg) []model.Stop {
	type pending struct {
		leg       model.DeliveryLeg
		pickedUp  bool
		deferrals int
	}
	work := make([]*pending, len(legs))
	for i := range legs {
		work[i] = &pending{leg: legs[i]}
	}

	pos := start
	out := make([]model.Stop, 0, 2*len(legs))
	for len(out) < 2*len(legs) {
		if ctx.Err() != nil {
			break
		}
		// Forced critical dropoff takes priority.
		var next *pending
		var nextStop model.Stop
		bestForced := -1.0
		for _, w := range work {
			if w.pickedUp && w.leg.Urgency == model.UrgencyCritical && w.deferrals >= 1 {
				if d := geo.HaversineKm(pos, w.leg.Dropoff); bestForced < 0 || d < bestForced {
					bestForced, next = d, w
				}
			}
		}
		if next != nil {
			nextStop = model.Stop{Kind: model.StopDropoff, MatchID: next.leg.MatchID, Location: next.leg.Dropoff, Urgency: next.leg.Urgency}
		} else {
			best := -1.0
			for _, w := range work {
				cand := model.Stop{Kind: model.StopPickup, MatchID: w.leg.MatchID, Location: w.leg.Pickup, Urgency: w.leg.Urgency}
				if w.pickedUp {
					cand = model.Stop{Kind: model.StopDropoff, MatchID: w.leg.MatchID, Location: w.leg.Dropoff, Urgency: w.leg.Urgency}
				}
				d := geo.HaversineKm(pos, cand.Location)
				if best < 0 || d < best {
					best, next, nextStop = d, w, cand
				}
			}
			if next == nil {
				break
			}
		}

		out = append(out, nextStop)
		pos = nextStop.Location
		if nextStop.Kind == model.StopPickup {
			next.pickedUp = true
		} else {
			// Dropoff done; retire the leg.
			for i, w := range work {
				if w == next {
					work = append(work[:i], work[i+1:]...)
					break
				}
			}
		}
		// A non-critical stop served ahead of a feasible critical dropoff
		// counts as a deferral of that dropoff.
		if nextStop.Urgency != model.UrgencyCritical {
			for _, w := range work {
				if w.pickedUp && w.leg.Urgency == model.UrgencyCritical {
					w.deferrals++
				}
			}
		}
	}
	return out
}

// improve runs bounded 2-opt passes, accepting a segment reversal only when
// it shortens the tour and keeps the order valid.
func (p *Planner) improve(ctx context.Context, start model.Location, stops []model.Stop) []model.Stop {
	passes := p.cfg.MaxImprovePasses
	if passes <= 0 {
		passes = 40
	}
	for pass := 0; pass < passes; pass++ {
		improved := false
		for i := 0; i < len(stops)-1; i++ {
			for j := i + 1; j < len(stops); j++ {
				if ctx.Err() != nil {
					return stops
				}
				cand := make([]model.Stop, len(stops))
				copy(cand, stops)
				for a, b := i, j; a < b; a, b = a+1, b-1 {
					cand[a], cand[b] = cand[b], cand[a]
				}
				if !validOrder(cand) {
					continue
				}
				if tourKm(start, cand) < tourKm(start, stops)-1e-9 {
					stops = cand
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return stops
}

// validOrder enforces pickup-before-dropoff and the critical deferral cap.
func validOrder(stops []model.Stop) bool {
	picked := map[string]int{}
	for i, s := range stops {
		if s.Kind == model.StopPickup {
			picked[s.MatchID] = i
			continue
		}
		pi, ok := picked[s.MatchID]
		if !ok {
			return false
		}
		if s.Urgency == model.UrgencyCritical {
			// Count non-critical stops served between pickup and dropoff.
			between := 0
			for k := pi + 1; k < i; k++ {
				if stops[k].Urgency != model.UrgencyCritical {
					between++
				}
			}
			if between > 1 {
				return false
			}
		}
	}
	return true
}

func tourKm(start model.Location, stops []model.Stop) float64 {
	total := 0.0
	pos := start
	for _, s := range stops {
		total += geo.HaversineKm(pos, s.Location)
		pos = s.Location
	}
	return total
}
