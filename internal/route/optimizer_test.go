package route

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/model"
)

func testPlanner() *Planner { return NewPlanner(config.Default().Routing) }

func leg(id string, u model.Urgency, pickupLat, dropLat float64) model.DeliveryLeg {
	return model.DeliveryLeg{
		MatchID: id,
		Urgency: u,
		Pickup:  model.Location{Lat: pickupLat, Lng: -79.38},
		Dropoff: model.Location{Lat: dropLat, Lng: -79.38},
	}
}

func stopIndex(stops []model.Stop, matchID string, kind model.StopKind) int {
	for i, s := range stops {
		if s.MatchID == matchID && s.Kind == kind {
			return i
		}
	}
	return -1
}

func TestPlanEmpty(t *testing.T) {
	rt, err := testPlanner().Plan(context.Background(), "v1", model.Location{Lat: 43.65, Lng: -79.38}, nil)
	require.NoError(t, err)
	assert.Empty(t, rt.Stops)
	assert.Zero(t, rt.TotalDistanceKm)
}

func TestPlanSingleLeg(t *testing.T) {
	rt, err := testPlanner().Plan(context.Background(), "v1", model.Location{Lat: 43.65, Lng: -79.38},
		[]model.DeliveryLeg{leg("m1", model.UrgencyLow, 43.66, 43.67)})
	require.NoError(t, err)
	require.Len(t, rt.Stops, 2)
	assert.Equal(t, model.StopPickup, rt.Stops[0].Kind)
	assert.Equal(t, model.StopDropoff, rt.Stops[1].Kind)
	assert.Greater(t, rt.TotalDistanceKm, 0.0)
	assert.Greater(t, rt.TotalDurationMin, 0.0)
}

func TestPlanPickupAlwaysBeforeDropoff(t *testing.T) {
	legs := []model.DeliveryLeg{
		leg("m1", model.UrgencyLow, 43.70, 43.64),
		leg("m2", model.UrgencyMedium, 43.66, 43.72),
		leg("m3", model.UrgencyLow, 43.63, 43.68),
	}
	rt, err := testPlanner().Plan(context.Background(), "v1", model.Location{Lat: 43.65, Lng: -79.38}, legs)
	require.NoError(t, err)
	require.Len(t, rt.Stops, 6)
	for _, l := range legs {
		pi := stopIndex(rt.Stops, l.MatchID, model.StopPickup)
		di := stopIndex(rt.Stops, l.MatchID, model.StopDropoff)
		require.GreaterOrEqual(t, pi, 0)
		require.GreaterOrEqual(t, di, 0)
		assert.Less(t, pi, di, "pickup for %s must precede its dropoff", l.MatchID)
	}
}

func TestPlanCriticalDeferralCap(t *testing.T) {
	// Critical dropoff far away, surrounded by tempting short stops.
	legs := []model.DeliveryLeg{
		leg("crit", model.UrgencyCritical, 43.651, 43.75),
		leg("a", model.UrgencyLow, 43.652, 43.653),
		leg("b", model.UrgencyLow, 43.654, 43.655),
		leg("c", model.UrgencyLow, 43.656, 43.657),
	}
	rt, err := testPlanner().Plan(context.Background(), "v1", model.Location{Lat: 43.65, Lng: -79.38}, legs)
	require.NoError(t, err)
	assert.True(t, validOrder(rt.Stops), "plan violates critical deferral cap")

	pi := stopIndex(rt.Stops, "crit", model.StopPickup)
	di := stopIndex(rt.Stops, "crit", model.StopDropoff)
	nonCritical := 0
	for k := pi + 1; k < di; k++ {
		if rt.Stops[k].Urgency != model.UrgencyCritical {
			nonCritical++
		}
	}
	assert.LessOrEqual(t, nonCritical, 1)
}

func TestPlanImprovementNeverBreaksPrecedence(t *testing.T) {
	legs := []model.DeliveryLeg{
		leg("m1", model.UrgencyLow, 43.70, 43.61),
		leg("m2", model.UrgencyHigh, 43.62, 43.71),
		leg("m3", model.UrgencyCritical, 43.69, 43.60),
		leg("m4", model.UrgencyMedium, 43.63, 43.68),
	}
	rt, err := testPlanner().Plan(context.Background(), "v1", model.Location{Lat: 43.65, Lng: -79.38}, legs)
	require.NoError(t, err)
	assert.True(t, validOrder(rt.Stops))
}

func TestPlanNoWorseThanInputOrder(t *testing.T) {
	// Deliberately bad input order: stops alternate between far apart points.
	legs := []model.DeliveryLeg{
		leg("m1", model.UrgencyLow, 43.75, 43.74),
		leg("m2", model.UrgencyLow, 43.60, 43.61),
		leg("m3", model.UrgencyLow, 43.76, 43.77),
		leg("m4", model.UrgencyLow, 43.59, 43.58),
	}
	start := model.Location{Lat: 43.65, Lng: -79.38}
	rt, err := testPlanner().Plan(context.Background(), "v1", start, legs)
	require.NoError(t, err)

	inputOrder := make([]model.Stop, 0, 2*len(legs))
	for _, l := range legs {
		inputOrder = append(inputOrder,
			model.Stop{Kind: model.StopPickup, MatchID: l.MatchID, Location: l.Pickup, Urgency: l.Urgency},
			model.Stop{Kind: model.StopDropoff, MatchID: l.MatchID, Location: l.Dropoff, Urgency: l.Urgency})
	}
	assert.LessOrEqual(t, rt.TotalDistanceKm, tourKm(start, inputOrder))
}

func TestPlanInfeasibleInputs(t *testing.T) {
	p := testPlanner()
	start := model.Location{Lat: 43.65, Lng: -79.38}

	_, err := p.Plan(context.Background(), "v1", start, []model.DeliveryLeg{
		leg("dup", model.UrgencyLow, 43.66, 43.67),
		leg("dup", model.UrgencyLow, 43.68, 43.69),
	})
	assert.ErrorIs(t, err, ErrInfeasible)

	bad := leg("m1", model.UrgencyLow, 43.66, 43.67)
	bad.Dropoff.Lat = 200
	_, err = p.Plan(context.Background(), "v1", start, []model.DeliveryLeg{bad})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestPlanHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	legs := []model.DeliveryLeg{
		leg("m1", model.UrgencyLow, 43.70, 43.61),
		leg("m2", model.UrgencyLow, 43.62, 43.71),
	}
	// A cancelled context still yields a valid (if unimproved) plan.
	rt, err := testPlanner().Plan(ctx, "v1", model.Location{Lat: 43.65, Lng: -79.38}, legs)
	require.NoError(t, err)
	require.Len(t, rt.Stops, 4)
	assert.True(t, validOrder(rt.Stops))
}

func TestValidOrder(t *testing.T) {
	good := []model.Stop{
		{Kind: model.StopPickup, MatchID: "a", Urgency: model.UrgencyLow},
		{Kind: model.StopDropoff, MatchID: "a", Urgency: model.UrgencyLow},
	}
	assert.True(t, validOrder(good))

	orphan := []model.Stop{
		{Kind: model.StopDropoff, MatchID: "a", Urgency: model.UrgencyLow},
		{Kind: model.StopPickup, MatchID: "a", Urgency: model.UrgencyLow},
	}
	assert.False(t, validOrder(orphan))

	deferred := []model.Stop{
		{Kind: model.StopPickup, MatchID: "c", Urgency: model.UrgencyCritical},
		{Kind: model.StopPickup, MatchID: "a", Urgency: model.UrgencyLow},
		{Kind: model.StopDropoff, MatchID: "a", Urgency: model.UrgencyLow},
		{Kind: model.StopPickup, MatchID: "b", Urgency: model.UrgencyLow},
		{Kind: model.StopDropoff, MatchID: "c", Urgency: model.UrgencyCritical},
	}
	assert.False(t, validOrder(deferred), "three non-critical stops between critical pickup and dropoff")
}
