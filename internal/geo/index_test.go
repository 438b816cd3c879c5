package geo

import (
	"fmt"
	"math"
	"testing"

	"github.com/nkaruna09/HazMap/internal/model"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Toronto city hall to the CN Tower, roughly 1.3 km.
	a := model.Location{Lat: 43.6534, Lng: -79.3841}
	b := model.Location{Lat: 43.6426, Lng: -79.3871}
	d := HaversineKm(a, b)
	if d < 1.0 || d > 1.6 {
		t.Fatalf("distance out of expected band: %f", d)
	}
	if HaversineKm(a, a) != 0 {
		t.Fatalf("zero distance expected for identical points")
	}
}

func TestQueryNearRadiusAndOrder(t *testing.T) {
	ix := NewIndex()
	center := model.Location{Lat: 43.65, Lng: -79.38}
	ix.Upsert(Entry{ID: "near", Kind: KindOffer, Category: model.CategoryWater, Location: model.Location{Lat: 43.651, Lng: -79.381}})
	ix.Upsert(Entry{ID: "mid", Kind: KindOffer, Category: model.CategoryWater, Location: model.Location{Lat: 43.66, Lng: -79.39}})
	ix.Upsert(Entry{ID: "far", Kind: KindOffer, Category: model.CategoryWater, Location: model.Location{Lat: 44.65, Lng: -79.38}})

	got := ix.QueryNear(center, 5, Filter{Kind: KindOffer})
	if len(got) != 2 {
		t.Fatalf("want 2 results inside 5km, got %d", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceKm < got[i-1].DistanceKm {
			t.Fatalf("results not sorted by distance")
		}
	}
}

func TestQueryNearFilters(t *testing.T) {
	ix := NewIndex()
	loc := model.Location{Lat: 10, Lng: 10}
	ix.Upsert(Entry{ID: "w", Kind: KindOffer, Category: model.CategoryWater, Location: loc})
	ix.Upsert(Entry{ID: "f", Kind: KindOffer, Category: model.CategoryFood, Location: loc})
	ix.Upsert(Entry{ID: "n", Kind: KindNeed, Category: model.CategoryWater, Location: loc})

	got := ix.QueryNear(loc, 1, Filter{Kind: KindOffer, Category: model.CategoryWater})
	if len(got) != 1 || got[0].ID != "w" {
		t.Fatalf("filter failed: %+v", got)
	}
}

func TestUpsertMovesEntry(t *testing.T) {
	ix := NewIndex()
	ix.Upsert(Entry{ID: "x", Kind: KindOffer, Location: model.Location{Lat: 0, Lng: 0}})
	ix.Upsert(Entry{ID: "x", Kind: KindOffer, Location: model.Location{Lat: 40, Lng: 40}})
	if ix.Len() != 1 {
		t.Fatalf("expected single entry after move, got %d", ix.Len())
	}
	if got := ix.QueryNear(model.Location{Lat: 0, Lng: 0}, 50, Filter{}); len(got) != 0 {
		t.Fatalf("entry still at old cell: %+v", got)
	}
	if got := ix.QueryNear(model.Location{Lat: 40, Lng: 40}, 1, Filter{}); len(got) != 1 {
		t.Fatalf("entry missing at new cell")
	}
}

func TestRemove(t *testing.T) {
	ix := NewIndex()
	ix.Upsert(Entry{ID: "x", Kind: KindNeed, Location: model.Location{Lat: 1, Lng: 1}})
	ix.Remove("x")
	ix.Remove("x") // second remove is a no-op
	if ix.Len() != 0 {
		t.Fatalf("expected empty index")
	}
}

func TestQueryNearWrapsAntimeridian(t *testing.T) {
	ix := NewIndex()
	east := model.Location{Lat: -17.7, Lng: 179.99}
	west := model.Location{Lat: -17.7, Lng: -179.99}
	ix.Upsert(Entry{ID: "east", Kind: KindOffer, Location: east})
	ix.Upsert(Entry{ID: "west", Kind: KindOffer, Location: west})

	// The two points are ~2 km apart across the dateline.
	if d := HaversineKm(east, west); d > 5 {
		t.Fatalf("haversine across the dateline: %f", d)
	}
	got := ix.QueryNear(east, 5, Filter{Kind: KindOffer})
	if len(got) != 2 {
		t.Fatalf("query near +180 must see both sides, got %d", len(got))
	}
	got = ix.QueryNear(west, 5, Filter{Kind: KindOffer})
	if len(got) != 2 {
		t.Fatalf("query near -180 must see both sides, got %d", len(got))
	}
}

func TestQueryNearMatchesBruteForce(t *testing.T) {
	ix := NewIndex()
	center := model.Location{Lat: 43.65, Lng: -79.38}
	var all []Entry
	for i := 0; i < 100; i++ {
		e := Entry{
			ID:   fmt.Sprintf("e%02d", i),
			Kind: KindOffer,
			Location: model.Location{
				Lat: center.Lat + float64(i%10-5)*0.01,
				Lng: center.Lng + float64(i/10-5)*0.013,
			},
		}
		ix.Upsert(e)
		all = append(all, e)
	}
	radius := 3.5
	want := 0
	for _, e := range all {
		if HaversineKm(center, e.Location) <= radius {
			want++
		}
	}
	got := ix.QueryNear(center, radius, Filter{})
	if len(got) != want {
		t.Fatalf("grid walk missed entries: got %d want %d", len(got), want)
	}
	for _, r := range got {
		if math.Abs(r.DistanceKm-HaversineKm(center, r.Location)) > 1e-9 {
			t.Fatalf("distance mismatch for %s", r.ID)
		}
	}
}
