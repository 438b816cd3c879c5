// Package geo provides a grid-bucketed spatial index over live pool entries.
package geo

import (
	"math"
	"sort"

	"github.com/nkaruna09/HazMap/internal/model"
)

// Kind labels what an index entry points at.
type Kind string

const (
	KindNeed      Kind = "need"
	KindOffer     Kind = "offer"
	KindVolunteer Kind = "volunteer"
)

// Entry is one indexed position.
type Entry struct {
	ID       string
	Kind     Kind
	Category model.Category
	Location model.Location
}

// Result is an Entry annotated with its distance from the query point.
type Result struct {
	Entry
	DistanceKm float64
}

// Filter narrows QueryNear results. Zero values match everything.
type Filter struct {
	Kind     Kind
	Category model.Category
}

// cellDeg is the grid cell edge in degrees of latitude (~5.5 km). Longitude
// cells shrink toward the poles; the covering-cell walk compensates.
const cellDeg = 0.05

type cellKey struct{ row, col int }

// Index buckets entries into fixed-size lat/lng cells so a radius query only
// scans covering cells instead of the whole population. Not safe for
// concurrent use; the match engine serializes access.
type Index struct {
	cells   map[cellKey]map[string]Entry
	entries map[string]Entry
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{cells: map[cellKey]map[string]Entry{}, entries: map[string]Entry{}}
}

// lngCells is the number of longitude columns around the globe.
const lngCells = int(360 / cellDeg)

// wrapCol folds a column index across the antimeridian so +180 and -180
// land in the same cell.
func wrapCol(c int) int {
	c %= lngCells
	if c < -lngCells/2 {
		c += lngCells
	}
	if c >= lngCells/2 {
		c -= lngCells
	}
	return c
}

func keyFor(loc model.Location) cellKey {
	return cellKey{
		row: int(math.Floor(loc.Lat / cellDeg)),
		col: wrapCol(int(math.Floor(loc.Lng / cellDeg))),
	}
}

// Upsert inserts or moves an entry.
func (ix *Index) Upsert(e Entry) {
	if old, ok := ix.entries[e.ID]; ok {
		k := keyFor(old.Location)
		delete(ix.cells[k], e.ID)
		if len(ix.cells[k]) == 0 {
			delete(ix.cells, k)
		}
	}
	k := keyFor(e.Location)
	if ix.cells[k] == nil {
		ix.cells[k] = map[string]Entry{}
	}
	ix.cells[k][e.ID] = e
	ix.entries[e.ID] = e
}

// Remove drops an entry; unknown IDs are a no-op.
func (ix *Index) Remove(id string) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	k := keyFor(e.Location)
	delete(ix.cells[k], id)
	if len(ix.cells[k]) == 0 {
		delete(ix.cells, k)
	}
	delete(ix.entries, id)
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return len(ix.entries) }

// QueryNear returns entries within radiusKm of loc matching the filter,
// ordered by great-circle distance ascending.
func (ix *Index) QueryNear(loc model.Location, radiusKm float64, f Filter) []Result {
	if radiusKm <= 0 {
		return nil
	}
	latSpan := int(math.Ceil(radiusKm/(cellDeg*kmPerDegLat))) + 1
	lngScale := math.Cos(loc.Lat * math.Pi / 180)
	if lngScale < 0.01 {
		lngScale = 0.01 // near the poles every longitude cell is tiny
	}
	lngSpan := int(math.Ceil(radiusKm/(cellDeg*kmPerDegLat*lngScale))) + 1
	if 2*lngSpan+1 > lngCells {
		lngSpan = (lngCells - 1) / 2
	}

	center := keyFor(loc)
	out := []Result{}
	for dr := -latSpan; dr <= latSpan; dr++ {
		for dc := -lngSpan; dc <= lngSpan; dc++ {
			cell, ok := ix.cells[cellKey{row: center.row + dr, col: wrapCol(center.col + dc)}]
			if !ok {
				continue
			}
			for _, e := range cell {
				if f.Kind != "" && e.Kind != f.Kind {
					continue
				}
				if f.Category != "" && e.Category != f.Category {
					continue
				}
				d := HaversineKm(loc, e.Location)
				if d <= radiusKm {
					out = append(out, Result{Entry: e, DistanceKm: d})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	return out
}

const kmPerDegLat = 111.2

// HaversineKm returns the great-circle distance between two points.
// Callers must not assume planar distance beyond a few kilometres.
func HaversineKm(a, b model.Location) float64 {
	const earthRadiusKm = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
