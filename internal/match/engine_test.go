package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/geo"
	"github.com/nkaruna09/HazMap/internal/model"
	"github.com/nkaruna09/HazMap/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Emit(_ context.Context, evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *captureSink) byType(t string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Event{}
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *captureSink) {
	t.Helper()
	cfg := config.Default().Scoring
	st := store.NewMemory()
	sink := &captureSink{}
	return NewEngine(st, NewScorer(cfg), cfg, sink), st, sink
}

func TestListCandidatesRankingAndFilters(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	n, err := e.CreateNeed(ctx, model.Need{Category: model.CategoryWater, Quantity: "2", Urgency: model.UrgencyHigh, Location: model.Location{Lat: 43.65, Lng: -79.38}})
	if err != nil {
		t.Fatalf("create need: %v", err)
	}
	near, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "2", Location: model.Location{Lat: 43.652, Lng: -79.381}})
	mid, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "2", Location: model.Location{Lat: 43.67, Lng: -79.40}})
	// Wrong category and out-of-radius offers must never appear.
	_, _ = e.CreateOffer(ctx, model.Offer{Category: model.CategoryFood, Quantity: "2", Location: model.Location{Lat: 43.65, Lng: -79.38}})
	_, _ = e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "2", Location: model.Location{Lat: 44.9, Lng: -79.38}})

	cands, err := e.ListCandidates(ctx, n.ID, 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("want 2 candidates, got %d", len(cands))
	}
	if cands[0].OfferID != near.ID || cands[1].OfferID != mid.ID {
		t.Fatalf("wrong ranking: %+v", cands)
	}
	if cands[0].Score <= cands[1].Score {
		t.Fatalf("scores not descending: %+v", cands)
	}
}

func TestListCandidatesTieBreakByOfferAge(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	n, _ := e.CreateNeed(ctx, model.Need{Category: model.CategoryFood, Quantity: "1", Urgency: model.UrgencyLow, Location: model.Location{Lat: 10, Lng: 10}})
	// Same location, different ages; create the older one directly so
	// CreatedAt is controlled.
	older, _ := st.CreateOffer(ctx, model.Offer{Category: model.CategoryFood, Quantity: "1", Location: model.Location{Lat: 10.001, Lng: 10}, CreatedAt: time.Now().Add(-time.Hour)})
	e.mu.Lock()
	e.index.Upsert(geo.Entry{ID: older.ID, Kind: geo.KindOffer, Category: older.Category, Location: older.Location})
	e.mu.Unlock()
	newer, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryFood, Quantity: "1", Location: model.Location{Lat: 10.001, Lng: 10}})

	cands, err := e.ListCandidates(ctx, n.ID, 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 2 || cands[0].OfferID != older.ID || cands[1].OfferID != newer.ID {
		t.Fatalf("tie should go to the older offer: %+v", cands)
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	e, _, sink := newTestEngine(t)
	ctx := context.Background()

	n, _ := e.CreateNeed(ctx, model.Need{Category: model.CategoryWater, Quantity: "1", Urgency: model.UrgencyMedium, Location: model.Location{Lat: 43.65, Lng: -79.38}})
	o, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "1", Location: model.Location{Lat: 43.651, Lng: -79.381}})

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Claim(ctx, ClaimRequest{NeedID: n.ID, OfferID: o.ID, DirectPickup: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("want exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
	if got := sink.byType(EventMatchCreated); len(got) != 1 {
		t.Fatalf("want one match.created event, got %d", len(got))
	}

	// The claimed pair leaves the candidate pool.
	n2, _ := e.CreateNeed(ctx, model.Need{Category: model.CategoryWater, Quantity: "1", Urgency: model.UrgencyLow, Location: model.Location{Lat: 43.65, Lng: -79.38}})
	cands, err := e.ListCandidates(ctx, n2.ID, 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	for _, c := range cands {
		if c.OfferID == o.ID {
			t.Fatalf("claimed offer still listed as candidate")
		}
	}
}

func TestClaimGuards(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	n, _ := e.CreateNeed(ctx, model.Need{Category: model.CategoryWater, Quantity: "1", Urgency: model.UrgencyLow, Location: model.Location{Lat: 1, Lng: 1}})
	food, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryFood, Quantity: "1", Location: model.Location{Lat: 1, Lng: 1}})
	if _, err := e.Claim(ctx, ClaimRequest{NeedID: n.ID, OfferID: food.ID, DirectPickup: true}); !errors.Is(err, ErrIneligible) {
		t.Fatalf("category mismatch: want ErrIneligible, got %v", err)
	}

	past := time.Now().Add(-time.Minute)
	stale, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "1", Location: model.Location{Lat: 1, Lng: 1}, AvailableUntil: &past})
	if _, err := e.Claim(ctx, ClaimRequest{NeedID: n.ID, OfferID: stale.ID, DirectPickup: true}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired offer: want ErrExpired, got %v", err)
	}

	ok, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "1", Location: model.Location{Lat: 1, Lng: 1}})
	if _, err := e.Claim(ctx, ClaimRequest{NeedID: n.ID, OfferID: ok.ID, VolunteerID: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown volunteer: want ErrNotFound, got %v", err)
	}
}

func TestExpireDuePrunesIndex(t *testing.T) {
	e, _, sink := newTestEngine(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	o, _ := e.CreateOffer(ctx, model.Offer{Category: model.CategoryWater, Quantity: "1", Location: model.Location{Lat: 43.65, Lng: -79.38}, AvailableUntil: &past})
	n, _ := e.CreateNeed(ctx, model.Need{Category: model.CategoryWater, Quantity: "1", Urgency: model.UrgencyLow, Location: model.Location{Lat: 43.65, Lng: -79.38}})

	count, err := e.ExpireDue(ctx, time.Now())
	if err != nil || count != 1 {
		t.Fatalf("expire: count=%d err=%v", count, err)
	}
	if got := sink.byType(EventOfferExpired); len(got) != 1 {
		t.Fatalf("want offer.expired event")
	}
	cands, _ := e.ListCandidates(ctx, n.ID, 0)
	for _, c := range cands {
		if c.OfferID == o.ID {
			t.Fatalf("expired offer still indexed")
		}
	}
}
