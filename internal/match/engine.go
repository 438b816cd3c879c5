package match

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/geo"
	"github.com/nkaruna09/HazMap/internal/model"
	"github.com/nkaruna09/HazMap/internal/store"
)

var (
	// ErrConflict means the need or offer left the open pool first.
	ErrConflict = errors.New("claim conflict")
	// ErrExpired means the offer deadline passed before the claim.
	ErrExpired = errors.New("offer expired")
	// ErrIneligible means the pair fails a hard gate such as category.
	ErrIneligible = errors.New("pair not eligible")
	// ErrInvalidTransition means the match is not in a state that accepts
	// the requested transition.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Event is emitted on pool and match changes. Data carries the full record
// so consumers never have to re-read.
type Event struct {
	Type    string    `json:"type"`
	MatchID string    `json:"matchId,omitempty"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

const (
	EventNeedCreated        = "need.created"
	EventOfferCreated       = "offer.created"
	EventOfferExpired       = "offer.expired"
	EventMatchCreated       = "match.created"
	EventMatchStatusChanged = "match.status_changed"
)

// Sink receives engine events. Implementations must not block.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, Event) {}

// ClaimRequest names the pair to claim. DirectPickup marks a recipient
// collecting in person, which removes the volunteer guard on transit.
type ClaimRequest struct {
	NeedID       string
	OfferID      string
	VolunteerID  string
	DirectPickup bool
}

// Engine owns the open pool: intake, candidate ranking, and exclusive
// claims. The geo index is engine-private and kept in lockstep with pool
// status changes.
type Engine struct {
	store  store.Store
	scorer *Scorer
	cfg    config.ScoringConfig
	sink   Sink

	mu    sync.Mutex
	index *geo.Index
}

func NewEngine(st store.Store, scorer *Scorer, cfg config.ScoringConfig, sink Sink) *Engine {
	if sink == nil {
		sink = noopSink{}
	}
	return &Engine{store: st, scorer: scorer, cfg: cfg, sink: sink, index: geo.NewIndex()}
}

// Warm loads open pool entries into the geo index. Call once at startup when
// the store is durable.
func (e *Engine) Warm(ctx context.Context) error {
	needs, err := e.store.ListNeeds(ctx, model.StatusOpen, 0)
	if err != nil {
		return err
	}
	offers, err := e.store.ListOffers(ctx, model.StatusOpen, 0)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range needs {
		e.index.Upsert(geo.Entry{ID: n.ID, Kind: geo.KindNeed, Category: n.Category, Location: n.Location})
	}
	for _, o := range offers {
		e.index.Upsert(geo.Entry{ID: o.ID, Kind: geo.KindOffer, Category: o.Category, Location: o.Location})
	}
	return nil
}

// CreateNeed persists and indexes a new need.
func (e *Engine) CreateNeed(ctx context.Context, n model.Need) (model.Need, error) {
	n, err := e.store.CreateNeed(ctx, n)
	if err != nil {
		return model.Need{}, err
	}
	e.mu.Lock()
	e.index.Upsert(geo.Entry{ID: n.ID, Kind: geo.KindNeed, Category: n.Category, Location: n.Location})
	e.mu.Unlock()
	e.sink.Emit(ctx, Event{Type: EventNeedCreated, At: n.CreatedAt, Data: n})
	return n, nil
}

// CreateOffer persists and indexes a new offer.
func (e *Engine) CreateOffer(ctx context.Context, o model.Offer) (model.Offer, error) {
	o, err := e.store.CreateOffer(ctx, o)
	if err != nil {
		return model.Offer{}, err
	}
	e.mu.Lock()
	e.index.Upsert(geo.Entry{ID: o.ID, Kind: geo.KindOffer, Category: o.Category, Location: o.Location})
	e.mu.Unlock()
	e.sink.Emit(ctx, Event{Type: EventOfferCreated, At: o.CreatedAt, Data: o})
	return o, nil
}

// UpsertVolunteer registers or updates a courier and indexes their position.
func (e *Engine) UpsertVolunteer(ctx context.Context, v model.Volunteer) (model.Volunteer, error) {
	v, err := e.store.UpsertVolunteer(ctx, v)
	if err != nil {
		return model.Volunteer{}, err
	}
	e.mu.Lock()
	e.index.Upsert(geo.Entry{ID: v.ID, Kind: geo.KindVolunteer, Location: v.Location})
	e.mu.Unlock()
	return v, nil
}

// UpdateVolunteerLocation moves a courier in the store and the index.
func (e *Engine) UpdateVolunteerLocation(ctx context.Context, id string, loc model.Location) error {
	if err := e.store.UpdateVolunteerLocation(ctx, id, loc); err != nil {
		return err
	}
	e.mu.Lock()
	e.index.Upsert(geo.Entry{ID: id, Kind: geo.KindVolunteer, Location: loc})
	e.mu.Unlock()
	return nil
}

// ListCandidates ranks open, in-category offers within the search radius of
// the need. Order is score descending, ties broken by offer age (older
// first) so long-waiting donors surface.
func (e *Engine) ListCandidates(ctx context.Context, needID string, limit int) ([]model.Candidate, error) {
	n, err := e.store.GetNeed(ctx, needID)
	if err != nil {
		return nil, err
	}
	if n.Status != model.StatusOpen {
		return nil, ErrConflict
	}

	e.mu.Lock()
	results := e.index.QueryNear(n.Location, e.cfg.SearchRadiusKm, geo.Filter{Kind: geo.KindOffer, Category: n.Category})
	e.mu.Unlock()

	now := time.Now().UTC()
	type scored struct {
		cand    model.Candidate
		created time.Time
	}
	ranked := []scored{}
	for _, r := range results {
		o, err := e.store.GetOffer(ctx, r.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // index lag; entry pruned elsewhere
			}
			return nil, err
		}
		if o.Status != model.StatusOpen || o.ExpiredAt(now) {
			continue
		}
		ranked = append(ranked, scored{
			cand:    model.Candidate{OfferID: o.ID, Score: e.scorer.scoreAtDistance(n.Urgency, r.DistanceKm), DistanceKm: r.DistanceKm},
			created: o.CreatedAt,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].cand.Score != ranked[j].cand.Score {
			return ranked[i].cand.Score > ranked[j].cand.Score
		}
		if !ranked[i].created.Equal(ranked[j].created) {
			return ranked[i].created.Before(ranked[j].created)
		}
		return ranked[i].cand.OfferID < ranked[j].cand.OfferID
	})
	out := make([]model.Candidate, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.cand)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Claim pairs a need with an offer exclusively. Both sides must still be
// open; losers of the race get ErrConflict and nothing is written.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (model.Match, error) {
	n, err := e.store.GetNeed(ctx, req.NeedID)
	if err != nil {
		return model.Match{}, err
	}
	o, err := e.store.GetOffer(ctx, req.OfferID)
	if err != nil {
		return model.Match{}, err
	}
	now := time.Now().UTC()
	if o.ExpiredAt(now) || o.Status == model.StatusExpired {
		return model.Match{}, ErrExpired
	}
	if n.Category != o.Category {
		return model.Match{}, ErrIneligible
	}
	if req.VolunteerID != "" {
		if _, err := e.store.GetVolunteer(ctx, req.VolunteerID); err != nil {
			return model.Match{}, err
		}
	}
	score, _ := e.scorer.Score(n, o, now)

	m, err := e.store.ClaimPair(ctx, model.Match{
		NeedID:       req.NeedID,
		OfferID:      req.OfferID,
		VolunteerID:  req.VolunteerID,
		DirectPickup: req.DirectPickup,
		Score:        score,
		CreatedAt:    now,
	})
	if errors.Is(err, store.ErrClaimConflict) {
		return model.Match{}, ErrConflict
	}
	if err != nil {
		return model.Match{}, err
	}

	e.mu.Lock()
	e.index.Remove(m.NeedID)
	e.index.Remove(m.OfferID)
	e.mu.Unlock()

	e.sink.Emit(ctx, Event{Type: EventMatchCreated, MatchID: m.ID, At: m.CreatedAt, Data: m})
	return m, nil
}

// release ends a match and reopens its pool entries. Shared by the
// lifecycle End operation and the expiry sweep.
func (e *Engine) release(ctx context.Context, matchID string, reason model.EndReason, at time.Time) (store.ReleaseResult, error) {
	res, err := e.store.ReleaseMatch(ctx, matchID, reason, at)
	if errors.Is(err, store.ErrClaimConflict) {
		return store.ReleaseResult{}, ErrInvalidTransition
	}
	if err != nil {
		return store.ReleaseResult{}, err
	}

	e.mu.Lock()
	if res.Need.Status == model.StatusOpen {
		e.index.Upsert(geo.Entry{ID: res.Need.ID, Kind: geo.KindNeed, Category: res.Need.Category, Location: res.Need.Location})
	}
	if res.Offer.Status == model.StatusOpen {
		e.index.Upsert(geo.Entry{ID: res.Offer.ID, Kind: geo.KindOffer, Category: res.Offer.Category, Location: res.Offer.Location})
	}
	e.mu.Unlock()

	e.sink.Emit(ctx, Event{Type: EventMatchStatusChanged, MatchID: res.Match.ID, At: at, Data: res.Match})
	return res, nil
}

// ExpireDue sweeps open offers whose deadline passed, pruning the index.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ExpireOffersDue(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	e.mu.Lock()
	for _, o := range expired {
		e.index.Remove(o.ID)
	}
	e.mu.Unlock()
	for _, o := range expired {
		e.sink.Emit(ctx, Event{Type: EventOfferExpired, At: now, Data: o})
	}
	return len(expired), nil
}

// RunExpirySweeper expires due offers on a fixed interval until ctx ends.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := e.ExpireDue(ctx, now.UTC()); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
