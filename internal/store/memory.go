package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkaruna09/HazMap/internal/model"
)

// Memory is the in-process store used when no DATABASE_URL is set. A single
// mutex makes every claim/release a critical section, which is what gives
// ClaimPair its all-or-nothing behavior here.
type Memory struct {
	mu         sync.Mutex
	needs      map[string]model.Need
	offers     map[string]model.Offer
	volunteers map[string]model.Volunteer
	matches    map[string]model.Match
	subs       map[string]Subscription
	deliveries map[string]*memDelivery
	order      []string // delivery ids in enqueue order
}

// memDelivery augments WebhookDelivery with retry scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
}

func NewMemory() *Memory {
	return &Memory{
		needs:      map[string]model.Need{},
		offers:     map[string]model.Offer{},
		volunteers: map[string]model.Volunteer{},
		matches:    map[string]model.Match{},
		subs:       map[string]Subscription{},
		deliveries: map[string]*memDelivery{},
	}
}

func (m *Memory) CreateNeed(ctx context.Context, n model.Need) (model.Need, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Status = model.StatusOpen
	m.needs[n.ID] = n
	return n, nil
}

func (m *Memory) GetNeed(ctx context.Context, id string) (model.Need, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.needs[id]
	if !ok {
		return model.Need{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) ListNeeds(ctx context.Context, status model.PoolStatus, limit int) ([]model.Need, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Need{}
	for _, n := range m.needs {
		if status == "" || n.Status == status {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateOffer(ctx context.Context, o model.Offer) (model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.Status = model.StatusOpen
	m.offers[o.ID] = o
	return o, nil
}

func (m *Memory) GetOffer(ctx context.Context, id string) (model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return model.Offer{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) ListOffers(ctx context.Context, status model.PoolStatus, limit int) ([]model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Offer{}
	for _, o := range m.offers {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ExpireOffersDue(ctx context.Context, now time.Time) ([]model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := []model.Offer{}
	for id, o := range m.offers {
		if o.Status == model.StatusOpen && o.ExpiredAt(now) {
			o.Status = model.StatusExpired
			m.offers[id] = o
			expired = append(expired, o)
		}
	}
	return expired, nil
}

func (m *Memory) UpsertVolunteer(ctx context.Context, v model.Volunteer) (model.Volunteer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = model.VolunteerAvailable
	}
	m.volunteers[v.ID] = v
	return v, nil
}

func (m *Memory) GetVolunteer(ctx context.Context, id string) (model.Volunteer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volunteers[id]
	if !ok {
		return model.Volunteer{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) UpdateVolunteerLocation(ctx context.Context, id string, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volunteers[id]
	if !ok {
		return ErrNotFound
	}
	v.Location = loc
	m.volunteers[id] = v
	return nil
}

func (m *Memory) ClaimPair(ctx context.Context, match model.Match) (model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.needs[match.NeedID]
	if !ok {
		return model.Match{}, ErrNotFound
	}
	o, ok := m.offers[match.OfferID]
	if !ok {
		return model.Match{}, ErrNotFound
	}
	if n.Status != model.StatusOpen || o.Status != model.StatusOpen {
		return model.Match{}, ErrClaimConflict
	}
	n.Status = model.StatusClaimed
	o.Status = model.StatusClaimed
	m.needs[n.ID] = n
	m.offers[o.ID] = o
	if match.ID == "" {
		match.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if match.CreatedAt.IsZero() {
		match.CreatedAt = now
	}
	match.Status = model.MatchMatched
	match.StatusChangedAt = match.CreatedAt
	m.matches[match.ID] = match
	return match, nil
}

func (m *Memory) GetMatch(ctx context.Context, id string) (model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return model.Match{}, ErrNotFound
	}
	return mt, nil
}

func (m *Memory) ListMatchesForVolunteer(ctx context.Context, volunteerID string, activeOnly bool) ([]model.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Match{}
	for _, mt := range m.matches {
		if mt.VolunteerID != volunteerID {
			continue
		}
		if activeOnly && mt.Status.Terminal() {
			continue
		}
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) TransitionMatch(ctx context.Context, id string, from []model.MatchStatus, to model.MatchStatus, reason model.EndReason, at time.Time) (model.Match, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return model.Match{}, false, ErrNotFound
	}
	accepted := false
	for _, f := range from {
		if mt.Status == f {
			accepted = true
			break
		}
	}
	if !accepted {
		return mt, false, nil
	}
	mt.Status = to
	mt.StatusChangedAt = at
	if to == model.MatchEnded {
		mt.EndReason = reason
	}
	m.matches[id] = mt
	return mt, true, nil
}

func (m *Memory) ReleaseMatch(ctx context.Context, id string, reason model.EndReason, at time.Time) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return ReleaseResult{}, ErrNotFound
	}
	if mt.Status.Terminal() {
		return ReleaseResult{}, ErrClaimConflict
	}
	mt.Status = model.MatchEnded
	mt.EndReason = reason
	mt.StatusChangedAt = at
	m.matches[id] = mt

	res := ReleaseResult{Match: mt}
	if n, ok := m.needs[mt.NeedID]; ok && n.Status == model.StatusClaimed {
		n.Status = model.StatusOpen
		m.needs[n.ID] = n
		res.Need = n
	}
	if o, ok := m.offers[mt.OfferID]; ok && o.Status == model.StatusClaimed {
		if o.ExpiredAt(at) {
			o.Status = model.StatusExpired
		} else {
			o.Status = model.StatusOpen
		}
		m.offers[o.ID] = o
		res.Offer = o
	}
	return res, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.subs[sub.ID] = sub
	return sub, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Subscription{}
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Subscription{}
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	if success {
		d.Status = "delivered"
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.deliveries[id]; d != nil {
		d.Status = "failed"
		d.LastError = lastError
		d.ResponseCode = responseCode
	}
	return nil
}
