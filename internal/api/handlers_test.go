package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/metrics"
	"github.com/nkaruna09/HazMap/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(config.Default(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	h(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
	return v
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestNeedsCreateValidateList(t *testing.T) {
	s := newTestServer(t)

	rr := postJSON(t, s.NeedsHandler, "/v1/needs", map[string]any{
		"category": "water", "quantity": "2 cases", "urgency": "high",
		"location": map[string]float64{"lat": 43.65, "lng": -79.38},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create need: %d %s", rr.Code, rr.Body.String())
	}
	n := decode[model.Need](t, rr)
	if n.ID == "" || n.Status != model.StatusOpen || n.Urgency != model.UrgencyHigh {
		t.Fatalf("bad need: %+v", n)
	}

	// Unknown category is a 400, not a silent "other".
	rr = postJSON(t, s.NeedsHandler, "/v1/needs", map[string]any{
		"category": "snacks", "quantity": "1", "urgency": "low",
		"location": map[string]float64{"lat": 1, "lng": 1},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad category: got %d", rr.Code)
	}

	// Out-of-bounds location rejected.
	rr = postJSON(t, s.NeedsHandler, "/v1/needs", map[string]any{
		"category": "water", "quantity": "1", "urgency": "low",
		"location": map[string]float64{"lat": 95, "lng": 0},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad location: got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.NeedsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/needs?status=open", nil))
	if rr.Code != 200 {
		t.Fatalf("list needs: %d", rr.Code)
	}
	list := decode[struct {
		Items []model.Need `json:"items"`
	}](t, rr)
	if len(list.Items) != 1 {
		t.Fatalf("want 1 open need, got %d", len(list.Items))
	}
}

func seedMatchSetup(t *testing.T, s *Server) (model.Need, model.Offer, model.Volunteer) {
	t.Helper()
	rr := postJSON(t, s.NeedsHandler, "/v1/needs", map[string]any{
		"category": "water", "quantity": "2", "urgency": "critical",
		"location": map[string]float64{"lat": 43.65, "lng": -79.38},
	})
	if rr.Code != 201 {
		t.Fatalf("seed need: %d", rr.Code)
	}
	n := decode[model.Need](t, rr)

	rr = postJSON(t, s.OffersHandler, "/v1/offers", map[string]any{
		"category": "water", "quantity": "3",
		"location": map[string]float64{"lat": 43.655, "lng": -79.385},
	})
	if rr.Code != 201 {
		t.Fatalf("seed offer: %d", rr.Code)
	}
	o := decode[model.Offer](t, rr)

	rr = postJSON(t, s.VolunteersHandler, "/v1/volunteers", map[string]any{
		"location": map[string]float64{"lat": 43.64, "lng": -79.37}, "capacity": 2,
	})
	if rr.Code != 201 {
		t.Fatalf("seed volunteer: %d", rr.Code)
	}
	v := decode[model.Volunteer](t, rr)
	return n, o, v
}

func TestCandidatesEndpoint(t *testing.T) {
	s := newTestServer(t)
	n, o, _ := seedMatchSetup(t, s)

	rr := httptest.NewRecorder()
	s.NeedByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/needs/"+n.ID+"/candidates", nil))
	if rr.Code != 200 {
		t.Fatalf("candidates: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[struct {
		Candidates []model.Candidate `json:"candidates"`
	}](t, rr)
	if len(resp.Candidates) != 1 || resp.Candidates[0].OfferID != o.ID {
		t.Fatalf("bad candidates: %+v", resp.Candidates)
	}
	if resp.Candidates[0].Score <= 0 || resp.Candidates[0].Score > 100 {
		t.Fatalf("score out of range: %f", resp.Candidates[0].Score)
	}

	rr = httptest.NewRecorder()
	s.NeedByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/needs/missing/candidates", nil))
	if rr.Code != 404 {
		t.Fatalf("missing need: %d", rr.Code)
	}
}

func TestClaimAndConflict(t *testing.T) {
	s := newTestServer(t)
	n, o, v := seedMatchSetup(t, s)

	rr := postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("claim: %d %s", rr.Code, rr.Body.String())
	}
	m := decode[model.Match](t, rr)
	if m.Status != model.MatchMatched || m.Score <= 0 {
		t.Fatalf("bad match: %+v", m)
	}

	rr = postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	if rr.Code != http.StatusConflict {
		t.Fatalf("second claim should 409, got %d", rr.Code)
	}

	// Missing IDs are rejected before any claim.
	rr = postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("claim without offerId: %d", rr.Code)
	}
}

func TestClaimWithoutCourierThenConfirmPickup(t *testing.T) {
	s := newTestServer(t)
	n, o, _ := seedMatchSetup(t, s)

	// A claim needs neither a courier nor a pickup flag up front.
	rr := postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("volunteerless claim: %d %s", rr.Code, rr.Body.String())
	}
	m := decode[model.Match](t, rr)

	// Transit without a courier waits for the pickup confirmation.
	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/transit", transitIn{})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unconfirmed transit: want 422, got %d", rr.Code)
	}
	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/transit", transitIn{DirectPickup: true})
	if rr.Code != 200 {
		t.Fatalf("confirmed transit: %d %s", rr.Code, rr.Body.String())
	}
	got := decode[model.Match](t, rr)
	if got.Status != model.MatchInTransit {
		t.Fatalf("want in_transit, got %s", got.Status)
	}
}

func TestClaimExpiredOfferGone(t *testing.T) {
	s := newTestServer(t)
	n, _, v := seedMatchSetup(t, s)

	soon := time.Now().Add(50 * time.Millisecond)
	rr := postJSON(t, s.OffersHandler, "/v1/offers", map[string]any{
		"category": "water", "quantity": "1",
		"location":       map[string]float64{"lat": 43.65, "lng": -79.38},
		"availableUntil": soon.Format(time.RFC3339Nano),
	})
	if rr.Code != 201 {
		t.Fatalf("offer: %d %s", rr.Code, rr.Body.String())
	}
	o := decode[model.Offer](t, rr)
	time.Sleep(80 * time.Millisecond)

	rr = postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	if rr.Code != http.StatusGone {
		t.Fatalf("expired claim should 410, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestOfferExpirySweepCountsMetric(t *testing.T) {
	s := newTestServer(t)
	before := testutil.ToFloat64(metrics.OffersExpired)

	soon := time.Now().Add(30 * time.Millisecond)
	rr := postJSON(t, s.OffersHandler, "/v1/offers", map[string]any{
		"category": "water", "quantity": "1",
		"location":       map[string]float64{"lat": 43.65, "lng": -79.38},
		"availableUntil": soon.Format(time.RFC3339Nano),
	})
	if rr.Code != 201 {
		t.Fatalf("offer: %d %s", rr.Code, rr.Body.String())
	}
	time.Sleep(60 * time.Millisecond)

	count, err := s.Engine.ExpireDue(context.Background(), time.Now().UTC())
	if err != nil || count != 1 {
		t.Fatalf("expire: %v count=%d", err, count)
	}
	if got := testutil.ToFloat64(metrics.OffersExpired); got != before+1 {
		t.Fatalf("offers_expired: want %v, got %v", before+1, got)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	n, o, v := seedMatchSetup(t, s)
	rr := postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	m := decode[model.Match](t, rr)

	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/transit", nil)
	if rr.Code != 200 {
		t.Fatalf("transit: %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/complete", nil)
	if rr.Code != 200 {
		t.Fatalf("complete: %d", rr.Code)
	}
	// Ending a completed match is a guard failure.
	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/end", endIn{Reason: "withdrawn"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("end after complete: want 422, got %d", rr.Code)
	}
	// Unknown reason is a 400.
	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/end", endIn{Reason: "bored"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad reason: want 400, got %d", rr.Code)
	}
}

func TestEndReopensAndReclaim(t *testing.T) {
	s := newTestServer(t)
	n, o, v := seedMatchSetup(t, s)
	rr := postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	m := decode[model.Match](t, rr)

	rr = postJSON(t, s.MatchByIDHandler, "/v1/matches/"+m.ID+"/end", endIn{Reason: "reported"})
	if rr.Code != 200 {
		t.Fatalf("end: %d %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	s.NeedByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/needs/"+n.ID, nil))
	got := decode[model.Need](t, rr)
	if got.Status != model.StatusOpen {
		t.Fatalf("need should reopen, got %s", got.Status)
	}

	rr = postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("reclaim: %d", rr.Code)
	}
}

func TestVolunteerLocationAndRoute(t *testing.T) {
	s := newTestServer(t)
	n, o, v := seedMatchSetup(t, s)
	rr := postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	if rr.Code != 201 {
		t.Fatalf("claim: %d", rr.Code)
	}

	rr = postJSON(t, s.VolunteerByIDHandler, "/v1/volunteers/"+v.ID+"/location", model.Location{Lat: 43.66, Lng: -79.39})
	if rr.Code != 200 {
		t.Fatalf("location: %d %s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, s.VolunteerByIDHandler, "/v1/volunteers/"+v.ID+"/route", routeIn{})
	if rr.Code != 200 {
		t.Fatalf("route: %d %s", rr.Code, rr.Body.String())
	}
	rt := decode[model.Route](t, rr)
	if len(rt.Stops) != 2 {
		t.Fatalf("want pickup+dropoff, got %d stops", len(rt.Stops))
	}
	if rt.Stops[0].Kind != model.StopPickup {
		t.Fatalf("route must start with a pickup")
	}

	rr = postJSON(t, s.VolunteerByIDHandler, "/v1/volunteers/ghost/route", routeIn{})
	if rr.Code != 404 {
		t.Fatalf("route for unknown volunteer: %d", rr.Code)
	}
}

func TestSubscriptionsCRUD(t *testing.T) {
	s := newTestServer(t)

	rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", subscriptionIn{URL: "http://example.test/hook", Events: []string{"match.created"}})
	if rr.Code != 201 {
		t.Fatalf("create sub: %d", rr.Code)
	}
	sub := decode[struct {
		ID string `json:"id"`
	}](t, rr)

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
	if rr.Code != 200 {
		t.Fatalf("list subs: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete sub: %d", rr.Code)
	}

	rr = postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", subscriptionIn{URL: "", Events: nil})
	if rr.Code != 400 {
		t.Fatalf("invalid sub: %d", rr.Code)
	}
}

func TestMatchEventsStream(t *testing.T) {
	s := newTestServer(t)
	n, o, v := seedMatchSetup(t, s)
	rr := postJSON(t, s.MatchesHandler, "/v1/matches", claimIn{NeedID: n.ID, OfferID: o.ID, VolunteerID: v.ID})
	m := decode[model.Match](t, rr)

	srv := httptest.NewServer(http.HandlerFunc(s.MatchByIDHandler))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/matches/" + m.ID + "/events/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Broker.Publish(m.ID, SSEEvent{Type: "match.status_changed", Data: map[string]any{"matchId": m.ID}})
	}()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	var collected []byte
	for time.Now().Before(deadline) {
		nb, err := resp.Body.Read(buf)
		if nb > 0 {
			collected = append(collected, buf[:nb]...)
			if bytes.Contains(collected, []byte("match.status_changed")) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("event not seen on stream: %q", string(collected))
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t)
	s.Cfg.Server.RateLimit = 1
	s.Cfg.Server.RateBurst = 2

	h := s.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	limited := false
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/needs", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatalf("burst of posts should trip the limiter")
	}

	// GETs are never limited.
	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/needs?i=%d", i), nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Fatalf("GET limited: %d", rr.Code)
		}
	}
}
