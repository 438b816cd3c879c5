package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nkaruna09/HazMap/internal/buildinfo"
	"github.com/nkaruna09/HazMap/internal/match"
	"github.com/nkaruna09/HazMap/internal/metrics"
	"github.com/nkaruna09/HazMap/internal/model"
	"github.com/nkaruna09/HazMap/internal/route"
	"github.com/nkaruna09/HazMap/internal/store"
)

// problem maps domain errors onto RFC7807 responses. Conflicts are 409,
// expiry 410, guard failures 422.
func (s *Server) problem(w http.ResponseWriter, r *http.Request, err error, title string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, match.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, match.ErrExpired):
		writeProblem(w, http.StatusGone, "Gone", err.Error(), r.URL.Path)
	case errors.Is(err, match.ErrInvalidTransition), errors.Is(err, match.ErrIneligible), errors.Is(err, route.ErrInfeasible):
		writeProblem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
	}
}

// NeedsHandler handles POST/GET /v1/needs
func (s *Server) NeedsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in needIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		n, err := validateNeedIn(in)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid need", err.Error(), r.URL.Path)
			return
		}
		n, err = s.Engine.CreateNeed(r.Context(), n)
		if err != nil {
			s.problem(w, r, err, "Create need failed")
			return
		}
		writeJSON(w, http.StatusCreated, n)
	case http.MethodGet:
		status := model.PoolStatus(r.URL.Query().Get("status"))
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, err := s.Store.ListNeeds(r.Context(), status, limit)
		if err != nil {
			s.problem(w, r, err, "List needs failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// NeedByIDHandler handles /v1/needs/{id} and /v1/needs/{id}/candidates
func (s *Server) NeedByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/needs/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) > 1 && parts[1] == "candidates" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		cands, err := s.Engine.ListCandidates(r.Context(), id, limit)
		if err != nil {
			s.problem(w, r, err, "List candidates failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"needId": id, "candidates": cands})
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.Store.GetNeed(r.Context(), id)
	if err != nil {
		s.problem(w, r, err, "Get need failed")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// OffersHandler handles POST/GET /v1/offers
func (s *Server) OffersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in offerIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		o, err := validateOfferIn(in, time.Now().UTC())
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid offer", err.Error(), r.URL.Path)
			return
		}
		o, err = s.Engine.CreateOffer(r.Context(), o)
		if err != nil {
			s.problem(w, r, err, "Create offer failed")
			return
		}
		writeJSON(w, http.StatusCreated, o)
	case http.MethodGet:
		status := model.PoolStatus(r.URL.Query().Get("status"))
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, err := s.Store.ListOffers(r.Context(), status, limit)
		if err != nil {
			s.problem(w, r, err, "List offers failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OfferByIDHandler handles GET /v1/offers/{id}
func (s *Server) OfferByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/offers/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	o, err := s.Store.GetOffer(r.Context(), id)
	if err != nil {
		s.problem(w, r, err, "Get offer failed")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// VolunteersHandler handles POST /v1/volunteers
func (s *Server) VolunteersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in volunteerIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	v, err := validateVolunteerIn(in)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid volunteer", err.Error(), r.URL.Path)
		return
	}
	v, err = s.Engine.UpsertVolunteer(r.Context(), v)
	if err != nil {
		s.problem(w, r, err, "Upsert volunteer failed")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// VolunteerByIDHandler handles /v1/volunteers/{id}, /location, /route, /matches
func (s *Server) VolunteerByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/volunteers/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) > 1 {
		switch parts[1] {
		case "location":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			var loc model.Location
			if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
				return
			}
			if !loc.Valid() {
				writeProblem(w, http.StatusBadRequest, "Invalid location", "location out of bounds", r.URL.Path)
				return
			}
			if err := s.Engine.UpdateVolunteerLocation(r.Context(), id, loc); err != nil {
				s.problem(w, r, err, "Update location failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "route":
			s.planRoute(w, r, id)
			return
		case "matches":
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			active := r.URL.Query().Get("active") != "false"
			items, err := s.Store.ListMatchesForVolunteer(r.Context(), id, active)
			if err != nil {
				s.problem(w, r, err, "List matches failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
			return
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	v, err := s.Store.GetVolunteer(r.Context(), id)
	if err != nil {
		s.problem(w, r, err, "Get volunteer failed")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// planRoute handles POST /v1/volunteers/{id}/route. With no matchIds in the
// body every active match assigned to the volunteer is routed.
func (s *Server) planRoute(w http.ResponseWriter, r *http.Request, volunteerID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in routeIn
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&in)
	}
	v, err := s.Store.GetVolunteer(r.Context(), volunteerID)
	if err != nil {
		s.problem(w, r, err, "Get volunteer failed")
		return
	}

	var matches []model.Match
	if len(in.MatchIDs) == 0 {
		matches, err = s.Store.ListMatchesForVolunteer(r.Context(), volunteerID, true)
		if err != nil {
			s.problem(w, r, err, "List matches failed")
			return
		}
	} else {
		for _, mid := range in.MatchIDs {
			m, err := s.Store.GetMatch(r.Context(), mid)
			if err != nil {
				s.problem(w, r, err, "Get match failed")
				return
			}
			if m.VolunteerID != volunteerID {
				writeProblem(w, http.StatusUnprocessableEntity, "Unprocessable", "match not assigned to volunteer", r.URL.Path)
				return
			}
			if m.Status.Terminal() {
				writeProblem(w, http.StatusUnprocessableEntity, "Unprocessable", "match already terminal", r.URL.Path)
				return
			}
			matches = append(matches, m)
		}
	}

	legs := make([]model.DeliveryLeg, 0, len(matches))
	for _, m := range matches {
		n, err := s.Store.GetNeed(r.Context(), m.NeedID)
		if err != nil {
			s.problem(w, r, err, "Get need failed")
			return
		}
		o, err := s.Store.GetOffer(r.Context(), m.OfferID)
		if err != nil {
			s.problem(w, r, err, "Get offer failed")
			return
		}
		legs = append(legs, model.DeliveryLeg{MatchID: m.ID, Pickup: o.Location, Dropoff: n.Location, Urgency: n.Urgency})
	}

	start := time.Now()
	rt, err := s.Planner.Plan(r.Context(), volunteerID, v.Location, legs)
	metrics.RoutePlans.Observe(time.Since(start).Seconds())
	if err != nil {
		s.problem(w, r, err, "Plan route failed")
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// MatchesHandler handles POST /v1/matches
func (s *Server) MatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in claimIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateClaimIn(in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid claim", err.Error(), r.URL.Path)
		return
	}
	m, err := s.Engine.Claim(r.Context(), match.ClaimRequest{
		NeedID: in.NeedID, OfferID: in.OfferID, VolunteerID: in.VolunteerID, DirectPickup: in.DirectPickup,
	})
	switch {
	case err == nil:
		metrics.Claims.WithLabelValues("claimed").Inc()
	case errors.Is(err, match.ErrConflict):
		metrics.Claims.WithLabelValues("conflict").Inc()
	case errors.Is(err, match.ErrExpired):
		metrics.Claims.WithLabelValues("expired").Inc()
	case errors.Is(err, match.ErrIneligible):
		metrics.Claims.WithLabelValues("ineligible").Inc()
	default:
		metrics.Claims.WithLabelValues("error").Inc()
	}
	if err != nil {
		s.problem(w, r, err, "Claim failed")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// MatchByIDHandler handles /v1/matches/{id} plus transit, complete, end,
// and the SSE event stream.
func (s *Server) MatchByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/matches/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
		s.streamMatchEvents(w, r, id)
		return
	}
	if len(parts) > 1 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var m model.Match
		var err error
		switch parts[1] {
		case "transit":
			var in transitIn
			if r.Body != nil {
				_ = json.NewDecoder(r.Body).Decode(&in)
			}
			m, err = s.Lifecycle.MarkInTransit(r.Context(), id, in.DirectPickup)
		case "complete":
			m, err = s.Lifecycle.MarkCompleted(r.Context(), id)
		case "end":
			var in endIn
			if derr := json.NewDecoder(r.Body).Decode(&in); derr != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid JSON", derr.Error(), r.URL.Path)
				return
			}
			reason, rerr := model.ParseEndReason(in.Reason)
			if rerr != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid reason", rerr.Error(), r.URL.Path)
				return
			}
			m, err = s.Lifecycle.End(r.Context(), id, reason)
		default:
			writeProblem(w, http.StatusNotFound, "Not Found", "unknown action", r.URL.Path)
			return
		}
		if err != nil {
			s.problem(w, r, err, "Transition failed")
			return
		}
		metrics.MatchTransitions.WithLabelValues(string(m.Status)).Inc()
		writeJSON(w, http.StatusOK, m)
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, err := s.Store.GetMatch(r.Context(), id)
	if err != nil {
		s.problem(w, r, err, "Get match failed")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// streamMatchEvents serves GET /v1/matches/{id}/events/stream as SSE.
func (s *Server) streamMatchEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.Store.GetMatch(r.Context(), id); err != nil {
		s.problem(w, r, err, "Get match failed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"matchId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"matchId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in subscriptionIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscriptionIn(in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), store.Subscription{URL: in.URL, Events: in.Events, Secret: in.Secret})
		if err != nil {
			s.problem(w, r, err, "Create subscription failed")
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			s.problem(w, r, err, "List subscriptions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		s.problem(w, r, err, "Delete subscription failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler reports liveness plus build info.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler reports readiness; with Postgres it pings the database.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if s.pg != nil {
		if err := s.pg.Ping(r.Context()); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
