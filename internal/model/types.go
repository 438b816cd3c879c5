package model

import (
	"fmt"
	"math"
	"time"
)

// Core domain types for the matching and dispatch engine.

// Location is a WGS84 point in floating-point degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the location is finite and inside lat/lng bounds.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsInf(l.Lat, 0) || math.IsNaN(l.Lng) || math.IsInf(l.Lng, 0) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// Category is the closed set of supply categories used by intake forms.
type Category string

const (
	CategoryWater    Category = "water"
	CategoryFood     Category = "food"
	CategoryMedical  Category = "medical"
	CategoryShelter  Category = "shelter"
	CategoryPower    Category = "power"
	CategoryBaby     Category = "baby"
	CategoryHygiene  Category = "hygiene"
	CategoryClothing Category = "clothing"
	CategoryOther    Category = "other"
)

var categories = map[Category]struct{}{
	CategoryWater: {}, CategoryFood: {}, CategoryMedical: {}, CategoryShelter: {},
	CategoryPower: {}, CategoryBaby: {}, CategoryHygiene: {}, CategoryClothing: {},
	CategoryOther: {},
}

// ParseCategory validates a raw category string against the closed set.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, ok := categories[c]; !ok {
		return "", fmt.Errorf("unknown category: %q", s)
	}
	return c, nil
}

// Urgency is a totally ordered priority level; higher values sort first.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = map[Urgency]string{
	UrgencyLow:      "low",
	UrgencyMedium:   "medium",
	UrgencyHigh:     "high",
	UrgencyCritical: "critical",
}

func (u Urgency) String() string { return urgencyNames[u] }

// ParseUrgency maps the lowercase wire form to an Urgency.
func ParseUrgency(s string) (Urgency, error) {
	for u, name := range urgencyNames {
		if name == s {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown urgency: %q", s)
}

// MarshalJSON encodes urgency as its lowercase word.
func (u Urgency) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

func (u *Urgency) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("urgency must be a string")
	}
	v, err := ParseUrgency(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// PoolStatus tracks whether a Need or Offer is available for matching.
type PoolStatus string

const (
	StatusOpen    PoolStatus = "open"
	StatusClaimed PoolStatus = "claimed"
	StatusExpired PoolStatus = "expired"
)

// Need is a posted request for supplies. Status is mutated only through the
// Match Engine and Lifecycle.
type Need struct {
	ID        string     `json:"id"`
	Category  Category   `json:"category"`
	Quantity  string     `json:"quantity"`
	Urgency   Urgency    `json:"urgency"`
	Location  Location   `json:"location"`
	Status    PoolStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Offer is a posted supply available for matching.
type Offer struct {
	ID             string     `json:"id"`
	Category       Category   `json:"category"`
	Quantity       string     `json:"quantity"`
	Condition      string     `json:"condition,omitempty"`
	Location       Location   `json:"location"`
	AvailableUntil *time.Time `json:"availableUntil,omitempty"`
	Status         PoolStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ExpiredAt reports whether the offer deadline has passed at t.
func (o Offer) ExpiredAt(t time.Time) bool {
	return o.AvailableUntil != nil && o.AvailableUntil.Before(t)
}

// VolunteerStatus is the courier availability state.
type VolunteerStatus string

const (
	VolunteerAvailable VolunteerStatus = "available"
	VolunteerBusy      VolunteerStatus = "busy"
	VolunteerOffline   VolunteerStatus = "offline"
)

// Volunteer is a courier who can carry deliveries between matched parties.
type Volunteer struct {
	ID       string          `json:"id"`
	Location Location        `json:"location"`
	Capacity int             `json:"capacity"`
	Status   VolunteerStatus `json:"status"`
}

// MatchStatus is the closed lifecycle state of a Match.
type MatchStatus string

const (
	MatchMatched   MatchStatus = "matched"
	MatchInTransit MatchStatus = "in_transit"
	MatchCompleted MatchStatus = "completed"
	MatchEnded     MatchStatus = "ended"
)

// Terminal reports whether no further transition is accepted.
func (s MatchStatus) Terminal() bool { return s == MatchCompleted || s == MatchEnded }

// EndReason is carried on the escape transition into the ended state.
type EndReason string

const (
	EndWithdrawn EndReason = "withdrawn"
	EndReported  EndReason = "reported"
	EndExpired   EndReason = "expired"
)

// ParseEndReason validates a termination reason code.
func ParseEndReason(s string) (EndReason, error) {
	switch EndReason(s) {
	case EndWithdrawn, EndReported, EndExpired:
		return EndReason(s), nil
	}
	return "", fmt.Errorf("unknown end reason: %q", s)
}

// Match is the exclusive pairing of a Need and an Offer. It is the sole
// authority over whether its Need/Offer are claimed.
type Match struct {
	ID              string      `json:"id"`
	NeedID          string      `json:"needId"`
	OfferID         string      `json:"offerId"`
	VolunteerID     string      `json:"volunteerId,omitempty"`
	Score           float64     `json:"score"`
	Status          MatchStatus `json:"status"`
	EndReason       EndReason   `json:"endReason,omitempty"`
	DirectPickup    bool        `json:"directPickup,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	StatusChangedAt time.Time   `json:"statusChangedAt"`
}

// Candidate is one ranked (offer, score) entry returned by ListCandidates.
type Candidate struct {
	OfferID    string  `json:"offerId"`
	Score      float64 `json:"score"`
	DistanceKm float64 `json:"distanceKm"`
}

// DeliveryLeg is one pickup→dropoff unit of work for routing. Assembled from
// a confirmed match; never persisted on its own.
type DeliveryLeg struct {
	MatchID              string   `json:"matchId"`
	Pickup               Location `json:"pickup"`
	Dropoff              Location `json:"dropoff"`
	Urgency              Urgency  `json:"urgency"`
	EstimatedDurationMin int      `json:"estimatedDurationMin,omitempty"`
}

// StopKind distinguishes pickups from dropoffs in a planned route.
type StopKind string

const (
	StopPickup  StopKind = "pickup"
	StopDropoff StopKind = "dropoff"
)

// Stop is one visit in a planned route.
type Stop struct {
	Kind     StopKind `json:"kind"`
	MatchID  string   `json:"matchId"`
	Location Location `json:"location"`
	Urgency  Urgency  `json:"urgency"`
}

// Route is the computed stop order for one volunteer's selected deliveries.
// Computed, not owned: re-planning replaces it wholesale.
type Route struct {
	VolunteerID      string    `json:"volunteerId"`
	Stops            []Stop    `json:"stops"`
	TotalDistanceKm  float64   `json:"totalDistanceKm"`
	TotalDurationMin float64   `json:"totalDurationMin"`
	PlannedAt        time.Time `json:"plannedAt"`
}
