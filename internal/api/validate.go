package api

import (
	"fmt"
	"time"

	"github.com/nkaruna09/HazMap/internal/model"
)

type needIn struct {
	Category string         `json:"category"`
	Quantity string         `json:"quantity"`
	Urgency  string         `json:"urgency"`
	Location model.Location `json:"location"`
}

func validateNeedIn(in needIn) (model.Need, error) {
	cat, err := model.ParseCategory(in.Category)
	if err != nil {
		return model.Need{}, err
	}
	urg, err := model.ParseUrgency(in.Urgency)
	if err != nil {
		return model.Need{}, err
	}
	if !in.Location.Valid() {
		return model.Need{}, fmt.Errorf("location out of bounds")
	}
	if in.Quantity == "" {
		return model.Need{}, fmt.Errorf("quantity required")
	}
	return model.Need{Category: cat, Quantity: in.Quantity, Urgency: urg, Location: in.Location}, nil
}

type offerIn struct {
	Category       string         `json:"category"`
	Quantity       string         `json:"quantity"`
	Condition      string         `json:"condition"`
	Location       model.Location `json:"location"`
	AvailableUntil *time.Time     `json:"availableUntil"`
}

func validateOfferIn(in offerIn, now time.Time) (model.Offer, error) {
	cat, err := model.ParseCategory(in.Category)
	if err != nil {
		return model.Offer{}, err
	}
	if !in.Location.Valid() {
		return model.Offer{}, fmt.Errorf("location out of bounds")
	}
	if in.Quantity == "" {
		return model.Offer{}, fmt.Errorf("quantity required")
	}
	if in.AvailableUntil != nil && in.AvailableUntil.Before(now) {
		return model.Offer{}, fmt.Errorf("availableUntil already passed")
	}
	return model.Offer{Category: cat, Quantity: in.Quantity, Condition: in.Condition, Location: in.Location, AvailableUntil: in.AvailableUntil}, nil
}

type volunteerIn struct {
	ID       string         `json:"id"`
	Location model.Location `json:"location"`
	Capacity int            `json:"capacity"`
}

func validateVolunteerIn(in volunteerIn) (model.Volunteer, error) {
	if !in.Location.Valid() {
		return model.Volunteer{}, fmt.Errorf("location out of bounds")
	}
	if in.Capacity < 0 {
		return model.Volunteer{}, fmt.Errorf("capacity must be >= 0")
	}
	if in.Capacity == 0 {
		in.Capacity = 1
	}
	return model.Volunteer{ID: in.ID, Location: in.Location, Capacity: in.Capacity, Status: model.VolunteerAvailable}, nil
}

type claimIn struct {
	NeedID       string `json:"needId"`
	OfferID      string `json:"offerId"`
	VolunteerID  string `json:"volunteerId"`
	DirectPickup bool   `json:"directPickup"`
}

func validateClaimIn(in claimIn) error {
	if in.NeedID == "" || in.OfferID == "" {
		return fmt.Errorf("needId and offerId required")
	}
	return nil
}

type transitIn struct {
	DirectPickup bool `json:"directPickup"`
}

type endIn struct {
	Reason string `json:"reason"`
}

type routeIn struct {
	MatchIDs []string `json:"matchIds"`
}

type subscriptionIn struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func validateSubscriptionIn(in subscriptionIn) error {
	if in.URL == "" {
		return fmt.Errorf("url required")
	}
	if len(in.Events) == 0 {
		return fmt.Errorf("at least one event type required")
	}
	return nil
}
