package store

import (
	"context"
	"errors"
	"time"

	"github.com/nkaruna09/HazMap/internal/model"
)

// Store is the persistence interface behind the match engine and lifecycle.
// Claim and release primitives are atomic: either every conditional status
// update applies or none do.
type Store interface {
	// Needs
	CreateNeed(ctx context.Context, n model.Need) (model.Need, error)
	GetNeed(ctx context.Context, id string) (model.Need, error)
	ListNeeds(ctx context.Context, status model.PoolStatus, limit int) ([]model.Need, error)

	// Offers
	CreateOffer(ctx context.Context, o model.Offer) (model.Offer, error)
	GetOffer(ctx context.Context, id string) (model.Offer, error)
	ListOffers(ctx context.Context, status model.PoolStatus, limit int) ([]model.Offer, error)
	// ExpireOffersDue moves open offers past their deadline to expired and
	// returns them so callers can prune the geo index.
	ExpireOffersDue(ctx context.Context, now time.Time) ([]model.Offer, error)

	// Volunteers
	UpsertVolunteer(ctx context.Context, v model.Volunteer) (model.Volunteer, error)
	GetVolunteer(ctx context.Context, id string) (model.Volunteer, error)
	UpdateVolunteerLocation(ctx context.Context, id string, loc model.Location) error

	// Matches. ClaimPair transitions both the need and the offer from open to
	// claimed and inserts the match; if either side already left open, nothing
	// is written and ErrClaimConflict is returned.
	ClaimPair(ctx context.Context, m model.Match) (model.Match, error)
	GetMatch(ctx context.Context, id string) (model.Match, error)
	ListMatchesForVolunteer(ctx context.Context, volunteerID string, activeOnly bool) ([]model.Match, error)
	// TransitionMatch conditionally moves a match out of one of the from
	// states. The bool result is false when the match was found but not in an
	// accepted state (callers decide between idempotent no-op and guard error).
	TransitionMatch(ctx context.Context, id string, from []model.MatchStatus, to model.MatchStatus, reason model.EndReason, at time.Time) (model.Match, bool, error)
	// ReleaseMatch ends the match and returns its need and offer to the pool:
	// open normally, expired when the offer deadline already passed.
	ReleaseMatch(ctx context.Context, id string, reason model.EndReason, at time.Time) (ReleaseResult, error)

	// Webhook subscriptions and delivery queue
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error)
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error
}

// ReleaseResult reports the post-release state of all three records.
type ReleaseResult struct {
	Match model.Match
	Need  model.Need
	Offer model.Offer
}

// Subscription registers an external consumer (messaging, notifications) for
// match events.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// WebhookDelivery is one queued outbound notification.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict means a conditional status update lost a race.
	ErrClaimConflict = errors.New("claim conflict")
)
