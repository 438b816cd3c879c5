package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Claims counts claim attempts by outcome (claimed, conflict, expired, ineligible, error)
	Claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "match_claims_total", Help: "Claim attempts by outcome."},
		[]string{"outcome"},
	)
	// MatchTransitions counts lifecycle transitions by resulting status
	MatchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "match_transitions_total", Help: "Match lifecycle transitions by resulting status."},
		[]string{"status"},
	)
	// OffersExpired counts offers swept out of the pool on deadline
	OffersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "offers_expired_total", Help: "Offers expired by the sweeper."},
	)
	// RoutePlans records route planning durations in seconds by stop count bucket
	RoutePlans = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "route_plan_duration_seconds", Help: "Route planning duration in seconds.", Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}},
	)

	// WebhookDeliveries counts webhook delivery outcomes by status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by status."},
		[]string{"status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Claims)
		Registry.MustRegister(MatchTransitions)
		Registry.MustRegister(OffersExpired)
		Registry.MustRegister(RoutePlans)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
