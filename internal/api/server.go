package api

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/match"
	"github.com/nkaruna09/HazMap/internal/metrics"
	"github.com/nkaruna09/HazMap/internal/route"
	"github.com/nkaruna09/HazMap/internal/store"
	"github.com/nkaruna09/HazMap/internal/webhooks"
)

type Server struct {
	Cfg       config.Config
	Store     store.Store
	Engine    *match.Engine
	Lifecycle *match.Lifecycle
	Planner   *route.Planner
	Pub       *webhooks.Publisher
	Broker    EventBroker
	Log       *zap.Logger

	pg *store.Postgres // nil when running on the memory store
}

// NewServer wires the store, broker, engine, and lifecycle. With no
// DATABASE_URL the memory store is used; with no REDIS_URL the in-process
// broker is used.
func NewServer(cfg config.Config, log *zap.Logger) (*Server, error) {
	var st store.Store
	var pg *store.Postgres
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.Warn("migrations failed", zap.Error(err))
			}
		}
		pg = sp
		st = sp
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			log.Warn("redis broker unavailable, falling back to in-process", zap.Error(err))
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	pub := webhooks.NewPublisher(st)
	sink := &fanoutSink{broker: broker, pub: pub}
	engine := match.NewEngine(st, match.NewScorer(cfg.Scoring), cfg.Scoring, sink)
	lc := match.NewLifecycle(st, engine, sink)

	s := &Server{
		Cfg:       cfg,
		Store:     st,
		Engine:    engine,
		Lifecycle: lc,
		Planner:   route.NewPlanner(cfg.Routing),
		Pub:       pub,
		Broker:    broker,
		Log:       log,
		pg:        pg,
	}
	if pg != nil {
		if err := engine.Warm(context.Background()); err != nil {
			log.Warn("geo index warm-up failed", zap.Error(err))
		}
	}
	return s, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	w := webhooks.NewWorker(s.Store)
	w.Observe = func(success bool) {
		status := "failed"
		if success {
			status = "delivered"
		}
		metrics.WebhookDeliveries.WithLabelValues(status).Inc()
	}
	return w
}

// fanoutSink forwards engine events to SSE/ws subscribers and the webhook
// delivery queue.
type fanoutSink struct {
	broker EventBroker
	pub    *webhooks.Publisher
}

func (f *fanoutSink) Emit(ctx context.Context, evt match.Event) {
	if evt.Type == match.EventOfferExpired {
		metrics.OffersExpired.Inc()
	}
	sse := SSEEvent{Type: evt.Type, Data: map[string]any{
		"matchId": evt.MatchID,
		"ts":      evt.At,
		"data":    evt.Data,
	}}
	if evt.MatchID != "" {
		f.broker.Publish(evt.MatchID, sse)
	}
	f.broker.Publish(TopicAll, sse)
	f.pub.Emit(ctx, evt.Type, evt.Data)
}
