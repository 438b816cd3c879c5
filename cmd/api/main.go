package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nkaruna09/HazMap/internal/api"
	"github.com/nkaruna09/HazMap/internal/buildinfo"
	"github.com/nkaruna09/HazMap/internal/config"
	"github.com/nkaruna09/HazMap/internal/metrics"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(os.Getenv("HAZMAP_CONFIG"))
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	srv, err := api.NewServer(cfg, log)
	if err != nil {
		log.Fatal("server init failed", zap.Error(err))
	}

	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Pool intake
	mux.HandleFunc("/v1/needs", srv.NeedsHandler)
	mux.HandleFunc("/v1/needs/", srv.NeedByIDHandler) // includes /candidates
	mux.HandleFunc("/v1/offers", srv.OffersHandler)
	mux.HandleFunc("/v1/offers/", srv.OfferByIDHandler)

	// Volunteers
	mux.HandleFunc("/v1/volunteers", srv.VolunteersHandler)
	mux.HandleFunc("/v1/volunteers/", srv.VolunteerByIDHandler) // includes /location, /route, /matches

	// Matches
	mux.HandleFunc("/v1/matches", srv.MatchesHandler)
	mux.HandleFunc("/v1/matches/", srv.MatchByIDHandler) // includes /transit, /complete, /end, /events/stream

	// Webhook subscriptions
	mux.HandleFunc("/v1/subscriptions", srv.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srv.SubscriptionByIDHandler)

	// Live feed
	mux.HandleFunc("/ws", srv.WSHandler)

	// Health and metrics
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Instrument(srv.RateLimit(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	worker := srv.NewWebhookWorker()
	worker.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.Engine.RunExpirySweeper(ctx, cfg.Expiry.SweepInterval.Std(), func(err error) {
		log.Warn("expiry sweep failed", zap.Error(err))
	})

	go func() {
		<-ctx.Done()
		close(worker.Stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("API listening", zap.String("addr", httpSrv.Addr), zap.String("version", buildinfo.Version))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}
