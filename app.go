package main

import (
	"github.com/rs/zerolog"

	"bgg-roller/internal/bgg"
	"bgg-roller/internal/config"
	"bgg-roller/internal/logger"
	"bgg-roller/internal/metrics"
	"bgg-roller/internal/service"
	"bgg-roller/internal/store"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     store.HealthStore
	metrics   *metrics.Metrics
	router    *service.ProxyRouter
	scheduler *service.Scheduler
	client    *bgg.Client
}

// newApp loads configuration and wires the router, scheduler and BGG client.
// notifier may be nil; otherwise it builds the router's progress notifier.
func newApp(notifier func(zerolog.Logger) service.Notifier) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	log := logger.New(cfg.Debug || flagDebug)

	hs, err := store.Open(cfg.HealthStore, cfg.HealthStorePath)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	opts := []service.Option{service.WithMetrics(m)}
	if notifier != nil {
		opts = append(opts, service.WithNotifier(notifier(log)))
	}

	router, err := service.NewProxyRouter(cfg, hs, log, opts...)
	if err != nil {
		hs.Close()
		return nil, err
	}
	scheduler := service.NewScheduler(cfg.MaxConcurrentRequests, m, log)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     hs,
		metrics:   m,
		router:    router,
		scheduler: scheduler,
		client:    bgg.NewClient(cfg, router, scheduler, log),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close health store")
	}
}
