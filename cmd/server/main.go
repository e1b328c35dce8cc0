package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/provider-dispatch/internal/availability"
	"github.com/example/provider-dispatch/internal/config"
	"github.com/example/provider-dispatch/internal/dispatch"
	"github.com/example/provider-dispatch/internal/geo"
	httpapi "github.com/example/provider-dispatch/internal/http"
	"github.com/example/provider-dispatch/internal/ingest"
	"github.com/example/provider-dispatch/internal/logging"
	"github.com/example/provider-dispatch/internal/offers"
	"github.com/example/provider-dispatch/internal/payments"
	"github.com/example/provider-dispatch/internal/pricing"
	"github.com/example/provider-dispatch/internal/profile"
	"github.com/example/provider-dispatch/internal/registry"
	"github.com/example/provider-dispatch/internal/scoring"
	"github.com/example/provider-dispatch/internal/search"
	"github.com/example/provider-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.Match.StalenessThreshold)
		logger.Info("spatial index: redis", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewGrid(cfg.Match.CellSizeMiles, cfg.Match.StalenessThreshold)
		logger.Info("spatial index: in-memory grid", "cell_miles", cfg.Match.CellSizeMiles)
	}

	tracker := availability.NewTracker(index, cfg.Match.StalenessThreshold, logger)
	sweeper, err := availability.NewSweeper(tracker, cfg.Match.SweepInterval, logger)
	if err != nil {
		logger.Error("sweeper setup failed", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	var profiles profile.Store
	var audit storage.AuditStore
	if cfg.PGDSN != "" {
		if ps, err := profile.NewPostgres(cfg.PGDSN); err == nil {
			profiles = ps
		} else {
			logger.Warn("profile store unavailable, using memory", "error", err)
		}
		if as, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			audit = as
		} else {
			logger.Warn("audit store unavailable, using memory", "error", err)
		}
	}
	if profiles == nil {
		profiles = profile.NewMemory()
	}
	if audit == nil {
		audit = storage.NewMemory()
	}

	reg := registry.New()

	wsreg := dispatch.NewWSRegistry()
	senders := []dispatch.Sender{wsreg}
	if endpoint := os.Getenv("PUSH_ENDPOINT"); endpoint != "" {
		senders = append(senders, dispatch.NewPushSender(endpoint))
	}
	notifier := &dispatch.Fanout{Senders: senders, Logger: logger}

	scorer := &scoring.Scorer{
		Profiles:     profiles,
		Prices:       pricing.NewFlat(),
		Availability: tracker,
		Weights:      cfg.Match.Weights,
		Logger:       logger,
	}

	coord := offers.NewCoordinator(reg, tracker, notifier, audit, cfg.Match.MaxParallelOffers, cfg.Match.OfferTTL, logger)
	if os.Getenv("STRIPE_API_KEY") != "" {
		coord.SetEscrow(payments.NewStripeClient())
	}

	sched := search.NewScheduler(reg, index, scorer, coord, tracker, audit, cfg.Match, logger)
	defer sched.Shutdown()

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	api := httpapi.NewServer(sched, coord, tracker, reg, kafka, wsreg, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
