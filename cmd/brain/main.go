// Package main is the entry point for the Titan Brain, the capital
// allocation and risk arbitration core. It consumes trade intents from the
// strategy phases, arbitrates them against allocation, performance, risk and
// the circuit breaker, and publishes approved orders to the executor.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/titanops/titan-brain/internal/bus"
	"github.com/titanops/titan-brain/internal/config"
	"github.com/titanops/titan-brain/internal/database"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/metrics"
	"github.com/titanops/titan-brain/internal/modules/allocation"
	"github.com/titanops/titan-brain/internal/modules/arbiter"
	"github.com/titanops/titan-brain/internal/modules/breaker"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/registry"
	"github.com/titanops/titan-brain/internal/modules/risk"
	"github.com/titanops/titan-brain/internal/modules/treasury"
	"github.com/titanops/titan-brain/internal/scheduler"
	"github.com/titanops/titan-brain/internal/server"
	"github.com/titanops/titan-brain/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Titan Brain")

	// The relational store is the arbiter of persisted truth; everything in
	// memory is rebuilt from it on startup.
	db, err := database.New(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	m := metrics.New()
	em := events.NewManager(log)

	// Configuration registry. It has no bus dependency, so it comes up first
	// and supplies the restart-scoped settings for everything below.
	catalog, err := registry.LoadCatalog()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration catalog")
	}
	regService, err := registry.NewService(catalog, registry.NewRepository(db.DB, log),
		registry.NewSigner(cfg.ReceiptSecret), em, cfg.ConfigFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration registry")
	}

	busTimeout := effectiveInt(regService, "bus.publishTimeoutMs", 2000)
	busRetries := effectiveInt(regService, "bus.publishMaxRetries", 3)
	adapter, err := bus.New(bus.Config{
		URL:               cfg.NATSURL,
		Producer:          cfg.Producer,
		PublishTimeout:    time.Duration(busTimeout) * time.Millisecond,
		PublishMaxRetries: busRetries,
	}, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer adapter.Close()

	if err := adapter.EnsureStreams(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure streams")
	}

	// Core modules. Treasury owns equity, the breaker owns the halt state,
	// the guardian owns portfolio constraints.
	treasuryMgr, err := treasury.NewManager(treasury.NewRepository(db.DB, log), adapter, em, m, cfg.EquitySeed, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize treasury")
	}

	brk, err := breaker.New(breaker.NewRepository(db.DB, log), adapter, em, m, cfg.EquitySeed, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize breaker")
	}

	book := risk.NewBook()
	corr := risk.NewCorrelationTracker(log)
	guard := risk.NewGuardian(book, corr, log)
	alloc := allocation.NewEngine(log)

	perf := performance.NewTracker(performance.NewRepository(db.DB, log), log)
	if err := perf.Rebuild(); err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild performance window")
	}

	decisions := arbiter.NewRepository(db.DB, log)
	arb := arbiter.New(decisions, brk, alloc, perf, guard, treasuryMgr, adapter,
		em, m, arbiter.DefaultConfig(), log)

	// Bind registry values into the modules, now and on every override.
	rb := &rebinder{
		log:      log.With().Str("service", "rebinder").Logger(),
		registry: regService,
		alloc:    alloc,
		guard:    guard,
		perf:     perf,
		treasury: treasuryMgr,
		brk:      brk,
		arb:      arb,
	}
	rb.Apply()
	stopWatch := rb.Watch(em)
	defer stopWatch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arb.Start(ctx)

	consumers := arbiter.NewConsumers(arb, decisions, perf, book, corr, guard,
		treasuryMgr, brk, em, log)
	if err := consumers.Start(adapter); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bus consumers")
	}

	// Maintenance jobs. The sweep schedule is restart-scoped; the retention
	// and reference-symbol lookups resolve live.
	sched := scheduler.New(log)
	sweepSchedule := effectiveString(regService, "treasury.sweepSchedule", "0 0 * * *")
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{sweepSchedule, scheduler.NewSweepJob(treasuryMgr)},
		{"*/5 * * * *", scheduler.NewCorrelationRefreshJob(corr)},
		{"@every 1m", scheduler.NewBetaRefreshJob(corr, book, func() string {
			return effectiveString(regService, "risk.referenceSymbol", "BTCUSDT")
		})},
		{"@every 1m", scheduler.NewBreakerTickJob(brk)},
		{"@daily", scheduler.NewDecisionTrimJob(decisions, func() time.Duration {
			days := effectiveInt(regService, "arbiter.decisionRetentionDays", 30)
			return time.Duration(days) * 24 * time.Hour
		}, log)},
		{"@hourly", scheduler.NewTradeTrimJob(perf)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:           log,
		Port:          cfg.Port,
		DevMode:       cfg.DevMode,
		Arbiter:       arb,
		Decisions:     decisions,
		Breaker:       brk,
		BreakerEvents: breaker.NewRepository(db.DB, log),
		Treasury:      treasuryMgr,
		Sweeps:        treasury.NewRepository(db.DB, log),
		Allocation:    alloc,
		Performance:   perf,
		Registry:      registry.NewHandler(regService, log),
		Metrics:       m,
	})

	log.Info().Int("port", cfg.Port).Msg("Titan Brain started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
			return gctx.Err()
		}

		log.Info().Msg("Shutting down")

		// Stop intake first so in-flight intents drain before the server
		// and bus connections close.
		sched.Stop()
		arb.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutdown with error")
	}
	log.Info().Msg("Titan Brain stopped")
}

func effectiveInt(reg *registry.Service, key string, fallback int) int {
	v, err := reg.EffectiveFloat(key)
	if err != nil {
		return fallback
	}
	return int(v)
}

func effectiveString(reg *registry.Service, key, fallback string) string {
	v, err := reg.EffectiveString(key)
	if err != nil {
		return fallback
	}
	return v
}
