package main

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/modules/allocation"
	"github.com/titanops/titan-brain/internal/modules/arbiter"
	"github.com/titanops/titan-brain/internal/modules/breaker"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/registry"
	"github.com/titanops/titan-brain/internal/modules/risk"
	"github.com/titanops/titan-brain/internal/modules/treasury"
)

// rebinder pushes effective registry values into the live modules. It runs
// once at startup and again on every override change; restart-scoped keys
// (worker count, queue capacity, schedules) are read only at startup.
type rebinder struct {
	log      zerolog.Logger
	registry *registry.Service
	alloc    *allocation.Engine
	guard    *risk.Guardian
	perf     *performance.Tracker
	treasury *treasury.Manager
	brk      *breaker.Breaker
	arb      *arbiter.Arbiter
}

// Apply reads every live-apply key and pushes the resulting configs.
func (rb *rebinder) Apply() {
	if err := rb.alloc.SetParams(allocation.Params{
		StartP2: rb.float("allocation.startP2", 1500),
		FullP2:  rb.float("allocation.fullP2", 5000),
		StartP3: rb.float("allocation.startP3", 25000),
	}); err != nil {
		rb.log.Error().Err(err).Msg("Rejected allocation params")
	}

	rb.guard.SetConfig(risk.Config{
		AlphaVetoThreshold: rb.float("risk.alphaVetoThreshold", 2.0),
		MaxCorrelation:     rb.float("risk.maxCorrelation", 0.8),
		CorrelationPenalty: rb.float("risk.correlationPenalty", 0.5),
		MinPositionFloor:   rb.float("risk.minPositionFloor", 10),
		RegimeSensitive:    rb.phaseSet("risk.regimeSensitivePhases"),
		ReferenceSymbol:    rb.str("risk.referenceSymbol", "BTCUSDT"),
	})

	rb.perf.SetConfig(performance.Config{
		WindowDays:      rb.count("performance.windowDays", 7),
		MinTradeCount:   rb.count("performance.minTradeCount", 10),
		MalusThreshold:  rb.float("performance.malusThreshold", 0),
		BonusThreshold:  rb.float("performance.bonusThreshold", 2.0),
		MalusMultiplier: rb.float("performance.malusMultiplier", 0.5),
		BonusMultiplier: rb.float("performance.bonusMultiplier", 1.2),
	})

	rb.treasury.SetConfig(treasury.Config{
		ReserveFloor:       rb.float("treasury.reserveFloor", 200),
		SweepThresholdFrac: rb.float("treasury.sweepThresholdFrac", 0.20),
		MaxRetries:         rb.count("treasury.maxRetries", 3),
	})

	rb.brk.SetConfig(breaker.Config{
		ConsecutiveLossLimit: rb.count("breaker.consecutiveLossLimit", 3),
		LossWindow:           time.Duration(rb.count("breaker.lossWindowMinutes", 60)) * time.Minute,
		Cooldown:             time.Duration(rb.count("breaker.cooldownMinutes", 30)) * time.Minute,
		MaxDailyDrawdown:     rb.float("breaker.maxDailyDrawdown", 0.15),
		MinEquity:            rb.float("breaker.minEquity", 150),
	})

	cfg := arbiter.DefaultConfig()
	cfg.MaxSinglePositionFrac = rb.float("arbiter.maxSinglePositionFrac", 1.0)
	cfg.MaxAccountLeverage = rb.float("risk.maxAccountLeverage", 10)
	cfg.IntentDeadline = time.Duration(rb.count("arbiter.intentDeadlineMs", 1000)) * time.Millisecond
	cfg.WorkerCount = rb.count("arbiter.workerCount", 4)
	cfg.QueueCapacity = rb.count("arbiter.queueCapacity", 1024)
	cfg.Venue = rb.str("exec.venue", "binance")
	cfg.Account = rb.str("exec.account", "main")
	rb.arb.SetConfig(cfg)
}

// Watch re-applies on every override change until the subscription closes.
func (rb *rebinder) Watch(em *events.Manager) func() {
	sub := em.Subscribe(events.OverrideChanged, 16)
	go func() {
		for range sub.C {
			rb.log.Info().Msg("Configuration changed, rebinding modules")
			rb.Apply()
		}
	}()
	return func() { em.Unsubscribe(events.OverrideChanged, sub) }
}

func (rb *rebinder) float(key string, fallback float64) float64 {
	v, err := rb.registry.EffectiveFloat(key)
	if err != nil {
		rb.log.Warn().Err(err).Str("key", key).Msg("Falling back to default")
		return fallback
	}
	return v
}

func (rb *rebinder) count(key string, fallback int) int {
	return int(rb.float(key, float64(fallback)))
}

func (rb *rebinder) str(key, fallback string) string {
	v, err := rb.registry.EffectiveString(key)
	if err != nil {
		rb.log.Warn().Err(err).Str("key", key).Msg("Falling back to default")
		return fallback
	}
	return v
}

func (rb *rebinder) phaseSet(key string) map[domain.PhaseID]bool {
	phases, err := rb.registry.EffectiveStrings(key)
	if err != nil {
		rb.log.Warn().Err(err).Str("key", key).Msg("Falling back to default")
		return map[domain.PhaseID]bool{domain.PhaseP3: true}
	}
	out := make(map[domain.PhaseID]bool, len(phases))
	for _, p := range phases {
		out[domain.PhaseID(p)] = true
	}
	return out
}
