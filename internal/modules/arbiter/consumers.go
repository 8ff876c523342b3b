package arbiter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/bus"
	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/risk"
)

// treasurySink receives realized PnL and runs sweep checks.
type treasurySink interface {
	ApplyPnL(pnl float64) (equity float64, sweepDue bool)
	TrySweep(ctx context.Context) error
}

// breakerSink receives fill outcomes for loss/drawdown tracking.
type breakerSink interface {
	RecordFill(pnl, equity float64, tFill time.Time)
}

// regimePayload is the volatility-clustering update from analytics.
type regimePayload struct {
	Expanding bool  `json:"expanding"`
	T         int64 `json:"t"`
}

// powerlawPayload is the tail-risk (Hill-alpha) update from analytics.
type powerlawPayload struct {
	HillAlpha float64 `json:"hill_alpha"`
	T         int64   `json:"t"`
}

// Consumers wires the bus subjects into the core. Each handler acks only
// once its effects are durable or safely idempotent.
type Consumers struct {
	log      zerolog.Logger
	arb      *Arbiter
	store    Store
	perf     *performance.Tracker
	book     *risk.Book
	corr     *risk.CorrelationTracker
	guard    *risk.Guardian
	treasury treasurySink
	brk      breakerSink
	events   *events.Manager
}

// NewConsumers creates the bus-facing consumer set.
func NewConsumers(
	arb *Arbiter,
	store Store,
	perf *performance.Tracker,
	book *risk.Book,
	corr *risk.CorrelationTracker,
	guard *risk.Guardian,
	treasury treasurySink,
	brk breakerSink,
	em *events.Manager,
	log zerolog.Logger,
) *Consumers {
	return &Consumers{
		log:      log.With().Str("service", "consumers").Logger(),
		arb:      arb,
		store:    store,
		perf:     perf,
		book:     book,
		corr:     corr,
		guard:    guard,
		treasury: treasury,
		brk:      brk,
		events:   em,
	}
}

// Start subscribes every durable consumer.
func (c *Consumers) Start(adapter *bus.Adapter) error {
	subs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{bus.SubjectSignalsWildcard, "brain-signals", c.HandleSignal},
		{bus.SubjectFillsWildcard, "brain-fills", c.HandleFill},
		{bus.SubjectRegime, "brain-regime", c.HandleRegime},
		{bus.SubjectPowerlaw, "brain-powerlaw", c.HandlePowerlaw},
	}
	for _, s := range subs {
		if _, err := adapter.Consume(s.subject, s.durable, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// HandleSignal runs the pipeline inline so the ack happens only after the
// Decision is durably persisted. Validation failures are terminal and ack;
// transient failures nak for redelivery.
func (c *Consumers) HandleSignal(env *bus.Envelope) error {
	var intent domain.Intent
	if err := env.DecodePayload(&intent); err != nil {
		c.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable intent payload")
		return nil
	}
	if err := intent.Validate(); err != nil {
		c.log.Warn().Err(err).Str("signal_id", intent.SignalID).Msg("Invalid intent dropped")
		return nil
	}

	_, err := c.arb.Process(context.Background(), intent)
	if err != nil && domain.Retryable(err) {
		return err
	}
	return nil
}

// HandleFill applies one terminal fill to every downstream consumer of
// realized PnL. The performance tracker's persisted dedup makes redelivery
// idempotent; the remaining effects are applied only on first sight.
func (c *Consumers) HandleFill(env *bus.Envelope) error {
	var fill domain.Fill
	if err := env.DecodePayload(&fill); err != nil {
		c.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable fill payload")
		return nil
	}
	if err := fill.Validate(); err != nil {
		c.log.Warn().Err(err).Str("signal_id", fill.SignalID).Msg("Invalid fill dropped")
		return nil
	}

	phase := c.phaseFor(fill.SignalID)

	inserted, err := c.perf.RecordFill(phase, fill)
	if err != nil {
		// Store down: nak so the fill is not lost.
		return err
	}
	if !inserted {
		c.log.Debug().Str("signal_id", fill.SignalID).Msg("Duplicate fill suppressed")
		return nil
	}

	c.book.ApplyFill(fill)
	c.corr.ObservePrice(fill.Symbol, fill.FillPrice)

	equity, sweepDue := c.treasury.ApplyPnL(fill.RealizedPnL)
	tFill := time.UnixMilli(fill.TFill)
	c.brk.RecordFill(fill.RealizedPnL, equity, tFill)

	if sweepDue {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.treasury.TrySweep(ctx); err != nil {
				c.log.Error().Err(err).Msg("Rise-triggered sweep failed")
			}
		}()
	}

	c.events.Emit(events.FillRecorded, "consumers", fill)
	c.log.Info().
		Str("signal_id", fill.SignalID).
		Str("phase", string(phase)).
		Float64("pnl", fill.RealizedPnL).
		Float64("equity", equity).
		Msg("Fill recorded")
	return nil
}

// phaseFor resolves a fill's phase from its decision record. Fills without a
// known decision (manual venue activity) land on the manual phase.
func (c *Consumers) phaseFor(signalID string) domain.PhaseID {
	d, found, err := c.store.Get(signalID)
	if err != nil || !found {
		return domain.PhaseManual
	}
	return d.PhaseID
}

// HandleRegime updates the volatility-clustering flag.
func (c *Consumers) HandleRegime(env *bus.Envelope) error {
	var p regimePayload
	if err := env.DecodePayload(&p); err != nil {
		c.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable regime payload")
		return nil
	}
	c.guard.UpdateRegime(p.Expanding)
	c.events.Emit(events.RegimeUpdated, "consumers", map[string]interface{}{"expanding": p.Expanding})
	return nil
}

// HandlePowerlaw updates the tail-risk estimate.
func (c *Consumers) HandlePowerlaw(env *bus.Envelope) error {
	var p powerlawPayload
	if err := env.DecodePayload(&p); err != nil {
		c.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable powerlaw payload")
		return nil
	}
	c.guard.UpdateTailRisk(p.HillAlpha)
	c.events.Emit(events.TailRiskUpdated, "consumers", map[string]interface{}{"hill_alpha": p.HillAlpha})
	return nil
}
