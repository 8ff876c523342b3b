// Package arbiter is the composing core: it consumes intents, runs the
// arbitration pipeline across allocation, performance, risk and the breaker,
// persists a Decision per signal and publishes approved orders downstream.
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/bus"
	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/metrics"
	"github.com/titanops/titan-brain/internal/modules/allocation"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/risk"
	"github.com/titanops/titan-brain/pkg/retry"
)

// Config holds the arbitration knobs.
type Config struct {
	MaxSinglePositionFrac float64
	MaxAccountLeverage    float64 // global cap, clamps the tier leverage
	IntentDeadline        time.Duration
	WorkerCount           int
	QueueCapacity         int
	Venue                 string
	Account               string
}

// DefaultConfig returns the shipping arbitration settings.
func DefaultConfig() Config {
	return Config{
		MaxSinglePositionFrac: 1.0,
		MaxAccountLeverage:    10,
		IntentDeadline:        time.Second,
		WorkerCount:           4,
		QueueCapacity:         1024,
		Venue:                 "binance",
		Account:               "main",
	}
}

// EquitySource supplies the current account equity.
type EquitySource interface {
	Equity() float64
}

// HaltSource supplies the breaker state sampled once per intent, and the
// hard-trip escape hatch for unrecoverable failures.
type HaltSource interface {
	State() domain.BreakerState
	TripHard(reason string, equity float64)
}

// Publisher publishes outbound commands and dashboard updates.
type Publisher interface {
	Publish(ctx context.Context, subject, msgType string, payload interface{}) (*bus.Envelope, error)
}

// placeOrder is the wire payload of an approved order command.
type placeOrder struct {
	SignalID    string        `json:"signal_id"`
	PhaseID     string        `json:"phase_id"`
	Side        int           `json:"side"`
	Symbol      string        `json:"symbol"`
	NotionalUSD float64       `json:"notional_usd"`
	Leverage    *float64      `json:"leverage,omitempty"`
	EntryZone   []float64     `json:"entry_zone"`
	StopLoss    float64       `json:"stop_loss"`
	TakeProfits []float64     `json:"take_profits"`
	Status      string        `json:"status"`
	TSignal     int64         `json:"t_signal"`
	Metadata    orderMetadata `json:"metadata"`
}

type orderMetadata struct {
	Confidence    *float64 `json:"confidence,omitempty"`
	CorrelationID string   `json:"correlation_id"`
}

// Arbiter runs the per-intent pipeline. Processing is serialized per phase
// so approved notional reflects a causally consistent allocation snapshot.
type Arbiter struct {
	log     zerolog.Logger
	store   Store
	brk     HaltSource
	alloc   *allocation.Engine
	perf    *performance.Tracker
	guard   *risk.Guardian
	equity  EquitySource
	pub     Publisher
	events  *events.Manager
	metrics *metrics.Registry

	mu         sync.RWMutex
	cfg        Config
	phaseLocks map[domain.PhaseID]*sync.Mutex

	queue   *queue
	workers sync.WaitGroup
}

// New wires the arbiter. Start must be called to begin draining the queue.
func New(
	store Store,
	brk HaltSource,
	alloc *allocation.Engine,
	perf *performance.Tracker,
	guard *risk.Guardian,
	equity EquitySource,
	pub Publisher,
	em *events.Manager,
	m *metrics.Registry,
	cfg Config,
	log zerolog.Logger,
) *Arbiter {
	if cfg.IntentDeadline <= 0 {
		cfg.IntentDeadline = time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	locks := make(map[domain.PhaseID]*sync.Mutex, 4)
	for _, p := range []domain.PhaseID{domain.PhaseP1, domain.PhaseP2, domain.PhaseP3, domain.PhaseManual} {
		locks[p] = &sync.Mutex{}
	}
	return &Arbiter{
		log:        log.With().Str("service", "arbiter").Logger(),
		store:      store,
		brk:        brk,
		alloc:      alloc,
		perf:       perf,
		guard:      guard,
		equity:     equity,
		pub:        pub,
		events:     em,
		metrics:    m,
		cfg:        cfg,
		phaseLocks: locks,
		queue:      newQueue(cfg.QueueCapacity),
	}
}

// SetConfig swaps the live-tunable knobs. Worker count and queue capacity
// take effect on restart.
func (a *Arbiter) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *Arbiter) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Start launches the worker pool.
func (a *Arbiter) Start(ctx context.Context) {
	n := a.config().WorkerCount
	for i := 0; i < n; i++ {
		a.workers.Add(1)
		go a.worker(ctx, i)
	}
	a.log.Info().Int("workers", n).Msg("Arbiter started")
}

// Stop closes the queue and waits for workers to drain.
func (a *Arbiter) Stop() {
	a.queue.close()
	a.workers.Wait()
	a.log.Info().Msg("Arbiter stopped")
}

func (a *Arbiter) worker(ctx context.Context, id int) {
	defer a.workers.Done()
	for {
		j, ok := a.queue.pop()
		if !ok {
			return
		}
		a.metrics.QueueDepth.Set(float64(a.queue.depth()))

		d, err := a.Process(ctx, j.intent)
		if err != nil && domain.KindOf(err) == domain.KindFatal {
			// An unclassified failure is an invariant breach: stop taking
			// risk until an operator looks at it.
			a.brk.TripHard("fatal arbitration failure: "+err.Error(), a.equity.Equity())
		}
		if j.reply != nil {
			j.reply <- jobResult{decision: d, err: err}
		} else if err != nil {
			a.log.Error().Err(err).
				Str("signal_id", j.intent.SignalID).
				Int("worker", id).
				Msg("Intent processing failed")
		}
	}
}

// Submit enqueues an intent and waits for its Decision. This is the
// synchronous admission path used by POST /signal.
func (a *Arbiter) Submit(ctx context.Context, intent domain.Intent) (domain.Decision, error) {
	if err := intent.Validate(); err != nil {
		return domain.Decision{}, err
	}

	j := &job{intent: intent, enqueued: time.Now(), reply: make(chan jobResult, 1)}
	if err := a.queue.push(j); err != nil {
		return domain.Decision{}, err
	}
	a.metrics.QueueDepth.Set(float64(a.queue.depth()))

	select {
	case res := <-j.reply:
		return res.decision, res.err
	case <-ctx.Done():
		return domain.Decision{}, domain.NewError(domain.KindTimeout, ctx.Err())
	}
}

// Enqueue admits an intent without waiting, used by the bus signal consumer
// when the caller does not need the Decision inline.
func (a *Arbiter) Enqueue(intent domain.Intent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	if err := a.queue.push(&job{intent: intent, enqueued: time.Now()}); err != nil {
		return err
	}
	a.metrics.QueueDepth.Set(float64(a.queue.depth()))
	return nil
}

// Process runs the full pipeline for one intent and returns its Decision.
// The returned Decision is durably persisted except on the TRANSIENT_STORE
// path, where the intent is aborted rather than silently approved.
func (a *Arbiter) Process(ctx context.Context, intent domain.Intent) (domain.Decision, error) {
	if err := intent.Validate(); err != nil {
		return domain.Decision{}, err
	}
	cfg := a.config()

	lock := a.phaseLocks[intent.PhaseID]
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.IntentDeadline)
	defer cancel()

	a.metrics.IntentsSubmitted.WithLabelValues(string(intent.PhaseID)).Inc()

	// 1. Deduplicate against the persisted terminal set.
	if prior, found, err := a.store.Get(intent.SignalID); err != nil {
		return a.abortTransient(intent, start, err)
	} else if found {
		a.log.Debug().Str("signal_id", intent.SignalID).Msg("Duplicate signal, returning prior decision")
		return prior, nil
	}

	d := domain.Decision{
		SignalID:          intent.SignalID,
		PhaseID:           intent.PhaseID,
		RequestedNotional: intent.RequestedNotional,
	}

	// 2. Breaker check, sampled once for this intent.
	if state := a.brk.State(); state.Halted() {
		d.Reason = domain.ReasonBreaker
		return a.finish(ctx, intent, d, start, cfg)
	}

	equity := a.equity.Equity()

	// 3. Allocation weight.
	allocSnap := a.alloc.Snapshot(equity)
	d.Allocation = allocSnap
	weight := allocation.WeightFor(allocSnap, intent.PhaseID)
	if weight == 0 {
		d.Reason = domain.ReasonWeightZero
		return a.finish(ctx, intent, d, start, cfg)
	}

	// 4. Performance modifier. A malus shrinks the candidate; a bonus never
	// sizes the order past what the phase asked for.
	perfSnap := a.perf.Snapshot(intent.PhaseID)
	d.Performance = perfSnap
	candidate := intent.RequestedNotional * perfSnap.Modifier
	if candidate > intent.RequestedNotional {
		candidate = intent.RequestedNotional
	}

	// 5. Phase-budget ceiling.
	ceiling := equity * weight * cfg.MaxSinglePositionFrac
	if candidate > ceiling {
		candidate = ceiling
	}

	// 6. Risk guardian. The account-wide leverage cap binds even when the
	// tier allows more.
	maxLev := allocSnap.MaxLeverage
	if cfg.MaxAccountLeverage > 0 && cfg.MaxAccountLeverage < maxLev {
		maxLev = cfg.MaxAccountLeverage
	}
	verdict := a.guard.Evaluate(risk.Candidate{
		Phase:    intent.PhaseID,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Notional: candidate,
		Leverage: intent.RequestedLeverage,
	}, equity, maxLev)
	d.Risk = verdict.Snapshot

	if !verdict.Allowed {
		d.Reason = verdict.Reason
		return a.finish(ctx, intent, d, start, cfg)
	}

	d.Approved = true
	d.AuthorizedNotional = verdict.Notional
	// Invariant: authorized notional never exceeds the request.
	if d.AuthorizedNotional > intent.RequestedNotional {
		d.AuthorizedNotional = intent.RequestedNotional
	}
	d.Reason = domain.ReasonApproved
	if d.AuthorizedNotional < intent.RequestedNotional {
		d.Reason = domain.ReasonApprovedReduced
	}
	return a.finish(ctx, intent, d, start, cfg)
}

// finish stamps, persists and publishes a decision. The deadline is checked
// before the store write so a stalled pipeline degrades to a TIMEOUT veto
// instead of propagating latency.
func (a *Arbiter) finish(ctx context.Context, intent domain.Intent, d domain.Decision, start time.Time, cfg Config) (domain.Decision, error) {
	if ctx.Err() != nil {
		d.Approved = false
		d.AuthorizedNotional = 0
		d.Reason = domain.ReasonTimeout
	}

	d.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000
	d.TDecided = time.Now().UTC()

	inserted, err := a.persist(ctx, d)
	if err != nil {
		return a.abortTransient(intent, start, err)
	}
	if !inserted {
		// Lost a dedup race; the first writer's decision is the terminal one.
		prior, found, getErr := a.store.Get(d.SignalID)
		if getErr == nil && found {
			return prior, nil
		}
		return d, nil
	}

	a.record(d, start)

	if d.Approved {
		a.publishOrder(ctx, intent, d, cfg)
	}
	return d, nil
}

// persist writes the decision with retry on transient store failures.
func (a *Arbiter) persist(ctx context.Context, d domain.Decision) (bool, error) {
	var inserted bool
	err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
		var insErr error
		inserted, insErr = a.store.Insert(d)
		return insErr
	})
	if err != nil {
		return false, domain.NewError(domain.KindTransientStore, err)
	}
	return inserted, nil
}

// abortTransient produces the unpersisted TRANSIENT_STORE veto returned when
// the store is down: the caller sees an explicit abort, never an approval.
func (a *Arbiter) abortTransient(intent domain.Intent, start time.Time, err error) (domain.Decision, error) {
	a.log.Error().Err(err).Str("signal_id", intent.SignalID).Msg("Intent aborted on store failure")
	a.metrics.IntentsVetoed.WithLabelValues(string(intent.PhaseID), string(domain.ReasonTransientStore)).Inc()
	return domain.Decision{
		SignalID:          intent.SignalID,
		PhaseID:           intent.PhaseID,
		RequestedNotional: intent.RequestedNotional,
		Reason:            domain.ReasonTransientStore,
		ProcessingTimeMs:  float64(time.Since(start).Microseconds()) / 1000,
		TDecided:          time.Now().UTC(),
	}, domain.NewError(domain.KindTransientStore, err)
}

func (a *Arbiter) record(d domain.Decision, start time.Time) {
	phase := string(d.PhaseID)
	a.metrics.DecisionLatency.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	if d.Approved {
		a.metrics.IntentsApproved.WithLabelValues(phase, string(d.Reason)).Inc()
	} else {
		a.metrics.IntentsVetoed.WithLabelValues(phase, string(d.Reason)).Inc()
	}

	a.events.Emit(events.DecisionMade, "arbiter", d)
	a.log.Info().
		Str("signal_id", d.SignalID).
		Str("phase", phase).
		Bool("approved", d.Approved).
		Str("reason", string(d.Reason)).
		Float64("authorized", d.AuthorizedNotional).
		Msg("Decision")
}

// publishOrder emits the place-order command and a dashboard update. A
// publish failure does not invalidate the persisted decision; the adapter
// retries and dead-letters on exhaustion.
func (a *Arbiter) publishOrder(ctx context.Context, intent domain.Intent, d domain.Decision, cfg Config) {
	subject := bus.PlaceOrderSubject(cfg.Venue, cfg.Account, intent.Symbol)
	cmd := placeOrder{
		SignalID:    intent.SignalID,
		PhaseID:     string(intent.PhaseID),
		Side:        intent.Side.Direction(),
		Symbol:      intent.Symbol,
		NotionalUSD: d.AuthorizedNotional,
		Leverage:    intent.RequestedLeverage,
		EntryZone:   []float64{},
		TakeProfits: []float64{},
		Status:      "PENDING",
		TSignal:     intent.SubmittedAt,
		Metadata: orderMetadata{
			Confidence:    intent.Confidence,
			CorrelationID: intent.SignalID,
		},
	}
	if _, err := a.pub.Publish(ctx, subject, "exec.place", cmd); err != nil {
		a.log.Error().Err(err).Str("signal_id", d.SignalID).Msg("Failed to publish order command")
		return
	}

	// Best-effort ephemeral update for the dashboard stream.
	_, _ = a.pub.Publish(ctx, bus.SubjectDashboardUpdate, "dashboard.decision", d)
}

// QueueDepth reports the number of intents waiting for a worker.
func (a *Arbiter) QueueDepth() int {
	return a.queue.depth()
}
