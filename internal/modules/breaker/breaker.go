// Package breaker implements the emergency-halt state machine. A soft halt
// cools down automatically; a hard halt publishes a flatten command and only
// an operator reset re-arms the core.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/bus"
	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/metrics"
)

// Config holds the trip thresholds.
type Config struct {
	ConsecutiveLossLimit int
	LossWindow           time.Duration
	Cooldown             time.Duration
	MaxDailyDrawdown     float64
	MinEquity            float64
}

// DefaultConfig returns the shipping thresholds.
func DefaultConfig() Config {
	return Config{
		ConsecutiveLossLimit: 3,
		LossWindow:           time.Hour,
		Cooldown:             30 * time.Minute,
		MaxDailyDrawdown:     0.15,
		MinEquity:            150,
	}
}

// Event is one transition, append-only.
type Event struct {
	Prev       domain.BreakerState `json:"prev" db:"prev"`
	Next       domain.BreakerState `json:"next" db:"next"`
	Reason     string              `json:"reason" db:"reason"`
	Equity     float64             `json:"equity" db:"equity"`
	OperatorID *string             `json:"operator_id,omitempty" db:"operator_id"`
	Timestamp  time.Time           `json:"timestamp" db:"timestamp"`
}

// Store persists the transition log.
type Store interface {
	AppendEvent(Event) error
	LastState() (domain.BreakerState, bool, error)
}

// Publisher publishes the flatten command on a hard halt.
type Publisher interface {
	Publish(ctx context.Context, subject, msgType string, payload interface{}) (*bus.Envelope, error)
}

// Snapshot is the breaker state for the status surface.
type Snapshot struct {
	State             domain.BreakerState `json:"state"`
	Reason            string              `json:"reason,omitempty"`
	TriggeredAt       *time.Time          `json:"triggered_at,omitempty"`
	CooldownUntil     *time.Time          `json:"cooldown_until,omitempty"`
	ConsecutiveLosses int                 `json:"consecutive_losses"`
}

// Breaker is the halt state machine. Only this task mutates breaker state.
type Breaker struct {
	log     zerolog.Logger
	store   Store
	pub     Publisher
	events  *events.Manager
	metrics *metrics.Registry

	mu            sync.Mutex
	cfg           Config
	state         domain.BreakerState
	reason        string
	triggeredAt   *time.Time
	cooldownUntil *time.Time
	lossTimes     []time.Time

	dayPeakEquity float64
	day           time.Time // UTC midnight of the tracked day
}

// New restores the last persisted state. A process restart lands in the last
// recorded halt state rather than silently re-arming.
func New(store Store, pub Publisher, em *events.Manager, m *metrics.Registry, equitySeed float64, log zerolog.Logger) (*Breaker, error) {
	b := &Breaker{
		log:           log.With().Str("service", "breaker").Logger(),
		store:         store,
		pub:           pub,
		events:        em,
		metrics:       m,
		cfg:           DefaultConfig(),
		state:         domain.BreakerInactive,
		dayPeakEquity: equitySeed,
		day:           utcMidnight(time.Now()),
	}

	last, found, err := store.LastState()
	if err != nil {
		return nil, fmt.Errorf("loading breaker state: %w", err)
	}
	if found {
		b.state = last
		if last == domain.BreakerSoftHalted {
			// The original cooldown deadline did not survive the restart;
			// start a fresh one.
			until := time.Now().Add(b.cfg.Cooldown)
			b.cooldownUntil = &until
		}
	}
	m.RecordBreakerState(string(b.state))
	return b, nil
}

// SetConfig swaps the trip thresholds.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// State returns the current state, auto-exiting an expired soft halt.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	tr, ok := b.maybeExitCooldownLocked()
	st := b.state
	b.mu.Unlock()
	b.commit(tr, ok)
	return st
}

// Snapshot returns the breaker state for the status surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	tr, ok := b.maybeExitCooldownLocked()
	snap := Snapshot{
		State:             b.state,
		Reason:            b.reason,
		TriggeredAt:       b.triggeredAt,
		CooldownUntil:     b.cooldownUntil,
		ConsecutiveLosses: len(b.lossTimes),
	}
	b.mu.Unlock()
	b.commit(tr, ok)
	return snap
}

// Tick drives the cooldown timer; the scheduler calls it periodically so a
// soft halt expires even with no intents arriving.
func (b *Breaker) Tick() {
	b.mu.Lock()
	tr, ok := b.maybeExitCooldownLocked()
	b.mu.Unlock()
	b.commit(tr, ok)
}

func (b *Breaker) maybeExitCooldownLocked() (transition, bool) {
	if b.state != domain.BreakerSoftHalted || b.cooldownUntil == nil {
		return transition{}, false
	}
	if !time.Now().After(*b.cooldownUntil) {
		return transition{}, false
	}
	tr, ok := b.transitionLocked(domain.BreakerInactive, "cooldown elapsed", b.dayPeakEquity, nil)
	b.lossTimes = nil
	b.cooldownUntil = nil
	b.triggeredAt = nil
	return tr, ok
}

// RecordFill folds a terminal fill's outcome into the loss window and the
// daily drawdown, tripping the breaker when a threshold is crossed.
func (b *Breaker) RecordFill(pnl, equity float64, tFill time.Time) {
	b.mu.Lock()
	tr, ok := b.recordFillLocked(pnl, equity, tFill)
	b.mu.Unlock()
	b.commit(tr, ok)
}

func (b *Breaker) recordFillLocked(pnl, equity float64, tFill time.Time) (transition, bool) {
	b.rollDayLocked(tFill, equity)
	if equity > b.dayPeakEquity {
		b.dayPeakEquity = equity
	}

	if pnl < 0 {
		b.lossTimes = append(b.lossTimes, tFill)
	} else if pnl > 0 {
		// A win breaks the consecutive-loss streak.
		b.lossTimes = nil
	}
	b.pruneLossesLocked(tFill)

	// Hard conditions dominate and apply from any state.
	if equity <= b.cfg.MinEquity {
		return b.tripHardLocked(fmt.Sprintf("equity %.2f at or below minimum %.2f", equity, b.cfg.MinEquity), equity)
	}
	if b.dayPeakEquity > 0 {
		drawdown := (b.dayPeakEquity - equity) / b.dayPeakEquity
		if drawdown >= b.cfg.MaxDailyDrawdown {
			return b.tripHardLocked(fmt.Sprintf("daily drawdown %.1f%% breached limit", drawdown*100), equity)
		}
	}

	if b.state == domain.BreakerInactive && len(b.lossTimes) >= b.cfg.ConsecutiveLossLimit {
		until := tFill.Add(b.cfg.Cooldown)
		b.cooldownUntil = &until
		return b.transitionLocked(domain.BreakerSoftHalted,
			fmt.Sprintf("%d consecutive losses within window", len(b.lossTimes)), equity, nil)
	}
	return transition{}, false
}

// TripHard forces a hard halt, used for unrecoverable invariant breaches.
func (b *Breaker) TripHard(reason string, equity float64) {
	b.mu.Lock()
	tr, ok := b.tripHardLocked(reason, equity)
	b.mu.Unlock()
	b.commit(tr, ok)
}

func (b *Breaker) tripHardLocked(reason string, equity float64) (transition, bool) {
	if b.state == domain.BreakerHardHalted {
		return transition{}, false
	}
	tr, ok := b.transitionLocked(domain.BreakerHardHalted, reason, equity, nil)
	tr.flatten = ok
	return tr, ok
}

// Reset re-arms the breaker. Hard halts exit only through this path.
func (b *Breaker) Reset(operatorID string, equity float64) error {
	if operatorID == "" {
		return domain.Errorf(domain.KindValidation, "operator_id is required")
	}

	b.mu.Lock()
	if b.state == domain.BreakerInactive {
		b.mu.Unlock()
		return domain.Errorf(domain.KindValidation, "breaker is not halted")
	}
	tr, ok := b.transitionLocked(domain.BreakerInactive, "operator reset", equity, &operatorID)
	b.lossTimes = nil
	b.cooldownUntil = nil
	b.triggeredAt = nil
	b.mu.Unlock()
	b.commit(tr, ok)
	return nil
}

// transition is a committed state change whose side effects (event log,
// metrics, flatten publish) have not run yet.
type transition struct {
	event   Event
	flatten bool
}

// transitionLocked commits the in-memory state change and returns the side
// effects for the caller to run after releasing b.mu.
func (b *Breaker) transitionLocked(next domain.BreakerState, reason string, equity float64, operator *string) (transition, bool) {
	prev := b.state
	if prev == next {
		return transition{}, false
	}
	b.state = next
	b.reason = reason
	if next.Halted() {
		now := time.Now().UTC()
		b.triggeredAt = &now
	}

	return transition{event: Event{
		Prev:       prev,
		Next:       next,
		Reason:     reason,
		Equity:     equity,
		OperatorID: operator,
		Timestamp:  time.Now().UTC(),
	}}, true
}

// commit runs a transition's side effects. Called with b.mu released so
// State and Snapshot readers never wait on the store or the bus.
func (b *Breaker) commit(tr transition, ok bool) {
	if !ok {
		return
	}
	ev := tr.event
	if err := b.store.AppendEvent(ev); err != nil {
		b.log.Error().Err(err).Msg("Failed to persist breaker event")
	}

	b.metrics.RecordBreakerState(string(ev.Next))
	b.metrics.BreakerTransitions.WithLabelValues(string(ev.Next)).Inc()
	b.log.Warn().
		Str("prev", string(ev.Prev)).
		Str("next", string(ev.Next)).
		Str("reason", ev.Reason).
		Float64("equity", ev.Equity).
		Msg("Breaker transition")
	b.events.Emit(events.BreakerTransition, "breaker", map[string]interface{}{
		"prev": string(ev.Prev), "next": string(ev.Next), "reason": ev.Reason,
	})

	if tr.flatten {
		b.publishFlatten(ev.Reason)
	}
}

func (b *Breaker) publishFlatten(reason string) {
	if b.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := b.pub.Publish(ctx, bus.HaltSubject("all"), "sys.halt", map[string]interface{}{
		"scope":  "all",
		"reason": reason,
		"t":      time.Now().UnixMilli(),
	})
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to publish flatten command")
	}
}

func (b *Breaker) pruneLossesLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.LossWindow)
	kept := b.lossTimes[:0]
	for _, t := range b.lossTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.lossTimes = kept
}

func (b *Breaker) rollDayLocked(now time.Time, equity float64) {
	day := utcMidnight(now)
	if day.After(b.day) {
		b.day = day
		b.dayPeakEquity = equity
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
