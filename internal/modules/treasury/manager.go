// Package treasury tracks the futures wallet high watermark and sweeps
// realized profit to the spot wallet, subject to a reserve floor. Only this
// module mutates treasury state.
package treasury

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/bus"
	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/metrics"
	"github.com/titanops/titan-brain/pkg/retry"
)

// riseTriggerFrac is the wallet rise over the high watermark that triggers an
// off-schedule sweep check.
const riseTriggerFrac = 0.10

// Config holds the sweep policy knobs.
type Config struct {
	ReserveFloor       float64
	SweepThresholdFrac float64
	MaxRetries         int
}

// DefaultConfig returns the shipping sweep policy.
func DefaultConfig() Config {
	return Config{
		ReserveFloor:       200,
		SweepThresholdFrac: 0.20,
		MaxRetries:         3,
	}
}

// State is the single-row treasury snapshot.
type State struct {
	FuturesWallet float64   `json:"futures_wallet" db:"futures_wallet"`
	SpotWallet    float64   `json:"spot_wallet" db:"spot_wallet"`
	HighWatermark float64   `json:"high_watermark" db:"high_watermark"`
	TotalSwept    float64   `json:"total_swept" db:"total_swept"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// SweepRecord is one sweep attempt, append-only.
type SweepRecord struct {
	ID          string     `json:"id" db:"id"`
	Amount      float64    `json:"amount" db:"amount"`
	TRequested  time.Time  `json:"t_requested" db:"t_requested"`
	TCompleted  *time.Time `json:"t_completed,omitempty" db:"t_completed"`
	Status      string     `json:"status" db:"status"`
	ErrorDetail string     `json:"error,omitempty" db:"error"`
}

// Sweep statuses.
const (
	SweepPending   = "PENDING"
	SweepCompleted = "COMPLETED"
	SweepFailed    = "FAILED"
)

// Store is the persistence surface the manager needs.
type Store interface {
	Load() (State, bool, error)
	Save(State) error
	InsertSweep(SweepRecord) error
	CommitSweep(state State, sweepID string, completedAt time.Time) error
	FailSweep(sweepID string, failedAt time.Time, detail string) error
}

// Publisher publishes the transfer command to the executor.
type Publisher interface {
	Publish(ctx context.Context, subject, msgType string, payload interface{}) (*bus.Envelope, error)
}

// transferCommand is the payload of the sweep command to the executor.
type transferCommand struct {
	SweepID   string  `json:"sweep_id"`
	AmountUSD float64 `json:"amount_usd"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	T         int64   `json:"t"`
}

// Manager owns treasury state. The futures wallet doubles as the equity
// figure the rest of the core reads.
type Manager struct {
	log     zerolog.Logger
	store   Store
	pub     Publisher
	events  *events.Manager
	metrics *metrics.Registry

	mu       sync.RWMutex
	cfg      Config
	state    State
	sweeping bool
}

// NewManager loads persisted treasury state, seeding it from equitySeed on
// first run.
func NewManager(store Store, pub Publisher, em *events.Manager, m *metrics.Registry, equitySeed float64, log zerolog.Logger) (*Manager, error) {
	mgr := &Manager{
		log:     log.With().Str("service", "treasury").Logger(),
		store:   store,
		pub:     pub,
		events:  em,
		metrics: m,
		cfg:     DefaultConfig(),
	}

	state, found, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading treasury state: %w", err)
	}
	if !found {
		state = State{
			FuturesWallet: equitySeed,
			HighWatermark: equitySeed,
			UpdatedAt:     time.Now().UTC(),
		}
		if err := store.Save(state); err != nil {
			return nil, fmt.Errorf("seeding treasury state: %w", err)
		}
		mgr.log.Info().Float64("equity_seed", equitySeed).Msg("Treasury state seeded")
	}
	mgr.state = state
	m.HighWatermark.Set(state.HighWatermark)
	return mgr, nil
}

// SetConfig swaps the sweep policy.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Equity returns the current futures wallet.
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FuturesWallet
}

// Snapshot returns the current treasury state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ApplyPnL folds a realized PnL into the futures wallet and reports the new
// equity plus whether the wallet rose far enough over the watermark to
// warrant an off-schedule sweep check.
func (m *Manager) ApplyPnL(pnl float64) (equity float64, sweepDue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.FuturesWallet += pnl
	m.state.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(m.state); err != nil {
		// In-memory state stays authoritative for the session; persistence
		// catches up on the next write.
		m.log.Error().Err(err).Msg("Failed to persist treasury state")
	}

	equity = m.state.FuturesWallet
	sweepDue = m.state.HighWatermark > 0 &&
		equity >= m.state.HighWatermark*(1+riseTriggerFrac)
	return equity, sweepDue
}

// TrySweep runs one sweep check. Only one sweep may be in flight; concurrent
// calls (scheduler cadence and the wallet-rise trigger can coincide) are
// skipped rather than queued, which also keeps retry accounting per-attempt.
func (m *Manager) TrySweep(ctx context.Context) error {
	m.mu.Lock()
	if m.sweeping {
		m.mu.Unlock()
		m.log.Debug().Msg("Sweep already in flight, skipping")
		return nil
	}
	m.sweeping = true

	cfg := m.cfg
	state := m.state
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.sweeping = false
		m.mu.Unlock()
	}()

	excess := state.FuturesWallet - state.HighWatermark
	if excess <= cfg.SweepThresholdFrac*state.HighWatermark {
		return nil
	}
	if state.FuturesWallet-excess < cfg.ReserveFloor {
		m.log.Info().
			Float64("excess", excess).
			Float64("reserve_floor", cfg.ReserveFloor).
			Msg("Sweep skipped: would breach reserve floor")
		return nil
	}

	rec := SweepRecord{
		ID:         uuid.New().String(),
		Amount:     excess,
		TRequested: time.Now().UTC(),
		Status:     SweepPending,
	}
	if err := m.store.InsertSweep(rec); err != nil {
		return domain.NewError(domain.KindTransientStore, err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	err := retry.Do(ctx, policy, func() error {
		_, pubErr := m.pub.Publish(ctx, bus.SubjectTreasurySweep, "treasury.sweep", transferCommand{
			SweepID:   rec.ID,
			AmountUSD: excess,
			From:      "futures",
			To:        "spot",
			T:         time.Now().UnixMilli(),
		})
		return pubErr
	})
	if err != nil {
		if failErr := m.store.FailSweep(rec.ID, time.Now().UTC(), err.Error()); failErr != nil {
			m.log.Error().Err(failErr).Str("sweep_id", rec.ID).Msg("Failed to mark sweep failed")
		}
		m.metrics.SweepsTotal.WithLabelValues("failed").Inc()
		m.log.Error().Err(err).Float64("amount", excess).Msg("Sweep transfer failed")
		return domain.NewError(domain.KindTransientBus, err)
	}

	// The watermark ratchets to the pre-sweep wallet peak; the wallet drops
	// back to the prior watermark.
	m.mu.Lock()
	preSweep := m.state.FuturesWallet
	m.state.FuturesWallet -= excess
	m.state.SpotWallet += excess
	if preSweep > m.state.HighWatermark {
		m.state.HighWatermark = preSweep
	}
	m.state.TotalSwept += excess
	m.state.UpdatedAt = time.Now().UTC()
	newState := m.state
	m.mu.Unlock()

	if err := m.store.CommitSweep(newState, rec.ID, time.Now().UTC()); err != nil {
		return domain.NewError(domain.KindTransientStore, err)
	}

	m.metrics.SweepsTotal.WithLabelValues("completed").Inc()
	m.metrics.SweptUSD.Add(excess)
	m.metrics.HighWatermark.Set(newState.HighWatermark)
	m.log.Info().
		Float64("amount", excess).
		Float64("futures_wallet", newState.FuturesWallet).
		Float64("high_watermark", newState.HighWatermark).
		Msg("Sweep completed")
	m.events.Emit(events.SweepCompleted, "treasury", map[string]interface{}{
		"sweep_id": rec.ID,
		"amount":   excess,
	})
	return nil
}
