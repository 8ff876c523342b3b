// Package performance maintains per-phase trade outcomes over a rolling
// window and derives the size modifier applied downstream of the allocation
// weight.
package performance

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/titanops/titan-brain/internal/domain"
)

// Config holds the tracker thresholds, overridable via the registry.
type Config struct {
	WindowDays      int
	MinTradeCount   int
	MalusThreshold  float64
	BonusThreshold  float64
	MalusMultiplier float64
	BonusMultiplier float64
}

// DefaultConfig returns the default tracker thresholds.
func DefaultConfig() Config {
	return Config{
		WindowDays:      7,
		MinTradeCount:   10,
		MalusThreshold:  0,
		BonusThreshold:  2.0,
		MalusMultiplier: 0.5,
		BonusMultiplier: 1.2,
	}
}

// Sample is one realized trade outcome.
type Sample struct {
	TFill time.Time
	PnL   float64
}

// Metrics are the derived per-phase statistics.
type Metrics struct {
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	AvgWin     float64 `json:"avg_win"`
	AvgLoss    float64 `json:"avg_loss"`
	Sharpe     float64 `json:"sharpe"`
	Modifier   float64 `json:"modifier"`
}

// Store is the persistence surface the tracker needs.
type Store interface {
	Insert(phase domain.PhaseID, signalID string, pnl float64, tFill time.Time) (inserted bool, err error)
	LoadSince(since time.Time) (map[domain.PhaseID][]Sample, error)
	TrimBefore(cutoff time.Time) (int64, error)
}

// Tracker keeps the rolling window in memory; the store is the durable copy
// it is rebuilt from on startup.
type Tracker struct {
	log   zerolog.Logger
	store Store

	mu      sync.RWMutex
	cfg     Config
	samples map[domain.PhaseID][]Sample
	seen    map[string]struct{} // signal ids already counted toward PnL
}

// NewTracker creates a tracker with default thresholds.
func NewTracker(store Store, log zerolog.Logger) *Tracker {
	return &Tracker{
		log:     log.With().Str("service", "performance").Logger(),
		store:   store,
		cfg:     DefaultConfig(),
		samples: make(map[domain.PhaseID][]Sample),
		seen:    make(map[string]struct{}),
	}
}

// SetConfig swaps the thresholds.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// Rebuild loads the current window from the store. Called once at startup.
func (t *Tracker) Rebuild() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	since := time.Now().Add(-t.windowLocked())
	loaded, err := t.store.LoadSince(since)
	if err != nil {
		return err
	}

	t.samples = loaded
	t.seen = make(map[string]struct{})
	count := 0
	for _, ss := range loaded {
		count += len(ss)
	}
	t.log.Info().Int("samples", count).Msg("Performance window rebuilt from store")
	return nil
}

// RecordFill appends a terminal fill to the phase's window. Duplicate signal
// ids are suppressed; the first terminal fill wins. Returns whether the fill
// was counted.
func (t *Tracker) RecordFill(phase domain.PhaseID, fill domain.Fill) (bool, error) {
	tFill := time.UnixMilli(fill.TFill)

	t.mu.Lock()
	if _, dup := t.seen[fill.SignalID]; dup {
		t.mu.Unlock()
		return false, nil
	}
	t.seen[fill.SignalID] = struct{}{}
	t.mu.Unlock()

	inserted, err := t.store.Insert(phase, fill.SignalID, fill.RealizedPnL, tFill)
	if err != nil {
		// Forget the id so a redelivery can try the store again.
		t.mu.Lock()
		delete(t.seen, fill.SignalID)
		t.mu.Unlock()
		return false, domain.NewError(domain.KindTransientStore, err)
	}
	if !inserted {
		// Already persisted by a previous run; the in-memory window was
		// rebuilt from it.
		return false, nil
	}

	t.mu.Lock()
	t.samples[phase] = append(t.samples[phase], Sample{TFill: tFill, PnL: fill.RealizedPnL})
	t.trimLocked(phase, time.Now())
	t.mu.Unlock()

	return true, nil
}

// MetricsFor computes the derived statistics for a phase over the current
// window.
func (t *Tracker) MetricsFor(phase domain.PhaseID) Metrics {
	t.mu.Lock()
	t.trimLocked(phase, time.Now())
	cfg := t.cfg
	samples := append([]Sample(nil), t.samples[phase]...)
	t.mu.Unlock()

	return computeMetrics(samples, cfg)
}

// Snapshot returns the decision-record form of the phase metrics.
func (t *Tracker) Snapshot(phase domain.PhaseID) domain.PerformanceSnapshot {
	m := t.MetricsFor(phase)
	return domain.PerformanceSnapshot{
		TradeCount: m.TradeCount,
		WinRate:    m.WinRate,
		Sharpe:     m.Sharpe,
		Modifier:   m.Modifier,
	}
}

// All returns metrics for every tracked phase.
func (t *Tracker) All() map[domain.PhaseID]Metrics {
	out := make(map[domain.PhaseID]Metrics, 4)
	for _, p := range []domain.PhaseID{domain.PhaseP1, domain.PhaseP2, domain.PhaseP3, domain.PhaseManual} {
		out[p] = t.MetricsFor(p)
	}
	return out
}

// Trim drops samples outside the window, in memory and in the store. Wired
// to the hourly maintenance job.
func (t *Tracker) Trim() error {
	t.mu.Lock()
	now := time.Now()
	for phase := range t.samples {
		t.trimLocked(phase, now)
	}
	cutoff := now.Add(-t.windowLocked())
	t.mu.Unlock()

	removed, err := t.store.TrimBefore(cutoff)
	if err != nil {
		return domain.NewError(domain.KindTransientStore, err)
	}
	if removed > 0 {
		t.log.Debug().Int64("removed", removed).Msg("Trimmed phase trades outside window")
	}
	return nil
}

func (t *Tracker) windowLocked() time.Duration {
	return time.Duration(t.cfg.WindowDays) * 24 * time.Hour
}

func (t *Tracker) trimLocked(phase domain.PhaseID, now time.Time) {
	cutoff := now.Add(-t.windowLocked())
	ss := t.samples[phase]
	kept := ss[:0]
	for _, s := range ss {
		if !s.TFill.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	t.samples[phase] = kept
}

func computeMetrics(samples []Sample, cfg Config) Metrics {
	m := Metrics{TradeCount: len(samples), Modifier: 1.0}
	if m.TradeCount == 0 {
		return m
	}

	pnls := make([]float64, len(samples))
	wins, losses := 0, 0
	winSum, lossSum := 0.0, 0.0
	for i, s := range samples {
		pnls[i] = s.PnL
		if s.PnL > 0 {
			wins++
			winSum += s.PnL
		} else if s.PnL < 0 {
			losses++
			lossSum += s.PnL
		}
	}

	m.WinRate = float64(wins) / float64(m.TradeCount)
	if wins > 0 {
		m.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = lossSum / float64(losses)
	}
	m.Sharpe = sharpe(pnls)
	m.Modifier = modifier(m.TradeCount, m.Sharpe, cfg)
	return m
}

// sharpe is the zero-baseline Sharpe ratio annualized by sqrt(365).
// Fewer than two samples or zero dispersion yields 0.
func sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	mean := stat.Mean(pnls, nil)
	sd := stat.StdDev(pnls, nil)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(365)
}

// modifier implements the trade-count-gated threshold rule. The cold-start
// branch takes precedence over both thresholds.
func modifier(count int, sharpe float64, cfg Config) float64 {
	if count < cfg.MinTradeCount {
		return 1.0
	}
	if sharpe < cfg.MalusThreshold {
		return cfg.MalusMultiplier
	}
	if sharpe > cfg.BonusThreshold {
		return cfg.BonusMultiplier
	}
	return 1.0
}
