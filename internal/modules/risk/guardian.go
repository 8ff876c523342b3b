package risk

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
)

// Guardian vetoes or reduces prospective positions against the portfolio
// state. All inputs (tail risk, regime, fills) arrive asynchronously; the
// guardian evaluates against the latest snapshot and never blocks on
// recomputation.
type Guardian struct {
	log  zerolog.Logger
	book *Book
	corr *CorrelationTracker

	mu              sync.RWMutex
	cfg             Config
	hillAlpha       float64
	hasAlpha        bool
	regimeExpanding bool
}

// NewGuardian creates a guardian with default thresholds.
func NewGuardian(book *Book, corr *CorrelationTracker, log zerolog.Logger) *Guardian {
	return &Guardian{
		log:  log.With().Str("service", "risk").Logger(),
		book: book,
		corr: corr,
		cfg:  DefaultConfig(),
	}
}

// SetConfig swaps the thresholds.
func (g *Guardian) SetConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Config returns the current thresholds.
func (g *Guardian) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// UpdateTailRisk records the last reported Hill-alpha estimate.
func (g *Guardian) UpdateTailRisk(alpha float64) {
	g.mu.Lock()
	g.hillAlpha = alpha
	g.hasAlpha = true
	g.mu.Unlock()
	g.log.Debug().Float64("hill_alpha", alpha).Msg("Tail risk updated")
}

// UpdateRegime records the volatility-clustering regime label.
func (g *Guardian) UpdateRegime(expanding bool) {
	g.mu.Lock()
	g.regimeExpanding = expanding
	g.mu.Unlock()
	g.log.Debug().Bool("expanding", expanding).Msg("Regime updated")
}

// Snapshot returns the current risk state for decision records.
func (g *Guardian) Snapshot(equity float64) domain.RiskSnapshot {
	g.mu.RLock()
	alpha := g.hillAlpha
	expanding := g.regimeExpanding
	g.mu.RUnlock()

	lev := 0.0
	if equity > 0 {
		lev = g.book.Gross() / equity
	}
	return domain.RiskSnapshot{
		PortfolioLeverage: lev,
		NetDelta:          g.book.Delta(),
		HillAlpha:         alpha,
		RegimeExpanding:   expanding,
	}
}

// Evaluate applies the ordered checks to a candidate. The first binding rule
// determines the outcome.
func (g *Guardian) Evaluate(c Candidate, equity, maxLeverage float64) Verdict {
	g.mu.RLock()
	cfg := g.cfg
	alpha := g.hillAlpha
	hasAlpha := g.hasAlpha
	expanding := g.regimeExpanding
	g.mu.RUnlock()

	snap := g.Snapshot(equity)

	// 1. Tail-risk veto.
	if hasAlpha && alpha < cfg.AlphaVetoThreshold {
		return veto(domain.ReasonTailRisk, snap)
	}

	// 2. Regime veto.
	if expanding && cfg.RegimeSensitive[c.Phase] {
		return veto(domain.ReasonRegime, snap)
	}

	// 5. Hedge exemption, computed up front: the portion that strictly
	// decreases |delta| bypasses the leverage and correlation checks.
	delta := g.book.Delta()
	exempt := 0.0
	if dir := float64(c.Side.Direction()); delta*dir < 0 {
		exempt = math.Min(c.Notional, math.Abs(delta))
	}
	checked := c.Notional - exempt

	reduced := false

	// 3. Leverage cap on the non-exempt portion.
	if equity <= 0 {
		return veto(domain.ReasonInsufficientEquity, snap)
	}
	gross := g.book.Gross()
	if (gross+checked)/equity > maxLeverage {
		headroom := maxLeverage*equity - gross
		if headroom < 0 {
			headroom = 0
		}
		if headroom < checked {
			checked = headroom
			reduced = true
		}
		if checked+exempt < cfg.MinPositionFloor {
			return veto(domain.ReasonLeverageCap, snap)
		}
	}

	// 4. Correlation guard on the non-exempt portion. A correlation of
	// exactly max_correlation is not penalized (strict >).
	maxCorr := g.corr.MaxAbsCorr(c.Symbol, g.book.OpenSameSide(c.Side))
	snap.MaxPairwiseCorr = maxCorr
	if checked > 0 && maxCorr > cfg.MaxCorrelation {
		checked *= cfg.CorrelationPenalty
		reduced = true
		if checked+exempt < cfg.MinPositionFloor {
			return veto(domain.ReasonCorrelation, snap)
		}
	}

	total := checked + exempt
	reason := domain.ReasonApproved
	if reduced && total < c.Notional {
		reason = domain.ReasonApprovedReduced
	}

	return Verdict{
		Allowed:  true,
		Notional: total,
		Reason:   reason,
		Snapshot: snap,
	}
}

func veto(reason domain.DecisionReason, snap domain.RiskSnapshot) Verdict {
	return Verdict{Allowed: false, Notional: 0, Reason: reason, Snapshot: snap}
}
