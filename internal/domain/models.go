// Package domain holds the core types shared across the Brain's modules:
// intents, fills, decisions and the snapshots attached to every decision.
// Modules depend on domain; domain depends on nothing above the stdlib.
package domain

import (
	"fmt"
	"time"
)

// PhaseID identifies the strategy phase that originated a signal.
type PhaseID string

const (
	PhaseP1     PhaseID = "p1"
	PhaseP2     PhaseID = "p2"
	PhaseP3     PhaseID = "p3"
	PhaseManual PhaseID = "manual"
)

// Valid reports whether the phase is one of the known phases.
func (p PhaseID) Valid() bool {
	switch p {
	case PhaseP1, PhaseP2, PhaseP3, PhaseManual:
		return true
	}
	return false
}

// Index returns the allocation-vector slot for the phase (manual maps to -1,
// it is weighted outside the computed vector).
func (p PhaseID) Index() int {
	switch p {
	case PhaseP1:
		return 0
	case PhaseP2:
		return 1
	case PhaseP3:
		return 2
	}
	return -1
}

// Side is the direction of a requested position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction maps the side to the wire encoding used by the executor (+1/-1).
func (s Side) Direction() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Intent is a phase's request to open a position. It is the unit of input
// to arbitration.
type Intent struct {
	SignalID          string   `json:"signal_id"`
	PhaseID           PhaseID  `json:"phase_id"`
	Symbol            string   `json:"symbol"`
	Side              Side     `json:"side"`
	RequestedNotional float64  `json:"requested_notional_usd"`
	RequestedLeverage *float64 `json:"requested_leverage,omitempty"`
	SubmittedAt       int64    `json:"submitted_at"` // monotonic ms
	Confidence        *float64 `json:"confidence,omitempty"`
}

// Validate checks the intent against its schema. Violations are VALIDATION
// errors and are rejected at the boundary.
func (i Intent) Validate() error {
	if i.SignalID == "" {
		return NewError(KindValidation, fmt.Errorf("signal_id is required"))
	}
	if !i.PhaseID.Valid() {
		return NewError(KindValidation, fmt.Errorf("unknown phase_id %q", i.PhaseID))
	}
	if i.Symbol == "" {
		return NewError(KindValidation, fmt.Errorf("symbol is required"))
	}
	if !i.Side.Valid() {
		return NewError(KindValidation, fmt.Errorf("side must be BUY or SELL, got %q", i.Side))
	}
	if i.RequestedNotional < 0 {
		return NewError(KindValidation, fmt.Errorf("requested_notional_usd must be >= 0"))
	}
	if i.Confidence != nil && (*i.Confidence < 0 || *i.Confidence > 1) {
		return NewError(KindValidation, fmt.Errorf("confidence must be in [0,1]"))
	}
	return nil
}

// Fill is a terminal execution report for a signal. At most one fill per
// signal id is counted toward PnL; duplicates are suppressed by id.
type Fill struct {
	SignalID       string  `json:"signal_id"`
	Venue          string  `json:"venue"`
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	FilledNotional float64 `json:"filled_notional"`
	FillPrice      float64 `json:"fill_price"`
	RealizedPnL    float64 `json:"realized_pnl"`
	TFill          int64   `json:"t_fill"`
}

// Validate checks the fill against its schema.
func (f Fill) Validate() error {
	if f.SignalID == "" {
		return NewError(KindValidation, fmt.Errorf("signal_id is required"))
	}
	if f.Symbol == "" {
		return NewError(KindValidation, fmt.Errorf("symbol is required"))
	}
	if !f.Side.Valid() {
		return NewError(KindValidation, fmt.Errorf("side must be BUY or SELL, got %q", f.Side))
	}
	return nil
}

// DecisionReason tags the outcome of arbitration. It maps 1:1 to the error
// taxonomy on the veto path.
type DecisionReason string

const (
	ReasonApproved           DecisionReason = "APPROVED"
	ReasonApprovedReduced    DecisionReason = "APPROVED_REDUCED"
	ReasonBreaker            DecisionReason = "BREAKER"
	ReasonLeverageCap        DecisionReason = "LEVERAGE_CAP"
	ReasonCorrelation        DecisionReason = "CORRELATION"
	ReasonTailRisk           DecisionReason = "TAIL_RISK"
	ReasonRegime             DecisionReason = "REGIME"
	ReasonWeightZero         DecisionReason = "WEIGHT_ZERO"
	ReasonInsufficientEquity DecisionReason = "INSUFFICIENT_EQUITY"
	ReasonDuplicate          DecisionReason = "DUPLICATE"
	ReasonTimeout            DecisionReason = "TIMEOUT"
	ReasonTransientStore     DecisionReason = "TRANSIENT_STORE"
)

// Approved reports whether the reason represents an approval.
func (r DecisionReason) Approved() bool {
	return r == ReasonApproved || r == ReasonApprovedReduced
}

// AllocationSnapshot records the allocation state a decision was made under.
type AllocationSnapshot struct {
	Weights        [3]float64 `json:"weights"`
	Computed       [3]float64 `json:"computed"` // pre-override vector, for diagnostics
	Tier           string     `json:"tier"`
	MaxLeverage    float64    `json:"max_leverage"`
	ManualOverride bool       `json:"manual_override"`
	Equity         float64    `json:"equity"`
}

// PerformanceSnapshot records the phase performance state at decision time.
type PerformanceSnapshot struct {
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	Sharpe     float64 `json:"sharpe"`
	Modifier   float64 `json:"modifier"`
}

// RiskSnapshot records the portfolio risk state at decision time.
type RiskSnapshot struct {
	PortfolioLeverage float64 `json:"portfolio_leverage"`
	NetDelta          float64 `json:"net_delta"`
	MaxPairwiseCorr   float64 `json:"max_pairwise_corr"`
	HillAlpha         float64 `json:"hill_alpha"`
	RegimeExpanding   bool    `json:"regime_expanding"`
}

// Decision is the output of arbitration for one intent.
type Decision struct {
	SignalID           string              `json:"signal_id"`
	PhaseID            PhaseID             `json:"phase_id"`
	Approved           bool                `json:"approved"`
	RequestedNotional  float64             `json:"requested_notional"`
	AuthorizedNotional float64             `json:"authorized_notional"`
	Reason             DecisionReason      `json:"reason"`
	Allocation         AllocationSnapshot  `json:"allocation_snapshot"`
	Performance        PerformanceSnapshot `json:"performance_snapshot"`
	Risk               RiskSnapshot        `json:"risk_snapshot"`
	ProcessingTimeMs   float64             `json:"processing_time_ms"`
	TDecided           time.Time           `json:"t_decided"`
}

// BreakerState is the halt state machine's current state.
type BreakerState string

const (
	BreakerInactive   BreakerState = "INACTIVE"
	BreakerSoftHalted BreakerState = "SOFT_HALTED"
	BreakerHardHalted BreakerState = "HARD_HALTED"
)

// Halted reports whether new signals must be vetoed.
func (s BreakerState) Halted() bool {
	return s != BreakerInactive
}
