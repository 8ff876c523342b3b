// Package allocation maps current equity to per-phase weights and a
// tier-dependent leverage cap. The mapping is a pure function of equity and
// the transition points; a manual override vector, when active, replaces the
// computed vector but the computed one stays available for diagnostics.
package allocation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
)

// Tier buckets equity into allocation regimes.
type Tier string

const (
	TierMicro         Tier = "MICRO"
	TierSmall         Tier = "SMALL"
	TierMedium        Tier = "MEDIUM"
	TierLarge         Tier = "LARGE"
	TierInstitutional Tier = "INSTITUTIONAL"
)

// weightTolerance is the floating tolerance on Σw = 1.
const weightTolerance = 1e-9

// Params are the equity transition points, overridable via the registry.
type Params struct {
	StartP2 float64
	FullP2  float64
	StartP3 float64
}

// DefaultParams returns the default transition points.
func DefaultParams() Params {
	return Params{StartP2: 1500, FullP2: 5000, StartP3: 25000}
}

// ManualOverride pins the allocation vector until cleared or expired.
type ManualOverride struct {
	Weights   [3]float64
	Operator  string
	ExpiresAt time.Time // zero means no expiry
}

// Engine computes allocation snapshots.
type Engine struct {
	log zerolog.Logger

	mu       sync.RWMutex
	params   Params
	override *ManualOverride
}

// NewEngine creates an allocation engine with default transition points.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log:    log.With().Str("service", "allocation").Logger(),
		params: DefaultParams(),
	}
}

// SetParams swaps the transition points. Invalid orderings are rejected.
func (e *Engine) SetParams(p Params) error {
	if !(p.StartP2 > 0 && p.StartP2 < p.FullP2 && p.FullP2 < p.StartP3) {
		return domain.Errorf(domain.KindValidation,
			"transition points must satisfy 0 < startP2 < fullP2 < startP3, got %+v", p)
	}

	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}

// Params returns the current transition points.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetOverride activates a manual allocation vector. The vector must satisfy
// the same invariants as a computed one.
func (e *Engine) SetOverride(weights [3]float64, operator string, expiresAt time.Time) error {
	sum := 0.0
	for _, w := range weights {
		if w < 0 || w > 1 {
			return domain.Errorf(domain.KindValidation, "override weight %v outside [0,1]", w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return domain.Errorf(domain.KindValidation, "override weights sum to %v, want 1", sum)
	}

	e.mu.Lock()
	e.override = &ManualOverride{Weights: weights, Operator: operator, ExpiresAt: expiresAt}
	e.mu.Unlock()

	e.log.Info().
		Floats64("weights", weights[:]).
		Str("operator", operator).
		Msg("Manual allocation override activated")
	return nil
}

// ClearOverride removes the manual override.
func (e *Engine) ClearOverride() {
	e.mu.Lock()
	e.override = nil
	e.mu.Unlock()
}

// Snapshot computes the allocation state for the given equity. The returned
// vector always sums to 1 within tolerance.
func (e *Engine) Snapshot(equity float64) domain.AllocationSnapshot {
	e.mu.Lock()
	p := e.params
	ov := e.override
	if ov != nil && !ov.ExpiresAt.IsZero() && ov.ExpiresAt.Before(time.Now()) {
		// Expired overrides deactivate on read.
		e.override = nil
		ov = nil
	}
	e.mu.Unlock()

	computed, tier, maxLev := compute(equity, p)

	snap := domain.AllocationSnapshot{
		Weights:     computed,
		Computed:    computed,
		Tier:        string(tier),
		MaxLeverage: maxLev,
		Equity:      equity,
	}
	if ov != nil {
		snap.Weights = ov.Weights
		snap.ManualOverride = true
	}
	return snap
}

// WeightFor returns the allocation weight for a phase under the snapshot.
// Manual intents are operator-directed and carry full weight.
func WeightFor(snap domain.AllocationSnapshot, phase domain.PhaseID) float64 {
	if phase == domain.PhaseManual {
		return 1.0
	}
	idx := phase.Index()
	if idx < 0 {
		return 0
	}
	return snap.Weights[idx]
}

func compute(equity float64, p Params) ([3]float64, Tier, float64) {
	switch {
	case equity < p.StartP2:
		return [3]float64{1, 0, 0}, TierMicro, 20

	case equity < p.FullP2:
		w := blend(
			[3]float64{0.8, 0.2, 0},
			[3]float64{0.2, 0.8, 0},
			position(equity, p.StartP2, p.FullP2),
		)
		return w, TierSmall, 10

	case equity < p.StartP3:
		return [3]float64{0.2, 0.8, 0}, TierMedium, 5

	case equity < 2*p.StartP3:
		w := blend(
			[3]float64{0.2, 0.8, 0},
			[3]float64{0.2, 0.4, 0.4},
			position(equity, p.StartP3, 2*p.StartP3),
		)
		return w, TierLarge, 3

	default:
		return [3]float64{0.1, 0.4, 0.5}, TierInstitutional, 2
	}
}

// position normalizes equity into [0,1] over [lo,hi].
func position(e, lo, hi float64) float64 {
	x := (e - lo) / (hi - lo)
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// smoothstep is the 3x^2 - 2x^3 easing applied to tier transitions.
func smoothstep(x float64) float64 {
	return 3*x*x - 2*x*x*x
}

// blend interpolates between anchor tuples and renormalizes so the result
// sums to 1 exactly.
func blend(from, to [3]float64, x float64) [3]float64 {
	s := smoothstep(x)
	var out [3]float64
	sum := 0.0
	for i := range out {
		out[i] = from[i] + (to[i]-from[i])*s
		sum += out[i]
	}
	if sum == 0 {
		return from
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// String implements fmt.Stringer for logging.
func (p Params) String() string {
	return fmt.Sprintf("startP2=%.0f fullP2=%.0f startP3=%.0f", p.StartP2, p.FullP2, p.StartP3)
}
