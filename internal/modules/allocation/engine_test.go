package allocation

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan-brain/internal/domain"
)

func newTestEngine() *Engine {
	return NewEngine(zerolog.Nop())
}

func assertSumsToOne(t *testing.T, w [3]float64) {
	t.Helper()
	sum := w[0] + w[1] + w[2]
	assert.InDelta(t, 1.0, sum, 1e-9)
	for _, v := range w {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestMicroTier(t *testing.T) {
	snap := newTestEngine().Snapshot(800)

	assert.Equal(t, string(TierMicro), snap.Tier)
	assert.Equal(t, [3]float64{1, 0, 0}, snap.Weights)
	assert.Equal(t, 20.0, snap.MaxLeverage)
	assertSumsToOne(t, snap.Weights)
}

func TestSmallTierBoundaryAtStartP2(t *testing.T) {
	// Equity exactly at startP2 falls in SMALL with the left anchor tuple.
	snap := newTestEngine().Snapshot(1500)

	assert.Equal(t, string(TierSmall), snap.Tier)
	assert.InDelta(t, 0.8, snap.Weights[0], 1e-9)
	assert.InDelta(t, 0.2, snap.Weights[1], 1e-9)
	assert.InDelta(t, 0.0, snap.Weights[2], 1e-9)
	assert.Equal(t, 10.0, snap.MaxLeverage)
}

func TestMediumTierBoundaryAtFullP2(t *testing.T) {
	snap := newTestEngine().Snapshot(5000)

	assert.Equal(t, string(TierMedium), snap.Tier)
	assert.InDelta(t, 0.2, snap.Weights[0], 1e-9)
	assert.InDelta(t, 0.8, snap.Weights[1], 1e-9)
	assert.Equal(t, 5.0, snap.MaxLeverage)
}

func TestSmallTierMidpointIsSmoothstepBlend(t *testing.T) {
	// Midpoint of [1500,5000]: smoothstep(0.5)=0.5, so weights land halfway
	// between the anchors.
	snap := newTestEngine().Snapshot(3250)

	assert.Equal(t, string(TierSmall), snap.Tier)
	assert.InDelta(t, 0.5, snap.Weights[0], 1e-9)
	assert.InDelta(t, 0.5, snap.Weights[1], 1e-9)
	assertSumsToOne(t, snap.Weights)
}

func TestLargeAndInstitutionalTiers(t *testing.T) {
	e := newTestEngine()

	large := e.Snapshot(30000)
	assert.Equal(t, string(TierLarge), large.Tier)
	assert.Equal(t, 3.0, large.MaxLeverage)
	assertSumsToOne(t, large.Weights)
	// p3 weight grows from zero through the LARGE transition.
	assert.Greater(t, large.Weights[2], 0.0)

	inst := e.Snapshot(50000)
	assert.Equal(t, string(TierInstitutional), inst.Tier)
	assert.Equal(t, [3]float64{0.1, 0.4, 0.5}, inst.Weights)
	assert.Equal(t, 2.0, inst.MaxLeverage)
}

func TestVectorInvariantAcrossEquitySweep(t *testing.T) {
	e := newTestEngine()
	for equity := 1.0; equity < 120000; equity *= 1.07 {
		snap := e.Snapshot(equity)
		assertSumsToOne(t, snap.Weights)
	}
}

func TestManualOverrideReplacesComputedVector(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.SetOverride([3]float64{0.5, 0.3, 0.2}, "op-1", time.Time{}))

	snap := e.Snapshot(800)
	assert.True(t, snap.ManualOverride)
	assert.Equal(t, [3]float64{0.5, 0.3, 0.2}, snap.Weights)
	// The computed vector stays available for diagnostics.
	assert.Equal(t, [3]float64{1, 0, 0}, snap.Computed)

	e.ClearOverride()
	snap = e.Snapshot(800)
	assert.False(t, snap.ManualOverride)
	assert.Equal(t, [3]float64{1, 0, 0}, snap.Weights)
}

func TestExpiredOverrideDeactivatesOnRead(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.SetOverride([3]float64{0.5, 0.3, 0.2}, "op-1", time.Now().Add(-time.Minute)))

	snap := e.Snapshot(800)
	assert.False(t, snap.ManualOverride)
	assert.Equal(t, [3]float64{1, 0, 0}, snap.Weights)
}

func TestOverrideValidation(t *testing.T) {
	e := newTestEngine()

	err := e.SetOverride([3]float64{0.5, 0.5, 0.5}, "op-1", time.Time{})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	err = e.SetOverride([3]float64{1.2, -0.2, 0}, "op-1", time.Time{})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	// Tolerance of 1e-9 on the sum is accepted.
	err = e.SetOverride([3]float64{0.3, 0.3, 0.4 + 1e-10}, "op-1", time.Time{})
	assert.NoError(t, err)
}

func TestSetParamsValidation(t *testing.T) {
	e := newTestEngine()
	err := e.SetParams(Params{StartP2: 5000, FullP2: 1500, StartP3: 25000})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	require.NoError(t, e.SetParams(Params{StartP2: 1000, FullP2: 2000, StartP3: 10000}))
	snap := e.Snapshot(999)
	assert.Equal(t, string(TierMicro), snap.Tier)
}

func TestWeightFor(t *testing.T) {
	snap := newTestEngine().Snapshot(800)

	assert.Equal(t, 1.0, WeightFor(snap, domain.PhaseP1))
	assert.Equal(t, 0.0, WeightFor(snap, domain.PhaseP2))
	assert.Equal(t, 1.0, WeightFor(snap, domain.PhaseManual))
}

func TestSmoothstepShape(t *testing.T) {
	assert.Equal(t, 0.0, smoothstep(0))
	assert.Equal(t, 1.0, smoothstep(1))
	assert.InDelta(t, 0.5, smoothstep(0.5), 1e-12)
	// Monotone on [0,1].
	prev := math.Inf(-1)
	for x := 0.0; x <= 1.0; x += 0.01 {
		s := smoothstep(x)
		assert.GreaterOrEqual(t, s, prev)
		prev = s
	}
}
