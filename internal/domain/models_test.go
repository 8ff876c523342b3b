package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validIntent() Intent {
	return Intent{
		SignalID:          "s1",
		PhaseID:           PhaseP1,
		Symbol:            "BTCUSDT",
		Side:              SideBuy,
		RequestedNotional: 200,
		SubmittedAt:       1000,
	}
}

func TestIntentValidate(t *testing.T) {
	assert.NoError(t, validIntent().Validate())

	missing := validIntent()
	missing.SignalID = ""
	assert.True(t, IsKind(missing.Validate(), KindValidation))

	badPhase := validIntent()
	badPhase.PhaseID = "p9"
	assert.True(t, IsKind(badPhase.Validate(), KindValidation))

	badSide := validIntent()
	badSide.Side = "LONG"
	assert.True(t, IsKind(badSide.Validate(), KindValidation))

	negative := validIntent()
	negative.RequestedNotional = -1
	assert.True(t, IsKind(negative.Validate(), KindValidation))

	conf := 1.5
	badConf := validIntent()
	badConf.Confidence = &conf
	assert.True(t, IsKind(badConf.Validate(), KindValidation))
}

func TestSideDirection(t *testing.T) {
	assert.Equal(t, 1, SideBuy.Direction())
	assert.Equal(t, -1, SideSell.Direction())
}

func TestPhaseIndex(t *testing.T) {
	assert.Equal(t, 0, PhaseP1.Index())
	assert.Equal(t, 1, PhaseP2.Index())
	assert.Equal(t, 2, PhaseP3.Index())
	assert.Equal(t, -1, PhaseManual.Index())
}

func TestDecisionReasonApproved(t *testing.T) {
	assert.True(t, ReasonApproved.Approved())
	assert.True(t, ReasonApprovedReduced.Approved())
	assert.False(t, ReasonBreaker.Approved())
	assert.False(t, ReasonWeightZero.Approved())
}

func TestErrorKindExtraction(t *testing.T) {
	err := Errorf(KindRiskVeto, "correlation too high")
	assert.Equal(t, KindRiskVeto, KindOf(err))
	assert.True(t, IsKind(err, KindRiskVeto))

	wrapped := NewError(KindTransientStore, errors.New("connection reset"))
	assert.True(t, Retryable(wrapped))
	assert.False(t, Retryable(Errorf(KindValidation, "nope")))

	// Unclassified errors are treated as fatal.
	assert.Equal(t, KindFatal, KindOf(errors.New("unknown")))
}

func TestBreakerStateHalted(t *testing.T) {
	assert.False(t, BreakerInactive.Halted())
	assert.True(t, BreakerSoftHalted.Halted())
	assert.True(t, BreakerHardHalted.Halted())
}
