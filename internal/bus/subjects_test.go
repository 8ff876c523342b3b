package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaceOrderSubjectEncodesVenueAccountSymbol(t *testing.T) {
	s := PlaceOrderSubject("binance", "main", "BTCUSDT")
	assert.Equal(t, "titan.cmd.exec.place.v1.binance.main.BTCUSDT", s)
	assert.Equal(t, StreamCmd, StreamForSubject(s))
}

func TestSubjectTokensAreSanitized(t *testing.T) {
	s := PlaceOrderSubject("ven.ue", "acc*", "SYM>BOL")
	assert.Equal(t, "titan.cmd.exec.place.v1.ven_ue.acc_.SYM_BOL", s)

	assert.Equal(t, "titan.cmd.sys.halt.v1._", HaltSubject(""))
}

func TestStreamForSubject(t *testing.T) {
	assert.Equal(t, StreamCmd, StreamForSubject(SubjectRiskPolicy))
	assert.Equal(t, StreamEvt, StreamForSubject(SubjectRegime))
	assert.Equal(t, StreamEvt, StreamForSubject(SubjectPowerlaw))
	assert.Equal(t, StreamEvt, StreamForSubject(FillSubject("binance", "main", "ETHUSDT")))
	assert.Equal(t, StreamData, StreamForSubject(SubjectDashboardUpdate))
	assert.Equal(t, Stream(""), StreamForSubject("other.namespace.subject"))
}

func TestDLQSubject(t *testing.T) {
	assert.Equal(t, "titan.dlq.cmd", DLQSubject(StreamCmd))
	assert.Equal(t, "titan.dlq.evt", DLQSubject(StreamEvt))
	assert.Equal(t, "titan.dlq.data", DLQSubject(StreamData))
}

func TestSignalSubject(t *testing.T) {
	assert.Equal(t, "titan.evt.brain.signal.v1.p2", SignalSubject("p2"))
	assert.Equal(t, StreamEvt, StreamForSubject(SignalSubject("p2")))
}
