package bus

import (
	"fmt"
	"strings"
)

// Stream names the three retention contracts the adapter provides.
type Stream string

const (
	// StreamCmd carries commands: durable, file-backed, work-queue retention.
	StreamCmd Stream = "TITAN_CMD"
	// StreamEvt carries events: durable, file-backed, size+age bounded.
	StreamEvt Stream = "TITAN_EVT"
	// StreamData carries ephemeral data: memory-backed, short retention.
	StreamData Stream = "TITAN_DATA"
)

// Subject prefixes per stream.
const (
	prefixCmd  = "titan.cmd."
	prefixEvt  = "titan.evt."
	prefixData = "titan.data."
	prefixDLQ  = "titan.dlq."
)

// Fixed subjects.
const (
	SubjectRiskPolicy      = "titan.cmd.risk.policy"
	SubjectTreasurySweep   = "titan.cmd.treasury.sweep.v1"
	SubjectRegime          = "titan.evt.brain.regime.v1"
	SubjectPowerlaw        = "titan.evt.analytics.powerlaw.v1"
	SubjectDashboardUpdate = "titan.data.dashboard.update.v1"
)

// Wildcard subjects for consumers.
const (
	SubjectFillsWildcard   = "titan.evt.exec.fill.v1.>"
	SubjectSignalsWildcard = "titan.evt.brain.signal.v1.>"
)

// PlaceOrderSubject encodes venue/account/symbol into the place-order subject.
func PlaceOrderSubject(venue, account, symbol string) string {
	return fmt.Sprintf("titan.cmd.exec.place.v1.%s.%s.%s", token(venue), token(account), token(symbol))
}

// HaltSubject returns the flatten/halt command subject for a scope.
func HaltSubject(scope string) string {
	return "titan.cmd.sys.halt.v1." + token(scope)
}

// FillSubject returns the fill-report subject for venue/account/symbol.
func FillSubject(venue, account, symbol string) string {
	return fmt.Sprintf("titan.evt.exec.fill.v1.%s.%s.%s", token(venue), token(account), token(symbol))
}

// SignalSubject returns the intent subject for a strategy.
func SignalSubject(strategy string) string {
	return "titan.evt.brain.signal.v1." + token(strategy)
}

// DLQSubject returns the dead-letter subject for a stream.
func DLQSubject(stream Stream) string {
	return prefixDLQ + strings.ToLower(strings.TrimPrefix(string(stream), "TITAN_"))
}

// StreamForSubject selects the stream by subject prefix. The empty stream
// means the subject is outside the adapter's namespace.
func StreamForSubject(subject string) Stream {
	switch {
	case strings.HasPrefix(subject, prefixCmd):
		return StreamCmd
	case strings.HasPrefix(subject, prefixEvt):
		return StreamEvt
	case strings.HasPrefix(subject, prefixData):
		return StreamData
	}
	return ""
}

// token sanitizes a subject token: NATS separators are replaced so user
// supplied venue/account/symbol values cannot splice subjects.
func token(s string) string {
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(s)
}
