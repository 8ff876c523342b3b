// Package risk applies portfolio-level constraints to prospective positions:
// tail-risk and regime vetoes, the tier leverage cap, the correlation guard
// and the hedge exemption.
package risk

import (
	"math"
	"sync"

	"github.com/titanops/titan-brain/internal/domain"
)

// Config holds the guardian thresholds, overridable via the registry.
type Config struct {
	AlphaVetoThreshold   float64
	MaxCorrelation       float64
	CorrelationPenalty   float64
	MinPositionFloor     float64
	RegimeSensitive      map[domain.PhaseID]bool
	ReferenceSymbol      string
}

// DefaultConfig returns the guardian defaults.
func DefaultConfig() Config {
	return Config{
		AlphaVetoThreshold: 2.0,
		MaxCorrelation:     0.8,
		CorrelationPenalty: 0.5,
		MinPositionFloor:   10.0,
		RegimeSensitive:    map[domain.PhaseID]bool{domain.PhaseP3: true},
		ReferenceSymbol:    "BTCUSDT",
	}
}

// Candidate is a prospective position under evaluation.
type Candidate struct {
	Phase    domain.PhaseID
	Symbol   string
	Side     domain.Side
	Notional float64
	Leverage *float64
}

// Verdict is the guardian's outcome for a candidate.
type Verdict struct {
	Allowed  bool
	Notional float64
	Reason   domain.DecisionReason
	Snapshot domain.RiskSnapshot
}

// Book tracks signed open notional per symbol, fed from fills. Positive is
// net long, negative net short.
type Book struct {
	mu  sync.RWMutex
	net map[string]float64
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{net: make(map[string]float64)}
}

// ApplyFill folds a fill into the book.
func (b *Book) ApplyFill(f domain.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.net[f.Symbol] += float64(f.Side.Direction()) * f.FilledNotional
	if math.Abs(b.net[f.Symbol]) < 1e-9 {
		delete(b.net, f.Symbol)
	}
}

// Gross returns the sum of absolute open notionals.
func (b *Book) Gross() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g := 0.0
	for _, n := range b.net {
		g += math.Abs(n)
	}
	return g
}

// Delta returns the signed net exposure across symbols.
func (b *Book) Delta() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := 0.0
	for _, n := range b.net {
		d += n
	}
	return d
}

// OpenSameSide lists symbols currently open on the given side.
func (b *Book) OpenSameSide(side domain.Side) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dir := float64(side.Direction())
	var out []string
	for sym, n := range b.net {
		if n*dir > 0 {
			out = append(out, sym)
		}
	}
	return out
}

// Net returns the signed open notional for a symbol.
func (b *Book) Net(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.net[symbol]
}
