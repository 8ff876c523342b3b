package risk

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// maxPriceHistory bounds the per-symbol price ring.
const maxPriceHistory = 500

// minCorrSamples is the minimum aligned return count for a usable pair.
const minCorrSamples = 10

// CorrelationTracker maintains per-symbol return series from phase-reported
// fill prices and recomputes the pairwise correlation matrix on a fixed
// cadence. Readers always get the most recent snapshot and never block on
// recomputation.
type CorrelationTracker struct {
	log zerolog.Logger

	mu     sync.RWMutex
	prices map[string][]float64
	matrix map[string]map[string]float64
	beta   float64
}

// NewCorrelationTracker creates an empty tracker.
func NewCorrelationTracker(log zerolog.Logger) *CorrelationTracker {
	return &CorrelationTracker{
		log:    log.With().Str("service", "correlation").Logger(),
		prices: make(map[string][]float64),
		matrix: make(map[string]map[string]float64),
	}
}

// ObservePrice appends a price observation for a symbol.
func (c *CorrelationTracker) ObservePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ring := append(c.prices[symbol], price)
	if len(ring) > maxPriceHistory {
		ring = ring[len(ring)-maxPriceHistory:]
	}
	c.prices[symbol] = ring
}

// Refresh recomputes the pairwise correlation matrix. Wired to the 5 minute
// cron cadence.
func (c *CorrelationTracker) Refresh() {
	c.mu.RLock()
	returns := make(map[string][]float64, len(c.prices))
	for sym, ring := range c.prices {
		returns[sym] = logReturns(ring)
	}
	c.mu.RUnlock()

	matrix := make(map[string]map[string]float64, len(returns))
	syms := make([]string, 0, len(returns))
	for sym := range returns {
		syms = append(syms, sym)
	}

	for i, a := range syms {
		for _, b := range syms[i+1:] {
			rho, ok := pairCorrelation(returns[a], returns[b])
			if !ok {
				continue
			}
			if matrix[a] == nil {
				matrix[a] = make(map[string]float64)
			}
			if matrix[b] == nil {
				matrix[b] = make(map[string]float64)
			}
			matrix[a][b] = rho
			matrix[b][a] = rho
		}
	}

	c.mu.Lock()
	c.matrix = matrix
	c.mu.Unlock()

	c.log.Debug().Int("symbols", len(syms)).Msg("Correlation matrix refreshed")
}

// Corr returns the last computed correlation for a pair, if available.
func (c *CorrelationTracker) Corr(a, b string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if row, ok := c.matrix[a]; ok {
		if rho, ok := row[b]; ok {
			return rho, true
		}
	}
	return 0, false
}

// MaxAbsCorr returns the maximum |rho| between symbol and any of the others.
func (c *CorrelationTracker) MaxAbsCorr(symbol string, others []string) float64 {
	maxAbs := 0.0
	for _, o := range others {
		if o == symbol {
			continue
		}
		if rho, ok := c.Corr(symbol, o); ok && math.Abs(rho) > maxAbs {
			maxAbs = math.Abs(rho)
		}
	}
	return maxAbs
}

// RefreshBeta recomputes the gross-weighted beta of the book against the
// reference symbol. Wired to the 1 minute cron cadence.
func (c *CorrelationTracker) RefreshBeta(book *Book, reference string) {
	c.mu.RLock()
	refReturns := logReturns(c.prices[reference])
	returns := make(map[string][]float64, len(c.prices))
	for sym, ring := range c.prices {
		returns[sym] = logReturns(ring)
	}
	c.mu.RUnlock()

	refSD := 0.0
	if len(refReturns) >= minCorrSamples {
		refSD = stat.StdDev(refReturns, nil)
	}
	if refSD == 0 {
		return
	}

	book.mu.RLock()
	totalGross := 0.0
	weighted := 0.0
	for sym, net := range book.net {
		gross := math.Abs(net)
		totalGross += gross

		symBeta := 0.0
		if sym == reference {
			symBeta = 1.0
		} else if rho, ok := pairCorrelation(returns[sym], refReturns); ok {
			symSD := stat.StdDev(returns[sym], nil)
			symBeta = rho * symSD / refSD
		}
		weighted += gross * symBeta
	}
	book.mu.RUnlock()

	beta := 0.0
	if totalGross > 0 {
		beta = weighted / totalGross
	}

	c.mu.Lock()
	c.beta = beta
	c.mu.Unlock()
}

// Beta returns the last computed portfolio beta.
func (c *CorrelationTracker) Beta() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.beta
}

// logReturns converts a price ring into log returns.
func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 && prices[i] > 0 {
			out = append(out, math.Log(prices[i]/prices[i-1]))
		}
	}
	return out
}

// pairCorrelation aligns two return series on their common tail and
// computes the Pearson correlation.
func pairCorrelation(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minCorrSamples {
		return 0, false
	}

	at := a[len(a)-n:]
	bt := b[len(b)-n:]
	rho := stat.Correlation(at, bt, nil)
	if math.IsNaN(rho) {
		return 0, false
	}
	return rho, true
}
