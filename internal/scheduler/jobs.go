package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/modules/risk"
)

// Sweeper runs the treasury sweep check.
type Sweeper interface {
	TrySweep(ctx context.Context) error
}

// SweepJob drives the scheduled treasury sweep. The rise trigger handles
// intra-day spikes; this job is the daily cadence.
type SweepJob struct {
	treasury Sweeper
	timeout  time.Duration
}

// NewSweepJob creates the scheduled sweep job.
func NewSweepJob(treasury Sweeper) *SweepJob {
	return &SweepJob{treasury: treasury, timeout: 30 * time.Second}
}

// Name returns the job name
func (j *SweepJob) Name() string { return "treasury_sweep" }

// Run executes one sweep check
func (j *SweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.treasury.TrySweep(ctx)
}

// CorrelationRefreshJob recomputes the pairwise correlation matrix from the
// rolling price windows.
type CorrelationRefreshJob struct {
	corr *risk.CorrelationTracker
}

// NewCorrelationRefreshJob creates the correlation refresh job.
func NewCorrelationRefreshJob(corr *risk.CorrelationTracker) *CorrelationRefreshJob {
	return &CorrelationRefreshJob{corr: corr}
}

// Name returns the job name
func (j *CorrelationRefreshJob) Name() string { return "correlation_refresh" }

// Run executes one matrix recompute
func (j *CorrelationRefreshJob) Run() error {
	j.corr.Refresh()
	return nil
}

// BetaRefreshJob recomputes the portfolio beta against the reference symbol.
type BetaRefreshJob struct {
	corr      *risk.CorrelationTracker
	book      *risk.Book
	reference func() string
}

// NewBetaRefreshJob creates the beta refresh job. The reference symbol is
// resolved per run so registry overrides take effect without a restart.
func NewBetaRefreshJob(corr *risk.CorrelationTracker, book *risk.Book, reference func() string) *BetaRefreshJob {
	return &BetaRefreshJob{corr: corr, book: book, reference: reference}
}

// Name returns the job name
func (j *BetaRefreshJob) Name() string { return "beta_refresh" }

// Run executes one beta recompute
func (j *BetaRefreshJob) Run() error {
	j.corr.RefreshBeta(j.book, j.reference())
	return nil
}

// Ticker advances time-based breaker transitions.
type Ticker interface {
	Tick()
}

// BreakerTickJob drives cooldown expiry so a soft halt lifts on schedule even
// when no reads arrive.
type BreakerTickJob struct {
	brk Ticker
}

// NewBreakerTickJob creates the breaker tick job.
func NewBreakerTickJob(brk Ticker) *BreakerTickJob {
	return &BreakerTickJob{brk: brk}
}

// Name returns the job name
func (j *BreakerTickJob) Name() string { return "breaker_tick" }

// Run executes one tick
func (j *BreakerTickJob) Run() error {
	j.brk.Tick()
	return nil
}

// Trimmer removes rows older than a cutoff.
type Trimmer interface {
	TrimBefore(cutoff time.Time) (int64, error)
}

// DecisionTrimJob enforces the decision retention window.
type DecisionTrimJob struct {
	log       zerolog.Logger
	store     Trimmer
	retention func() time.Duration
}

// NewDecisionTrimJob creates the decision retention job. Retention is
// resolved per run so registry overrides take effect without a restart.
func NewDecisionTrimJob(store Trimmer, retention func() time.Duration, log zerolog.Logger) *DecisionTrimJob {
	return &DecisionTrimJob{
		log:       log.With().Str("service", "scheduler").Logger(),
		store:     store,
		retention: retention,
	}
}

// Name returns the job name
func (j *DecisionTrimJob) Name() string { return "decision_trim" }

// Run executes one retention pass
func (j *DecisionTrimJob) Run() error {
	cutoff := time.Now().Add(-j.retention())
	removed, err := j.store.TrimBefore(cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		j.log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Trimmed old decisions")
	}
	return nil
}

// WindowTrimmer trims its own rolling window.
type WindowTrimmer interface {
	Trim() error
}

// TradeTrimJob drops phase trades that fell out of the performance window.
type TradeTrimJob struct {
	perf WindowTrimmer
}

// NewTradeTrimJob creates the phase-trade trim job.
func NewTradeTrimJob(perf WindowTrimmer) *TradeTrimJob {
	return &TradeTrimJob{perf: perf}
}

// Name returns the job name
func (j *TradeTrimJob) Name() string { return "trade_trim" }

// Run executes one window trim
func (j *TradeTrimJob) Run() error {
	return j.perf.Trim()
}
