package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSweeper struct {
	calls int
	err   error
}

func (s *stubSweeper) TrySweep(context.Context) error {
	s.calls++
	return s.err
}

type stubTicker struct{ ticks atomic.Int64 }

func (s *stubTicker) Tick() { s.ticks.Add(1) }

type stubTrimmer struct {
	cutoff  time.Time
	removed int64
	err     error
}

func (s *stubTrimmer) TrimBefore(cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.removed, s.err
}

func TestSweepJobDelegates(t *testing.T) {
	sw := &stubSweeper{}
	job := NewSweepJob(sw)

	assert.Equal(t, "treasury_sweep", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, sw.calls)

	sw.err = fmt.Errorf("bus down")
	assert.Error(t, job.Run())
}

func TestBreakerTickJob(t *testing.T) {
	tk := &stubTicker{}
	job := NewBreakerTickJob(tk)

	require.NoError(t, job.Run())
	require.NoError(t, job.Run())
	assert.Equal(t, int64(2), tk.ticks.Load())
}

func TestDecisionTrimJobUsesLiveRetention(t *testing.T) {
	tr := &stubTrimmer{removed: 3}
	retention := 30 * 24 * time.Hour
	job := NewDecisionTrimJob(tr, func() time.Duration { return retention }, zerolog.Nop())

	before := time.Now().Add(-retention)
	require.NoError(t, job.Run())
	after := time.Now().Add(-retention)
	assert.False(t, tr.cutoff.Before(before))
	assert.False(t, tr.cutoff.After(after))

	// A registry override takes effect on the next run.
	retention = 7 * 24 * time.Hour
	require.NoError(t, job.Run())
	assert.WithinDuration(t, time.Now().Add(-retention), tr.cutoff, time.Second)
}

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	s := New(zerolog.Nop())
	tk := &stubTicker{}
	require.NoError(t, s.AddJob("@every 10ms", NewBreakerTickJob(tk)))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return tk.ticks.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", NewBreakerTickJob(&stubTicker{}))
	assert.Error(t, err)
}
