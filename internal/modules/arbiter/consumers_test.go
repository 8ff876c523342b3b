package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan-brain/internal/bus"
	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
	"github.com/titanops/titan-brain/internal/metrics"
	"github.com/titanops/titan-brain/internal/modules/allocation"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/risk"
)

type fakeTreasury struct {
	mu       sync.Mutex
	pnls     []float64
	equity   float64
	sweepDue bool
	swept    chan struct{}
}

func (f *fakeTreasury) ApplyPnL(pnl float64) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnls = append(f.pnls, pnl)
	f.equity += pnl
	return f.equity, f.sweepDue
}

func (f *fakeTreasury) TrySweep(context.Context) error {
	if f.swept != nil {
		f.swept <- struct{}{}
	}
	return nil
}

type fakeBreakerSink struct {
	mu    sync.Mutex
	fills []float64
}

func (f *fakeBreakerSink) RecordFill(pnl, _ float64, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, pnl)
}

func (f *fakeBreakerSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fills)
}

type consumerHarness struct {
	c         *Consumers
	store     *memDecisions
	perf      *performance.Tracker
	perfStore *memPerfStore
	book      *risk.Book
	guard     *risk.Guardian
	treasury  *fakeTreasury
	brk       *fakeBreakerSink
	pub       *capturePublisher
}

func newConsumerHarness(t *testing.T) *consumerHarness {
	t.Helper()
	store := newMemDecisions()
	pub := &capturePublisher{}

	book := risk.NewBook()
	corr := risk.NewCorrelationTracker(zerolog.Nop())
	guard := risk.NewGuardian(book, corr, zerolog.Nop())
	perfStore := &memPerfStore{}
	perf := performance.NewTracker(perfStore, zerolog.Nop())
	alloc := allocation.NewEngine(zerolog.Nop())

	arb := New(store, &fakeBreaker{}, alloc, perf, guard, &fixedEquity{equity: 800}, pub,
		events.NewManager(zerolog.Nop()), metrics.New(), DefaultConfig(), zerolog.Nop())

	treasury := &fakeTreasury{equity: 800}
	brk := &fakeBreakerSink{}

	c := NewConsumers(arb, store, perf, book, corr, guard, treasury, brk,
		events.NewManager(zerolog.Nop()), zerolog.Nop())
	return &consumerHarness{
		c: c, store: store, perf: perf, perfStore: perfStore,
		book: book, guard: guard, treasury: treasury, brk: brk, pub: pub,
	}
}

func envelopeOf(t *testing.T, msgType string, payload interface{}) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(msgType, "test", payload)
	require.NoError(t, err)
	return env
}

func fillFor(signalID string, pnl float64) domain.Fill {
	return domain.Fill{
		SignalID:       signalID,
		Venue:          "binance",
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		FilledNotional: 200,
		FillPrice:      50000,
		RealizedPnL:    pnl,
		TFill:          time.Now().UnixMilli(),
	}
}

func TestHandleSignalPersistsDecision(t *testing.T) {
	h := newConsumerHarness(t)
	env := envelopeOf(t, "brain.signal", intentS1())

	require.NoError(t, h.c.HandleSignal(env))

	d, found, err := h.store.Get("s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, d.Approved)
	assert.Len(t, h.pub.orders(), 1)
}

func TestHandleSignalAcksMalformedPayload(t *testing.T) {
	h := newConsumerHarness(t)

	env := &bus.Envelope{ID: "e1", Payload: []byte(`{"signal_id": 42}`)}
	assert.NoError(t, h.c.HandleSignal(env), "undecodable payloads are terminal, not redelivered")

	env = envelopeOf(t, "brain.signal", domain.Intent{SignalID: "bad", PhaseID: "p9"})
	assert.NoError(t, h.c.HandleSignal(env))
	assert.Empty(t, h.store.decisions)
}

func TestHandleFillAppliesAllEffects(t *testing.T) {
	h := newConsumerHarness(t)
	// The decision record carries the phase the fill settles against.
	_, err := h.store.Insert(domain.Decision{SignalID: "f1", PhaseID: domain.PhaseP1})
	require.NoError(t, err)

	env := envelopeOf(t, "exec.fill", fillFor("f1", 25))
	require.NoError(t, h.c.HandleFill(env))

	assert.Equal(t, 1, h.perf.MetricsFor(domain.PhaseP1).TradeCount)
	assert.Equal(t, 200.0, h.book.Gross())
	assert.Equal(t, []float64{25}, h.treasury.pnls)
	assert.Equal(t, 1, h.brk.count())
}

func TestHandleFillDeduplicatesOnRedelivery(t *testing.T) {
	h := newConsumerHarness(t)
	env := envelopeOf(t, "exec.fill", fillFor("f1", 25))

	require.NoError(t, h.c.HandleFill(env))
	require.NoError(t, h.c.HandleFill(env), "redelivery acks without reapplying")

	assert.Len(t, h.treasury.pnls, 1, "PnL counted once")
	assert.Equal(t, 1, h.brk.count())
	assert.Equal(t, 200.0, h.book.Gross())
}

func TestHandleFillNaksOnStoreFailure(t *testing.T) {
	h := newConsumerHarness(t)
	h.perfStore.mu.Lock()
	h.perfStore.failing = true
	h.perfStore.mu.Unlock()

	env := envelopeOf(t, "exec.fill", fillFor("f1", 25))
	err := h.c.HandleFill(env)
	require.Error(t, err, "store failure naks so the fill is redelivered")
	assert.Empty(t, h.treasury.pnls, "no side effects before the durable write")
	assert.Equal(t, 0, h.brk.count())

	// Redelivery succeeds once the store is back.
	h.perfStore.mu.Lock()
	h.perfStore.failing = false
	h.perfStore.mu.Unlock()
	require.NoError(t, h.c.HandleFill(env))
	assert.Equal(t, []float64{25}, h.treasury.pnls)
}

func TestHandleFillUnknownSignalLandsOnManual(t *testing.T) {
	h := newConsumerHarness(t)

	env := envelopeOf(t, "exec.fill", fillFor("venue-manual-1", -10))
	require.NoError(t, h.c.HandleFill(env))

	assert.Equal(t, 1, h.perf.MetricsFor(domain.PhaseManual).TradeCount)
	assert.Equal(t, 0, h.perf.MetricsFor(domain.PhaseP1).TradeCount)
}

func TestHandleFillTriggersRiseSweep(t *testing.T) {
	h := newConsumerHarness(t)
	h.treasury.sweepDue = true
	h.treasury.swept = make(chan struct{}, 1)

	env := envelopeOf(t, "exec.fill", fillFor("f1", 300))
	require.NoError(t, h.c.HandleFill(env))

	select {
	case <-h.treasury.swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep was not attempted")
	}
}

func TestHandleRegimeUpdatesGuardian(t *testing.T) {
	h := newConsumerHarness(t)

	env := envelopeOf(t, "brain.regime", regimePayload{Expanding: true, T: time.Now().UnixMilli()})
	require.NoError(t, h.c.HandleRegime(env))
	assert.True(t, h.guard.Snapshot(800).RegimeExpanding)

	env = envelopeOf(t, "brain.regime", regimePayload{Expanding: false})
	require.NoError(t, h.c.HandleRegime(env))
	assert.False(t, h.guard.Snapshot(800).RegimeExpanding)
}

func TestHandlePowerlawUpdatesGuardian(t *testing.T) {
	h := newConsumerHarness(t)

	env := envelopeOf(t, "analytics.powerlaw", powerlawPayload{HillAlpha: 1.4})
	require.NoError(t, h.c.HandlePowerlaw(env))
	assert.Equal(t, 1.4, h.guard.Snapshot(800).HillAlpha)

	// A low alpha now vetoes new intents end to end.
	d, err := h.c.arb.Process(context.Background(), intentS1())
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, domain.ReasonTailRisk, d.Reason)
}
