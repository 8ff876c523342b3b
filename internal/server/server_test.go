package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/titanops/titan-brain/internal/modules/arbiter"
	"github.com/titanops/titan-brain/internal/modules/breaker"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/registry"
	"github.com/titanops/titan-brain/internal/modules/risk"
	"github.com/titanops/titan-brain/internal/modules/treasury"
)

type nopPublisher struct{}

func (nopPublisher) Publish(_ context.Context, _, _ string, _ interface{}) (*bus.Envelope, error) {
	return &bus.Envelope{}, nil
}

type memDecisionStore struct {
	mu        sync.Mutex
	decisions map[string]domain.Decision
}

func (m *memDecisionStore) Get(signalID string) (domain.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[signalID]
	return d, ok, nil
}

func (m *memDecisionStore) Insert(d domain.Decision) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decisions == nil {
		m.decisions = make(map[string]domain.Decision)
	}
	if _, ok := m.decisions[d.SignalID]; ok {
		return false, nil
	}
	m.decisions[d.SignalID] = d
	return true, nil
}

func (m *memDecisionStore) Recent(phase domain.PhaseID, _ int) ([]domain.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Decision
	for _, d := range m.decisions {
		if phase == "" || d.PhaseID == phase {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDecisionStore) TrimBefore(time.Time) (int64, error) { return 0, nil }

type memBreakerStore struct {
	mu     sync.Mutex
	events []breaker.Event
}

func (m *memBreakerStore) AppendEvent(e breaker.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memBreakerStore) LastState() (domain.BreakerState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return "", false, nil
	}
	return m.events[len(m.events)-1].Next, true, nil
}

func (m *memBreakerStore) RecentEvents(int) ([]breaker.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]breaker.Event(nil), m.events...), nil
}

type memTreasuryStore struct {
	mu     sync.Mutex
	state  treasury.State
	loaded bool
	sweeps []treasury.SweepRecord
}

func (m *memTreasuryStore) Load() (treasury.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loaded, nil
}

func (m *memTreasuryStore) Save(s treasury.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.loaded = true
	return nil
}

func (m *memTreasuryStore) InsertSweep(rec treasury.SweepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, rec)
	return nil
}

func (m *memTreasuryStore) CommitSweep(state treasury.State, sweepID string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	for i := range m.sweeps {
		if m.sweeps[i].ID == sweepID {
			m.sweeps[i].Status = treasury.SweepCompleted
			m.sweeps[i].TCompleted = &completedAt
		}
	}
	return nil
}

func (m *memTreasuryStore) FailSweep(sweepID string, _ time.Time, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sweeps {
		if m.sweeps[i].ID == sweepID {
			m.sweeps[i].Status = treasury.SweepFailed
			m.sweeps[i].ErrorDetail = detail
		}
	}
	return nil
}

func (m *memTreasuryStore) RecentSweeps(int) ([]treasury.SweepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]treasury.SweepRecord(nil), m.sweeps...), nil
}

type memRegistryStore struct {
	mu        sync.Mutex
	overrides map[string]registry.Override
	receipts  []registry.Receipt
}

func (m *memRegistryStore) ActiveOverrides() (map[string]registry.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]registry.Override, len(m.overrides))
	for k, v := range m.overrides {
		out[k] = v
	}
	return out, nil
}

func (m *memRegistryStore) ReplaceActive(o registry.Override, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides == nil {
		m.overrides = make(map[string]registry.Override)
	}
	m.overrides[o.Key] = o
	return nil
}

func (m *memRegistryStore) Deactivate(key, _ string) (registry.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[key]
	if !ok {
		return registry.Override{}, domain.Errorf(domain.KindNotFound, "no active override for %s", key)
	}
	delete(m.overrides, key)
	return o, nil
}

func (m *memRegistryStore) AppendReceipt(r registry.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *memRegistryStore) Receipts(key string, _ int) ([]registry.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Receipt
	for _, r := range m.receipts {
		if r.Key == key {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *arbiter.Arbiter, *breaker.Breaker) {
	t.Helper()
	log := zerolog.Nop()
	em := events.NewManager(log)
	m := metrics.New()
	pub := nopPublisher{}

	treasuryMgr, err := treasury.NewManager(&memTreasuryStore{}, pub, em, m, 800, log)
	require.NoError(t, err)

	brkStore := &memBreakerStore{}
	brk, err := breaker.New(brkStore, pub, em, m, 800, log)
	require.NoError(t, err)

	book := risk.NewBook()
	corr := risk.NewCorrelationTracker(log)
	guard := risk.NewGuardian(book, corr, log)
	perf := performance.NewTracker(perfStoreStub{}, log)
	alloc := allocation.NewEngine(log)

	decisions := &memDecisionStore{}
	arb := arbiter.New(decisions, brk, alloc, perf, guard, treasuryMgr, pub,
		em, m, arbiter.DefaultConfig(), log)

	catalog, err := registry.LoadCatalog()
	require.NoError(t, err)
	regService, err := registry.NewService(catalog, &memRegistryStore{},
		registry.NewSigner("test-secret"), em, "", log)
	require.NoError(t, err)

	srv := New(Config{
		Log:           log,
		Port:          0,
		Arbiter:       arb,
		Decisions:     decisions,
		Breaker:       brk,
		BreakerEvents: brkStore,
		Treasury:      treasuryMgr,
		Sweeps:        &memTreasuryStore{},
		Allocation:    alloc,
		Performance:   perf,
		Registry:      registry.NewHandler(regService, log),
		Metrics:       m,
	})
	return srv, arb, brk
}

type perfStoreStub struct{}

func (perfStoreStub) Insert(domain.PhaseID, string, float64, time.Time) (bool, error) {
	return true, nil
}

func (perfStoreStub) LoadSince(time.Time) (map[domain.PhaseID][]performance.Sample, error) {
	return map[domain.PhaseID][]performance.Sample{}, nil
}

func (perfStoreStub) TrimBefore(time.Time) (int64, error) { return 0, nil }

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitSignalApproved(t *testing.T) {
	srv, arb, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arb.Start(ctx)
	defer arb.Stop()

	rec := doRequest(t, srv, http.MethodPost, "/api/signal", domain.Intent{
		SignalID:          "http-1",
		PhaseID:           domain.PhaseP1,
		Symbol:            "BTCUSDT",
		Side:              domain.SideBuy,
		RequestedNotional: 200,
		SubmittedAt:       time.Now().UnixMilli(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var d domain.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Approved)
	assert.Equal(t, 200.0, d.AuthorizedNotional)
}

func TestSubmitSignalRejectsInvalid(t *testing.T) {
	srv, arb, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arb.Start(ctx)
	defer arb.Stop()

	rec := doRequest(t, srv, http.MethodPost, "/api/signal", domain.Intent{
		SignalID: "bad", PhaseID: "p9", Symbol: "BTCUSDT", Side: domain.SideBuy,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 800.0, body["equity"])
	assert.Contains(t, body, "breaker")
	assert.Contains(t, body, "queue_depth")
}

func TestAllocationEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/allocation", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap domain.AllocationSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "MICRO", snap.Tier)
	assert.Equal(t, [3]float64{1, 0, 0}, snap.Weights)
}

func TestTreasuryEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/treasury", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State  treasury.State         `json:"state"`
		Sweeps []treasury.SweepRecord `json:"sweeps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 800.0, body.State.FuturesWallet)
}

func TestBreakerResetRequiresOperator(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/breaker/reset", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerResetClearsHalt(t *testing.T) {
	srv, _, brk := newTestServer(t)
	brk.TripHard("manual trip for test", 800)

	rec := doRequest(t, srv, http.MethodPost, "/api/breaker/reset",
		map[string]string{"operator_id": "ops-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var snap breaker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, domain.BreakerInactive, snap.State)
}

func TestDecisionsEndpointFiltersPhase(t *testing.T) {
	srv, arb, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arb.Start(ctx)
	defer arb.Stop()

	doRequest(t, srv, http.MethodPost, "/api/signal", domain.Intent{
		SignalID: "d1", PhaseID: domain.PhaseP1, Symbol: "BTCUSDT",
		Side: domain.SideBuy, RequestedNotional: 100,
	})

	rec := doRequest(t, srv, http.MethodGet, "/api/decisions?phase=p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = doRequest(t, srv, http.MethodGet, "/api/decisions?phase=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigRoutesMounted(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/config/catalog", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
