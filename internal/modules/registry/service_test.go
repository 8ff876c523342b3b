package registry

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	active   map[string]Override
	receipts []Receipt
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{active: make(map[string]Override)}
}

func (m *memStore) ActiveOverrides() (map[string]Override, error) {
	out := make(map[string]Override, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) ReplaceActive(o Override, _ string) error {
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("store down")
	}
	m.active[o.Key] = o
	return nil
}

func (m *memStore) Deactivate(key, _ string) (Override, error) {
	o, ok := m.active[key]
	if !ok {
		return Override{}, fmt.Errorf("no active override for %s", key)
	}
	delete(m.active, key)
	return o, nil
}

func (m *memStore) AppendReceipt(r Receipt) error {
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *memStore) Receipts(key string, limit int) ([]Receipt, error) {
	var out []Receipt
	for i := len(m.receipts) - 1; i >= 0 && len(out) < limit; i-- {
		if key == "" || m.receipts[i].Key == key {
			out = append(out, m.receipts[i])
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	catalog, err := LoadCatalog()
	require.NoError(t, err)
	store := newMemStore()
	svc, err := NewService(catalog, store, NewSigner("test-secret"), events.NewManager(zerolog.Nop()), "", zerolog.Nop())
	require.NoError(t, err)
	return svc, store
}

func TestCatalogLoads(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)
	assert.NotEmpty(t, catalog.Items())

	// Every tighten_only item declares its risk direction.
	for _, it := range catalog.Items() {
		if it.Safety == SafetyTightenOnly {
			assert.NotEmpty(t, it.RiskDirection, it.Key)
		}
	}
}

func TestCatalogRefusesTightenOnlyWithoutDirection(t *testing.T) {
	_, err := newCatalog([]Item{{
		Key: "bad.key", Safety: SafetyTightenOnly,
		Schema: Schema{Type: TypeNumber}, Default: 1.0,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk_direction")
}

func TestEffectiveDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	ev, err := svc.Effective("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 10.0, ev.Value)
	require.Len(t, ev.Provenance, 1)
	assert.Equal(t, SourceDefault, ev.Provenance[0].Source)
}

func TestEffectiveUnknownKey(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Effective("no.such.key")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestEnvLayerBeatsDefault(t *testing.T) {
	svc, _ := newTestService(t)
	t.Setenv("BRAIN_CFG_RISK_MAXACCOUNTLEVERAGE", "6")

	ev, err := svc.Effective("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 6.0, ev.Value)
	require.Len(t, ev.Provenance, 2)
	assert.Equal(t, SourceEnv, ev.Provenance[1].Source)
}

func TestFileLayerBeatsEnv(t *testing.T) {
	path := t.TempDir() + "/overlay.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"risk.maxAccountLeverage": 4}`), 0o600))

	catalog, err := LoadCatalog()
	require.NoError(t, err)
	svc, err := NewService(catalog, newMemStore(), NewSigner("s"), events.NewManager(zerolog.Nop()), path, zerolog.Nop())
	require.NoError(t, err)

	t.Setenv("BRAIN_CFG_RISK_MAXACCOUNTLEVERAGE", "6")
	ev, err := svc.Effective("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 4.0, ev.Value)
}

func TestFileLayerRejectsUnknownKey(t *testing.T) {
	path := t.TempDir() + "/overlay.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"not.a.key": 1}`), 0o600))

	catalog, err := LoadCatalog()
	require.NoError(t, err)
	_, err = NewService(catalog, newMemStore(), NewSigner("s"), events.NewManager(zerolog.Nop()), path, zerolog.Nop())
	assert.Error(t, err)
}

func TestOverrideWinsProvenance(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops", Reason: "de-risking",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Signature)
	assert.Equal(t, ActionOverride, rec.Action)
	assert.Equal(t, 10.0, rec.PreviousValue)

	ev, err := svc.Effective("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 5.0, ev.Value)
	assert.Equal(t, SourceOverride, ev.Provenance[len(ev.Provenance)-1].Source)
}

func TestTightenOnlyRefusesLoosening(t *testing.T) {
	svc, _ := newTestService(t)

	// higher_is_riskier: raising the leverage cap loosens.
	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 20.0, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSafetyViolation))

	// lower_is_riskier: lowering the alpha floor loosens.
	_, err = svc.CreateOverride(OverrideRequest{
		Key: "risk.alphaVetoThreshold", Value: 1.5, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSafetyViolation))

	// Tightening both directions is allowed.
	_, err = svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops",
	})
	assert.NoError(t, err)
	_, err = svc.CreateOverride(OverrideRequest{
		Key: "risk.alphaVetoThreshold", Value: 2.5, OperatorID: "ops",
	})
	assert.NoError(t, err)
}

func TestTightenOnlyComparesAgainstCurrentEffective(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 4.0, OperatorID: "ops",
	})
	require.NoError(t, err)

	// 6 is below the default of 10 but above the current effective of 4.
	_, err = svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 6.0, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSafetyViolation))
}

func TestRaiseOnlyFloor(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "treasury.reserveFloor", Value: 100.0, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSafetyViolation))

	_, err = svc.CreateOverride(OverrideRequest{
		Key: "treasury.reserveFloor", Value: 500.0, OperatorID: "ops",
	})
	assert.NoError(t, err)
}

func TestAppendOnlyKeepsExistingElements(t *testing.T) {
	svc, _ := newTestService(t)

	// Removing p3 is refused.
	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.regimeSensitivePhases", Value: []interface{}{"p2"}, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSafetyViolation))

	// Appending is allowed.
	_, err = svc.CreateOverride(OverrideRequest{
		Key: "risk.regimeSensitivePhases", Value: []interface{}{"p3", "p2"}, OperatorID: "ops",
	})
	assert.NoError(t, err)

	phases, err := svc.EffectiveStrings("risk.regimeSensitivePhases")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p2", "p3"}, phases)
}

func TestImmutableAndSecretKeys(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "secrets.receiptSigningKey", Value: "new-secret", OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSafetyViolation))

	// Reads come back masked.
	ev, err := svc.Effective("secrets.receiptSigningKey")
	require.NoError(t, err)
	assert.Equal(t, maskedValue, ev.Value)
	for _, p := range ev.Provenance {
		assert.Equal(t, maskedValue, p.Value)
	}
}

func TestSchemaBounds(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxCorrelation", Value: 1.5, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.CreateOverride(OverrideRequest{
		Key: "performance.windowDays", Value: 2.5, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestOverrideRequiresOperator(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0,
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestRollbackRestoresLowerLayer(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops",
	})
	require.NoError(t, err)

	rec, err := svc.Rollback("risk.maxAccountLeverage", "ops", "done")
	require.NoError(t, err)
	assert.Equal(t, ActionRollback, rec.Action)
	assert.Equal(t, 5.0, rec.PreviousValue)
	assert.Equal(t, 10.0, rec.NewValue)

	ev, err := svc.Effective("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 10.0, ev.Value)
}

func TestRollbackWithoutActiveOverride(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Rollback("risk.maxAccountLeverage", "ops", "")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestTTLExpiryOnRead(t *testing.T) {
	svc, store := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops", TTLSeconds: 3600,
	})
	require.NoError(t, err)

	// Force the stored override into the past.
	past := time.Now().Add(-time.Minute)
	o := svc.overrides["risk.maxAccountLeverage"]
	o.ExpiresAt = &past
	svc.overrides["risk.maxAccountLeverage"] = o

	ev, err := svc.Effective("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 10.0, ev.Value)
	assert.Empty(t, store.active)
}

func TestCreateOverrideAfterTTLExpiry(t *testing.T) {
	// A key whose previous override has lapsed must accept a new one: the
	// write path retires the stale override itself while holding the per-key
	// lock instead of blocking on it.
	catalog, err := LoadCatalog()
	require.NoError(t, err)
	store := newMemStore()
	past := time.Now().Add(-time.Minute)
	store.active["risk.maxAccountLeverage"] = Override{
		ID: "stale", Key: "risk.maxAccountLeverage", Value: 5.0,
		OperatorID: "ops", ExpiresAt: &past, Active: true,
		CreatedAt: past.Add(-time.Hour),
	}
	svc, err := NewService(catalog, store, NewSigner("s"), events.NewManager(zerolog.Nop()), "", zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.CreateOverride(OverrideRequest{
			Key: "risk.maxAccountLeverage", Value: 4.0, OperatorID: "ops",
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CreateOverride did not return on a key with an expired override")
	}

	lev, err := svc.EffectiveFloat("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 4.0, lev)
}

func TestStoreFailureIsTransient(t *testing.T) {
	svc, store := newTestService(t)
	store.failNext = true

	_, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransientStore))
	assert.True(t, domain.Retryable(err))

	// The failed attempt left no receipt and no override.
	assert.Empty(t, store.receipts)
	ev, _ := svc.Effective("risk.maxAccountLeverage")
	assert.Equal(t, 10.0, ev.Value)
}

func TestBulkOverrideAllOrNothingValidation(t *testing.T) {
	svc, store := newTestService(t)

	_, err := svc.BulkOverride([]OverrideRequest{
		{Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops"},
		{Key: "risk.maxCorrelation", Value: 1.5, OperatorID: "ops"}, // out of bounds
	})
	require.Error(t, err)
	assert.Empty(t, store.receipts, "nothing applied when any request is invalid")

	recs, err := svc.BulkOverride([]OverrideRequest{
		{Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops"},
		{Key: "risk.maxCorrelation", Value: 0.7, OperatorID: "ops"},
	})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestApplyPreset(t *testing.T) {
	svc, _ := newTestService(t)

	recs, err := svc.ApplyPreset("conservative", "ops", "storm incoming")
	require.NoError(t, err)
	assert.Len(t, recs, len(builtinPresets["conservative"].Values))

	lev, err := svc.EffectiveFloat("risk.maxAccountLeverage")
	require.NoError(t, err)
	assert.Equal(t, 5.0, lev)

	_, err = svc.ApplyPreset("no-such-preset", "ops", "")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestReceiptsAreSignedAndVerifiable(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.CreateOverride(OverrideRequest{
		Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops", Reason: "test",
	})
	require.NoError(t, err)

	ok, err := svc.VerifyReceipt(rec)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampering with any signed field breaks verification.
	tampered := rec
	tampered.NewValue = 9.0
	ok, err = svc.VerifyReceipt(tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	tampered = rec
	tampered.OperatorID = "mallory"
	ok, _ = svc.VerifyReceipt(tampered)
	assert.False(t, ok)
}

func TestReceiptTrail(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateOverride(OverrideRequest{Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops"})
	require.NoError(t, err)
	_, err = svc.Rollback("risk.maxAccountLeverage", "ops", "")
	require.NoError(t, err)

	recs, err := svc.Receipts("risk.maxAccountLeverage", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ActionRollback, recs[0].Action)
	assert.Equal(t, ActionOverride, recs[1].Action)
}

func TestOverrideEmitsChangeEvent(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)
	em := events.NewManager(zerolog.Nop())
	sub := em.Subscribe(events.OverrideChanged, 4)
	defer em.Unsubscribe(events.OverrideChanged, sub)

	svc, err := NewService(catalog, newMemStore(), NewSigner("s"), em, "", zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.CreateOverride(OverrideRequest{Key: "risk.maxAccountLeverage", Value: 5.0, OperatorID: "ops"})
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		data := ev.Data.(map[string]interface{})
		assert.Equal(t, "risk.maxAccountLeverage", data["key"])
		assert.Equal(t, "override", data["action"])
	default:
		t.Fatal("expected an override change event")
	}
}
