package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/events"
)

const envPrefix = "BRAIN_CFG_"

// maskedValue is what secret keys report on any read surface.
const maskedValue = "*****"

// OverrideRequest is one proposed change.
type OverrideRequest struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	OperatorID string      `json:"operator_id"`
	Reason     string      `json:"reason"`
	TTLSeconds int64       `json:"ttl_seconds,omitempty"`
}

// Preset is a named bundle of overrides applied together.
type Preset struct {
	Name   string                 `json:"name"`
	Values map[string]interface{} `json:"values"`
}

// Presets shipped with the catalog. Each value still passes the full schema
// and safety pipeline when applied.
var builtinPresets = map[string]Preset{
	"conservative": {
		Name: "conservative",
		Values: map[string]interface{}{
			"risk.maxAccountLeverage":      5.0,
			"risk.maxCorrelation":          0.7,
			"breaker.maxDailyDrawdown":     0.10,
			"arbiter.maxSinglePositionFrac": 0.5,
		},
	},
	"drawdown-recovery": {
		Name: "drawdown-recovery",
		Values: map[string]interface{}{
			"risk.maxAccountLeverage":  3.0,
			"performance.malusMultiplier": 0.25,
			"breaker.consecutiveLossLimit": 2.0,
		},
	},
}

// Service resolves effective values through the provenance chain and
// enforces safety semantics on every override. All mutation goes through the
// per-key lock so concurrent overrides on one key serialize.
type Service struct {
	log     zerolog.Logger
	catalog *Catalog
	store   Store
	signer  *Signer
	events  *events.Manager

	fileLayer map[string]interface{}

	mu        sync.Mutex
	keyLocks  map[string]*sync.Mutex
	overrides map[string]Override // active, keyed by key
}

// NewService loads active overrides from the store and the optional file
// overlay, and validates both against the catalog.
func NewService(catalog *Catalog, store Store, signer *Signer, em *events.Manager, configFile string, log zerolog.Logger) (*Service, error) {
	s := &Service{
		log:      log.With().Str("service", "registry").Logger(),
		catalog:  catalog,
		store:    store,
		signer:   signer,
		events:   em,
		keyLocks: make(map[string]*sync.Mutex),
	}

	if configFile != "" {
		layer, err := loadFileLayer(configFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
		for key, val := range layer {
			it, ok := catalog.Get(key)
			if !ok {
				return nil, fmt.Errorf("config file sets unknown key %q", key)
			}
			if err := validateValue(it.Schema, val); err != nil {
				return nil, fmt.Errorf("config file value for %s: %w", key, err)
			}
		}
		s.fileLayer = layer
	}

	active, err := store.ActiveOverrides()
	if err != nil {
		return nil, fmt.Errorf("loading active overrides: %w", err)
	}
	s.overrides = active

	s.log.Info().
		Int("catalog_keys", len(catalog.Items())).
		Int("active_overrides", len(active)).
		Msg("Config registry loaded")
	return s, nil
}

func loadFileLayer(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var layer map[string]interface{}
	if err := json.Unmarshal(raw, &layer); err != nil {
		return nil, fmt.Errorf("parsing overlay: %w", err)
	}
	return layer, nil
}

func (s *Service) lockKey(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// envValue reads the environment layer for a key: BRAIN_CFG_<KEY> with dots
// replaced by underscores, parsed per the item's schema type.
func envValue(it Item) (interface{}, bool) {
	name := envPrefix + strings.ToUpper(strings.ReplaceAll(it.Key, ".", "_"))
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil, false
	}
	switch it.Schema.Type {
	case TypeNumber, TypeInteger:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false
		}
		return b, true
	case TypeArray:
		parts := strings.Split(raw, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, true
	default:
		return raw, true
	}
}

// activeOverride returns the live override for a key, lazily retiring it if
// its TTL has passed. Expiry is observed on read; no background reaper.
// keyLocked says whether the caller already holds the per-key lock.
func (s *Service) activeOverride(key string, keyLocked bool) (Override, bool) {
	s.mu.Lock()
	o, ok := s.overrides[key]
	s.mu.Unlock()
	if !ok {
		return Override{}, false
	}
	if o.ExpiresAt != nil && time.Now().After(*o.ExpiresAt) {
		if keyLocked {
			s.expireLocked(key, o)
		} else {
			s.expire(key, o)
		}
		return Override{}, false
	}
	return o, true
}

func (s *Service) expire(key string, o Override) {
	lock := s.lockKey(key)
	lock.Lock()
	defer lock.Unlock()
	s.expireLocked(key, o)
}

// expireLocked retires an expired override. The caller holds the per-key lock.
func (s *Service) expireLocked(key string, o Override) {
	s.mu.Lock()
	cur, ok := s.overrides[key]
	s.mu.Unlock()
	if !ok || cur.ID != o.ID {
		return
	}

	if _, err := s.store.Deactivate(key, "system:ttl"); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Failed to retire expired override")
		return
	}
	s.mu.Lock()
	delete(s.overrides, key)
	s.mu.Unlock()

	s.log.Info().Str("key", key).Str("override_id", o.ID).Msg("Override expired")
	s.events.Emit(events.OverrideChanged, "registry", map[string]interface{}{
		"key": key, "action": "expired",
	})
}

// Effective resolves a single key through default -> env -> file -> override.
func (s *Service) Effective(key string) (EffectiveValue, error) {
	it, ok := s.catalog.Get(key)
	if !ok {
		return EffectiveValue{}, domain.Errorf(domain.KindNotFound, "unknown config key %q", key)
	}
	return s.resolve(it), nil
}

// EffectiveAll resolves every catalog key, sorted by key.
func (s *Service) EffectiveAll() []EffectiveValue {
	items := s.catalog.Items()
	out := make([]EffectiveValue, 0, len(items))
	for _, it := range items {
		out = append(out, s.resolve(it))
	}
	return out
}

// EffectiveFloat is a typed convenience for callers rebinding numeric knobs.
func (s *Service) EffectiveFloat(key string) (float64, error) {
	ev, err := s.Effective(key)
	if err != nil {
		return 0, err
	}
	n, ok := toFloat(ev.Value)
	if !ok {
		return 0, domain.Errorf(domain.KindValidation, "key %s is not numeric", key)
	}
	return n, nil
}

// EffectiveStrings is a typed convenience for array-valued keys.
func (s *Service) EffectiveStrings(key string) ([]string, error) {
	ev, err := s.Effective(key)
	if err != nil {
		return nil, err
	}
	arr, ok := toStringSlice(ev.Value)
	if !ok {
		return nil, domain.Errorf(domain.KindValidation, "key %s is not a string array", key)
	}
	return arr, nil
}

// EffectiveString is a typed convenience for string-valued keys.
func (s *Service) EffectiveString(key string) (string, error) {
	ev, err := s.Effective(key)
	if err != nil {
		return "", err
	}
	str, ok := ev.Value.(string)
	if !ok {
		return "", domain.Errorf(domain.KindValidation, "key %s is not a string", key)
	}
	return str, nil
}

func (s *Service) resolve(it Item) EffectiveValue { return s.resolveWith(it, false) }

// resolveLocked is resolve for callers already holding the per-key lock for
// it.Key; resolve there would deadlock retiring an expired override.
func (s *Service) resolveLocked(it Item) EffectiveValue { return s.resolveWith(it, true) }

func (s *Service) resolveWith(it Item, keyLocked bool) EffectiveValue {
	ev := EffectiveValue{Key: it.Key, Item: it}
	ev.Provenance = append(ev.Provenance, ProvenanceEntry{Source: SourceDefault, Value: it.Default})
	ev.Value = it.Default

	if v, ok := envValue(it); ok {
		if err := validateValue(it.Schema, v); err != nil {
			s.log.Warn().Err(err).Str("key", it.Key).Msg("Env layer value rejected")
		} else {
			ev.Provenance = append(ev.Provenance, ProvenanceEntry{Source: SourceEnv, Value: v})
			ev.Value = v
		}
	}

	if v, ok := s.fileLayer[it.Key]; ok {
		ev.Provenance = append(ev.Provenance, ProvenanceEntry{Source: SourceFile, Value: v})
		ev.Value = v
	}

	if o, ok := s.activeOverride(it.Key, keyLocked); ok {
		ev.Provenance = append(ev.Provenance, ProvenanceEntry{Source: SourceOverride, Value: o.Value})
		ev.Value = o.Value
	}

	if it.Secret {
		ev.Value = maskedValue
		for i := range ev.Provenance {
			ev.Provenance[i].Value = maskedValue
		}
	}
	return ev
}

// CreateOverride validates, safety-checks, persists and receipts one change.
// The returned receipt is already signed and stored.
func (s *Service) CreateOverride(req OverrideRequest) (Receipt, error) {
	it, ok := s.catalog.Get(req.Key)
	if !ok {
		return Receipt{}, domain.Errorf(domain.KindNotFound, "unknown config key %q", req.Key)
	}
	if req.OperatorID == "" {
		return Receipt{}, domain.Errorf(domain.KindValidation, "operator_id is required")
	}
	if it.Secret {
		return Receipt{}, domain.Errorf(domain.KindSafetyViolation, "key %s is secret and cannot be overridden", req.Key)
	}
	if err := validateValue(it.Schema, req.Value); err != nil {
		return Receipt{}, domain.NewError(domain.KindValidation, err)
	}

	lock := s.lockKey(req.Key)
	lock.Lock()
	defer lock.Unlock()

	current := s.resolveLocked(it).Value
	if err := checkSafety(it, current, req.Value); err != nil {
		return Receipt{}, domain.NewError(domain.KindSafetyViolation, err)
	}

	now := time.Now().UTC()
	var expires *time.Time
	if req.TTLSeconds > 0 {
		t := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		expires = &t
	}

	o := Override{
		ID:            uuid.New().String(),
		Key:           req.Key,
		Value:         req.Value,
		PreviousValue: current,
		OperatorID:    req.OperatorID,
		Reason:        req.Reason,
		ExpiresAt:     expires,
		Active:        true,
		CreatedAt:     now,
	}
	if err := s.store.ReplaceActive(o, req.OperatorID); err != nil {
		return Receipt{}, domain.NewError(domain.KindTransientStore, err)
	}

	rec, err := s.appendReceipt(Receipt{
		ID:            uuid.New().String(),
		Key:           req.Key,
		Action:        ActionOverride,
		PreviousValue: current,
		NewValue:      req.Value,
		OperatorID:    req.OperatorID,
		Reason:        req.Reason,
		ExpiresAt:     expires,
		Timestamp:     now,
	})
	if err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	s.overrides[req.Key] = o
	s.mu.Unlock()

	s.log.Info().
		Str("key", req.Key).
		Str("operator", req.OperatorID).
		Interface("value", req.Value).
		Msg("Override created")
	s.events.Emit(events.OverrideChanged, "registry", map[string]interface{}{
		"key": req.Key, "action": "override", "apply": string(it.Apply),
	})
	return rec, nil
}

// Rollback retires the active override for a key, restoring the layer below.
func (s *Service) Rollback(key, operatorID, reason string) (Receipt, error) {
	it, ok := s.catalog.Get(key)
	if !ok {
		return Receipt{}, domain.Errorf(domain.KindNotFound, "unknown config key %q", key)
	}
	if operatorID == "" {
		return Receipt{}, domain.Errorf(domain.KindValidation, "operator_id is required")
	}

	lock := s.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	o, active := s.overrides[key]
	s.mu.Unlock()
	if !active {
		return Receipt{}, domain.Errorf(domain.KindNotFound, "no active override for %s", key)
	}

	if _, err := s.store.Deactivate(key, operatorID); err != nil {
		return Receipt{}, domain.NewError(domain.KindTransientStore, err)
	}
	s.mu.Lock()
	delete(s.overrides, key)
	s.mu.Unlock()

	restored := s.resolveLocked(it).Value
	rec, err := s.appendReceipt(Receipt{
		ID:            uuid.New().String(),
		Key:           key,
		Action:        ActionRollback,
		PreviousValue: o.Value,
		NewValue:      restored,
		OperatorID:    operatorID,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return Receipt{}, err
	}

	s.log.Info().Str("key", key).Str("operator", operatorID).Msg("Override rolled back")
	s.events.Emit(events.OverrideChanged, "registry", map[string]interface{}{
		"key": key, "action": "rollback", "apply": string(it.Apply),
	})
	return rec, nil
}

// BulkOverride applies a set of changes with all-or-nothing validation: every
// request is schema- and safety-checked before any is persisted. Persistence
// itself is per-key; a store failure mid-way leaves earlier keys applied and
// reports which key failed.
func (s *Service) BulkOverride(reqs []OverrideRequest) ([]Receipt, error) {
	for _, req := range reqs {
		it, ok := s.catalog.Get(req.Key)
		if !ok {
			return nil, domain.Errorf(domain.KindNotFound, "unknown config key %q", req.Key)
		}
		if it.Secret {
			return nil, domain.Errorf(domain.KindSafetyViolation, "key %s is secret and cannot be overridden", req.Key)
		}
		if err := validateValue(it.Schema, req.Value); err != nil {
			return nil, domain.Errorf(domain.KindValidation, "key %s: %v", req.Key, err)
		}
		if err := checkSafety(it, s.resolve(it).Value, req.Value); err != nil {
			return nil, domain.NewError(domain.KindSafetyViolation, err)
		}
	}

	receipts := make([]Receipt, 0, len(reqs))
	for _, req := range reqs {
		rec, err := s.CreateOverride(req)
		if err != nil {
			return receipts, fmt.Errorf("bulk override stopped at %s: %w", req.Key, err)
		}
		receipts = append(receipts, rec)
	}
	return receipts, nil
}

// ApplyPreset applies a named preset through the bulk path.
func (s *Service) ApplyPreset(name, operatorID, reason string) ([]Receipt, error) {
	p, ok := builtinPresets[name]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "unknown preset %q", name)
	}
	reqs := make([]OverrideRequest, 0, len(p.Values))
	for key, val := range p.Values {
		reqs = append(reqs, OverrideRequest{
			Key: key, Value: val, OperatorID: operatorID,
			Reason: fmt.Sprintf("preset:%s %s", name, reason),
		})
	}
	// Deterministic order for receipts and tests.
	sortRequests(reqs)
	return s.BulkOverride(reqs)
}

func sortRequests(reqs []OverrideRequest) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].Key < reqs[j-1].Key; j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}

// Presets lists the available preset names.
func (s *Service) Presets() []Preset {
	out := make([]Preset, 0, len(builtinPresets))
	for _, p := range builtinPresets {
		out = append(out, p)
	}
	return out
}

// Receipts returns the audit trail, newest first.
func (s *Service) Receipts(key string, limit int) ([]Receipt, error) {
	recs, err := s.store.Receipts(key, limit)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientStore, err)
	}
	return recs, nil
}

// VerifyReceipt recomputes a receipt's signature.
func (s *Service) VerifyReceipt(r Receipt) (bool, error) {
	return s.signer.Verify(r)
}

func (s *Service) appendReceipt(rec Receipt) (Receipt, error) {
	sig, err := s.signer.Sign(rec)
	if err != nil {
		return Receipt{}, domain.NewError(domain.KindFatal, err)
	}
	rec.Signature = sig
	if err := s.store.AppendReceipt(rec); err != nil {
		return Receipt{}, domain.NewError(domain.KindTransientStore, err)
	}
	return rec, nil
}
