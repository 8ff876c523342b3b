// Package registry holds the catalog of tunable parameters, resolves
// effective values from the provenance chain, enforces safety semantics on
// every override and emits a signed receipt for every change.
package registry

import (
	"time"
)

// Safety constrains how a key may be overridden.
type Safety string

const (
	SafetyImmutable   Safety = "immutable"
	SafetyTightenOnly Safety = "tighten_only"
	SafetyRaiseOnly   Safety = "raise_only"
	SafetyAppendOnly  Safety = "append_only"
	SafetyTunable     Safety = "tunable"
)

// RiskDirection tells the tighten-only check which way is riskier.
type RiskDirection string

const (
	HigherIsRiskier RiskDirection = "higher_is_riskier"
	LowerIsRiskier  RiskDirection = "lower_is_riskier"
)

// Apply describes when a change takes effect.
type Apply string

const (
	ApplyLive    Apply = "live"
	ApplyRestart Apply = "restart"
	ApplyDeploy  Apply = "deploy"
)

// ValueType is the schema type of a catalog value.
type ValueType string

const (
	TypeNumber  ValueType = "number"
	TypeInteger ValueType = "integer"
	TypeString  ValueType = "string"
	TypeBoolean ValueType = "boolean"
	TypeArray   ValueType = "array"
)

// Schema bounds a catalog value.
type Schema struct {
	Type ValueType `json:"type"`
	Min  *float64  `json:"min,omitempty"`
	Max  *float64  `json:"max,omitempty"`
	Enum []string  `json:"enum,omitempty"`
	Elem ValueType `json:"elem,omitempty"` // array element type
}

// Item is one catalog entry.
type Item struct {
	Key           string        `json:"key"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Category      string        `json:"category"`
	Safety        Safety        `json:"safety"`
	Scope         string        `json:"scope"`
	Storage       string        `json:"storage"`
	Apply         Apply         `json:"apply"`
	Schema        Schema        `json:"schema"`
	Default       interface{}   `json:"default"`
	RiskDirection RiskDirection `json:"risk_direction,omitempty"`
	Secret        bool          `json:"secret,omitempty"`
}

// Override is an operator-created value for a key. At most one override per
// key is active at a time.
type Override struct {
	ID            string      `json:"id"`
	Key           string      `json:"key"`
	Value         interface{} `json:"value"`
	PreviousValue interface{} `json:"previous_value"`
	OperatorID    string      `json:"operator_id"`
	Reason        string      `json:"reason"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	Active        bool        `json:"active"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ReceiptAction labels what a receipt records.
type ReceiptAction string

const (
	ActionOverride ReceiptAction = "override"
	ActionRollback ReceiptAction = "rollback"
	ActionPropose  ReceiptAction = "propose"
)

// Receipt is the append-only, HMAC-signed audit entry for a config change.
// Receipts are never mutated or destroyed.
type Receipt struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	Action        ReceiptAction `json:"action"`
	PreviousValue interface{}   `json:"previous_value"`
	NewValue      interface{}   `json:"new_value"`
	OperatorID    string        `json:"operator_id"`
	Reason        string        `json:"reason"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	Signature     string        `json:"signature"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ProvenanceSource labels one layer of the provenance chain.
type ProvenanceSource string

const (
	SourceDefault  ProvenanceSource = "default"
	SourceEnv      ProvenanceSource = "env"
	SourceFile     ProvenanceSource = "file"
	SourceOverride ProvenanceSource = "override"
)

// ProvenanceEntry is one resolved layer for a key.
type ProvenanceEntry struct {
	Source ProvenanceSource `json:"source"`
	Value  interface{}      `json:"value"`
}

// EffectiveValue is the resolution result for a key: the last provenance
// entry wins.
type EffectiveValue struct {
	Key        string            `json:"key"`
	Value      interface{}       `json:"value"`
	Provenance []ProvenanceEntry `json:"provenance"`
	Item       Item              `json:"item"`
}
