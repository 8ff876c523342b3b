package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/titanops/titan-brain/internal/domain"
)

// EnvelopeVersion is the wire version stamped on outbound messages.
const EnvelopeVersion = "1"

// Envelope is the common wrapper around every bus message. Consumers use ID
// for deduplication and tracing. Unknown fields on inbound envelopes are
// retained in Raw but never trusted by the core.
type Envelope struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	Type           string          `json:"type"`
	Producer       string          `json:"producer"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`

	// Raw is the full inbound message including fields this version does
	// not know about. Empty on locally built envelopes.
	Raw []byte `json:"-"`
}

// NewEnvelope wraps payload for publishing. Marshalling failures are
// VALIDATION errors: a payload that cannot serialize must never reach the bus.
func NewEnvelope(msgType, producer string, payload interface{}) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, fmt.Errorf("failed to marshal payload: %w", err))
	}

	return &Envelope{
		ID:        uuid.NewString(),
		Version:   EnvelopeVersion,
		Type:      msgType,
		Producer:  producer,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}, nil
}

// WithCorrelation sets tracing ids and returns the envelope for chaining.
func (e *Envelope) WithCorrelation(correlationID, causationID string) *Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an inbound message. A missing or
// malformed envelope is a VALIDATION error; callers route those to the
// dead-letter subject.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.NewError(domain.KindValidation, fmt.Errorf("malformed envelope: %w", err))
	}

	if env.ID == "" {
		return nil, domain.Errorf(domain.KindValidation, "envelope missing id")
	}
	if env.Type == "" {
		return nil, domain.Errorf(domain.KindValidation, "envelope missing type")
	}
	if env.Producer == "" {
		return nil, domain.Errorf(domain.KindValidation, "envelope missing producer")
	}

	env.Raw = data
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return domain.NewError(domain.KindValidation, fmt.Errorf("malformed payload for %s: %w", e.Type, err))
	}
	return nil
}
