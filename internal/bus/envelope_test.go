package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan-brain/internal/domain"
)

func TestNewEnvelopeStampsIdentity(t *testing.T) {
	env, err := NewEnvelope("exec.place", "titan-brain", map[string]interface{}{"signal_id": "s1"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, "exec.place", env.Type)
	assert.Equal(t, "titan-brain", env.Producer)
	assert.False(t, env.Timestamp.IsZero())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("exec.fill", "executor", map[string]interface{}{"signal_id": "s1", "realized_pnl": 12.5})
	require.NoError(t, err)
	env.WithCorrelation("corr-1", "cause-1")

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
	assert.Equal(t, "cause-1", decoded.CausationID)

	var payload map[string]interface{}
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, "s1", payload["signal_id"])
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("{not json"))
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = DecodeEnvelope([]byte(`{"version":"1","type":"x","producer":"p"}`))
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing id must be rejected")

	_, err = DecodeEnvelope([]byte(`{"id":"a","version":"1","producer":"p"}`))
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing type must be rejected")

	_, err = DecodeEnvelope([]byte(`{"id":"a","version":"1","type":"x"}`))
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing producer must be rejected")
}

func TestDecodeEnvelopeRetainsUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"a","version":"1","type":"x","producer":"p","payload":{},"future_field":42}`)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	// The raw message, unknown fields included, survives for forwarding.
	var full map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Raw, &full))
	assert.Contains(t, full, "future_field")
}
