package channel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type betUpdate struct {
	Market string  `json:"market"`
	Odds   float64 `json:"odds"`
}

func TestEnvelope_RoundTrip(t *testing.T) {
	m := &Message[betUpdate]{
		ID:        newMessageID(),
		Type:      "bet_update",
		Payload:   betUpdate{Market: "match_winner", Odds: 2.35},
		Priority:  PriorityHigh,
		Timestamp: time.Now(),
	}

	data, err := newEnvelope(m).Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope[betUpdate](data)
	require.NoError(t, err)

	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.Payload, decoded.Data)
	assert.Equal(t, m.Timestamp.UnixMilli(), decoded.Timestamp)
	assert.Equal(t, PriorityHigh, decoded.Priority)
}

func TestEnvelope_WireLayout(t *testing.T) {
	m := &Message[betUpdate]{
		ID:        "1726000000000-abcd1234",
		Type:      "bet_update",
		Payload:   betUpdate{Market: "over_under", Odds: 1.9},
		Priority:  PriorityCritical,
		Timestamp: time.UnixMilli(1726000000000),
	}

	data, err := newEnvelope(m).Marshal()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Contains(t, raw, "id")
	assert.Contains(t, raw, "type")
	assert.Contains(t, raw, "data")
	assert.Contains(t, raw, "timestamp")
	assert.Contains(t, raw, "priority")
	assert.Len(t, raw, 5, "the wire envelope carries exactly five fields")

	assert.JSONEq(t, `"critical"`, string(raw["priority"]), "priority serializes by name")
	assert.JSONEq(t, `1726000000000`, string(raw["timestamp"]), "timestamp is unix millis")
}

func TestPriority_ParseAndString(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err, "unknown names must be rejected")

	var p Priority
	assert.Error(t, p.UnmarshalJSON([]byte(`42`)), "numeric priorities are not part of the wire format")
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "retrying", StatusRetrying.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "success", StatusSuccess.String())
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := newMessageID()
		_, dup := seen[id]
		require.False(t, dup, "ids must be unique")
		seen[id] = struct{}{}
	}
}
