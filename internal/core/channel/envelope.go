package channel

import "encoding/json"

// Envelope is the wire form of a queued message. This layout is the only
// bit-exact contract the channel has with the peer.
type Envelope[P any] struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Data      P        `json:"data"`
	Timestamp int64    `json:"timestamp"` // Unix milliseconds
	Priority  Priority `json:"priority"`
}

func newEnvelope[P any](m *Message[P]) Envelope[P] {
	return Envelope[P]{
		ID:        m.ID,
		Type:      m.Type,
		Data:      m.Payload,
		Timestamp: m.Timestamp.UnixMilli(),
		Priority:  m.Priority,
	}
}

// Marshal serializes the envelope to JSON.
func (e Envelope[P]) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a wire envelope.
func UnmarshalEnvelope[P any](data []byte) (Envelope[P], error) {
	var e Envelope[P]
	err := json.Unmarshal(data, &e)
	return e, err
}
