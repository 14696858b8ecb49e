package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Priority defines message priority levels. Higher values dispatch first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a wire/config name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityLow, errors.Errorf("unknown priority %q", s)
	}
}

// MarshalJSON serializes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status represents the dispatch state of a queued message. Only the queue
// mutates it.
type Status uint8

const (
	StatusPending Status = iota
	StatusRetrying
	StatusFailed
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRetrying:
		return "retrying"
	case StatusFailed:
		return "failed"
	case StatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// Message is a queued outbound message. The payload is opaque to the queue
// and only ever serialized at send time.
type Message[P any] struct {
	ID          string
	Type        string
	Payload     P
	Priority    Priority
	Status      Status
	Attempts    int
	MaxAttempts int
	Timestamp   time.Time
	LastAttempt time.Time // zero until the first dispatch attempt
	Error       string
	Endpoint    string // optional routing hint, diagnostics only

	seq uint64 // insertion order, breaks priority ties
}

// newMessageID builds an identifier from the creation time and a random
// suffix, unique enough for an in-memory queue.
func newMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
