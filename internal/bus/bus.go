// Package bus publishes benchmark lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type, equal to the topic it was published on.
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created (unix millis).
	Timestamp int64 `json:"timestamp"`

	// CorrelationID groups the events of one CLI invocation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(topic, source, correlationID string, payload any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          topic,
		Source:        source,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Lifecycle topics.
const (
	TopicSeedCompleted  = "bench.seed.completed"
	TopicSeedSkipped    = "bench.seed.skipped"
	TopicRunCompleted   = "bench.run.completed"
	TopicTestCaseFailed = "bench.testcase.failed"
)

// Topics lists every lifecycle topic.
var Topics = []string{
	TopicSeedCompleted,
	TopicSeedSkipped,
	TopicRunCompleted,
	TopicTestCaseFailed,
}

// SeedPayload accompanies seed events.
type SeedPayload struct {
	TestCase    string `json:"test_case"`
	Documents   int    `json:"documents"`
	Fingerprint string `json:"corpus_fingerprint,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RunPayload accompanies bench.run.completed.
type RunPayload struct {
	TestCase       string   `json:"test_case"`
	RunID          string   `json:"run_id"`
	RunDir         string   `json:"run_dir"`
	Queries        int      `json:"queries"`
	WithResults    int      `json:"with_results"`
	MeanRank1Score *float64 `json:"mean_rank1_score"`
}

// FailurePayload accompanies bench.testcase.failed.
type FailurePayload struct {
	TestCase string `json:"test_case"`
	Phase    string `json:"phase"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}
