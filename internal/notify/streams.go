package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// Envelope is the canonical wrapper for events crossing the async boundary
// to remote subscribers: other instances, webhooks, humans. Consumers
// deduplicate on EventID if they need exactly-once.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Attempt    int             `json:"attempt"`
	Data       json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// StreamTarget delivers events onto a Redis Stream. This is the async
// boundary cross-instance watches ride on: a remote watcher holds a
// subscription here, and its own instance consumes the stream.
type StreamTarget struct {
	client *redis.Client
	stream string
	maxLen int64
}

// StreamOption configures a StreamTarget.
type StreamOption func(*StreamTarget)

// WithMaxLenApprox caps the stream at an approximate length.
func WithMaxLenApprox(maxLen int64) StreamOption {
	return func(t *StreamTarget) {
		if maxLen > 0 {
			t.maxLen = maxLen
		}
	}
}

// NewStreamTarget creates a delivery target appending to one stream.
func NewStreamTarget(client *redis.Client, stream string, opts ...StreamOption) *StreamTarget {
	t := &StreamTarget{client: client, stream: stream}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Deliver wraps the event in an envelope and appends it to the stream.
func (t *StreamTarget) Deliver(ctx context.Context, ev data.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	env := Envelope{
		EventID:    uuid.NewString(),
		EventType:  "record." + string(ev.Type),
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates
// required fields. The consuming side of the stream uses it.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
