// Package eventbus implements the pluggable append-only event log described in spec
// §4.6: publish/subscribe/replay over a logical topic shaped {fleet_id}.{kind}, with
// two reference backends (Local and Streaming) sharing one contract so callers are
// backend-agnostic, per spec §9's "pluggable bus → polymorphic capability set" note.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind enumerates the logical topic kinds named in spec §3.
const (
	KindActivity  = "activity"
	KindMemory    = "memory"
	KindDirect    = "direct"
	KindTasks     = "tasks"
	KindTelemetry = "telemetry"
	KindAudit     = "audit"
)

// Sentinel errors mapped to the capacity/availability reasons in spec §7.
var (
	ErrBackpressure = errors.New("event bus: publish queue full")
	ErrUnavailable  = errors.New("event bus: backend unavailable")
	ErrTimeout      = errors.New("event bus: operation timed out")
)

// Event is one append-only record on a logical topic, per spec §3.
type Event struct {
	Timestamp    time.Time       `json:"timestamp"`
	Kind         string          `json:"kind,omitempty"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// SubscribeOptions configures a live subscription. Callback receives every event
// published to the topic after subscription. The Local backend treats Subscribe as a
// no-op per spec §4.6 — live delivery rides the in-process broker, not the bus.
type SubscribeOptions struct {
	Callback func(Event)
}

// ReplayOptions bounds a replay query.
type ReplayOptions struct {
	Limit  int
	Kinds  []string
	FromTS time.Time
}

// Bus is the behavior every backend satisfies, per spec §4.6.
type Bus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) error
	Replay(ctx context.Context, topic string, opts ReplayOptions) ([]Event, error)
}
