package eventbus

import (
	"context"
	"sync"
)

// LocalBus is a per-topic bounded append log, up to maxPerTopic entries with
// oldest-first eviction by insertion order, per spec §4.6. Subscribe is a no-op: the
// local process model delivers live events via the in-process broker, and the bus
// exists purely for replay.
type LocalBus struct {
	maxPerTopic int

	mu     sync.Mutex
	topics map[string][]Event
}

// NewLocal creates a Local event bus backend holding up to maxPerTopic entries per
// topic (local_bus_max_events_per_topic, default 10000 per spec §6).
func NewLocal(maxPerTopic int) *LocalBus {
	return &LocalBus{
		maxPerTopic: maxPerTopic,
		topics:      make(map[string][]Event),
	}
}

// Publish appends event to topic's log, evicting the oldest entry once the topic
// exceeds maxPerTopic entries.
func (b *LocalBus) Publish(_ context.Context, topic string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := append(b.topics[topic], event)
	if len(log) > b.maxPerTopic {
		log = log[len(log)-b.maxPerTopic:]
	}
	b.topics[topic] = log
	return nil
}

// Subscribe is a no-op for the Local backend; live delivery rides the broker.
func (b *LocalBus) Subscribe(_ context.Context, _ string, _ SubscribeOptions) error {
	return nil
}

// Replay returns the tail of topic's log, most recent opts.Limit entries, optionally
// filtered by kind.
func (b *LocalBus) Replay(_ context.Context, topic string, opts ReplayOptions) ([]Event, error) {
	b.mu.Lock()
	log := append([]Event(nil), b.topics[topic]...)
	b.mu.Unlock()

	var filtered []Event
	for _, e := range log {
		if !opts.FromTS.IsZero() && e.Timestamp.Before(opts.FromTS) {
			continue
		}
		if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, e.Kind) {
			continue
		}
		filtered = append(filtered, e)
	}

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[len(filtered)-opts.Limit:]
	}
	return filtered, nil
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
