package router

import (
	"context"
	"encoding/json"
	"fmt"
)

// MemoryScope enumerates the two shared-memory namespaces spec §6 names: a
// private per-agent scratchpad (mem:) and a fleet-wide shared key/value space
// (smem:) whose writes broadcast memory:changed to every subscriber.
type MemoryScope string

const (
	MemoryScopePrivate MemoryScope = "private"
	MemoryScopeShared  MemoryScope = "shared"
)

func memoryKey(scope MemoryScope, fleetID, agentID, key string) string {
	if scope == MemoryScopePrivate {
		return fmt.Sprintf("mem:%s:%s:%s", fleetID, agentID, key)
	}
	return fmt.Sprintf("smem:%s:%s", fleetID, key)
}

func memoryTopic(fleetID, key string) string { return "memory:" + fleetID + ":" + key }
func memoryAllTopic(fleetID string) string    { return "memory:" + fleetID + ":_all" }

type memoryChangedEvent struct {
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// MemoryGet reads the value stored at key under scope, returning
// docstore.ErrNotFound when absent.
func (r *Router) MemoryGet(ctx context.Context, fleetID, agentID, key string, scope MemoryScope) (json.RawMessage, error) {
	doc, err := r.docs.Get(ctx, memoryKey(scope, fleetID, agentID, key))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc.Body), nil
}

// MemoryPut writes value at key under scope. A shared-scope write broadcasts
// memory:changed to the key-specific and fleet-wide memory topics and mirrors
// the change to the EventBus, partitioned by key per spec §3. A private-scope
// write is visible only to future MemoryGet calls from the same agent.
func (r *Router) MemoryPut(ctx context.Context, fleetID, agentID, key string, value json.RawMessage, scope MemoryScope) error {
	if err := r.docs.Put(ctx, memoryKey(scope, fleetID, agentID, key), nil, value); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	if scope != MemoryScopeShared {
		return nil
	}

	event := memoryChangedEvent{Kind: "memory:changed", Key: key, Value: value}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal memory change: %w", err)
	}
	if err := r.b.Publish(ctx, memoryTopic(fleetID, key), payload); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to publish memory change to key topic")
	}
	if err := r.b.Publish(ctx, memoryAllTopic(fleetID), payload); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to publish memory change to fleet topic")
	}

	r.mirrorToBus(ctx, fleetID, "memory", key, payload)
	return nil
}

// MemoryDelete removes the value at key under scope. Shared-scope deletes
// broadcast memory:changed with a nil value, signalling removal to
// subscribers the same way a put signals a write.
func (r *Router) MemoryDelete(ctx context.Context, fleetID, agentID, key string, scope MemoryScope) error {
	if err := r.docs.Delete(ctx, memoryKey(scope, fleetID, agentID, key)); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if scope != MemoryScopeShared {
		return nil
	}

	event := memoryChangedEvent{Kind: "memory:changed", Key: key}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal memory change: %w", err)
	}
	if err := r.b.Publish(ctx, memoryTopic(fleetID, key), payload); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to publish memory deletion to key topic")
	}
	if err := r.b.Publish(ctx, memoryAllTopic(fleetID), payload); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to publish memory deletion to fleet topic")
	}

	r.mirrorToBus(ctx, fleetID, "memory", key, payload)
	return nil
}
