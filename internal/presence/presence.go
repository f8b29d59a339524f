// Package presence implements PresenceRegistry from spec §4.3: a fleet-scoped
// mapping of agent_id to the list of that agent's living PresenceEntry values,
// one per connected socket, with broadcast on join/update/leave. Rewritten from
// the teacher's Valkey-backed single-key Store into an in-memory multi-socket
// roster guarded by sync.RWMutex, grounded on hub.go's
// `clients map[uuid.UUID]*Client` registration pattern: a roster entry list per
// agent cannot be expressed as one scalar Valkey key the way Discord presence
// status was.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ringforge/hub/internal/broker"
)

// State enumerates the PresenceEntry.state values from spec §3.
type State string

const (
	StateOnline  State = "online"
	StateBusy    State = "busy"
	StateAway    State = "away"
	StateOffline State = "offline"
)

// ErrInvalidState is returned by Update when patch.State is set to a value
// outside the State enum.
var ErrInvalidState = errors.New("presence: invalid state")

func validState(s State) bool {
	switch s {
	case StateOnline, StateBusy, StateAway, StateOffline:
		return true
	}
	return false
}

// Entry is one living attachment of an agent to a fleet, per spec §3.
type Entry struct {
	SessionID    string         `json:"session_id"`
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name,omitempty"`
	Framework    string         `json:"framework,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	State        State          `json:"state"`
	Task         string         `json:"task,omitempty"`
	Load         float64        `json:"load"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ConnectedAt  time.Time      `json:"connected_at"`
}

// Patch carries the permitted mutable fields for Update; a nil field is left
// unchanged.
type Patch struct {
	State    *State
	Task     *string
	Load     *float64
	Metadata map[string]any
}

type joinedEvent struct {
	Kind  string `json:"kind"`
	Entry Entry  `json:"entry"`
}

type stateChangedEvent struct {
	Kind  string `json:"kind"`
	Entry Entry  `json:"entry"`
}

type leftEvent struct {
	Kind      string `json:"kind"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// Registry is the fleet-scoped presence roster.
type Registry struct {
	b *broker.Broker

	mu      sync.RWMutex
	byFleet map[string]map[string][]Entry // fleetID -> agentID -> entries
}

// New creates a Registry that broadcasts changes through b.
func New(b *broker.Broker) *Registry {
	return &Registry{
		b:       b,
		byFleet: make(map[string]map[string][]Entry),
	}
}

func fleetTopic(fleetID string) string { return "fleet:" + fleetID }

// Track appends a new PresenceEntry for agentID on fleetID and emits
// presence:joined to the fleet topic.
func (r *Registry) Track(ctx context.Context, fleetID string, entry Entry) error {
	r.mu.Lock()
	agents, ok := r.byFleet[fleetID]
	if !ok {
		agents = make(map[string][]Entry)
		r.byFleet[fleetID] = agents
	}
	agents[entry.AgentID] = append(agents[entry.AgentID], entry)
	r.mu.Unlock()

	return r.publish(ctx, fleetID, joinedEvent{Kind: "presence:joined", Entry: entry})
}

// Update merges patch into the entry identified by (fleetID, agentID, sessionID)
// and emits presence:state_changed. ErrInvalidState rejects an out-of-enum
// State value.
func (r *Registry) Update(ctx context.Context, fleetID, agentID, sessionID string, patch Patch) (*Entry, error) {
	if patch.State != nil && !validState(*patch.State) {
		return nil, ErrInvalidState
	}

	r.mu.Lock()
	agents, ok := r.byFleet[fleetID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.New("presence: unknown fleet")
	}
	entries := agents[agentID]
	idx := -1
	for i, e := range entries {
		if e.SessionID == sessionID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return nil, errors.New("presence: unknown session")
	}

	e := entries[idx]
	if patch.State != nil {
		e.State = *patch.State
	}
	if patch.Task != nil {
		e.Task = *patch.Task
	}
	if patch.Load != nil {
		e.Load = *patch.Load
	}
	if patch.Metadata != nil {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			e.Metadata[k] = v
		}
	}
	entries[idx] = e
	agents[agentID] = entries
	r.mu.Unlock()

	if err := r.publish(ctx, fleetID, stateChangedEvent{Kind: "presence:state_changed", Entry: e}); err != nil {
		return &e, err
	}
	return &e, nil
}

// Untrack removes the entry for (fleetID, agentID, sessionID) when the
// underlying socket terminates, and emits presence:left.
func (r *Registry) Untrack(ctx context.Context, fleetID, agentID, sessionID string) error {
	r.mu.Lock()
	agents, ok := r.byFleet[fleetID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	entries := agents[agentID]
	filtered := entries[:0]
	for _, e := range entries {
		if e.SessionID != sessionID {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(agents, agentID)
	} else {
		agents[agentID] = filtered
	}
	r.mu.Unlock()

	return r.publish(ctx, fleetID, leftEvent{Kind: "presence:left", AgentID: agentID, SessionID: sessionID})
}

// List returns the full roster for fleetID, flattened across agents, for
// delivery to a joining agent.
func (r *Registry) List(fleetID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := r.byFleet[fleetID]
	var out []Entry
	for _, entries := range agents {
		out = append(out, entries...)
	}
	return out
}

func (r *Registry) publish(ctx context.Context, fleetID string, event any) error {
	if r.b == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.b.Publish(ctx, fleetTopic(fleetID), payload)
}
