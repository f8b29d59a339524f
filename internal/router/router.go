// Package router implements MessageRouter from spec §4.4: fleet/tagged/direct
// activity delivery, the direct-message offline queue, and history replay over
// the event bus. Grounded on spec §4.4 directly; HTML-sanitizes free text with
// the teacher's own `microcosm-cc/bluemonday` dependency, applied to activity
// descriptions and direct-message bodies. Task prompts and results are not
// sanitized.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/agentdir"
	"github.com/ringforge/hub/internal/broker"
	"github.com/ringforge/hub/internal/docstore"
	"github.com/ringforge/hub/internal/eventbus"
	"github.com/ringforge/hub/internal/presence"
)

// Scope enumerates the three delivery scopes from spec §4.4.
type Scope string

const (
	ScopeFleet  Scope = "fleet"
	ScopeTagged Scope = "tagged"
	ScopeDirect Scope = "direct"
)

// Kind enumerates the closed activity kind set from spec §4.4.
var validKinds = map[string]struct{}{
	"task_started":   {},
	"task_progress":  {},
	"task_completed": {},
	"task_failed":    {},
	"discovery":      {},
	"question":       {},
	"alert":          {},
	"custom":         {},
}

// ErrInvalidKind is returned when an activity kind is outside the closed set.
var ErrInvalidKind = errors.New("router: invalid kind")

// dashboardTarget is the always-valid literal direct-message target named in
// spec §4.4.
const dashboardTarget = "dashboard"

// offlineTTL returns the lazy-expiry window for a queued direct message,
// per spec §3: 300s default, 86400s for high/critical priority.
func offlineTTL(priority string) time.Duration {
	switch priority {
	case "high", "critical":
		return 86400 * time.Second
	default:
		return 300 * time.Second
	}
}

// Activity is one fleet/tagged broadcast from an agent.
type Activity struct {
	Kind        string   `json:"kind"`
	FromAgentID string   `json:"from_agent_id"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Data        any      `json:"data,omitempty"`
}

// DirectMessage is the payload of a direct:send request.
type DirectMessage struct {
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

// DirectEnvelope is the wire shape stored/delivered for a direct message,
// per spec §3. Kind is always "direct_message", carried for the same reason
// every other pushed payload carries one: so the gateway can pick the right
// event name when forwarding a raw broker payload without knowing in advance
// what topic it came from.
type DirectEnvelope struct {
	Kind          string          `json:"kind"`
	MessageID     string          `json:"message_id"`
	From          EnvelopeAgent   `json:"from"`
	To            string          `json:"to"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Message       json.RawMessage `json:"message"`
	Timestamp     time.Time       `json:"timestamp"`
}

// EnvelopeAgent is the {agent_id, name} pair embedded in a DirectEnvelope.
type EnvelopeAgent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// AgentLookup resolves whether a target agent_id exists and which fleet it
// belongs to. Implemented by *agentdir.Repository in production.
type AgentLookup interface {
	GetByID(ctx context.Context, agentID string) (*agentdir.Agent, error)
}

// Router wires together the broker (live fanout), the event bus (history),
// the presence roster (online/offline resolution), the document store
// (offline queue), and the agent directory (target validation).
type Router struct {
	b         *broker.Broker
	bus       eventbus.Bus
	presence  *presence.Registry
	docs      docstore.Store
	agents    AgentLookup
	sanitizer *bluemonday.Policy
	log       zerolog.Logger
}

// New creates a Router.
func New(b *broker.Broker, bus eventbus.Bus, pres *presence.Registry, docs docstore.Store, agents AgentLookup, logger zerolog.Logger) *Router {
	return &Router{
		b:         b,
		bus:       bus,
		presence:  pres,
		docs:      docs,
		agents:    agents,
		sanitizer: bluemonday.StrictPolicy(),
		log:       logger.With().Str("component", "router").Logger(),
	}
}

func fleetTopic(fleetID string) string          { return "fleet:" + fleetID }
func tagTopic(fleetID, tag string) string       { return "fleet:" + fleetID + ":tag:" + tag }
func agentTopic(fleetID, agentID string) string { return "fleet:" + fleetID + ":agent:" + agentID }

// Publish delivers act to the given scope and asynchronously mirrors it to the
// EventBus topic "{fleet}.activity". Publish failures to the bus are logged,
// never surfaced to the caller, per spec §4.4. to is only consulted for
// ScopeDirect, naming the single recipient agent_id.
func (r *Router) Publish(ctx context.Context, fleetID string, scope Scope, act Activity, to string) error {
	if _, ok := validKinds[act.Kind]; !ok {
		return ErrInvalidKind
	}
	act.Description = r.sanitizer.Sanitize(act.Description)

	payload, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	switch scope {
	case ScopeFleet:
		if err := r.b.Publish(ctx, fleetTopic(fleetID), payload); err != nil {
			return fmt.Errorf("publish fleet activity: %w", err)
		}
	case ScopeTagged:
		for _, tag := range act.Tags {
			if err := r.b.Publish(ctx, tagTopic(fleetID, tag), payload); err != nil {
				return fmt.Errorf("publish tagged activity: %w", err)
			}
		}
	case ScopeDirect:
		if err := r.b.Publish(ctx, agentTopic(fleetID, to), payload); err != nil {
			return fmt.Errorf("publish direct activity: %w", err)
		}
	default:
		return fmt.Errorf("router: unsupported scope for Publish: %s", scope)
	}

	go r.mirrorToBus(context.WithoutCancel(ctx), fleetID, "activity", act.FromAgentID, payload)
	return nil
}

func (r *Router) mirrorToBus(ctx context.Context, fleetID, kind, partitionKey string, payload json.RawMessage) {
	if r.bus == nil {
		return
	}
	event := eventbus.Event{Timestamp: time.Now(), Kind: kind, PartitionKey: partitionKey, Payload: payload}
	if err := r.bus.Publish(ctx, fleetID+"."+kind, event); err != nil {
		r.log.Warn().Err(err).Str("fleet_id", fleetID).Msg("failed to mirror event to bus")
	}
}

// SendDirectResult is the {message_id, status} ack returned by SendDirect.
type SendDirectResult struct {
	MessageID string
	Status    string // "delivered" or "queued"
}

// SendDirect implements the direct:send flow from spec §4.4.
func (r *Router) SendDirect(ctx context.Context, fleetID string, from EnvelopeAgent, to string, msg DirectMessage, correlationID string) (*SendDirectResult, error) {
	if to != dashboardTarget {
		if err := r.resolveTarget(ctx, fleetID, to); err != nil {
			return nil, err
		}
	}

	msg.Body = r.sanitizer.Sanitize(msg.Body)
	msgPayload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal direct message: %w", err)
	}

	messageID, err := newMessageID()
	if err != nil {
		return nil, err
	}

	envelope := DirectEnvelope{
		Kind:          "direct_message",
		MessageID:     messageID,
		From:          from,
		To:            to,
		CorrelationID: correlationID,
		Message:       msgPayload,
		Timestamp:     time.Now(),
	}
	envelopePayload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if err := r.b.Publish(ctx, agentTopic(fleetID, to), envelopePayload); err != nil {
		return nil, fmt.Errorf("publish direct envelope: %w", err)
	}

	status := "queued"
	if r.isOnline(fleetID, to) {
		status = "delivered"
	} else {
		key := fmt.Sprintf("dmq:%s:%s:%s", fleetID, to, messageID)
		if err := r.docs.Put(ctx, key, nil, envelopePayload); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to queue offline direct message")
		}
	}

	r.mirrorToBus(ctx, fleetID, "direct", from.AgentID, envelopePayload)

	return &SendDirectResult{MessageID: messageID, Status: status}, nil
}

func (r *Router) resolveTarget(ctx context.Context, fleetID, to string) error {
	if r.isOnline(fleetID, to) {
		return nil
	}
	if r.agents == nil {
		return nil
	}
	agent, err := r.agents.GetByID(ctx, to)
	if err != nil {
		if errors.Is(err, agentdir.ErrNotFound) {
			return fmt.Errorf("router: target agent not found: %s", to)
		}
		return err
	}
	if agent.FleetID.String() != fleetID {
		return agentdir.ErrCrossTenant
	}
	return nil
}

func (r *Router) isOnline(fleetID, agentID string) bool {
	if r.presence == nil {
		return false
	}
	for _, e := range r.presence.List(fleetID) {
		if e.AgentID == agentID {
			return true
		}
	}
	return false
}

// DeliverQueued scans dmq:{fleet}:{agent}:* on join, delivering every
// non-expired envelope and deleting its queue record; expired envelopes are
// deleted in place. Listing/delivery failures log but never fail the join,
// per spec §4.4.
func (r *Router) DeliverQueued(ctx context.Context, fleetID, agentID string, deliver func(DirectEnvelope)) {
	prefix := fmt.Sprintf("dmq:%s:%s:", fleetID, agentID)
	keys, err := r.docs.List(ctx, prefix)
	if err != nil {
		r.log.Warn().Err(err).Str("prefix", prefix).Msg("failed to list queued direct messages")
		return
	}

	for _, key := range keys {
		doc, err := r.docs.Get(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to load queued direct message")
			continue
		}

		var envelope DirectEnvelope
		if err := json.Unmarshal(doc.Body, &envelope); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to decode queued envelope")
			_ = r.docs.Delete(ctx, key)
			continue
		}

		var msg DirectMessage
		_ = json.Unmarshal(envelope.Message, &msg)

		if time.Since(envelope.Timestamp) > offlineTTL(msg.Priority) {
			_ = r.docs.Delete(ctx, key)
			continue
		}

		deliver(envelope)
		if err := r.docs.Delete(ctx, key); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to delete delivered queue record")
		}
	}
}

// HistoryQuery bounds an activity/direct history replay, per spec §4.4.
type HistoryQuery struct {
	Limit  int
	Kinds  []string
	From   time.Time
	To     time.Time
	Agents []string
	Tags   []string
}

// ActivityHistory fetches {fleet}.activity with an inflated bound (limit x 10),
// then filters locally by timestamp range, kind set, sender, and tag
// intersection, returning the last Limit entries in timestamp order.
func (r *Router) ActivityHistory(ctx context.Context, fleetID string, q HistoryQuery) ([]Activity, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	raw, err := r.bus.Replay(ctx, fleetID+".activity", eventbus.ReplayOptions{Limit: limit * 10, FromTS: q.From})
	if err != nil {
		return nil, fmt.Errorf("replay activity history: %w", err)
	}

	agentSet := toSet(q.Agents)
	tagSet := toSet(q.Tags)

	var out []Activity
	for _, e := range raw {
		var act Activity
		if err := json.Unmarshal(e.Payload, &act); err != nil {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		if len(q.Kinds) > 0 && !containsString(q.Kinds, act.Kind) {
			continue
		}
		if len(agentSet) > 0 {
			if _, ok := agentSet[act.FromAgentID]; !ok {
				continue
			}
		}
		if len(tagSet) > 0 && !intersects(tagSet, act.Tags) {
			continue
		}
		out = append(out, act)
	}

	// raw is already timestamp-ordered ascending by Replay; filtering preserves order.
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DirectHistory fetches {fleet}.direct and filters envelopes matching either
// ordering of (agentA, agentB), truncated to Limit.
func (r *Router) DirectHistory(ctx context.Context, fleetID, agentA, agentB string, limit int) ([]DirectEnvelope, error) {
	if limit <= 0 {
		limit = 50
	}

	raw, err := r.bus.Replay(ctx, fleetID+".direct", eventbus.ReplayOptions{Limit: limit * 10})
	if err != nil {
		return nil, fmt.Errorf("replay direct history: %w", err)
	}

	var out []DirectEnvelope
	for _, e := range raw {
		var env DirectEnvelope
		if err := json.Unmarshal(e.Payload, &env); err != nil {
			continue
		}
		match := (env.From.AgentID == agentA && env.To == agentB) || (env.From.AgentID == agentB && env.To == agentA)
		if !match {
			continue
		}
		out = append(out, env)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

func containsString(items []string, v string) bool {
	for _, i := range items {
		if i == v {
			return true
		}
	}
	return false
}

func intersects(set map[string]struct{}, items []string) bool {
	for _, i := range items {
		if _, ok := set[i]; ok {
			return true
		}
	}
	return false
}

func newMessageID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return "msg_" + hex.EncodeToString(buf), nil
}
