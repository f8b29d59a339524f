package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/broker"
	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/protocol"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/scheduler"
)

// Hub owns every live client connection for the process and wires each one to
// the broker, presence registry, router, and scheduler. Authentication has
// already happened by the time ServeWebSocket is called (spec §4.1), so Hub
// never sees an unauthenticated socket, unlike the teacher's Hub.
type Hub struct {
	cfg       *config.Config
	b         *broker.Broker
	presence  *presence.Registry
	router    *router.Router
	scheduler *scheduler.Scheduler
	agents    AgentRepository
	log       zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client // sessionID -> Client
}

// NewHub creates a Hub.
func NewHub(cfg *config.Config, b *broker.Broker, pres *presence.Registry, r *router.Router, sched *scheduler.Scheduler, agents AgentRepository, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		b:         b,
		presence:  pres,
		router:    r,
		scheduler: sched,
		agents:    agents,
		log:       logger.With().Str("component", "gateway").Logger(),
		clients:   make(map[string]*Client),
	}
}

func fleetTopic(fleetID string) string          { return "fleet:" + fleetID }
func tagTopic(fleetID, tag string) string       { return "fleet:" + fleetID + ":tag:" + tag }
func agentTopic(fleetID, agentID string) string { return "fleet:" + fleetID + ":agent:" + agentID }

// ServeWebSocket adopts an already-upgraded, already-authenticated
// connection: it tracks presence, pushes the initial roster and any queued
// direct messages, subscribes the socket to its fleet and agent broker
// topics, then blocks on the read loop until the connection dies.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, auth *AuthResult) {
	sessionID := uuid.NewString()
	client := newClient(h, conn, auth, sessionID, h.log)
	ctx := context.Background()

	entry := presence.Entry{
		SessionID:   sessionID,
		AgentID:     auth.AgentID,
		State:       presence.StateOnline,
		ConnectedAt: time.Now(),
	}
	if err := h.presence.Track(ctx, auth.FleetID, entry); err != nil {
		h.log.Warn().Err(err).Str("agent_id", auth.AgentID).Msg("failed to track presence on connect")
	}

	h.register(client)
	go client.writePump()

	if frame, err := protocol.NewEventFrame("presence:roster", map[string]any{"agents": h.presence.List(auth.FleetID)}); err == nil {
		client.enqueue(frame)
	}

	h.router.DeliverQueued(ctx, auth.FleetID, auth.AgentID, func(env router.DirectEnvelope) {
		if frame, err := protocol.NewEventFrame("direct_message", env); err == nil {
			client.enqueue(frame)
		}
	})

	unsubscribeFleet := h.forward(client, fleetTopic(auth.FleetID), "fleet")
	unsubscribeAgent := h.forward(client, agentTopic(auth.FleetID, auth.AgentID), "agent")
	defer unsubscribeFleet()
	defer unsubscribeAgent()

	client.readPump() // blocks until the socket dies; its defer calls h.unregister

	if err := h.presence.Untrack(ctx, auth.FleetID, auth.AgentID, sessionID); err != nil {
		h.log.Warn().Err(err).Str("agent_id", auth.AgentID).Msg("failed to untrack presence on disconnect")
	}
	if err := h.agents.TouchLastSeen(ctx, auth.AgentID); err != nil {
		h.log.Warn().Err(err).Str("agent_id", auth.AgentID).Msg("failed to touch last_seen_at on disconnect")
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.sessionID] = c
	h.mu.Unlock()
	metrics.ConnectedAgents.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.sessionID)
	h.mu.Unlock()
	metrics.ConnectedAgents.Dec()
	c.closeSend()
}

// subscribeTag wires a client to one activity:subscribe tag topic, used by
// Client.handleActivitySubscribe. The returned func tears the subscription
// down on activity:unsubscribe or disconnect.
func (h *Hub) subscribeTag(c *Client, fleetID, tag string) func() {
	return h.forward(c, tagTopic(fleetID, tag), "tag")
}

// pushEnvelope is the subset of fields every kind of pushed payload might
// carry, sniffed to decide the wire event name a raw broker payload should
// be forwarded under.
type pushEnvelope struct {
	Kind      string `json:"kind"`
	MessageID string `json:"message_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// wireEventFor maps a raw payload arriving on a topic of the given class to
// the spec §6 event name a client frame should carry. Presence and memory
// payloads already carry their own wire event name as Kind (presence:joined,
// memory:changed, ...); tagged activity and the mixed agent topic (direct
// messages, task assignments, task results) need the class and, for the
// agent topic, the payload shape to disambiguate.
func wireEventFor(topicClass string, raw []byte) (string, bool) {
	var env pushEnvelope
	_ = json.Unmarshal(raw, &env)

	switch topicClass {
	case "fleet", "memory":
		return env.Kind, env.Kind != ""
	case "tag":
		return "activity:broadcast", true
	case "agent":
		switch {
		case env.MessageID != "":
			return env.Kind, true // direct_message
		case env.Kind == "task_assignment":
			return "task:assigned", true
		case env.Kind == "task_result":
			if env.Status == string(scheduler.StatusTimeout) {
				return "task:timeout", true
			}
			return "task:result", true
		default:
			return "activity:broadcast", true
		}
	default:
		return "", false
	}
}

// forward subscribes to topic and relays every payload to c's send channel as
// a protocol.Frame, translated by wireEventFor. The raw payload is reused
// directly as the frame's JSON payload rather than re-marshaled, since it is
// already valid JSON produced by presence/router/scheduler.
func (h *Hub) forward(c *Client, topic, topicClass string) func() {
	ch, unsubscribe := h.b.Subscribe(topic)
	go func() {
		for raw := range ch {
			event, ok := wireEventFor(topicClass, raw)
			if !ok {
				continue
			}
			frame, err := json.Marshal(protocol.Frame{
				Type:    protocol.FrameTypeEvent,
				Event:   event,
				Payload: json.RawMessage(raw),
			})
			if err != nil {
				h.log.Warn().Err(err).Str("topic", topic).Msg("failed to build event frame")
				continue
			}
			c.enqueue(frame)
		}
	}()
	return unsubscribe
}

// ClientCount returns the number of locally connected sockets, for metrics.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every locally connected socket with a going-away code,
// used during graceful drain.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		c.closeSend()
	}
}
