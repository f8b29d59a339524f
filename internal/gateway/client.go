package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/agentdir"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/protocol"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/scheduler"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client represents one authenticated agent session. Authentication happens
// before the socket is even accepted (spec §4.1, §6), so unlike the teacher's
// Client there is no unauthenticated window and no Identify/Resume handshake:
// tenant/fleet/agent identity is fixed for the lifetime of the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	tenantID  string
	fleetID   string
	agentID   string
	sessionID string

	// done is closed to signal shutdown. writePump and enqueue both select on
	// it to avoid send-on-closed-channel panics when unregister races with
	// dispatch, same discipline as the teacher's Client.
	done      chan struct{}
	closeOnce sync.Once

	// tagSubs tracks this session's activity:subscribe tags and their broker
	// unsubscribe funcs, so activity:unsubscribe and disconnect can tear them
	// down individually.
	mu      sync.Mutex
	tagSubs map[string]func()

	// Rate limiting state, accessed only from readPump.
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, auth *AuthResult, sessionID string, logger zerolog.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		tenantID:  auth.TenantID,
		fleetID:   auth.FleetID,
		agentID:   auth.AgentID,
		sessionID: sessionID,
		tagSubs:   make(map[string]func()),
		log:       logger.With().Str("agent_id", auth.AgentID).Str("fleet_id", auth.FleetID).Logger(),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames from the WebSocket connection and dispatches them by
// action string. It runs in its own goroutine and owns closing the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	pongWait := c.heartbeatPongWait()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}
		if frame.Type != protocol.FrameTypeAction {
			continue
		}

		c.dispatch(frame.Action, frame.Payload)
	}
}

// writePump writes messages from the send channel to the WebSocket
// connection and pings the peer at the configured heartbeat interval, per
// the WS-level keepalive described in spec §6: a socket that never answers
// a ping within 1.5x the interval has its read deadline expire in readPump.
// It drains any buffered messages on shutdown before returning.
func (c *Client) writePump() {
	ticker := time.NewTicker(time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// heartbeatPongWait is 1.5x the configured heartbeat interval, the read
// deadline readPump enforces between pongs.
func (c *Client) heartbeatPongWait() time.Duration {
	heartbeat := time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond
	return heartbeat + heartbeat/2
}

// enqueue pushes a pre-serialized frame to the client's write channel.
// Silently dropped once the client is shutting down; if the channel is full,
// the connection is closed rather than letting a slow reader backpressure
// the rest of the hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}

// reply marshals and enqueues a protocol.Reply for a client-initiated action.
func (c *Client) reply(action string, r protocol.Reply) {
	frame, err := protocol.NewReplyFrame(action, r)
	if err != nil {
		c.log.Error().Err(err).Str("action", action).Msg("failed to marshal reply")
		return
	}
	c.enqueue(frame)
}

func (c *Client) ok(action, correlationID string, data any) {
	c.reply(action, protocol.OKReply(correlationID, data))
}

func (c *Client) fail(action, correlationID string, reason protocol.Reason, message string) {
	c.reply(action, protocol.ErrReply(correlationID, reason, message))
}

// dispatch routes one inbound action frame to the appropriate collaborator,
// mirroring the teacher's opcode switch but keyed by the action strings spec
// §6 enumerates instead of numeric opcodes.
func (c *Client) dispatch(action string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch action {
	case "presence:update":
		c.handlePresenceUpdate(ctx, payload)
	case "presence:roster":
		c.handlePresenceRoster(payload)
	case "activity:broadcast":
		c.handleActivityBroadcast(ctx, payload)
	case "activity:subscribe":
		c.handleActivitySubscribe(payload)
	case "activity:unsubscribe":
		c.handleActivityUnsubscribe(payload)
	case "activity:history":
		c.handleActivityHistory(ctx, payload)
	case "direct:send":
		c.handleDirectSend(ctx, payload)
	case "task:submit":
		c.handleTaskSubmit(payload)
	case "task:result":
		c.handleTaskResult(payload)
	case "memory:get":
		c.handleMemoryGet(ctx, payload)
	case "memory:put":
		c.handleMemoryPut(ctx, payload)
	case "memory:delete":
		c.handleMemoryDelete(ctx, payload)
	default:
		c.closeWithCode(CloseUnknownAction, "unknown action")
	}
}

type presenceUpdateRequest struct {
	State    *string        `json:"state,omitempty"`
	Task     *string        `json:"task,omitempty"`
	Load     *float64       `json:"load,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (c *Client) handlePresenceUpdate(ctx context.Context, payload json.RawMessage) {
	var req presenceUpdateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("presence:update", "", protocol.ReasonInvalid, "invalid payload")
		return
	}

	var state *presence.State
	if req.State != nil {
		s := presence.State(*req.State)
		state = &s
	}
	patch := presence.Patch{State: state, Task: req.Task, Load: req.Load, Metadata: req.Metadata}
	if _, err := c.hub.presence.Update(ctx, c.fleetID, c.agentID, c.sessionID, patch); err != nil {
		c.fail("presence:update", req.CorrelationID, protocol.ReasonInvalidState, err.Error())
		return
	}
	c.ok("presence:update", req.CorrelationID, map[string]string{"status": "updated"})
}

type presenceRosterRequest struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c *Client) handlePresenceRoster(payload json.RawMessage) {
	var req presenceRosterRequest
	_ = json.Unmarshal(payload, &req)
	c.ok("presence:roster", req.CorrelationID, map[string]any{"agents": c.hub.presence.List(c.fleetID)})
}

type activityBroadcastRequest struct {
	Kind          string   `json:"kind"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Data          any      `json:"data,omitempty"`
	Scope         string   `json:"scope"`
	To            string   `json:"to,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (c *Client) handleActivityBroadcast(ctx context.Context, payload json.RawMessage) {
	var req activityBroadcastRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("activity:broadcast", "", protocol.ReasonInvalid, "invalid payload")
		return
	}

	eventID := newEventID()
	act := router.Activity{Kind: req.Kind, FromAgentID: c.agentID, Description: req.Description, Tags: req.Tags, Data: req.Data}
	if err := c.hub.router.Publish(ctx, c.fleetID, router.Scope(req.Scope), act, req.To); err != nil {
		reason := protocol.ReasonUnavailable
		if errors.Is(err, router.ErrInvalidKind) {
			reason = protocol.ReasonInvalidKind
		}
		c.fail("activity:broadcast", req.CorrelationID, reason, err.Error())
		return
	}
	c.ok("activity:broadcast", req.CorrelationID, map[string]string{"event_id": eventID})
}

type activityTagsRequest struct {
	Tags          []string `json:"tags"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (c *Client) handleActivitySubscribe(payload json.RawMessage) {
	var req activityTagsRequest
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Tags) == 0 {
		c.fail("activity:subscribe", "", protocol.ReasonInvalid, "tags required")
		return
	}

	c.mu.Lock()
	for _, tag := range req.Tags {
		if _, already := c.tagSubs[tag]; already {
			continue
		}
		c.tagSubs[tag] = c.hub.subscribeTag(c, c.fleetID, tag)
	}
	c.mu.Unlock()

	c.ok("activity:subscribe", req.CorrelationID, map[string][]string{"subscribed_tags": req.Tags})
}

func (c *Client) handleActivityUnsubscribe(payload json.RawMessage) {
	var req activityTagsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("activity:unsubscribe", "", protocol.ReasonInvalid, "tags required")
		return
	}

	c.mu.Lock()
	for _, tag := range req.Tags {
		if unsubscribe, ok := c.tagSubs[tag]; ok {
			unsubscribe()
			delete(c.tagSubs, tag)
		}
	}
	c.mu.Unlock()

	c.ok("activity:unsubscribe", req.CorrelationID, nil)
}

type activityHistoryRequest struct {
	Limit         int      `json:"limit,omitempty"`
	Kinds         []string `json:"kinds,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (c *Client) handleActivityHistory(ctx context.Context, payload json.RawMessage) {
	var req activityHistoryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("activity:history", "", protocol.ReasonInvalid, "invalid payload")
		return
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 1000
	}

	events, err := c.hub.router.ActivityHistory(ctx, c.fleetID, router.HistoryQuery{Limit: req.Limit, Kinds: req.Kinds})
	if err != nil {
		c.fail("activity:history", req.CorrelationID, protocol.ReasonUnavailable, "replay failed")
		return
	}
	c.ok("activity:history", req.CorrelationID, map[string]any{"events": events, "count": len(events)})
}

type directSendRequest struct {
	To            string `json:"to"`
	Message       json.RawMessage `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c *Client) handleDirectSend(ctx context.Context, payload json.RawMessage) {
	var req directSendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("direct:send", "", protocol.ReasonInvalid, "invalid payload")
		return
	}

	var msg router.DirectMessage
	if err := json.Unmarshal(req.Message, &msg); err != nil {
		c.fail("direct:send", req.CorrelationID, protocol.ReasonInvalid, "invalid message")
		return
	}

	from := router.EnvelopeAgent{AgentID: c.agentID}
	result, err := c.hub.router.SendDirect(ctx, c.fleetID, from, req.To, msg, req.CorrelationID)
	if err != nil {
		reason := protocol.ReasonNotFound
		if errors.Is(err, agentdir.ErrCrossTenant) {
			reason = protocol.ReasonCrossTenant
		}
		c.fail("direct:send", req.CorrelationID, reason, "target not in fleet")
		return
	}
	c.ok("direct:send", req.CorrelationID, map[string]string{"message_id": result.MessageID, "status": result.Status})
}

type taskSubmitRequest struct {
	Type                 string   `json:"type"`
	Prompt               string   `json:"prompt"`
	CapabilitiesRequired []string `json:"capabilities_required,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	TTLMS                int      `json:"ttl_ms,omitempty"`
	CorrelationID        string   `json:"correlation_id,omitempty"`
}

func (c *Client) handleTaskSubmit(payload json.RawMessage) {
	var req taskSubmitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("task:submit", "", protocol.ReasonInvalid, "invalid payload")
		return
	}

	task, err := c.hub.scheduler.Create(c.fleetID, c.agentID, req.Type, req.Prompt, req.CapabilitiesRequired, taskPriorityFrom(req.Priority), req.TTLMS, req.CorrelationID)
	if err != nil {
		c.fail("task:submit", req.CorrelationID, protocol.ReasonInvalid, err.Error())
		return
	}
	c.ok("task:submit", req.CorrelationID, map[string]string{"task_id": task.TaskID})
}

type taskResultRequest struct {
	TaskID        string          `json:"task_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (c *Client) handleTaskResult(payload json.RawMessage) {
	var req taskResultRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.fail("task:result", "", protocol.ReasonInvalid, "invalid payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok := req.Error == ""
	if err := c.hub.scheduler.ResultIngest(ctx, req.TaskID, c.agentID, ok, req.Result, req.Error); err != nil {
		c.fail("task:result", req.CorrelationID, protocol.ReasonInvalidStatus, err.Error())
		return
	}
	c.ok("task:result", req.CorrelationID, nil)
}

type memoryKeyRequest struct {
	Key           string `json:"key"`
	Scope         string `json:"scope,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c *Client) handleMemoryGet(ctx context.Context, payload json.RawMessage) {
	var req memoryKeyRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		c.fail("memory:get", "", protocol.ReasonInvalid, "key required")
		return
	}

	value, err := c.hub.router.MemoryGet(ctx, c.fleetID, c.agentID, req.Key, memoryScopeFrom(req.Scope))
	if err != nil {
		c.fail("memory:get", req.CorrelationID, protocol.ReasonNotFound, "not found")
		return
	}
	c.ok("memory:get", req.CorrelationID, map[string]any{"key": req.Key, "value": value})
}

type memoryPutRequest struct {
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
	Scope         string          `json:"scope,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (c *Client) handleMemoryPut(ctx context.Context, payload json.RawMessage) {
	var req memoryPutRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		c.fail("memory:put", "", protocol.ReasonInvalid, "key required")
		return
	}

	if err := c.hub.router.MemoryPut(ctx, c.fleetID, c.agentID, req.Key, req.Value, memoryScopeFrom(req.Scope)); err != nil {
		c.fail("memory:put", req.CorrelationID, protocol.ReasonUnavailable, "failed to store value")
		return
	}
	c.ok("memory:put", req.CorrelationID, map[string]string{"status": "stored"})
}

func (c *Client) handleMemoryDelete(ctx context.Context, payload json.RawMessage) {
	var req memoryKeyRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		c.fail("memory:delete", "", protocol.ReasonInvalid, "key required")
		return
	}

	if err := c.hub.router.MemoryDelete(ctx, c.fleetID, c.agentID, req.Key, memoryScopeFrom(req.Scope)); err != nil {
		c.fail("memory:delete", req.CorrelationID, protocol.ReasonUnavailable, "failed to delete value")
		return
	}
	c.ok("memory:delete", req.CorrelationID, map[string]string{"status": "deleted"})
}

func memoryScopeFrom(scope string) router.MemoryScope {
	if scope == string(router.MemoryScopeShared) {
		return router.MemoryScopeShared
	}
	return router.MemoryScopePrivate
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

func taskPriorityFrom(priority string) scheduler.Priority {
	switch scheduler.Priority(priority) {
	case scheduler.PriorityLow, scheduler.PriorityHigh:
		return scheduler.Priority(priority)
	default:
		return scheduler.PriorityNormal
	}
}
