package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/broker"
	"github.com/ringforge/hub/internal/router"
)

// SchedulerDispatcher adapts the broker and router to scheduler.Dispatcher, so
// TaskScheduler can push an assignment/result to an agent's session and emit
// an activity broadcast without depending on Hub directly.
type SchedulerDispatcher struct {
	b      *broker.Broker
	router *router.Router
	log    zerolog.Logger
}

// NewSchedulerDispatcher creates a SchedulerDispatcher.
func NewSchedulerDispatcher(b *broker.Broker, r *router.Router, logger zerolog.Logger) *SchedulerDispatcher {
	return &SchedulerDispatcher{b: b, router: r, log: logger.With().Str("component", "gateway.dispatch").Logger()}
}

// PushToAgent publishes payload on the agent's own topic; any locally or
// remotely connected session for that agent picks it up via Hub.forward.
func (d *SchedulerDispatcher) PushToAgent(fleetID, agentID string, payload []byte) error {
	return d.b.Publish(context.Background(), agentTopic(fleetID, agentID), payload)
}

// EmitActivity publishes a fleet-scoped activity broadcast on the requester's
// behalf, so task lifecycle transitions are queryable via activity:history.
func (d *SchedulerDispatcher) EmitActivity(ctx context.Context, fleetID, kind, fromAgentID string, data any) {
	act := router.Activity{Kind: kind, FromAgentID: fromAgentID, Data: data}
	if err := d.router.Publish(ctx, fleetID, router.ScopeFleet, act, ""); err != nil {
		d.log.Warn().Err(err).Str("fleet_id", fleetID).Str("kind", kind).Msg("failed to emit task activity")
	}
}
