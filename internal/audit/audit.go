// Package audit implements AuditSink from spec §4.7: fire-and-forget append to
// the audit_logs table plus a bus publish on {fleet_id|"system"}.audit. Audit
// failures log and never propagate, so a slow or unavailable audit path can
// never block the caller that triggered the audited action. Grounded on the
// teacher's pervasive "log the error, keep going" idiom in hub.go.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/eventbus"
)

// Sink records audit events to Postgres and broadcasts them on the bus.
type Sink struct {
	pool *pgxpool.Pool
	bus  eventbus.Bus
	log  zerolog.Logger
}

// New creates a Sink. pool may be nil only in tests that do not exercise the
// Postgres write path.
func New(pool *pgxpool.Pool, bus eventbus.Bus, logger zerolog.Logger) *Sink {
	return &Sink{pool: pool, bus: bus, log: logger.With().Str("component", "audit").Logger()}
}

// Record appends one audit entry for fleetID (empty for a system-scoped event)
// and agentID (empty when not attributable to one agent). It never returns an
// error: all failures are logged and swallowed, per spec §4.7.
func (s *Sink) Record(ctx context.Context, fleetID, agentID, action string, detail any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("failed to marshal audit detail")
		payload = []byte(`{}`)
	}

	if s.pool != nil {
		var fleetArg any
		if fleetID != "" {
			fleetArg = fleetID
		}
		var agentArg any
		if agentID != "" {
			agentArg = agentID
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO audit_logs (fleet_id, agent_id, action, detail) VALUES ($1, $2, $3, $4)`,
			fleetArg, agentArg, action, payload)
		if err != nil {
			s.log.Warn().Err(err).Str("action", action).Msg("failed to persist audit log")
		}
	}

	topicScope := fleetID
	if topicScope == "" {
		topicScope = "system"
	}

	if s.bus == nil {
		return
	}
	event := eventbus.Event{
		Timestamp:    time.Now(),
		Kind:         eventbus.KindAudit,
		PartitionKey: agentID,
		Payload:      payload,
	}
	if err := s.bus.Publish(ctx, topicScope+".audit", event); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("failed to publish audit event")
	}
}
