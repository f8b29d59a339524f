package gateway

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ringforge/hub/internal/agentdir"
	"github.com/ringforge/hub/internal/apikey"
	"github.com/ringforge/hub/internal/audit"
	"github.com/ringforge/hub/internal/metrics"
)

// Auth mode labels, echoed in the auth telemetry event per spec §4.1.
const (
	ModeRegistration       = "registration"
	ModeKeyReconnect       = "key_reconnect"
	ModeChallengeReconnect = "challenge_reconnect"
)

// KeyValidator validates a raw API key, implemented by *apikey.Repository.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*apikey.Key, error)
}

// AgentRepository resolves and upserts agent identities, implemented by
// *agentdir.Repository.
type AgentRepository interface {
	RegisterOrReconnect(ctx context.Context, tenantID, fleetID uuid.UUID, reg agentdir.Registration) (*agentdir.Agent, error)
	GetByID(ctx context.Context, agentID string) (*agentdir.Agent, error)
	TouchLastSeen(ctx context.Context, agentID string) error
}

// ChallengeFetcher retrieves and revokes a pending proof-of-key challenge,
// implemented by *challenge.Store.
type ChallengeFetcher interface {
	Fetch(agentID string) (string, error)
	Revoke(agentID string)
}

// AuthParams carries exactly one of the three connect-parameter shapes from spec
// §4.1, parsed from the WebSocket upgrade request's query string or subprotocol
// header before the connection is accepted.
type AuthParams struct {
	APIKey            string
	AgentID           string
	ChallengeResponse string // base64 Ed25519 signature

	Name         string
	Framework    string
	Capabilities []string
	PublicKey    string // base64, registration/key-reconnect only
}

// AuthResult binds the outcome of a successful Authenticate call to a session.
type AuthResult struct {
	TenantID string
	FleetID  string
	AgentID  string
	Mode     string
}

// Authenticator implements SessionGateway's three authentication modes (§4.1) over
// AgentDirectory and ChallengeStore (§4.2, §4.7), and records an auth telemetry event
// for every outcome via AuditSink.
type Authenticator struct {
	keys       KeyValidator
	agents     AgentRepository
	challenges ChallengeFetcher
	audit      *audit.Sink
	log        zerolog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys KeyValidator, agents AgentRepository, challenges ChallengeFetcher, auditSink *audit.Sink, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		keys:       keys,
		agents:     agents,
		challenges: challenges,
		audit:      auditSink,
		log:        logger.With().Str("component", "gateway.auth").Logger(),
	}
}

func detectMode(p AuthParams) string {
	switch {
	case p.APIKey != "" && p.AgentID == "":
		return ModeRegistration
	case p.APIKey != "" && p.AgentID != "" && p.ChallengeResponse == "":
		return ModeKeyReconnect
	case p.AgentID != "" && p.ChallengeResponse != "" && p.APIKey == "":
		return ModeChallengeReconnect
	default:
		return ""
	}
}

// Authenticate dispatches to the mode selected by field presence in p. Any shape
// outside the three named in spec §4.1 — including a bare {agent_id} — is rejected.
// Every outcome, success or failure, is recorded via AuditSink.
func (a *Authenticator) Authenticate(ctx context.Context, p AuthParams) (*AuthResult, error) {
	mode := detectMode(p)

	var result *AuthResult
	var err error
	switch mode {
	case ModeRegistration:
		result, err = a.authenticateRegistration(ctx, p)
	case ModeKeyReconnect:
		result, err = a.authenticateKeyReconnect(ctx, p)
	case ModeChallengeReconnect:
		result, err = a.authenticateChallengeReconnect(ctx, p)
	default:
		err = ErrAuthFailed
	}

	a.recordOutcome(ctx, mode, result, err)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return result, nil
}

func (a *Authenticator) authenticateRegistration(ctx context.Context, p AuthParams) (*AuthResult, error) {
	key, err := a.keys.Validate(ctx, p.APIKey)
	if err != nil {
		return nil, err
	}
	if key.FleetID == nil {
		return nil, ErrAuthFailed
	}

	var publicKey []byte
	if p.PublicKey != "" {
		publicKey, err = base64.StdEncoding.DecodeString(p.PublicKey)
		if err != nil {
			return nil, ErrAuthFailed
		}
	}

	agent, err := a.agents.RegisterOrReconnect(ctx, key.TenantID, *key.FleetID, agentdir.Registration{
		Name:         p.Name,
		Framework:    p.Framework,
		Capabilities: p.Capabilities,
		PublicKey:    publicKey,
	})
	if err != nil {
		return nil, err
	}

	// A public key supplied on registration replaces the stored one, so any
	// challenge issued for the previous key is dropped.
	if len(publicKey) > 0 {
		a.challenges.Revoke(agent.AgentID)
	}

	return &AuthResult{TenantID: agent.TenantID.String(), FleetID: agent.FleetID.String(), AgentID: agent.AgentID, Mode: ModeRegistration}, nil
}

func (a *Authenticator) authenticateKeyReconnect(ctx context.Context, p AuthParams) (*AuthResult, error) {
	key, err := a.keys.Validate(ctx, p.APIKey)
	if err != nil {
		return nil, err
	}

	agent, err := a.agents.GetByID(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.TenantID != key.TenantID {
		return nil, agentdir.ErrCrossTenant
	}

	if err := a.agents.TouchLastSeen(ctx, agent.AgentID); err != nil {
		a.log.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("failed to touch last_seen_at on key-reconnect")
	}

	return &AuthResult{TenantID: agent.TenantID.String(), FleetID: agent.FleetID.String(), AgentID: agent.AgentID, Mode: ModeKeyReconnect}, nil
}

func (a *Authenticator) authenticateChallengeReconnect(ctx context.Context, p AuthParams) (*AuthResult, error) {
	agent, err := a.agents.GetByID(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}

	pending, err := a.challenges.Fetch(p.AgentID)
	if err != nil {
		return nil, err
	}

	challengeBytes, err := base64.StdEncoding.DecodeString(pending)
	if err != nil {
		return nil, ErrAuthFailed
	}
	sig, err := base64.StdEncoding.DecodeString(p.ChallengeResponse)
	if err != nil {
		return nil, ErrAuthFailed
	}

	if err := agent.VerifyChallengeSignature(challengeBytes, sig); err != nil {
		return nil, err
	}

	a.challenges.Revoke(p.AgentID)
	if err := a.agents.TouchLastSeen(ctx, agent.AgentID); err != nil {
		a.log.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("failed to touch last_seen_at on challenge-reconnect")
	}

	return &AuthResult{TenantID: agent.TenantID.String(), FleetID: agent.FleetID.String(), AgentID: agent.AgentID, Mode: ModeChallengeReconnect}, nil
}

func (a *Authenticator) recordOutcome(ctx context.Context, mode string, result *AuthResult, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	recordMode := mode
	if recordMode == "" {
		recordMode = "unknown"
	}
	metrics.AuthOutcomesTotal.WithLabelValues(recordMode, outcome).Inc()

	if a.audit == nil {
		return
	}
	fleetID, agentID := "", ""
	if result != nil {
		fleetID, agentID = result.FleetID, result.AgentID
	}
	detail := map[string]any{"mode": mode, "success": err == nil}
	a.audit.Record(ctx, fleetID, agentID, "auth", detail)
}
