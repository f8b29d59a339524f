// Package agentdir implements the AgentDirectory from spec §3 and §4.2: durable
// agent identities, keyed by an opaque agent_id, with register-or-reconnect
// upsert semantics and Ed25519 public-key binding for challenge-reconnect.
// Grounded on member/repository.go's PGRepository shape; the random-id
// generation follows the teacher's uuid-based identity pattern adapted to the
// spec's ag_-prefixed base62 id.
package agentdir

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ringforge/hub/internal/postgres"
)

// ErrNotFound is returned when an agent_id does not exist.
var ErrNotFound = errors.New("agentdir: not found")

// ErrCrossTenant is returned when an agent's tenant does not match the caller's.
var ErrCrossTenant = errors.New("agentdir: cross tenant")

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Agent is the row shape for the agents table.
type Agent struct {
	AgentID          string
	TenantID         uuid.UUID
	FleetID          uuid.UUID
	SquadID          *string
	DisplayName      *string
	Framework        string
	Capabilities     []string
	PublicKey        []byte
	LastSeenAt       time.Time
	TotalConnections int64
	TotalMessages    int64
}

// HasCapabilities reports whether the agent's capability set is a superset of
// required, per the capability-based routing rule in spec §4.5.
func (a *Agent) HasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Registration is the shape of the agent metadata supplied on registration or
// key-reconnect, per spec §4.1.
type Registration struct {
	Name         string
	Framework    string
	Capabilities []string
	PublicKey    []byte
}

// Repository persists agents in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates an agentdir Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GenerateAgentID returns a new "ag_" + 12 base62 character identifier.
func GenerateAgentID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("ag_")
	for _, b := range buf {
		sb.WriteByte(base62Alphabet[int(b)%len(base62Alphabet)])
	}
	return sb.String(), nil
}

// RegisterOrReconnect implements spec §4.2's registration upsert: a named agent
// upserts on (name, fleet_id); an unnamed agent always inserts. A unique-index
// race between two concurrent first-connections for the same name converges to
// one record by retrying the lookup on the losing side.
func (r *Repository) RegisterOrReconnect(ctx context.Context, tenantID, fleetID uuid.UUID, reg Registration) (*Agent, error) {
	if reg.Name == "" {
		return r.insert(ctx, tenantID, fleetID, reg)
	}

	existing, err := r.getByFleetAndName(ctx, fleetID, reg.Name)
	if err == nil {
		return r.reconnectExisting(ctx, existing, reg)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	agent, err := r.insert(ctx, tenantID, fleetID, reg)
	if err == nil {
		return agent, nil
	}
	if !postgres.IsUniqueViolation(err) {
		return nil, err
	}

	// Lost the race to a concurrent first-connection: the winner's row is now
	// visible, so reconnect against it instead of failing.
	existing, lookupErr := r.getByFleetAndName(ctx, fleetID, reg.Name)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return r.reconnectExisting(ctx, existing, reg)
}

func (r *Repository) reconnectExisting(ctx context.Context, existing *Agent, reg Registration) (*Agent, error) {
	var publicKey []byte
	if len(reg.PublicKey) == ed25519.PublicKeySize {
		publicKey = reg.PublicKey
	} else {
		publicKey = existing.PublicKey
	}

	_, err := r.db.Exec(ctx,
		`UPDATE agents SET framework = $1, capabilities = $2, public_key = $3,
         total_connections = total_connections + 1, last_seen_at = now()
         WHERE agent_id = $4`,
		reg.Framework, reg.Capabilities, publicKey, existing.AgentID)
	if err != nil {
		return nil, fmt.Errorf("update agent on reconnect: %w", err)
	}
	return r.GetByID(ctx, existing.AgentID)
}

func (r *Repository) insert(ctx context.Context, tenantID, fleetID uuid.UUID, reg Registration) (*Agent, error) {
	agentID, err := GenerateAgentID()
	if err != nil {
		return nil, err
	}

	var displayName *string
	if reg.Name != "" {
		displayName = &reg.Name
	}

	var publicKey []byte
	if len(reg.PublicKey) == ed25519.PublicKeySize {
		publicKey = reg.PublicKey
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO agents (agent_id, tenant_id, fleet_id, display_name, framework, capabilities, public_key, total_connections)
         VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		agentID, tenantID, fleetID, displayName, reg.Framework, reg.Capabilities, publicKey)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, agentID)
}

// GetByID fetches an agent by its opaque id.
func (r *Repository) GetByID(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := r.db.QueryRow(ctx,
		`SELECT agent_id, tenant_id, fleet_id, squad_id, display_name, framework, capabilities,
                public_key, last_seen_at, total_connections, total_messages
         FROM agents WHERE agent_id = $1`, agentID).
		Scan(&a.AgentID, &a.TenantID, &a.FleetID, &a.SquadID, &a.DisplayName, &a.Framework,
			&a.Capabilities, &a.PublicKey, &a.LastSeenAt, &a.TotalConnections, &a.TotalMessages)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return &a, nil
}

func (r *Repository) getByFleetAndName(ctx context.Context, fleetID uuid.UUID, name string) (*Agent, error) {
	var a Agent
	err := r.db.QueryRow(ctx,
		`SELECT agent_id, tenant_id, fleet_id, squad_id, display_name, framework, capabilities,
                public_key, last_seen_at, total_connections, total_messages
         FROM agents WHERE fleet_id = $1 AND display_name = $2`, fleetID, name).
		Scan(&a.AgentID, &a.TenantID, &a.FleetID, &a.SquadID, &a.DisplayName, &a.Framework,
			&a.Capabilities, &a.PublicKey, &a.LastSeenAt, &a.TotalConnections, &a.TotalMessages)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent by fleet and name: %w", err)
	}
	return &a, nil
}

// TouchLastSeen updates last_seen_at on a key-reconnect or challenge-reconnect,
// per spec §4.1.
func (r *Repository) TouchLastSeen(ctx context.Context, agentID string) error {
	_, err := r.db.Exec(ctx, `UPDATE agents SET last_seen_at = now() WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// IncrementMessages bumps total_messages by one.
func (r *Repository) IncrementMessages(ctx context.Context, agentID string) error {
	_, err := r.db.Exec(ctx, `UPDATE agents SET total_messages = total_messages + 1 WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("increment messages: %w", err)
	}
	return nil
}

// VerifyChallengeSignature checks sig against challenge using the agent's bound
// Ed25519 public key, per spec §4.2. It returns an error distinguishing "no
// public key bound" from "signature invalid".
func (a *Agent) VerifyChallengeSignature(challenge, sig []byte) error {
	if len(a.PublicKey) != ed25519.PublicKeySize {
		return ErrNoPublicKey
	}
	if !ed25519.Verify(a.PublicKey, challenge, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Sentinel errors for Ed25519 challenge verification, mapped to spec §7's
// authentication reasons.
var (
	ErrNoPublicKey      = errors.New("agentdir: no public key bound")
	ErrInvalidSignature = errors.New("agentdir: invalid signature")
	ErrInvalidPublicKey = errors.New("agentdir: public key must decode to exactly 32 bytes")
)
