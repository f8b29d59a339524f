// Package apikey implements ApiKey validation from spec §3 and §4.2: keys are
// stored as a SHA-256 hash with an 8-byte display prefix, and validation
// collapses every failure reason (no such key, revoked, expired) into one
// opaque Invalid condition to avoid oracle side channels. Grounded on
// member/repository.go's PGRepository shape.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Type enumerates the ApiKey.type values from spec §3.
type Type string

const (
	TypeLive  Type = "live"
	TypeTest  Type = "test"
	TypeAdmin Type = "admin"
)

// ErrInvalid is the single opaque error returned by Validate for every failure
// mode: unknown key, revoked key, or expired key.
var ErrInvalid = errors.New("apikey: invalid")

// Key is the row shape for the api_keys table, with the raw key never persisted.
type Key struct {
	ID        uuid.UUID
	Prefix    string
	Type      Type
	TenantID  uuid.UUID
	FleetID   *uuid.UUID
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Repository persists API keys in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates an apikey Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Generate produces a fresh raw key of the form "rf_{type}_{32 hex chars}" along
// with its SHA-256 hash and display prefix, ready for Create.
func Generate(keyType Type) (raw string, hash []byte, prefix string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, "", fmt.Errorf("generate api key: %w", err)
	}
	raw = fmt.Sprintf("rf_%s_%s", keyType, hex.EncodeToString(buf))
	sum := sha256.Sum256([]byte(raw))
	return raw, sum[:], raw[:8], nil
}

// Create inserts a new API key row given its hash and prefix from Generate.
func (r *Repository) Create(ctx context.Context, hash []byte, prefix string, keyType Type, tenantID uuid.UUID, fleetID *uuid.UUID, expiresAt *time.Time) (*Key, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO api_keys (key_hash, key_prefix, key_type, tenant_id, fleet_id, expires_at)
         VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		hash, prefix, string(keyType), tenantID, fleetID, expiresAt).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return &Key{ID: id, Prefix: prefix, Type: keyType, TenantID: tenantID, FleetID: fleetID, ExpiresAt: expiresAt}, nil
}

// Validate hashes rawKey and looks up an active (not revoked, not expired)
// record. Every failure mode collapses to ErrInvalid.
func (r *Repository) Validate(ctx context.Context, rawKey string) (*Key, error) {
	sum := sha256.Sum256([]byte(rawKey))

	var (
		k         Key
		keyType   string
		fleetID   *uuid.UUID
		expiresAt *time.Time
		revokedAt *time.Time
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, key_prefix, key_type, tenant_id, fleet_id, expires_at, revoked_at
         FROM api_keys WHERE key_hash = $1`, sum[:]).
		Scan(&k.ID, &k.Prefix, &keyType, &k.TenantID, &fleetID, &expiresAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	k.Type = Type(keyType)
	k.FleetID = fleetID
	k.ExpiresAt = expiresAt
	k.RevokedAt = revokedAt

	if revokedAt != nil {
		return nil, ErrInvalid
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, ErrInvalid
	}
	return &k, nil
}

// Revoke marks a key as revoked by its id.
func (r *Repository) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalid
	}
	return nil
}
