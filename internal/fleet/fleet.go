// Package fleet manages the Fleet entity from spec §3: a tenant-scoped grouping
// of agents, identified by a UUID unique within (tenant_id, name). Grounded on
// member/repository.go's PGRepository shape.
package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ringforge/hub/internal/postgres"
)

// ErrNotFound is returned when a fleet id does not exist.
var ErrNotFound = errors.New("fleet: not found")

// ErrNameTaken is returned when (tenant_id, name) already exists.
var ErrNameTaken = errors.New("fleet: name already in use for tenant")

// Fleet is the row shape for the fleets table.
type Fleet struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
}

// Repository persists fleets in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a fleet Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a fleet under tenantID.
func (r *Repository) Create(ctx context.Context, tenantID uuid.UUID, name string) (*Fleet, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO fleets (tenant_id, name) VALUES ($1, $2) RETURNING id`, tenantID, name).Scan(&id)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("insert fleet: %w", err)
	}
	return &Fleet{ID: id, TenantID: tenantID, Name: name}, nil
}

// Get fetches a fleet by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Fleet, error) {
	var f Fleet
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, name FROM fleets WHERE id = $1`, id).Scan(&f.ID, &f.TenantID, &f.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query fleet: %w", err)
	}
	return &f, nil
}

// GetByName fetches a fleet by (tenant_id, name).
func (r *Repository) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*Fleet, error) {
	var f Fleet
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, name FROM fleets WHERE tenant_id = $1 AND name = $2`, tenantID, name).
		Scan(&f.ID, &f.TenantID, &f.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query fleet by name: %w", err)
	}
	return &f, nil
}
