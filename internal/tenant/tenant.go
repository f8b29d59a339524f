// Package tenant provides the top-level multi-tenancy boundary named in spec §3:
// every fleet, API key, and agent belongs to exactly one tenant. Grounded on
// member/repository.go's PGRepository shape, reduced to the single table this
// domain needs.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a tenant id does not exist.
var ErrNotFound = errors.New("tenant: not found")

// Tenant is the row shape for the tenants table.
type Tenant struct {
	ID   uuid.UUID
	Name string
}

// Repository persists tenants in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a tenant Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new tenant and returns its generated id.
func (r *Repository) Create(ctx context.Context, name string) (*Tenant, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return &Tenant{ID: id, Name: name}, nil
}

// Get fetches a tenant by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	var t Tenant
	err := r.db.QueryRow(ctx, `SELECT id, name FROM tenants WHERE id = $1`, id).Scan(&t.ID, &t.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &t, nil
}
