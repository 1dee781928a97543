// Package area reads the organisational areas claims are assigned to.
package area

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested area does not exist.
var ErrNotFound = errors.New("area: not found")

// Area is a responsible area. OwnerUserID is nil for areas without an owner.
type Area struct {
	ID          string
	Name        string
	OwnerUserID *string
	CreatedAt   time.Time
}

// Repository provides read access to areas.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an area by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Area, error) {
	const query = `
		SELECT id, name, owner_user_id, created_at
		FROM areas
		WHERE id = $1
	`

	var a Area
	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Name, &a.OwnerUserID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Area{}, ErrNotFound
		}
		return Area{}, fmt.Errorf("area: query by id: %w", err)
	}
	return a, nil
}

// List fetches up to limit areas ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Area, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	const query = `
		SELECT id, name, owner_user_id, created_at
		FROM areas
		ORDER BY name ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("area: list: %w", err)
	}
	defer rows.Close()

	areas := make([]Area, 0)
	for rows.Next() {
		var a Area
		if err := rows.Scan(&a.ID, &a.Name, &a.OwnerUserID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("area: scan: %w", err)
		}
		areas = append(areas, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("area: iterate: %w", err)
	}
	return areas, nil
}

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Area, error)
	List(ctx context.Context, limit int) ([]Area, error)
}

// Service exposes area lookups to the claim engine and the API.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(ctx context.Context, id string) (Area, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]Area, error) {
	return s.repo.List(ctx, limit)
}

// OwnerOf returns the owner of the area, or "" when the area has no owner.
// An empty id is an unassigned claim and has no owner either.
func (s *Service) OwnerOf(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if a.OwnerUserID == nil {
		return "", nil
	}
	return *a.OwnerUserID, nil
}
