package taxonomy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNodeNotFound signals that the taxonomy node does not exist.
	ErrNodeNotFound = errors.New("taxonomy: node not found")
	// ErrEntryNotFound signals that no matrix entry matches.
	ErrEntryNotFound = errors.New("taxonomy: matrix entry not found")
	// ErrDuplicateEntry signals a second entry for an existing triple.
	ErrDuplicateEntry = errors.New("taxonomy: matrix entry already exists for triple")
)

// Store is the read contract the routing resolver consumes.
type Store interface {
	GetTaxonomyNode(ctx context.Context, id string) (Node, error)
	FindMatrixEntry(ctx context.Context, triple Triple) (MatrixEntry, error)
}

// MatrixWriter is the configuration write contract for the routing matrix.
type MatrixWriter interface {
	CreateEntry(ctx context.Context, params EntryParams) (MatrixEntry, error)
	UpdateEntry(ctx context.Context, id string, params EntryParams) (MatrixEntry, error)
	SetEntryActive(ctx context.Context, id string, active bool) (MatrixEntry, error)
	GetEntry(ctx context.Context, id string) (MatrixEntry, error)
	ListEntries(ctx context.Context, includeInactive bool) ([]MatrixEntry, error)
	// InTx runs fn against a writer bound to one transaction. Every write
	// made through it commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(MatrixWriter) error) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Store and MatrixWriter backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
	q    querier
}

// NewRepository creates a PostgreSQL-backed taxonomy repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, q: pool}
}

// InTx begins a transaction on the pool. A repository already bound to a
// transaction runs fn on itself.
func (r *PGRepository) InTx(ctx context.Context, fn func(MatrixWriter) error) error {
	if _, bound := r.q.(pgx.Tx); bound {
		return fn(r)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("taxonomy: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PGRepository{pool: r.pool, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("taxonomy: commit: %w", err)
	}
	return nil
}

const entryColumns = `id, classification_id, class_id, cause_id, first_contact_owner_ids,
	initial_attention_days, treatment_owner_id, response_days, response_type, active, created_at, updated_at`

// GetTaxonomyNode retrieves a node, including soft-deleted ones.
func (r *PGRepository) GetTaxonomyNode(ctx context.Context, id string) (Node, error) {
	const selectSQL = `
		SELECT id, name, level, parent_id, deleted_at
		FROM taxonomy_nodes
		WHERE id = $1
	`

	var n Node
	err := r.q.QueryRow(ctx, selectSQL, id).Scan(&n.ID, &n.Name, &n.Level, &n.ParentID, &n.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Node{}, ErrNodeNotFound
		}
		return Node{}, fmt.Errorf("taxonomy: get node: %w", err)
	}
	return n, nil
}

// CreateNode inserts a taxonomy node. Parent consistency is enforced by the caller.
func (r *PGRepository) CreateNode(ctx context.Context, params CreateNodeParams) (Node, error) {
	const insertSQL = `
		INSERT INTO taxonomy_nodes (name, level, parent_id)
		VALUES ($1, $2, $3)
		RETURNING id, name, level, parent_id, deleted_at
	`

	var n Node
	if err := r.q.QueryRow(ctx, insertSQL, params.Name, params.Level, params.ParentID).
		Scan(&n.ID, &n.Name, &n.Level, &n.ParentID, &n.DeletedAt); err != nil {
		return Node{}, fmt.Errorf("taxonomy: create node: %w", err)
	}
	return n, nil
}

// SoftDeleteNode marks a node deleted without removing it.
func (r *PGRepository) SoftDeleteNode(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `UPDATE taxonomy_nodes SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("taxonomy: soft delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// FindMatrixEntry returns the active entry for the exact triple.
func (r *PGRepository) FindMatrixEntry(ctx context.Context, triple Triple) (MatrixEntry, error) {
	selectSQL := `
		SELECT ` + entryColumns + `
		FROM routing_matrix
		WHERE classification_id = $1 AND class_id = $2 AND cause_id = $3 AND active
	`

	entry, err := scanEntry(r.q.QueryRow(ctx, selectSQL, triple.ClassificationID, triple.ClassID, triple.CauseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatrixEntry{}, ErrEntryNotFound
		}
		return MatrixEntry{}, fmt.Errorf("taxonomy: find matrix entry: %w", err)
	}
	return entry, nil
}

// GetEntry retrieves an entry by id regardless of its active flag.
func (r *PGRepository) GetEntry(ctx context.Context, id string) (MatrixEntry, error) {
	selectSQL := `SELECT ` + entryColumns + ` FROM routing_matrix WHERE id = $1`

	entry, err := scanEntry(r.q.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatrixEntry{}, ErrEntryNotFound
		}
		return MatrixEntry{}, fmt.Errorf("taxonomy: get matrix entry: %w", err)
	}
	return entry, nil
}

// CreateEntry inserts a new active entry.
func (r *PGRepository) CreateEntry(ctx context.Context, params EntryParams) (MatrixEntry, error) {
	insertSQL := `
		INSERT INTO routing_matrix (classification_id, class_id, cause_id, first_contact_owner_ids,
			initial_attention_days, treatment_owner_id, response_days, response_type, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
		RETURNING ` + entryColumns

	entry, err := scanEntry(r.q.QueryRow(ctx, insertSQL,
		params.Triple.ClassificationID,
		params.Triple.ClassID,
		params.Triple.CauseID,
		params.FirstContactOwnerIDs,
		params.InitialAttentionDays,
		params.TreatmentOwnerID,
		params.ResponseDays,
		params.ResponseType,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return MatrixEntry{}, ErrDuplicateEntry
		}
		return MatrixEntry{}, fmt.Errorf("taxonomy: create matrix entry: %w", err)
	}
	return entry, nil
}

// UpdateEntry overwrites the writable fields of an entry. The triple is the
// entry's key and is never rewritten; params.Triple is ignored.
func (r *PGRepository) UpdateEntry(ctx context.Context, id string, params EntryParams) (MatrixEntry, error) {
	updateSQL := `
		UPDATE routing_matrix
		SET first_contact_owner_ids = $2,
		    initial_attention_days = $3,
		    treatment_owner_id = $4,
		    response_days = $5,
		    response_type = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + entryColumns

	entry, err := scanEntry(r.q.QueryRow(ctx, updateSQL,
		id,
		params.FirstContactOwnerIDs,
		params.InitialAttentionDays,
		params.TreatmentOwnerID,
		params.ResponseDays,
		params.ResponseType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatrixEntry{}, ErrEntryNotFound
		}
		return MatrixEntry{}, fmt.Errorf("taxonomy: update matrix entry: %w", err)
	}
	return entry, nil
}

// SetEntryActive activates or deactivates an entry. Entries are never deleted.
func (r *PGRepository) SetEntryActive(ctx context.Context, id string, active bool) (MatrixEntry, error) {
	updateSQL := `
		UPDATE routing_matrix
		SET active = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + entryColumns

	entry, err := scanEntry(r.q.QueryRow(ctx, updateSQL, id, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatrixEntry{}, ErrEntryNotFound
		}
		return MatrixEntry{}, fmt.Errorf("taxonomy: set matrix entry active: %w", err)
	}
	return entry, nil
}

// ListEntries lists matrix entries ordered by triple.
func (r *PGRepository) ListEntries(ctx context.Context, includeInactive bool) ([]MatrixEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM routing_matrix`
	if !includeInactive {
		query += ` WHERE active`
	}
	query += ` ORDER BY classification_id, class_id, cause_id`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: list matrix entries: %w", err)
	}
	defer rows.Close()

	entries := make([]MatrixEntry, 0, 16)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("taxonomy: scan matrix entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taxonomy: iterate matrix entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (MatrixEntry, error) {
	var e MatrixEntry
	err := row.Scan(
		&e.ID,
		&e.Triple.ClassificationID,
		&e.Triple.ClassID,
		&e.Triple.CauseID,
		&e.FirstContactOwnerIDs,
		&e.InitialAttentionDays,
		&e.TreatmentOwnerID,
		&e.ResponseDays,
		&e.ResponseType,
		&e.Active,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return MatrixEntry{}, err
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
