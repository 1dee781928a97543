package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the claim persistence used by the service. Writes run on the
// caller's transaction so the claim, its timeline and the outbox commit together.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Claim) (Claim, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Claim, error)
	// Update writes c if the stored version still equals expectedVersion and
	// bumps it by one. A lost race returns ErrConflict.
	Update(ctx context.Context, tx pgx.Tx, c Claim, expectedVersion int64) (Claim, error)
	Get(ctx context.Context, id string) (Claim, error)
	List(ctx context.Context, filters Filters) ([]Claim, int, error)
	Timeline(ctx context.Context, id string) ([]TimelineEvent, error)
}

// TimelineWriter appends lifecycle events.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev TimelineEvent, payload map[string]any) error
}

// OutboxWriter enqueues messages for asynchronous delivery.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const claimColumns = `id, version, classification_id, class_id, cause_id, product_id, customer_ref, description,
	state, created_at, created_on, updated_at, matrix_entry_id, response_days_snapshot, response_type, theoretical_deadline,
	responsible_area_id, responsible_person_id, closure_date, delay_days, compliant,
	first_contact_notes, progress_notes, solution_text, closing_letter_ref, rejection_notes, rating`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Claim) (Claim, error) {
	query := `
		INSERT INTO claims (id, version, classification_id, class_id, cause_id, product_id, customer_ref, description,
			state, created_at, updated_at, matrix_entry_id, response_days_snapshot, response_type, theoretical_deadline,
			responsible_area_id, responsible_person_id, first_contact_notes, progress_notes, solution_text, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING ` + claimColumns

	row := tx.QueryRow(ctx, query,
		c.ID,
		c.Version,
		nullableString(c.Triple.ClassificationID),
		nullableString(c.Triple.ClassID),
		nullableString(c.Triple.CauseID),
		c.ProductID,
		c.CustomerRef,
		c.Description,
		c.State,
		c.CreatedAt,
		c.MatrixEntryID,
		c.ResponseDaysSnapshot,
		c.ResponseType,
		c.TheoreticalDeadline,
		c.ResponsibleAreaID,
		c.ResponsiblePersonID,
		c.FirstContactNotes,
		c.ProgressNotes,
		c.SolutionText,
		c.CreatedOn,
	)
	created, err := scanClaim(row)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE id = $1 FOR UPDATE`

	c, err := scanClaim(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, fmt.Errorf("claim: get for update: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, c Claim, expectedVersion int64) (Claim, error) {
	query := `
		UPDATE claims
		SET version = version + 1,
		    classification_id = $3,
		    class_id = $4,
		    cause_id = $5,
		    state = $6,
		    updated_at = $7,
		    matrix_entry_id = $8,
		    response_days_snapshot = $9,
		    response_type = $10,
		    theoretical_deadline = $11,
		    responsible_area_id = $12,
		    responsible_person_id = $13,
		    closure_date = $14,
		    delay_days = $15,
		    compliant = $16,
		    first_contact_notes = $17,
		    progress_notes = $18,
		    solution_text = $19,
		    closing_letter_ref = $20,
		    rejection_notes = $21,
		    rating = $22
		WHERE id = $1 AND version = $2
		RETURNING ` + claimColumns

	row := tx.QueryRow(ctx, query,
		c.ID,
		expectedVersion,
		nullableString(c.Triple.ClassificationID),
		nullableString(c.Triple.ClassID),
		nullableString(c.Triple.CauseID),
		c.State,
		c.UpdatedAt,
		c.MatrixEntryID,
		c.ResponseDaysSnapshot,
		c.ResponseType,
		c.TheoreticalDeadline,
		c.ResponsibleAreaID,
		c.ResponsiblePersonID,
		c.ClosureDate,
		c.DelayDays,
		c.Compliant,
		c.FirstContactNotes,
		c.ProgressNotes,
		c.SolutionText,
		c.ClosingLetterRef,
		c.RejectionNotes,
		c.Rating,
	)
	updated, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrConflict
		}
		return Claim{}, fmt.Errorf("claim: update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE id = $1`

	c, err := scanClaim(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrNotFound
		}
		return Claim{}, fmt.Errorf("claim: get: %w", err)
	}
	return c, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Claim, int, error) {
	filters = normalizeFilters(filters)

	where := []string{"1=1"}
	args := []any{}

	if filters.State != "" {
		where = append(where, fmt.Sprintf("state=$%d", len(args)+1))
		args = append(args, filters.State)
	}
	if filters.ResponsibleAreaID != "" {
		where = append(where, fmt.Sprintf("responsible_area_id=$%d", len(args)+1))
		args = append(args, filters.ResponsibleAreaID)
	}
	if filters.ResponsiblePersonID != "" {
		where = append(where, fmt.Sprintf("responsible_person_id=$%d", len(args)+1))
		args = append(args, filters.ResponsiblePersonID)
	}
	if filters.BreachedAsOf != nil {
		where = append(where, fmt.Sprintf("closure_date IS NULL AND theoretical_deadline < $%d", len(args)+1))
		args = append(args, *filters.BreachedAsOf)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM claims%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		claimColumns, whereClause, mapSortKey(filters.SortKey), filters.SortOrder, filters.PageSize, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("claim: query list: %w", err)
	}
	defer rows.Close()

	list := []Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("claim: scan list: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("claim: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM claims"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("claim: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	const query = `
		SELECT id, claim_id, type, actor_id, from_state, to_state, version, payload, created_at
		FROM claim_events
		WHERE claim_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("claim: query timeline: %w", err)
	}
	defer rows.Close()

	events := []TimelineEvent{}
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.ClaimID, &ev.Type, &ev.ActorID, &ev.FromState, &ev.ToState, &ev.Version, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("claim: scan timeline: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate timeline: %w", err)
	}
	return events, nil
}

// PGTimeline writes claim_events rows.
type PGTimeline struct{}

func NewTimeline() *PGTimeline {
	return &PGTimeline{}
}

func (PGTimeline) Append(ctx context.Context, tx pgx.Tx, ev TimelineEvent, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("claim: marshal timeline payload: %w", err)
	}
	const query = `
		INSERT INTO claim_events (claim_id, type, actor_id, from_state, to_state, version, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`
	if _, err := tx.Exec(ctx, query, ev.ClaimID, ev.Type, ev.ActorID, ev.FromState, ev.ToState, ev.Version, b); err != nil {
		return fmt.Errorf("claim: insert timeline event: %w", err)
	}
	return nil
}

func normalizeFilters(f Filters) Filters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	f.SortOrder = strings.ToUpper(f.SortOrder)
	if f.SortOrder != "ASC" && f.SortOrder != "DESC" {
		f.SortOrder = "DESC"
	}
	return f
}

func mapSortKey(key string) string {
	switch key {
	case "deadline", "theoreticalDeadline":
		return "theoretical_deadline"
	case "state":
		return "state"
	case "updatedAt":
		return "updated_at"
	case "closureDate":
		return "closure_date"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}

func scanClaim(row pgx.Row) (Claim, error) {
	var (
		c                            Claim
		classification, class, cause *string
		createdOn                    time.Time
		deadline, closure            *time.Time
	)
	err := row.Scan(
		&c.ID,
		&c.Version,
		&classification,
		&class,
		&cause,
		&c.ProductID,
		&c.CustomerRef,
		&c.Description,
		&c.State,
		&c.CreatedAt,
		&createdOn,
		&c.UpdatedAt,
		&c.MatrixEntryID,
		&c.ResponseDaysSnapshot,
		&c.ResponseType,
		&deadline,
		&c.ResponsibleAreaID,
		&c.ResponsiblePersonID,
		&closure,
		&c.DelayDays,
		&c.Compliant,
		&c.FirstContactNotes,
		&c.ProgressNotes,
		&c.SolutionText,
		&c.ClosingLetterRef,
		&c.RejectionNotes,
		&c.Rating,
	)
	if err != nil {
		return Claim{}, err
	}
	c.Triple.ClassificationID = deref(classification)
	c.Triple.ClassID = deref(class)
	c.Triple.CauseID = deref(cause)
	c.CreatedOn = *asDate(&createdOn)
	c.TheoreticalDeadline = asDate(deadline)
	c.ClosureDate = asDate(closure)
	return c, nil
}

// asDate pins DATE columns to UTC midnight regardless of the session zone.
func asDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	v := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
