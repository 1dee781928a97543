package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"claimflow/taxonomy"
)

// Fixture is a minimal routed taxonomy: one classification and class with two
// causes, only the first of which has a matrix entry.
type Fixture struct {
	Routed            taxonomy.Triple
	Unrouted          taxonomy.Triple
	EntryID           string
	AreaID            string
	FirstContactOwner string
	TreatmentOwner    string
	AreaOwner         string
	ResponseDays      int
}

// Seed writes the fixture through the taxonomy repository.
func Seed(ctx context.Context, pool *pgxpool.Pool) (Fixture, error) {
	repo := taxonomy.NewRepository(pool)
	f := Fixture{
		FirstContactOwner: "owner-1",
		TreatmentOwner:    "treater-1",
		AreaOwner:         "area-owner-1",
		ResponseDays:      5,
	}

	classification, err := repo.CreateNode(ctx, taxonomy.CreateNodeParams{Name: "Billing", Level: taxonomy.LevelClassification})
	if err != nil {
		return Fixture{}, fmt.Errorf("infra: seed classification: %w", err)
	}
	class, err := repo.CreateNode(ctx, taxonomy.CreateNodeParams{Name: "Invoices", Level: taxonomy.LevelClass, ParentID: &classification.ID})
	if err != nil {
		return Fixture{}, fmt.Errorf("infra: seed class: %w", err)
	}
	routed, err := repo.CreateNode(ctx, taxonomy.CreateNodeParams{Name: "Double charge", Level: taxonomy.LevelCause, ParentID: &class.ID})
	if err != nil {
		return Fixture{}, fmt.Errorf("infra: seed cause: %w", err)
	}
	unrouted, err := repo.CreateNode(ctx, taxonomy.CreateNodeParams{Name: "Late invoice", Level: taxonomy.LevelCause, ParentID: &class.ID})
	if err != nil {
		return Fixture{}, fmt.Errorf("infra: seed cause: %w", err)
	}

	f.Routed = taxonomy.Triple{ClassificationID: classification.ID, ClassID: class.ID, CauseID: routed.ID}
	f.Unrouted = taxonomy.Triple{ClassificationID: classification.ID, ClassID: class.ID, CauseID: unrouted.ID}

	entry, err := repo.CreateEntry(ctx, taxonomy.EntryParams{
		Triple:               f.Routed,
		FirstContactOwnerIDs: []string{f.FirstContactOwner},
		TreatmentOwnerID:     f.TreatmentOwner,
		ResponseDays:         f.ResponseDays,
		ResponseType:         "written",
	})
	if err != nil {
		return Fixture{}, fmt.Errorf("infra: seed matrix entry: %w", err)
	}
	f.EntryID = entry.ID

	if err := pool.QueryRow(ctx,
		`INSERT INTO areas (name, owner_user_id) VALUES ($1, $2) RETURNING id`,
		"Customer operations", f.AreaOwner,
	).Scan(&f.AreaID); err != nil {
		return Fixture{}, fmt.Errorf("infra: seed area: %w", err)
	}
	return f, nil
}
