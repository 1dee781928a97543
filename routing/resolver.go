// Package routing resolves a claim's taxonomy triple to its routing decision.
//
// Lookup is by exact triple only. There is no fallback to a partial match and
// no per-product routing: one matrix governs the whole catalogue.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"claimflow/taxonomy"
)

var (
	// ErrInvalidTaxonomyPath signals unknown, deleted or unrelated taxonomy ids.
	ErrInvalidTaxonomyPath = errors.New("routing: invalid taxonomy path")
	// ErrMatrixEntryNotFound signals a valid path without an active matrix
	// entry. It is not fatal: claims may exist without routing.
	ErrMatrixEntryNotFound = errors.New("routing: matrix entry not found")
)

// Decision is the routing outcome for a triple.
type Decision struct {
	EntryID              string
	Triple               taxonomy.Triple
	FirstContactOwnerIDs []string
	InitialAttentionDays *int
	TreatmentOwnerID     string
	ResponseDays         int
	ResponseType         string
}

// HasFirstContactOwner reports whether actorID is one of the first-contact owners.
func (d Decision) HasFirstContactOwner(actorID string) bool {
	i := sort.SearchStrings(d.FirstContactOwnerIDs, actorID)
	return i < len(d.FirstContactOwnerIDs) && d.FirstContactOwnerIDs[i] == actorID
}

// Resolver reads through to the taxonomy store. It holds no state and is
// safe for concurrent use.
type Resolver struct {
	store taxonomy.Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(store taxonomy.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve validates the triple and returns the active entry's decision.
func (r *Resolver) Resolve(ctx context.Context, triple taxonomy.Triple) (Decision, error) {
	if err := r.ValidatePath(ctx, triple); err != nil {
		return Decision{}, err
	}

	entry, err := r.store.FindMatrixEntry(ctx, triple)
	if err != nil {
		if errors.Is(err, taxonomy.ErrEntryNotFound) {
			return Decision{}, ErrMatrixEntryNotFound
		}
		return Decision{}, fmt.Errorf("routing: find entry: %w", err)
	}
	if entry.ResponseDays < 0 {
		return Decision{}, fmt.Errorf("routing: entry %s has negative response days", entry.ID)
	}

	return decisionFromEntry(entry), nil
}

// ValidatePath checks that the three ids form a live
// Classification → Class → Cause chain.
func (r *Resolver) ValidatePath(ctx context.Context, triple taxonomy.Triple) error {
	if triple.ClassificationID == "" || triple.ClassID == "" || triple.CauseID == "" {
		return fmt.Errorf("%w: all three ids are required", ErrInvalidTaxonomyPath)
	}

	classification, err := r.node(ctx, triple.ClassificationID, taxonomy.LevelClassification)
	if err != nil {
		return err
	}
	if classification.ParentID != nil {
		return fmt.Errorf("%w: classification %s has a parent", ErrInvalidTaxonomyPath, classification.ID)
	}

	class, err := r.node(ctx, triple.ClassID, taxonomy.LevelClass)
	if err != nil {
		return err
	}
	if class.ParentID == nil || *class.ParentID != classification.ID {
		return fmt.Errorf("%w: class %s is not under classification %s", ErrInvalidTaxonomyPath, class.ID, classification.ID)
	}

	cause, err := r.node(ctx, triple.CauseID, taxonomy.LevelCause)
	if err != nil {
		return err
	}
	if cause.ParentID == nil || *cause.ParentID != class.ID {
		return fmt.Errorf("%w: cause %s is not under class %s", ErrInvalidTaxonomyPath, cause.ID, class.ID)
	}
	return nil
}

func (r *Resolver) node(ctx context.Context, id string, level taxonomy.Level) (taxonomy.Node, error) {
	n, err := r.store.GetTaxonomyNode(ctx, id)
	if err != nil {
		if errors.Is(err, taxonomy.ErrNodeNotFound) {
			return taxonomy.Node{}, fmt.Errorf("%w: %s %s not found", ErrInvalidTaxonomyPath, level, id)
		}
		return taxonomy.Node{}, fmt.Errorf("routing: get node: %w", err)
	}
	if n.Level != level {
		return taxonomy.Node{}, fmt.Errorf("%w: %s is a %s, expected %s", ErrInvalidTaxonomyPath, id, n.Level, level)
	}
	if n.DeletedAt != nil {
		return taxonomy.Node{}, fmt.Errorf("%w: %s %s is deleted", ErrInvalidTaxonomyPath, level, id)
	}
	return n, nil
}

func decisionFromEntry(e taxonomy.MatrixEntry) Decision {
	owners := append([]string(nil), e.FirstContactOwnerIDs...)
	sort.Strings(owners)
	var attention *int
	if e.InitialAttentionDays != nil {
		v := *e.InitialAttentionDays
		attention = &v
	}
	return Decision{
		EntryID:              e.ID,
		Triple:               e.Triple,
		FirstContactOwnerIDs: owners,
		InitialAttentionDays: attention,
		TreatmentOwnerID:     e.TreatmentOwnerID,
		ResponseDays:         e.ResponseDays,
		ResponseType:         e.ResponseType,
	}
}
