package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"claimflow/access"
	"claimflow/taxonomy"
)

// ErrInvalidEntry signals matrix entry parameters that break the entry rules.
var ErrInvalidEntry = errors.New("routing: invalid matrix entry")

type pathValidator interface {
	ValidatePath(ctx context.Context, triple taxonomy.Triple) error
}

type invalidator interface {
	Invalidate()
}

// AdminService applies configuration writes to the routing matrix.
type AdminService struct {
	writer taxonomy.MatrixWriter
	paths  pathValidator
	policy *access.Policy
	caches []invalidator
	logger *slog.Logger
}

// NewAdminService wires the matrix writer, path validation and policy.
func NewAdminService(writer taxonomy.MatrixWriter, paths pathValidator, policy *access.Policy, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		writer: writer,
		paths:  paths,
		policy: policy,
		logger: logger.With("component", "routing_admin"),
	}
}

// WithCache registers a cache flushed after every write.
func (s *AdminService) WithCache(c invalidator) *AdminService {
	s.caches = append(s.caches, c)
	return s
}

// CreateEntry adds an entry for a triple that has none.
func (s *AdminService) CreateEntry(ctx context.Context, actor access.Actor, params EntryParams) (taxonomy.MatrixEntry, error) {
	if err := s.authorize(actor); err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	p, err := s.validate(ctx, params)
	if err != nil {
		return taxonomy.MatrixEntry{}, err
	}

	entry, err := s.writer.CreateEntry(ctx, p)
	if err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	s.invalidate()
	s.logger.InfoContext(ctx, "matrix entry created", "entry_id", entry.ID, "actor_id", actor.ID)
	return entry, nil
}

// UpdateEntry overwrites an entry. Claims keep the snapshot they already took.
// The triple identifies the entry and cannot change; a zero triple keeps it.
func (s *AdminService) UpdateEntry(ctx context.Context, actor access.Actor, id string, params EntryParams) (taxonomy.MatrixEntry, error) {
	if err := s.authorize(actor); err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	current, err := s.writer.GetEntry(ctx, id)
	if err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	if params.Triple.IsZero() {
		params.Triple = current.Triple
	}
	if params.Triple != current.Triple {
		return taxonomy.MatrixEntry{}, fmt.Errorf("%w: entry %s is keyed by %s/%s/%s and its triple cannot change",
			ErrInvalidEntry, id, current.Triple.ClassificationID, current.Triple.ClassID, current.Triple.CauseID)
	}
	p, err := s.validate(ctx, params)
	if err != nil {
		return taxonomy.MatrixEntry{}, err
	}

	entry, err := s.writer.UpdateEntry(ctx, id, p)
	if err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	s.invalidate()
	s.logger.InfoContext(ctx, "matrix entry updated", "entry_id", entry.ID, "actor_id", actor.ID)
	return entry, nil
}

// SetActive activates or deactivates an entry.
func (s *AdminService) SetActive(ctx context.Context, actor access.Actor, id string, active bool) (taxonomy.MatrixEntry, error) {
	if err := s.authorize(actor); err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	entry, err := s.writer.SetEntryActive(ctx, id, active)
	if err != nil {
		return taxonomy.MatrixEntry{}, err
	}
	s.invalidate()
	s.logger.InfoContext(ctx, "matrix entry activation changed", "entry_id", entry.ID, "active", active, "actor_id", actor.ID)
	return entry, nil
}

// List returns matrix entries; any authenticated role may read the matrix.
func (s *AdminService) List(ctx context.Context, includeInactive bool) ([]taxonomy.MatrixEntry, error) {
	return s.writer.ListEntries(ctx, includeInactive)
}

// Import upserts every entry of a matrix file, keyed by triple. The file is
// validated as a whole first and then written in one transaction, so a bad
// entry leaves the matrix untouched.
func (s *AdminService) Import(ctx context.Context, actor access.Actor, file taxonomy.MatrixFile) (taxonomy.ImportResult, error) {
	if err := s.authorize(actor); err != nil {
		return taxonomy.ImportResult{}, err
	}

	params := make([]EntryParams, len(file.Entries))
	for i, fe := range file.Entries {
		p, err := s.validate(ctx, fe.Params())
		if err != nil {
			return taxonomy.ImportResult{}, fmt.Errorf("routing: import entry %d: %w", i, err)
		}
		params[i] = p
	}

	defer s.invalidate()
	var res taxonomy.ImportResult
	err := s.writer.InTx(ctx, func(w taxonomy.MatrixWriter) error {
		res = taxonomy.ImportResult{}
		existing, err := w.ListEntries(ctx, true)
		if err != nil {
			return err
		}
		byTriple := make(map[taxonomy.Triple]taxonomy.MatrixEntry, len(existing))
		for _, e := range existing {
			byTriple[e.Triple] = e
		}

		for i, p := range params {
			active := file.Entries[i].IsActive()
			current, found := byTriple[p.Triple]
			if !found {
				current, err = w.CreateEntry(ctx, p)
				if err != nil {
					return fmt.Errorf("routing: import entry %d: %w", i, err)
				}
				res.Created++
			} else {
				current, err = w.UpdateEntry(ctx, current.ID, p)
				if err != nil {
					return fmt.Errorf("routing: import entry %d: %w", i, err)
				}
				res.Updated++
			}

			if current.Active != active {
				current, err = w.SetEntryActive(ctx, current.ID, active)
				if err != nil {
					return fmt.Errorf("routing: import entry %d: %w", i, err)
				}
				if !active {
					res.Deactivated++
				}
			}
			byTriple[p.Triple] = current
		}
		return nil
	})
	if err != nil {
		return taxonomy.ImportResult{}, err
	}

	s.logger.InfoContext(ctx, "matrix imported",
		"created", res.Created, "updated", res.Updated, "deactivated", res.Deactivated, "actor_id", actor.ID)
	return res, nil
}

// EntryParams aliases the store's write parameters for callers of this package.
type EntryParams = taxonomy.EntryParams

func (s *AdminService) authorize(actor access.Actor) error {
	if !s.policy.CanConfigureRouting(actor.Role) {
		return fmt.Errorf("%w: role %s cannot configure routing", access.ErrForbidden, actor.Role)
	}
	return nil
}

func (s *AdminService) validate(ctx context.Context, p EntryParams) (EntryParams, error) {
	owners := make([]string, 0, len(p.FirstContactOwnerIDs))
	seen := make(map[string]struct{}, len(p.FirstContactOwnerIDs))
	for _, o := range p.FirstContactOwnerIDs {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		owners = append(owners, o)
	}
	if len(owners) == 0 {
		return EntryParams{}, fmt.Errorf("%w: at least one first contact owner is required", ErrInvalidEntry)
	}
	if p.ResponseDays < 0 {
		return EntryParams{}, fmt.Errorf("%w: response days must be >= 0", ErrInvalidEntry)
	}
	if p.InitialAttentionDays != nil && *p.InitialAttentionDays < 0 {
		return EntryParams{}, fmt.Errorf("%w: initial attention days must be >= 0", ErrInvalidEntry)
	}
	if strings.TrimSpace(p.TreatmentOwnerID) == "" {
		return EntryParams{}, fmt.Errorf("%w: treatment owner is required", ErrInvalidEntry)
	}
	if err := s.paths.ValidatePath(ctx, p.Triple); err != nil {
		return EntryParams{}, err
	}

	p.FirstContactOwnerIDs = owners
	p.TreatmentOwnerID = strings.TrimSpace(p.TreatmentOwnerID)
	p.ResponseType = strings.TrimSpace(p.ResponseType)
	return p, nil
}

func (s *AdminService) invalidate() {
	for _, c := range s.caches {
		c.Invalidate()
	}
}
