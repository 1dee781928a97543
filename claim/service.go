// Package claim owns the claim aggregate and its lifecycle:
//
//	Intake → Treatment → PendingReview → Closed → ClosedLocked
//	                  ↖──── Reject ────┘
//
// Every transition loads the claim under a row lock, checks the caller's
// expected version, consults the access policy, mutates a copy, verifies the
// field invariants and then writes the claim, its timeline event and its
// outbox message in one transaction.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"claimflow/access"
	"claimflow/db"
	"claimflow/document"
	"claimflow/routing"
	"claimflow/sla"
	"claimflow/taxonomy"
)

// AreaOwners resolves the owner of a responsible area.
type AreaOwners interface {
	OwnerOf(ctx context.Context, areaID string) (string, error)
}

type noAreas struct{}

func (noAreas) OwnerOf(context.Context, string) (string, error) { return "", nil }

// Service drives claims through their lifecycle.
type Service struct {
	pool            db.TxBeginner
	repo            Repository
	routes          routing.Lookup
	policy          *access.Policy
	calc            *sla.Calculator
	areas           AreaOwners
	timeline        TimelineWriter
	outbox          OutboxWriter
	letterCheck     func(ref string) error
	allowResnapshot bool
	now             func() time.Time
	idGenerator     func() string
	logger          *slog.Logger
	tracer          trace.Tracer
}

func NewService(pool db.TxBeginner, repo Repository, routes routing.Lookup, policy *access.Policy, calc *sla.Calculator) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		routes:      routes,
		policy:      policy,
		calc:        calc,
		areas:       noAreas{},
		letterCheck: document.RequireEditable,
		now:         time.Now,
		idGenerator: uuid.NewString,
		logger:      slog.Default().With("component", "claim"),
		tracer:      otel.Tracer("claimflow/claim"),
	}
}

func (s *Service) WithAreas(areas AreaOwners) *Service {
	s.areas = areas
	return s
}

func (s *Service) WithTimeline(w TimelineWriter) *Service {
	s.timeline = w
	return s
}

func (s *Service) WithOutbox(w OutboxWriter) *Service {
	s.outbox = w
	return s
}

// WithLetterCheck replaces the closing-letter format rule.
func (s *Service) WithLetterCheck(check func(ref string) error) *Service {
	s.letterCheck = check
	return s
}

// WithResnapshot enables the administrator re-snapshot operation.
func (s *Service) WithResnapshot(enabled bool) *Service {
	s.allowResnapshot = enabled
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger.With("component", "claim")
	return s
}

// Ref addresses a claim at the version the caller last read.
type Ref struct {
	ClaimID         string
	ExpectedVersion int64
}

type CreateParams struct {
	Triple              taxonomy.Triple
	ProductID           string
	CustomerRef         string
	Description         string
	ResponsibleAreaID   string
	ResponsiblePersonID string
}

type SelectCauseParams struct {
	Ref
	Triple taxonomy.Triple
}

type NotesParams struct {
	Ref
	Notes string
}

type SolutionParams struct {
	Ref
	Text      string
	LetterRef string
}

type RateParams struct {
	Ref
	Rating Rating
}

type ListResult struct {
	Items []Claim
	Total int
}

// Create opens a claim in Intake. The triple may be left empty while the
// claim is still being captured; when given it must be a valid path, and a
// matching matrix entry is snapshotted onto the claim.
func (s *Service) Create(ctx context.Context, actor access.Actor, params CreateParams) (Claim, error) {
	ctx, span := s.tracer.Start(ctx, "claim.Create", trace.WithAttributes(attribute.String("actor.role", string(actor.Role))))
	defer span.End()

	created, err := s.create(ctx, actor, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Claim{}, err
	}
	span.SetAttributes(attribute.String("claim.id", created.ID))
	return created, nil
}

func (s *Service) create(ctx context.Context, actor access.Actor, params CreateParams) (Claim, error) {
	if !s.policy.CanHandleClaims(actor.Role) {
		return Claim{}, fmt.Errorf("%w: role %s cannot create claims", ErrForbidden, actor.Role)
	}
	if strings.TrimSpace(params.CustomerRef) == "" {
		return Claim{}, fmt.Errorf("%w: customer reference is required", ErrValidation)
	}

	now := s.now()
	c := Claim{
		ID:                  s.idGenerator(),
		Version:             1,
		Triple:              params.Triple,
		ProductID:           strings.TrimSpace(params.ProductID),
		CustomerRef:         strings.TrimSpace(params.CustomerRef),
		Description:         strings.TrimSpace(params.Description),
		State:               StateIntake,
		CreatedAt:           now,
		CreatedOn:           s.calc.DateOf(now),
		UpdatedAt:           now,
		ResponsibleAreaID:   optional(params.ResponsibleAreaID),
		ResponsiblePersonID: optional(params.ResponsiblePersonID),
	}

	if !params.Triple.IsZero() {
		d, err := s.resolve(ctx, params.Triple)
		if err != nil {
			return Claim{}, err
		}
		if err := s.snapshot(&c, d); err != nil {
			return Claim{}, err
		}
		// The matrix treatment owner is only a suggestion for the initial assignment.
		if d != nil && c.ResponsiblePersonID == nil && d.TreatmentOwnerID != "" {
			c.ResponsiblePersonID = optional(d.TreatmentOwnerID)
		}
	}

	if err := CheckInvariants(c); err != nil {
		s.logger.ErrorContext(ctx, "claim invariant violated on create", "error", err)
		return Claim{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, c)
	if err != nil {
		return Claim{}, err
	}
	if err := s.record(ctx, tx, actor, EventCreated, nil, created, snapshotPayload(created)); err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit create: %w", err)
	}

	s.logger.InfoContext(ctx, "claim created", "claim_id", created.ID, "actor_id", actor.ID, "routed", created.MatrixEntryID != nil)
	return created, nil
}

// SelectCause re-selects the taxonomy triple while the claim is in Intake.
// The routing snapshot is replaced wholesale: a triple without an entry
// leaves the claim without a deadline.
func (s *Service) SelectCause(ctx context.Context, actor access.Actor, params SelectCauseParams) (Claim, error) {
	return s.apply(ctx, actor, EventCauseSelected, params.Ref, func(ctx context.Context, c *Claim, facts access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanEditClaim(actor.Role, facts, actor.ID) {
			return nil, fmt.Errorf("%w: actor %s cannot edit claim %s", ErrForbidden, actor.ID, c.ID)
		}
		if c.State != StateIntake {
			return nil, fmt.Errorf("%w: cause can only be selected during intake, claim is %s", ErrValidation, c.State)
		}
		d, err := s.resolve(ctx, params.Triple)
		if err != nil {
			return nil, err
		}
		c.Triple = params.Triple
		if err := s.snapshot(c, d); err != nil {
			return nil, err
		}
		return snapshotPayload(*c), nil
	})
}

// RecordFirstContact stores the first-contact notes and moves the claim to Treatment.
func (s *Service) RecordFirstContact(ctx context.Context, actor access.Actor, params NotesParams) (Claim, error) {
	return s.apply(ctx, actor, EventFirstContact, params.Ref, func(ctx context.Context, c *Claim, facts access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanHandleClaims(actor.Role) {
			return nil, fmt.Errorf("%w: role %s cannot handle claims", ErrForbidden, actor.Role)
		}
		if c.State != StateIntake {
			return nil, fmt.Errorf("%w: first contact is only recorded during intake, claim is %s", ErrValidation, c.State)
		}
		owners, err := s.firstContactOwners(ctx, c.Triple)
		if err != nil {
			return nil, err
		}
		if !s.policy.CanRecordFirstContact(actor.Role, facts, actor.ID, owners) {
			return nil, fmt.Errorf("%w: actor %s is neither a first contact owner nor responsible for claim %s", ErrForbidden, actor.ID, c.ID)
		}
		notes := strings.TrimSpace(params.Notes)
		if notes == "" {
			return nil, fmt.Errorf("%w: first contact notes are required", ErrValidation)
		}

		c.FirstContactNotes = notes
		c.State = StateTreatment
		return nil, nil
	})
}

// RecordProgress overwrites the progress notes. The previous text stays in
// the timeline.
func (s *Service) RecordProgress(ctx context.Context, actor access.Actor, params NotesParams) (Claim, error) {
	return s.apply(ctx, actor, EventProgress, params.Ref, func(_ context.Context, c *Claim, facts access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanEditClaim(actor.Role, facts, actor.ID) {
			return nil, fmt.Errorf("%w: actor %s cannot edit claim %s", ErrForbidden, actor.ID, c.ID)
		}
		switch c.State {
		case StateIntake, StateClosedLocked:
			return nil, fmt.Errorf("%w: progress cannot be recorded on a claim in %s", ErrValidation, c.State)
		case StateTreatment, StatePendingReview, StateClosed:
		}
		notes := strings.TrimSpace(params.Notes)
		if notes == "" {
			return nil, fmt.Errorf("%w: progress notes are required", ErrValidation)
		}

		c.ProgressNotes = notes
		return map[string]any{"notes": notes}, nil
	})
}

// SubmitSolution stores the solution and closing letter and sends the claim to review.
func (s *Service) SubmitSolution(ctx context.Context, actor access.Actor, params SolutionParams) (Claim, error) {
	return s.apply(ctx, actor, EventSolutionSubmitted, params.Ref, func(_ context.Context, c *Claim, facts access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanSubmitSolution(actor.Role, facts, actor.ID) {
			return nil, fmt.Errorf("%w: actor %s cannot submit a solution for claim %s", ErrForbidden, actor.ID, c.ID)
		}
		switch c.State {
		case StateTreatment, StatePendingReview:
		case StateIntake, StateClosed, StateClosedLocked:
			return nil, fmt.Errorf("%w: a solution cannot be submitted for a claim in %s", ErrValidation, c.State)
		}
		text := strings.TrimSpace(params.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: solution text is required", ErrValidation)
		}
		letter := strings.TrimSpace(params.LetterRef)
		if err := s.letterCheck(letter); err != nil {
			return nil, fmt.Errorf("%w: closing letter: %v", ErrValidation, err)
		}

		c.SolutionText = text
		c.ClosingLetterRef = &letter
		c.State = StatePendingReview
		return map[string]any{"closing_letter_ref": letter}, nil
	})
}

// Approve closes the claim and records its SLA compliance. A claim that was
// never routed closes with unknown compliance.
func (s *Service) Approve(ctx context.Context, actor access.Actor, ref Ref) (Claim, error) {
	return s.apply(ctx, actor, EventApproved, ref, func(_ context.Context, c *Claim, _ access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanApprove(actor.Role) {
			return nil, fmt.Errorf("%w: role %s cannot approve", ErrForbidden, actor.Role)
		}
		if c.State != StatePendingReview {
			return nil, fmt.Errorf("%w: only claims pending review can be approved, claim is %s", ErrValidation, c.State)
		}

		now := s.now()
		closure := s.calc.DateOf(now)
		c.ClosureDate = &closure
		c.State = StateClosed

		payload := map[string]any{"closure_date": closure.Format(time.DateOnly)}
		res, err := s.calc.ComputeCompliance(c.TheoreticalDeadline, now)
		switch {
		case errors.Is(err, sla.ErrUnknownCompliance):
			payload["compliance"] = sla.ComplianceUnknown
		case err != nil:
			return nil, err
		default:
			c.DelayDays = &res.DelayDays
			c.Compliant = &res.Compliant
			payload["delay_days"] = res.DelayDays
			payload["compliant"] = res.Compliant
		}
		return payload, nil
	})
}

// Reject sends the claim back to Treatment. The submitted solution is cleared
// and has to be submitted again.
func (s *Service) Reject(ctx context.Context, actor access.Actor, params NotesParams) (Claim, error) {
	return s.apply(ctx, actor, EventRejected, params.Ref, func(_ context.Context, c *Claim, _ access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanApprove(actor.Role) {
			return nil, fmt.Errorf("%w: role %s cannot reject", ErrForbidden, actor.Role)
		}
		notes := strings.TrimSpace(params.Notes)
		if notes == "" {
			return nil, fmt.Errorf("%w: rejection notes are required", ErrValidation)
		}
		if c.State != StatePendingReview {
			return nil, fmt.Errorf("%w: only claims pending review can be rejected, claim is %s", ErrValidation, c.State)
		}

		c.RejectionNotes = &notes
		c.SolutionText = ""
		c.ClosingLetterRef = nil
		c.State = StateTreatment
		return nil, nil
	})
}

// Rate records whether the claim was justified.
func (s *Service) Rate(ctx context.Context, actor access.Actor, params RateParams) (Claim, error) {
	return s.apply(ctx, actor, EventRated, params.Ref, func(_ context.Context, c *Claim, _ access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanApprove(actor.Role) {
			return nil, fmt.Errorf("%w: role %s cannot rate claims", ErrForbidden, actor.Role)
		}
		rating, err := ParseRating(string(params.Rating))
		if err != nil {
			return nil, err
		}
		switch c.State {
		case StateIntake, StateClosedLocked:
			return nil, fmt.Errorf("%w: a claim in %s cannot be rated", ErrValidation, c.State)
		case StateTreatment, StatePendingReview, StateClosed:
		}

		c.Rating = &rating
		return map[string]any{"rating": rating}, nil
	})
}

// Lock freezes a closed claim.
func (s *Service) Lock(ctx context.Context, actor access.Actor, ref Ref) (Claim, error) {
	return s.apply(ctx, actor, EventLocked, ref, func(_ context.Context, c *Claim, _ access.ClaimFacts) (map[string]any, error) {
		if !s.policy.CanAdminister(actor.Role) {
			return nil, fmt.Errorf("%w: role %s cannot lock claims", ErrForbidden, actor.Role)
		}
		if c.State != StateClosed {
			return nil, fmt.Errorf("%w: only closed claims can be locked, claim is %s", ErrValidation, c.State)
		}
		c.State = StateClosedLocked
		return nil, nil
	})
}

// Resnapshot re-runs routing for the claim's current triple and replaces the
// snapshot. It is disabled unless the deployment opts in.
func (s *Service) Resnapshot(ctx context.Context, actor access.Actor, ref Ref) (Claim, error) {
	return s.apply(ctx, actor, EventResnapshot, ref, func(ctx context.Context, c *Claim, _ access.ClaimFacts) (map[string]any, error) {
		if !s.allowResnapshot {
			return nil, fmt.Errorf("%w: re-snapshotting is disabled", ErrForbidden)
		}
		if !s.policy.CanAdminister(actor.Role) {
			return nil, fmt.Errorf("%w: role %s cannot re-snapshot claims", ErrForbidden, actor.Role)
		}
		if c.State.IsClosed() {
			return nil, fmt.Errorf("%w: closed claims keep their snapshot", ErrValidation)
		}
		if c.Triple.IsZero() {
			return nil, fmt.Errorf("%w: claim has no cause selected", ErrValidation)
		}
		d, err := s.resolve(ctx, c.Triple)
		if err != nil {
			return nil, err
		}
		if err := s.snapshot(c, d); err != nil {
			return nil, err
		}
		return snapshotPayload(*c), nil
	})
}

// Get returns a claim. Every authenticated role may read claims.
func (s *Service) Get(ctx context.Context, id string) (Claim, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Breached && filters.BreachedAsOf == nil {
		today := s.calc.DateOf(s.now())
		filters.BreachedAsOf = &today
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// ListBreached returns open claims whose deadline has passed, oldest deadline first.
func (s *Service) ListBreached(ctx context.Context, limit int) (ListResult, error) {
	today := s.calc.DateOf(s.now())
	return s.List(ctx, Filters{
		BreachedAsOf: &today,
		PageSize:     limit,
		SortKey:      "deadline",
		SortOrder:    "asc",
	})
}

func (s *Service) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	return s.repo.Timeline(ctx, id)
}

// Compliance summarises the SLA position of a claim as of now.
func (s *Service) Compliance(c Claim) sla.Compliance {
	return s.calc.Report(c.TheoreticalDeadline, c.ClosureDate, c.Compliant, s.now())
}

type mutation func(ctx context.Context, c *Claim, facts access.ClaimFacts) (map[string]any, error)

func (s *Service) apply(ctx context.Context, actor access.Actor, event Event, ref Ref, mutate mutation) (Claim, error) {
	ctx, span := s.tracer.Start(ctx, "claim."+string(event), trace.WithAttributes(
		attribute.String("claim.id", ref.ClaimID),
		attribute.Int64("claim.expected_version", ref.ExpectedVersion),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	updated, err := s.applyTx(ctx, actor, event, ref, mutate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Claim{}, err
	}
	return updated, nil
}

func (s *Service) applyTx(ctx context.Context, actor access.Actor, event Event, ref Ref, mutate mutation) (Claim, error) {
	if ref.ClaimID == "" {
		return Claim{}, fmt.Errorf("%w: claim id is required", ErrValidation)
	}
	if ref.ExpectedVersion < 1 {
		return Claim{}, fmt.Errorf("%w: expected version is required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, ref.ClaimID)
	if err != nil {
		return Claim{}, err
	}
	if current.Version != ref.ExpectedVersion {
		return Claim{}, fmt.Errorf("%w: claim %s is at version %d, expected %d", ErrConflict, current.ID, current.Version, ref.ExpectedVersion)
	}

	owner, err := s.areas.OwnerOf(ctx, current.responsibleArea())
	if err != nil {
		return Claim{}, fmt.Errorf("claim: resolve area owner: %w", err)
	}
	facts := access.ClaimFacts{
		State:               current.State.policyState(),
		ResponsiblePersonID: current.responsiblePerson(),
		AreaOwnerID:         owner,
	}

	next := current.clone()
	payload, err := mutate(ctx, &next, facts)
	if err != nil {
		return Claim{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	if err := CheckInvariants(next); err != nil {
		s.logger.ErrorContext(ctx, "claim invariant violated", "claim_id", current.ID, "event", event, "error", err)
		return Claim{}, err
	}

	updated, err := s.repo.Update(ctx, tx, next, current.Version)
	if err != nil {
		return Claim{}, err
	}
	from := current.State
	if err := s.record(ctx, tx, actor, event, &from, updated, payload); err != nil {
		return Claim{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit %s: %w", event, err)
	}

	s.logger.InfoContext(ctx, "claim transition applied",
		"claim_id", updated.ID,
		"event", event,
		"from", from,
		"to", updated.State,
		"version", updated.Version,
		"actor_id", actor.ID,
	)
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, actor access.Actor, event Event, from *State, c Claim, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if s.timeline != nil {
		ev := TimelineEvent{
			ClaimID:   c.ID,
			Type:      event,
			ActorID:   actor.ID,
			FromState: from,
			ToState:   c.State,
			Version:   c.Version,
		}
		if err := s.timeline.Append(ctx, tx, ev, payload); err != nil {
			return fmt.Errorf("claim: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		msg := map[string]any{
			"claim_id": c.ID,
			"event":    event,
			"state":    c.State,
			"version":  c.Version,
			"actor_id": actor.ID,
		}
		if from != nil {
			msg["previous_state"] = *from
		}
		if err := s.outbox.Enqueue(ctx, tx, event.Topic(), c.ID, msg); err != nil {
			return fmt.Errorf("claim: enqueue outbox: %w", err)
		}
	}
	return nil
}

// resolve returns nil when the triple is valid but has no routing.
func (s *Service) resolve(ctx context.Context, triple taxonomy.Triple) (*routing.Decision, error) {
	d, err := s.routes.Resolve(ctx, triple)
	if errors.Is(err, routing.ErrMatrixEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// firstContactOwners resolves the live owner set. A claim whose routing has
// since disappeared has no owners; its responsible person can still act.
func (s *Service) firstContactOwners(ctx context.Context, triple taxonomy.Triple) ([]string, error) {
	if triple.IsZero() {
		return nil, nil
	}
	d, err := s.routes.Resolve(ctx, triple)
	switch {
	case errors.Is(err, routing.ErrMatrixEntryNotFound), errors.Is(err, routing.ErrInvalidTaxonomyPath):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return d.FirstContactOwnerIDs, nil
}

func (s *Service) snapshot(c *Claim, d *routing.Decision) error {
	c.MatrixEntryID = nil
	c.ResponseDaysSnapshot = nil
	c.TheoreticalDeadline = nil
	c.ResponseType = ""
	if d == nil {
		return nil
	}

	deadline, err := sla.DeadlineFrom(c.CreatedOn, d.ResponseDays)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	entryID := d.EntryID
	days := d.ResponseDays
	c.MatrixEntryID = &entryID
	c.ResponseDaysSnapshot = &days
	c.TheoreticalDeadline = &deadline
	c.ResponseType = d.ResponseType
	return nil
}

func snapshotPayload(c Claim) map[string]any {
	payload := map[string]any{
		"classification_id": c.Triple.ClassificationID,
		"class_id":          c.Triple.ClassID,
		"cause_id":          c.Triple.CauseID,
		"routed":            c.MatrixEntryID != nil,
	}
	if c.TheoreticalDeadline != nil {
		payload["matrix_entry_id"] = *c.MatrixEntryID
		payload["response_days"] = *c.ResponseDaysSnapshot
		payload["theoretical_deadline"] = c.TheoreticalDeadline.Format(time.DateOnly)
	}
	return payload
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
