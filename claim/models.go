package claim

import (
	"fmt"
	"time"

	"claimflow/access"
	"claimflow/taxonomy"
)

// State is the lifecycle position of a claim.
type State string

const (
	StateIntake        State = "intake"
	StateTreatment     State = "treatment"
	StatePendingReview State = "pending_review"
	StateClosed        State = "closed"
	StateClosedLocked  State = "closed_locked"
)

// States lists every state in typical progression order.
var States = []State{StateIntake, StateTreatment, StatePendingReview, StateClosed, StateClosedLocked}

// ParseState validates a state name.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown state %q", ErrValidation, raw)
	}
	return s, nil
}

func (s State) Valid() bool {
	switch s {
	case StateIntake, StateTreatment, StatePendingReview, StateClosed, StateClosedLocked:
		return true
	}
	return false
}

// IsClosed reports whether the claim has a closure date.
func (s State) IsClosed() bool {
	switch s {
	case StateClosed, StateClosedLocked:
		return true
	case StateIntake, StateTreatment, StatePendingReview:
		return false
	}
	return false
}

// policyState projects the lifecycle onto what the access predicates see.
func (s State) policyState() access.State {
	switch s {
	case StateIntake:
		return access.StateIntake
	case StateTreatment, StatePendingReview, StateClosed, StateClosedLocked:
		return access.StateOther
	}
	return access.StateOther
}

// Rating classifies the merit of a claim once it has been assessed.
type Rating string

const (
	RatingJustified   Rating = "justified"
	RatingUnjustified Rating = "unjustified"
	RatingUncertain   Rating = "uncertain"
)

// ParseRating validates a rating name.
func ParseRating(raw string) (Rating, error) {
	switch r := Rating(raw); r {
	case RatingJustified, RatingUnjustified, RatingUncertain:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown rating %q", ErrValidation, raw)
}

// Claim is the aggregate root.
//
// ResponseDaysSnapshot and TheoreticalDeadline are copied from the routing
// matrix when the cause is selected and are not touched by later matrix edits.
// ClosureDate, DelayDays and Compliant are set once, on approval.
type Claim struct {
	ID          string
	Version     int64
	Triple      taxonomy.Triple
	ProductID   string
	CustomerRef string
	Description string
	State       State
	CreatedAt   time.Time
	// CreatedOn is the calendar date of CreatedAt in the zone configured at
	// creation. Deadlines count from it, so a later zone change leaves them alone.
	CreatedOn time.Time
	UpdatedAt time.Time

	MatrixEntryID        *string
	ResponseDaysSnapshot *int
	ResponseType         string
	TheoreticalDeadline  *time.Time

	ResponsibleAreaID   *string
	ResponsiblePersonID *string

	ClosureDate *time.Time
	DelayDays   *int
	Compliant   *bool

	FirstContactNotes string
	ProgressNotes     string
	SolutionText      string
	ClosingLetterRef  *string
	RejectionNotes    *string
	Rating            *Rating
}

func (c Claim) responsiblePerson() string {
	if c.ResponsiblePersonID == nil {
		return ""
	}
	return *c.ResponsiblePersonID
}

func (c Claim) responsibleArea() string {
	if c.ResponsibleAreaID == nil {
		return ""
	}
	return *c.ResponsibleAreaID
}

// clone copies every pointer field so a mutation never reaches the original.
func (c Claim) clone() Claim {
	out := c
	out.MatrixEntryID = clonePtr(c.MatrixEntryID)
	out.ResponseDaysSnapshot = clonePtr(c.ResponseDaysSnapshot)
	out.TheoreticalDeadline = clonePtr(c.TheoreticalDeadline)
	out.ResponsibleAreaID = clonePtr(c.ResponsibleAreaID)
	out.ResponsiblePersonID = clonePtr(c.ResponsiblePersonID)
	out.ClosureDate = clonePtr(c.ClosureDate)
	out.DelayDays = clonePtr(c.DelayDays)
	out.Compliant = clonePtr(c.Compliant)
	out.ClosingLetterRef = clonePtr(c.ClosingLetterRef)
	out.RejectionNotes = clonePtr(c.RejectionNotes)
	out.Rating = clonePtr(c.Rating)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Event names a lifecycle event. Each applied event is recorded on the claim
// timeline and published through the outbox as "claim.<event>".
type Event string

const (
	EventCreated           Event = "created"
	EventCauseSelected     Event = "cause_selected"
	EventFirstContact      Event = "first_contact_recorded"
	EventProgress          Event = "progress_recorded"
	EventSolutionSubmitted Event = "solution_submitted"
	EventApproved          Event = "approved"
	EventRejected          Event = "rejected"
	EventRated             Event = "rated"
	EventLocked            Event = "locked"
	EventResnapshot        Event = "resnapshot"
)

// Topic is the outbox topic for the event.
func (e Event) Topic() string {
	return "claim." + string(e)
}

// TimelineEvent is one row of a claim's history.
type TimelineEvent struct {
	ID        int64
	ClaimID   string
	Type      Event
	ActorID   string
	FromState *State
	ToState   State
	Version   int64
	Payload   []byte
	CreatedAt time.Time
}

// Filters narrows claim listings.
type Filters struct {
	State               State
	ResponsibleAreaID   string
	ResponsiblePersonID string
	// Breached asks for claims breached as of today.
	Breached bool
	// BreachedAsOf, when set, keeps only open claims whose deadline is
	// before this date.
	BreachedAsOf *time.Time
	Page         int
	PageSize     int
	SortKey      string
	SortOrder    string
}
