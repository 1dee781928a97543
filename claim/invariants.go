package claim

import (
	"fmt"
	"time"

	"claimflow/sla"
)

// CheckInvariants verifies the field combinations every persisted claim must
// satisfy. The service runs it before each write.
func CheckInvariants(c Claim) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: claim %s: %s", ErrInvariantViolation, c.ID, fmt.Sprintf(format, args...))
	}

	if !c.State.Valid() {
		return fail("unknown state %q", c.State)
	}
	if c.Version < 1 {
		return fail("version %d", c.Version)
	}

	if (c.ResponseDaysSnapshot == nil) != (c.TheoreticalDeadline == nil) {
		return fail("response days snapshot and deadline must be set together")
	}
	if (c.MatrixEntryID == nil) != (c.ResponseDaysSnapshot == nil) {
		return fail("snapshot without matrix entry")
	}
	if c.ResponseDaysSnapshot != nil {
		want, err := sla.DeadlineFrom(c.CreatedOn, *c.ResponseDaysSnapshot)
		if err != nil {
			return fail("%v", err)
		}
		if !c.TheoreticalDeadline.Equal(want) {
			return fail("deadline %s is not %s + %d days (%s)",
				c.TheoreticalDeadline.Format(time.DateOnly), c.CreatedOn.Format(time.DateOnly),
				*c.ResponseDaysSnapshot, want.Format(time.DateOnly))
		}
	}

	if c.State.IsClosed() != (c.ClosureDate != nil) {
		return fail("state %s with closure date set=%t", c.State, c.ClosureDate != nil)
	}
	if c.ClosureDate == nil || c.TheoreticalDeadline == nil {
		if c.DelayDays != nil || c.Compliant != nil {
			return fail("compliance recorded without closure date and deadline")
		}
	} else {
		if c.DelayDays == nil || c.Compliant == nil {
			return fail("closed with a deadline but no compliance")
		}
		// Both are stored as calendar dates.
		delay := sla.DaysBetween(*c.ClosureDate, *c.TheoreticalDeadline)
		if delay != *c.DelayDays || (delay >= 0) != *c.Compliant {
			return fail("compliance (%d, %t) does not match dates (delay %d)", *c.DelayDays, *c.Compliant, delay)
		}
	}

	switch c.State {
	case StatePendingReview, StateClosed, StateClosedLocked:
		if c.SolutionText == "" || c.ClosingLetterRef == nil {
			return fail("state %s without a submitted solution", c.State)
		}
	case StateIntake, StateTreatment:
	}
	return nil
}
