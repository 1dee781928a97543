// Package sla derives response deadlines and compliance for claims.
//
// Deadlines count calendar days, not business days. Weekends and holidays are
// included on purpose; the contractual SLA is expressed that way.
//
// Dates are represented as time.Time values at midnight UTC carrying the
// calendar date observed in the calculator's time zone, which is also how
// pgx scans a PostgreSQL DATE column.
package sla

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnknownCompliance is returned when a claim never had a deadline.
	ErrUnknownCompliance = errors.New("sla: compliance unknown, deadline never resolved")
	// ErrNegativeDays rejects negative response days.
	ErrNegativeDays = errors.New("sla: response days must be >= 0")
)

// Compliance is the reported compliance state of a claim.
type Compliance string

const (
	ComplianceUnknown   Compliance = "unknown"
	CompliancePending   Compliance = "pending"
	ComplianceCompliant Compliance = "compliant"
	ComplianceBreached  Compliance = "breached"
)

// Result is the compliance of a closed claim.
type Result struct {
	DelayDays int
	Compliant bool
}

// Calculator takes calendar dates in a fixed time zone.
type Calculator struct {
	loc *time.Location
}

// NewCalculator builds a calculator for the given zone; nil means UTC.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// Location returns the zone used to take calendar dates.
func (c *Calculator) Location() *time.Location {
	return c.loc
}

// DateOf returns the calendar date of t in the calculator's zone.
func (c *Calculator) DateOf(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ComputeDeadline returns the date of createdAt plus responseDays calendar days.
func (c *Calculator) ComputeDeadline(createdAt time.Time, responseDays int) (time.Time, error) {
	return DeadlineFrom(c.DateOf(createdAt), responseDays)
}

// DeadlineFrom adds responseDays calendar days to an already resolved
// creation date. It does not depend on any zone.
func DeadlineFrom(createdOn time.Time, responseDays int) (time.Time, error) {
	if responseDays < 0 {
		return time.Time{}, fmt.Errorf("%w: %d", ErrNegativeDays, responseDays)
	}
	return normalize(createdOn).AddDate(0, 0, responseDays), nil
}

// ComputeCompliance compares closure with the deadline. delay = deadline - closure in whole days;
// a negative delay means the claim closed after its deadline.
func (c *Calculator) ComputeCompliance(deadline *time.Time, closure time.Time) (Result, error) {
	if deadline == nil {
		return Result{}, ErrUnknownCompliance
	}
	delay := DaysBetween(c.DateOf(closure), normalize(*deadline))
	return Result{DelayDays: delay, Compliant: delay >= 0}, nil
}

// IsBreached reports whether an open claim has passed its deadline as of now.
// A claim without a deadline is never reported as breached.
func (c *Calculator) IsBreached(deadline *time.Time, now time.Time) bool {
	if deadline == nil {
		return false
	}
	return c.DateOf(now).After(normalize(*deadline))
}

// Report summarises compliance for display. closure is nil while the claim is open.
func (c *Calculator) Report(deadline *time.Time, closure *time.Time, compliant *bool, now time.Time) Compliance {
	if deadline == nil {
		return ComplianceUnknown
	}
	if closure == nil {
		if c.IsBreached(deadline, now) {
			return ComplianceBreached
		}
		return CompliancePending
	}
	if compliant == nil {
		return ComplianceUnknown
	}
	if *compliant {
		return ComplianceCompliant
	}
	return ComplianceBreached
}

// DaysBetween returns to - from in whole days, floored.
func DaysBetween(from, to time.Time) int {
	return int(math.Floor(to.Sub(from).Hours() / 24))
}

func normalize(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}
