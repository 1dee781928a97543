package claim

import (
	"errors"

	"claimflow/access"
)

var (
	// ErrForbidden signals that the access policy refused the actor.
	ErrForbidden = access.ErrForbidden
	// ErrValidation signals bad input or a transition not allowed from the current state.
	ErrValidation = errors.New("claim: validation failed")
	// ErrConflict signals a stale expected version. Callers re-read and retry.
	ErrConflict = errors.New("claim: version conflict")
	// ErrNotFound signals an unknown claim id.
	ErrNotFound = errors.New("claim: not found")
	// ErrInvariantViolation signals a combination of fields that must never be
	// persisted. It indicates a bug, not bad input.
	ErrInvariantViolation = errors.New("claim: invariant violation")
)
