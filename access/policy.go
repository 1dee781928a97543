// Package access holds the authorization predicates consulted before every
// claim transition. The predicates are pure: they read only their arguments
// and the role table the Policy was built with.
package access

import (
	"fmt"
	"sync"
)

// State is the subset of lifecycle information the predicates need. It is kept
// independent from the claim package so the policy can be tested against
// synthetic claims.
type State int

const (
	StateOther State = iota
	StateIntake
)

// ClaimFacts describes a claim as seen by the policy.
type ClaimFacts struct {
	State               State
	ResponsiblePersonID string
	// AreaOwnerID is the owner of the claim's responsible area, empty when the
	// area has no owner.
	AreaOwnerID string
}

// Policy resolves roles to capability sets.
type Policy struct {
	mu    sync.RWMutex
	roles map[Role]Capabilities
}

// NewPolicy builds a policy from a role table. A nil table uses DefaultCapabilities.
func NewPolicy(roles map[Role]Capabilities) *Policy {
	if roles == nil {
		roles = DefaultCapabilities()
	}
	copied := make(map[Role]Capabilities, len(roles))
	for r, c := range roles {
		copied[r] = c
	}
	return &Policy{roles: copied}
}

// Define adds or replaces a role.
func (p *Policy) Define(role Role, caps Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[role] = caps
}

// ParseRole canonicalises raw role text and checks that the role is known.
func (p *Policy) ParseRole(raw string) (Role, error) {
	role := Role(canonical(raw))
	p.mu.RLock()
	_, ok := p.roles[role]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

func (p *Policy) caps(role Role) Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roles[role]
}

// CanHandleClaims reports whether the role may perform intake work.
func (p *Policy) CanHandleClaims(role Role) bool {
	return p.caps(role).Has(CapHandleClaims)
}

// CanApprove reports whether the role may approve or reject solutions.
func (p *Policy) CanApprove(role Role) bool {
	return p.caps(role).Has(CapApprove)
}

// IsReadOnly reports whether the role lacks general edit rights.
func (p *Policy) IsReadOnly(role Role) bool {
	return !p.caps(role).Has(CapEdit)
}

// CanConfigureRouting reports whether the role may write the routing matrix.
func (p *Policy) CanConfigureRouting(role Role) bool {
	return p.caps(role).Has(CapConfigureRouting)
}

// CanAdminister reports whether the role may lock claims and re-snapshot routing.
func (p *Policy) CanAdminister(role Role) bool {
	return p.caps(role).Has(CapAdminister)
}

// CanEditClaim is true for edit-capable roles, and for read-only roles with
// area edit rights when the actor owns the claim's responsible area.
func (p *Policy) CanEditClaim(role Role, claim ClaimFacts, actorID string) bool {
	if !p.IsReadOnly(role) {
		return true
	}
	if !p.caps(role).Has(CapAreaEdit) {
		return false
	}
	return actorID != "" && claim.AreaOwnerID == actorID
}

// CanSubmitSolution is true for approvers and for the claim's responsible person.
func (p *Policy) CanSubmitSolution(role Role, claim ClaimFacts, actorID string) bool {
	if p.CanApprove(role) {
		return true
	}
	return actorID != "" && actorID == claim.ResponsiblePersonID
}

// CanRecordFirstContact is true only while the claim is in intake, for a
// handle-capable actor that is a resolved first-contact owner or the
// responsible person.
func (p *Policy) CanRecordFirstContact(role Role, claim ClaimFacts, actorID string, resolvedOwnerIDs []string) bool {
	if claim.State != StateIntake || actorID == "" {
		return false
	}
	if !p.CanHandleClaims(role) {
		return false
	}
	if actorID == claim.ResponsiblePersonID {
		return true
	}
	for _, owner := range resolvedOwnerIDs {
		if owner == actorID {
			return true
		}
	}
	return false
}
