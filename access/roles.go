package access

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the canonical identifier of a role. Raw role text from tokens or
// configuration goes through ParseRole once; nothing downstream compares
// free-form strings.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleClaimsHandler Role = "claims_handler"
	RoleClaimsLead    Role = "claims_lead"
	RoleCollaborator  Role = "collaborator"
	RoleAuditor       Role = "auditor"
)

// ErrUnknownRole signals a role identifier that has no capability set.
var ErrUnknownRole = errors.New("access: unknown role")

// Capability is a single permission bit a role may carry.
type Capability uint16

const (
	// CapHandleClaims allows intake work: creating claims and recording first contact.
	CapHandleClaims Capability = 1 << iota
	// CapEdit marks a role as not read-only.
	CapEdit
	// CapApprove allows approving, rejecting and rating solutions.
	CapApprove
	// CapAreaEdit lets a read-only role edit claims of the areas it owns.
	CapAreaEdit
	// CapConfigureRouting allows routing matrix writes.
	CapConfigureRouting
	// CapAdminister allows locking closed claims and re-snapshotting.
	CapAdminister
)

var capabilityNames = map[string]Capability{
	"handle_claims":     CapHandleClaims,
	"edit":              CapEdit,
	"approve":           CapApprove,
	"area_edit":         CapAreaEdit,
	"configure_routing": CapConfigureRouting,
	"administer":        CapAdminister,
}

// Capabilities is the set of capabilities granted to a role.
type Capabilities uint16

// Has reports whether every bit of c is present.
func (s Capabilities) Has(c Capability) bool {
	return uint16(s)&uint16(c) == uint16(c)
}

// With returns the set extended by c.
func (s Capabilities) With(c Capability) Capabilities {
	return Capabilities(uint16(s) | uint16(c))
}

// ParseCapabilities turns capability names ("approve", "edit", ...) into a set.
func ParseCapabilities(names []string) (Capabilities, error) {
	var set Capabilities
	for _, name := range names {
		c, ok := capabilityNames[canonical(name)]
		if !ok {
			return 0, fmt.Errorf("access: unknown capability %q", name)
		}
		set = set.With(c)
	}
	return set, nil
}

// DefaultCapabilities is the built-in role table. Additional roles are added
// through Policy.Define without touching the claim lifecycle.
func DefaultCapabilities() map[Role]Capabilities {
	all := Capabilities(0).
		With(CapHandleClaims).
		With(CapEdit).
		With(CapApprove).
		With(CapConfigureRouting).
		With(CapAdminister)
	return map[Role]Capabilities{
		RoleAdministrator: all,
		RoleClaimsLead:    Capabilities(0).With(CapHandleClaims).With(CapEdit).With(CapApprove),
		RoleClaimsHandler: Capabilities(0).With(CapHandleClaims).With(CapEdit),
		RoleCollaborator:  Capabilities(0).With(CapAreaEdit),
		RoleAuditor:       0,
	}
}

// canonical folds casing and separators so "Claims Lead", "claims-lead" and
// "CLAIMS_LEAD" all name the same role.
func canonical(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), "_")
	return strings.ReplaceAll(s, "-", "_")
}

// ErrForbidden signals that a guard refused the actor.
var ErrForbidden = errors.New("access: forbidden")

// Actor is the authenticated caller of an operation. It is passed explicitly
// on every call and never read from ambient state.
type Actor struct {
	ID   string
	Role Role
}

// CanonicalRole folds raw role text into its canonical identifier without
// checking that the role exists.
func CanonicalRole(raw string) Role {
	return Role(canonical(raw))
}
