package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is an organisation-level role. The set of roles is closed.
type Role uint8

const (
	// roleInvalid is the zero value and never a valid role
	roleInvalid Role = iota
	RoleOwner
	RoleAdmin
	RoleMember
)

// allRoles lists every role in enumeration order
var allRoles = []Role{RoleOwner, RoleAdmin, RoleMember}

var roleNames = map[Role]string{
	RoleOwner:  "OWNER",
	RoleAdmin:  "ADMIN",
	RoleMember: "MEMBER",
}

// AllRoles returns every valid role in enumeration order
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// String returns the canonical upper-case name of the role
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Valid reports whether r is one of the declared roles
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// InvalidRoleError is returned when a value outside the role enumeration
// reaches a boundary (storage rows, config files, request payloads).
type InvalidRoleError struct {
	Value string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid role %q (must be one of %s)", e.Value, NewRoleSet(allRoles...).String())
}

// ParseRole parses the canonical role name. Anything else is rejected.
func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if s == name {
			return role, nil
		}
	}
	return roleInvalid, &InvalidRoleError{Value: s}
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, &InvalidRoleError{Value: r.String()}
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// RoleSet is a closed set of roles. Membership is exact: no role implies another.
type RoleSet struct {
	bits uint8
}

// NewRoleSet builds a set from the given roles. Invalid roles are ignored.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		if r.Valid() {
			s.bits |= 1 << r
		}
	}
	return s
}

// Require returns a pointer to a required-role set for use as an operation declaration
func Require(roles ...Role) *RoleSet {
	s := NewRoleSet(roles...)
	return &s
}

// Contains reports whether role is an element of the set
func (s RoleSet) Contains(role Role) bool {
	return role.Valid() && s.bits&(1<<role) != 0
}

// Len returns the number of roles in the set
func (s RoleSet) Len() int {
	n := 0
	for _, r := range allRoles {
		if s.Contains(r) {
			n++
		}
	}
	return n
}

// Roles returns the members of the set in enumeration order
func (s RoleSet) Roles() []Role {
	roles := make([]Role, 0, len(allRoles))
	for _, r := range allRoles {
		if s.Contains(r) {
			roles = append(roles, r)
		}
	}
	return roles
}

// String renders the set as "OWNER, ADMIN" in enumeration order
func (s RoleSet) String() string {
	roles := s.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return strings.Join(names, ", ")
}

// MarshalJSON renders the set as an ordered array of role names
func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Roles())
}

// UnmarshalJSON parses an array of role names, rejecting unknown values
func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set, err := ParseRoleSet(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// ParseRoleSet parses a list of role names into a set
func ParseRoleSet(names []string) (RoleSet, error) {
	var set RoleSet
	for _, name := range names {
		role, err := ParseRole(name)
		if err != nil {
			return RoleSet{}, err
		}
		set.bits |= 1 << role
	}
	return set, nil
}

// Principal is the already-verified actor handed over by the identity layer
type Principal struct {
	ID           string `json:"id"`
	IsSuperAdmin bool   `json:"isSuperAdmin"`
}

// Authenticated reports whether the principal identifies a user
func (p *Principal) Authenticated() bool {
	return p != nil && p.ID != ""
}

// MembershipState tags a role assignment as active or soft-deleted
type MembershipState string

const (
	MembershipActive  MembershipState = "active"
	MembershipDeleted MembershipState = "deleted"
)

// RoleAssignment binds a user to one organisation with one role
type RoleAssignment struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	OrganisationID string          `json:"organisationId"`
	Role           Role            `json:"role"`
	State          MembershipState `json:"state"`
	CreatedAt      time.Time       `json:"createdAt"`
	DeletedAt      *time.Time      `json:"deletedAt"`
}

// IsActive is the single predicate deciding whether an assignment grants access
func (a *RoleAssignment) IsActive() bool {
	return a != nil && a.State == MembershipActive && a.Role.Valid()
}

// MembershipRepository is the read side of organisation membership
type MembershipRepository interface {
	// GetActiveAssignment returns the active assignment for (userID, organisationID),
	// or nil when the user has none (never assigned or soft-deleted).
	GetActiveAssignment(ctx context.Context, userID, organisationID string) (*RoleAssignment, error)

	// ListActiveOrganisationIDs returns every organisation the user actively belongs to
	ListActiveOrganisationIDs(ctx context.Context, userID string) ([]string, error)
}
