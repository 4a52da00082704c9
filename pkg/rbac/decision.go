package rbac

import (
	"errors"
	"fmt"
)

// ReasonCode explains an authorization decision
type ReasonCode string

const (
	// Allow reasons
	ReasonUnrestricted ReasonCode = "UNRESTRICTED"
	ReasonSuperAdmin   ReasonCode = "SUPER_ADMIN"
	ReasonGranted      ReasonCode = "GRANTED"

	// Deny reasons
	ReasonUnauthenticated      ReasonCode = "UNAUTHENTICATED"
	ReasonMissingTenantContext ReasonCode = "MISSING_TENANT_CONTEXT"
	ReasonNoOrganisationAccess ReasonCode = "NO_ORGANISATION_ACCESS"
	ReasonInsufficientRole     ReasonCode = "INSUFFICIENT_ROLE"
)

// Decision is the outcome of one Authorize call. It is never persisted.
type Decision struct {
	Allowed        bool       `json:"allowed"`
	Reason         ReasonCode `json:"reasonCode"`
	OrganisationID string     `json:"organisationId,omitempty"`
	Role           *Role      `json:"role,omitempty"`
}

var (
	// ErrDenied matches every authorization denial
	ErrDenied = errors.New("authorization denied")

	ErrUnauthenticated      = errors.New("authentication required")
	ErrMissingTenantContext = errors.New("organisation context required")
	ErrNoOrganisationAccess = errors.New("no access to organisation")
	ErrInsufficientRole     = errors.New("insufficient role")
)

var reasonSentinels = map[ReasonCode]error{
	ReasonUnauthenticated:      ErrUnauthenticated,
	ReasonMissingTenantContext: ErrMissingTenantContext,
	ReasonNoOrganisationAccess: ErrNoOrganisationAccess,
	ReasonInsufficientRole:     ErrInsufficientRole,
}

// DeniedError is the single error class for authorization failures.
// The reason is carried in the message and the Reason field, not in the type.
type DeniedError struct {
	Reason         ReasonCode
	OrganisationID string
	Required       RoleSet
	Message        string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDenied, e.Message)
}

// Is matches ErrDenied and the sentinel belonging to the reason code
func (e *DeniedError) Is(target error) bool {
	if target == ErrDenied {
		return true
	}
	return reasonSentinels[e.Reason] == target
}

// Decision returns the denied decision matching this error
func (e *DeniedError) Decision() Decision {
	return Decision{Allowed: false, Reason: e.Reason, OrganisationID: e.OrganisationID}
}

// Unauthenticated builds the denial for a missing principal
func Unauthenticated() *DeniedError {
	return &DeniedError{
		Reason:  ReasonUnauthenticated,
		Message: "an authenticated principal is required",
	}
}

func missingTenantContext() *DeniedError {
	return &DeniedError{
		Reason:  ReasonMissingTenantContext,
		Message: "organisationId is required but was not found in the path or payload",
	}
}

func noOrganisationAccess(orgID string) *DeniedError {
	return &DeniedError{
		Reason:         ReasonNoOrganisationAccess,
		OrganisationID: orgID,
		Message:        fmt.Sprintf("you do not have access to organisation %s", orgID),
	}
}

func insufficientRole(orgID string, required RoleSet) *DeniedError {
	return &DeniedError{
		Reason:         ReasonInsufficientRole,
		OrganisationID: orgID,
		Required:       required,
		Message:        fmt.Sprintf("insufficient role: requires one of %s", required.String()),
	}
}

// ReasonOf extracts the reason code from a denial, or "" for any other error
func ReasonOf(err error) ReasonCode {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}
	return ""
}
