package rbac

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/platinummonkey/tenantry/pkg/rbac"

// DecisionHook observes every decision, allowed or denied
type DecisionHook func(ctx context.Context, decision Decision)

// Authorizer decides whether a principal may perform an operation in an organisation
type Authorizer struct {
	memberships MembershipRepository
	tracer      trace.Tracer
	hooks       []DecisionHook
}

// AuthorizerOption configures an Authorizer
type AuthorizerOption func(*Authorizer)

// WithTracer overrides the tracer used for authorization spans
func WithTracer(tracer trace.Tracer) AuthorizerOption {
	return func(a *Authorizer) {
		a.tracer = tracer
	}
}

// WithDecisionHook registers a hook called after each decision
func WithDecisionHook(hook DecisionHook) AuthorizerOption {
	return func(a *Authorizer) {
		a.hooks = append(a.hooks, hook)
	}
}

// NewAuthorizer creates an authorizer backed by the membership repository
func NewAuthorizer(memberships MembershipRepository, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		memberships: memberships,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize evaluates required against the principal's membership in organisationID.
//
// A nil required set means the operation declared no restriction and is always
// allowed. Super-admins are allowed before the tenant is resolved. Otherwise exactly
// one membership read is performed. Denials are returned as *DeniedError together
// with the denied decision; repository failures are returned wrapped and the
// decision is the zero value.
func (a *Authorizer) Authorize(ctx context.Context, principal *Principal, required *RoleSet, organisationID string) (Decision, error) {
	ctx, span := a.tracer.Start(ctx, "rbac.Authorize")
	defer span.End()

	decision, err := a.authorize(ctx, principal, required, organisationID)

	span.SetAttributes(
		attribute.Bool("rbac.allowed", decision.Allowed),
		attribute.String("rbac.reason", string(decision.Reason)),
		attribute.String("rbac.organisation_id", decision.OrganisationID),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if decision.Reason != "" {
		for _, hook := range a.hooks {
			hook(ctx, decision)
		}
	}

	return decision, err
}

func (a *Authorizer) authorize(ctx context.Context, principal *Principal, required *RoleSet, organisationID string) (Decision, error) {
	if required == nil {
		return Decision{Allowed: true, Reason: ReasonUnrestricted}, nil
	}

	if !principal.Authenticated() {
		denied := Unauthenticated()
		return denied.Decision(), denied
	}

	if principal.IsSuperAdmin {
		return Decision{Allowed: true, Reason: ReasonSuperAdmin, OrganisationID: organisationID}, nil
	}

	if organisationID == "" {
		denied := missingTenantContext()
		return denied.Decision(), denied
	}

	assignment, err := a.memberships.GetActiveAssignment(ctx, principal.ID, organisationID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to look up membership: %w", err)
	}

	if !assignment.IsActive() {
		denied := noOrganisationAccess(organisationID)
		return denied.Decision(), denied
	}

	if !required.Contains(assignment.Role) {
		denied := insufficientRole(organisationID, *required)
		return denied.Decision(), denied
	}

	role := assignment.Role
	return Decision{
		Allowed:        true,
		Reason:         ReasonGranted,
		OrganisationID: organisationID,
		Role:           &role,
	}, nil
}
