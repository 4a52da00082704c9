// Package rbac provides tenant-scoped role-based access control.
//
// # Overview
//
// Every protected operation declares, once and statically, the closed set of
// organisation roles allowed to perform it. At request time the Authorizer
// checks the caller's single active role assignment in the target organisation
// against that set.
//
// # Roles
//
// There are exactly three roles:
//
//	RoleOwner   - "OWNER"
//	RoleAdmin   - "ADMIN"
//	RoleMember  - "MEMBER"
//
// Role sets are not a hierarchy. An operation that lists only OWNER rejects an
// ADMIN; every permitted role has to be listed:
//
//	registry, _ := rbac.NewRegistry(
//		rbac.Declaration{Operation: "schedule.create", Roles: []rbac.Role{rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleMember}},
//		rbac.Declaration{Operation: "schedule.delete", Roles: []rbac.Role{rbac.RoleOwner, rbac.RoleAdmin}},
//	)
//
// The same table can be loaded from YAML at startup with LoadRegistryFile.
//
// # Decision Order
//
//  1. No declared role set: allowed, nothing else is checked.
//  2. No principal: denied (UNAUTHENTICATED).
//  3. Super-admin: allowed, tenant is not resolved or read.
//  4. No organisation id: denied (MISSING_TENANT_CONTEXT).
//  5. No active assignment: denied (NO_ORGANISATION_ACCESS).
//  6. Role outside the set: denied (INSUFFICIENT_ROLE), message lists the set.
//  7. Allowed, with the resolved organisation and role.
//
// Only step 5 reads the MembershipRepository, and it reads exactly once.
// Nothing is cached.
//
// # HTTP Usage
//
//	guard := rbac.NewGuard(rbac.NewAuthorizer(memberships), registry)
//	router.Handle("/organisations/{organisationId}/schedules",
//		guard.MustRequire("schedule.create")(createHandler)).Methods("POST")
//
// The organisation id is taken from the organisationId route variable, or from
// the organisationId field of a JSON body. Every denial is answered with 403.
// Handlers read the decision with DecisionFromContext instead of looking the
// membership up again.
package rbac
