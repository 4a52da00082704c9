// Package orgs stores organisation membership.
//
// Each row of role_assignments binds one user to one organisation with one of
// the roles defined in pkg/rbac. Memberships are never hard-deleted; SoftDelete
// stamps deleted_at and the row stops granting access.
//
// PostgresMembershipStore implements rbac.MembershipRepository, so it can be
// handed directly to rbac.NewAuthorizer and audit.NewQueryService:
//
//	store := orgs.NewPostgresMembershipStore(db)
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
//	authorizer := rbac.NewAuthorizer(store)
//
// Handlers exposes the membership write side over HTTP. Each route is guarded
// by a membership.* operation, only owners may grant or revoke OWNER, and every
// change is recorded through audit.Recorder.
//
// Role values read back from the database are parsed with rbac.ParseRole, so a
// row carrying anything other than OWNER, ADMIN or MEMBER is reported as an error
// instead of granting access.
package orgs
