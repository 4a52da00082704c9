package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizer_Authorize(t *testing.T) {
	ctx := context.Background()
	managersOnly := Require(RoleOwner, RoleAdmin)

	t.Run("no declared roles allows anyone without reading", func(t *testing.T) {
		repo := NewStaticMemberships()
		a := NewAuthorizer(repo)

		for _, p := range []*Principal{nil, {ID: "u1"}, {ID: "root", IsSuperAdmin: true}} {
			decision, err := a.Authorize(ctx, p, nil, "")
			require.NoError(t, err)
			assert.True(t, decision.Allowed)
			assert.Equal(t, ReasonUnrestricted, decision.Reason)
		}
		assert.Equal(t, int64(0), repo.Reads())
	})

	t.Run("missing principal is unauthenticated", func(t *testing.T) {
		repo := NewStaticMemberships()
		a := NewAuthorizer(repo)

		for _, p := range []*Principal{nil, {}} {
			decision, err := a.Authorize(ctx, p, managersOnly, "org1")
			require.Error(t, err)
			assert.False(t, decision.Allowed)
			assert.Equal(t, ReasonUnauthenticated, decision.Reason)
			assert.ErrorIs(t, err, ErrUnauthenticated)
			assert.ErrorIs(t, err, ErrDenied)
		}
		assert.Equal(t, int64(0), repo.Reads())
	})

	t.Run("super admin bypasses tenant checks", func(t *testing.T) {
		repo := NewStaticMemberships()
		a := NewAuthorizer(repo)
		admin := &Principal{ID: "root", IsSuperAdmin: true}

		decision, err := a.Authorize(ctx, admin, managersOnly, "does-not-exist")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, ReasonSuperAdmin, decision.Reason)

		decision, err = a.Authorize(ctx, admin, managersOnly, "")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, int64(0), repo.Reads())
	})

	t.Run("missing organisation id", func(t *testing.T) {
		repo := NewStaticMemberships(Member("u1", "org1", RoleOwner))
		a := NewAuthorizer(repo)

		decision, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "")
		assert.ErrorIs(t, err, ErrMissingTenantContext)
		assert.Equal(t, ReasonMissingTenantContext, decision.Reason)
		assert.Equal(t, int64(0), repo.Reads())
	})

	t.Run("no membership", func(t *testing.T) {
		repo := NewStaticMemberships(Member("u1", "org2", RoleOwner))
		a := NewAuthorizer(repo)

		decision, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "org1")
		assert.ErrorIs(t, err, ErrNoOrganisationAccess)
		assert.Equal(t, ReasonNoOrganisationAccess, decision.Reason)
		assert.Equal(t, "org1", decision.OrganisationID)
		assert.Equal(t, int64(1), repo.Reads())
	})

	t.Run("soft-deleted membership counts as none", func(t *testing.T) {
		removed := Member("u1", "org1", RoleOwner)
		removed.State = MembershipDeleted
		a := NewAuthorizer(NewStaticMemberships(removed))

		_, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "org1")
		assert.Equal(t, ReasonNoOrganisationAccess, ReasonOf(err))
	})

	t.Run("role outside the set", func(t *testing.T) {
		repo := NewStaticMemberships(Member("u1", "org1", RoleMember))
		a := NewAuthorizer(repo)

		decision, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "org1")
		require.Error(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, ReasonInsufficientRole, decision.Reason)
		assert.ErrorIs(t, err, ErrInsufficientRole)
		assert.Contains(t, err.Error(), "OWNER, ADMIN")

		var denied *DeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, NewRoleSet(RoleOwner, RoleAdmin), denied.Required)
		assert.Equal(t, int64(1), repo.Reads())
	})

	t.Run("no hierarchy between roles", func(t *testing.T) {
		a := NewAuthorizer(NewStaticMemberships(Member("u1", "org1", RoleAdmin)))

		_, err := a.Authorize(ctx, &Principal{ID: "u1"}, Require(RoleOwner), "org1")
		assert.ErrorIs(t, err, ErrInsufficientRole)
		assert.Contains(t, err.Error(), "requires one of OWNER")
	})

	t.Run("empty declared set denies members", func(t *testing.T) {
		a := NewAuthorizer(NewStaticMemberships(Member("u1", "org1", RoleOwner)))

		_, err := a.Authorize(ctx, &Principal{ID: "u1"}, Require(), "org1")
		assert.ErrorIs(t, err, ErrInsufficientRole)
	})

	t.Run("granted carries organisation and role", func(t *testing.T) {
		repo := NewStaticMemberships(Member("u1", "org1", RoleAdmin))
		a := NewAuthorizer(repo)

		decision, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "org1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, ReasonGranted, decision.Reason)
		assert.Equal(t, "org1", decision.OrganisationID)
		require.NotNil(t, decision.Role)
		assert.Equal(t, RoleAdmin, *decision.Role)
		assert.Equal(t, int64(1), repo.Reads())
	})

	t.Run("every call reads again", func(t *testing.T) {
		repo := NewStaticMemberships(Member("u1", "org1", RoleOwner))
		a := NewAuthorizer(repo)

		for i := 0; i < 3; i++ {
			_, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "org1")
			require.NoError(t, err)
		}
		assert.Equal(t, int64(3), repo.Reads())
	})

	t.Run("repository failure is not a denial", func(t *testing.T) {
		repo := NewStaticMemberships()
		repo.FailWith(errors.New("connection refused"))
		a := NewAuthorizer(repo)

		decision, err := a.Authorize(ctx, &Principal{ID: "u1"}, managersOnly, "org1")
		require.Error(t, err)
		assert.False(t, decision.Allowed)
		assert.NotErrorIs(t, err, ErrDenied)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestAuthorizer_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	a := NewAuthorizer(NewStaticMemberships(Member("u1", "org1", RoleMember)))
	u1 := &Principal{ID: "u1", IsSuperAdmin: false}

	_, err := a.Authorize(ctx, u1, Require(RoleOwner, RoleAdmin), "org1")
	require.Error(t, err)
	assert.Equal(t, ReasonInsufficientRole, ReasonOf(err))
	assert.Contains(t, err.Error(), "OWNER, ADMIN")

	decision, err := a.Authorize(ctx, u1, Require(RoleOwner, RoleAdmin, RoleMember), "org1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAuthorizer_DecisionHook(t *testing.T) {
	var seen []ReasonCode
	a := NewAuthorizer(
		NewStaticMemberships(Member("u1", "org1", RoleMember)),
		WithDecisionHook(func(_ context.Context, d Decision) { seen = append(seen, d.Reason) }),
	)

	ctx := context.Background()
	_, _ = a.Authorize(ctx, &Principal{ID: "u1"}, Require(RoleMember), "org1")
	_, _ = a.Authorize(ctx, &Principal{ID: "u1"}, Require(RoleOwner), "org1")
	_, _ = a.Authorize(ctx, nil, nil, "")

	assert.Equal(t, []ReasonCode{ReasonGranted, ReasonInsufficientRole, ReasonUnrestricted}, seen)
}
