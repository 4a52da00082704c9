package orgs

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantry/pkg/audit"
	"github.com/platinummonkey/tenantry/pkg/httputil"
	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/rbac"
)

// assignmentsTable names membership changes in the history trail
const assignmentsTable = "role_assignments"

// errOwnerRequired is returned when a non-owner grants, changes or removes the OWNER role
var errOwnerRequired = errors.New("only an organisation owner may grant or revoke the OWNER role")

// Handlers serves the membership API
type Handlers struct {
	store    *PostgresMembershipStore
	recorder *audit.Recorder
	guard    *rbac.Guard
}

// NewHandlers creates membership handlers. Every route is wrapped by guard and
// every change is recorded through recorder.
func NewHandlers(store *PostgresMembershipStore, recorder *audit.Recorder, guard *rbac.Guard) *Handlers {
	return &Handlers{
		store:    store,
		recorder: recorder,
		guard:    guard,
	}
}

// RegisterRoutes registers membership routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	h.handle(router, "/organisations/{organisationId}/members", rbac.OpMembershipList, h.listMembers).Methods("GET")
	h.handle(router, "/organisations/{organisationId}/members", rbac.OpMembershipInvite, h.addMember).Methods("POST")
	h.handle(router, "/organisations/{organisationId}/members/{userId}", rbac.OpMembershipUpdateRole, h.changeRole).Methods("PATCH")
	h.handle(router, "/organisations/{organisationId}/members/{userId}", rbac.OpMembershipRemove, h.removeMember).Methods("DELETE")
}

func (h *Handlers) handle(router *mux.Router, path string, op rbac.Operation, fn http.HandlerFunc) *mux.Route {
	return router.Handle(path, h.guard.MustRequire(op)(fn))
}

// listMembers handles GET /organisations/{organisationId}/members
func (h *Handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.store.ListMembers(r.Context(), organisationFor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, map[string]interface{}{
		"data":  members,
		"count": len(members),
	}, "failed to encode members")
}

type addMemberRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// addMember handles POST /organisations/{organisationId}/members
func (h *Handlers) addMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if role == rbac.RoleOwner && !callerIsOwner(r) {
		h.writeError(w, r, errOwnerRequired)
		return
	}

	assignment, err := h.store.Assign(r.Context(), req.UserID, organisationFor(r), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	_, err = h.recorder.RecordCreate(r.Context(), trackContext(r, assignment), assignmentSnapshot(assignment))
	h.logHistoryFailure(r, assignment, err)

	httputil.WriteJSONOrError(w, http.StatusCreated, assignment, "failed to encode member")
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

// changeRole handles PATCH /organisations/{organisationId}/members/{userId}
func (h *Handlers) changeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	before, err := h.activeMember(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if (role == rbac.RoleOwner || before.Role == rbac.RoleOwner) && !callerIsOwner(r) {
		h.writeError(w, r, errOwnerRequired)
		return
	}
	if before.Role == role {
		httputil.WriteJSONOrError(w, http.StatusOK, before, "failed to encode member")
		return
	}

	if err := h.store.ChangeRole(r.Context(), before.UserID, before.OrganisationID, role); err != nil {
		h.writeError(w, r, err)
		return
	}
	after := *before
	after.Role = role

	_, err = h.recorder.RecordUpdate(r.Context(), trackContext(r, before), assignmentSnapshot(before), assignmentSnapshot(&after))
	h.logHistoryFailure(r, before, err)

	httputil.WriteJSONOrError(w, http.StatusOK, &after, "failed to encode member")
}

// removeMember handles DELETE /organisations/{organisationId}/members/{userId}
func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request) {
	before, err := h.activeMember(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if before.Role == rbac.RoleOwner && !callerIsOwner(r) {
		h.writeError(w, r, errOwnerRequired)
		return
	}

	if err := h.store.SoftDelete(r.Context(), before.UserID, before.OrganisationID); err != nil {
		h.writeError(w, r, err)
		return
	}

	_, err = h.recorder.RecordDelete(r.Context(), trackContext(r, before), assignmentSnapshot(before))
	h.logHistoryFailure(r, before, err)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) activeMember(r *http.Request) (*rbac.RoleAssignment, error) {
	a, err := h.store.GetActiveAssignment(r.Context(), mux.Vars(r)["userId"], organisationFor(r))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrMembershipNotFound
	}
	return a, nil
}

// logHistoryFailure reports a membership change whose history could not be
// written. The change itself has already been committed.
func (h *Handlers) logHistoryFailure(r *http.Request, a *rbac.RoleAssignment, err error) {
	if err == nil {
		return
	}
	observability.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"assignment_id":   a.ID,
		"organisation_id": a.OrganisationID,
	}).Error("membership history write failed")
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidRole *rbac.InvalidRoleError
	switch {
	case errors.As(err, &invalidRole):
		httputil.WriteBadRequest(w, invalidRole.Error())
	case errors.Is(err, errOwnerRequired):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrAlreadyMember):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrMembershipNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("membership request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "membership request failed")
	}
}

// organisationFor returns the organisation the guard authorized, falling back
// to the path variable.
func organisationFor(r *http.Request) string {
	if decision, ok := rbac.DecisionFromContext(r.Context()); ok && decision.OrganisationID != "" {
		return decision.OrganisationID
	}
	return mux.Vars(r)["organisationId"]
}

func callerIsOwner(r *http.Request) bool {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil && p.IsSuperAdmin {
		return true
	}
	decision, ok := rbac.DecisionFromContext(r.Context())
	return ok && decision.Role != nil && *decision.Role == rbac.RoleOwner
}

func trackContext(r *http.Request, a *rbac.RoleAssignment) audit.TrackContext {
	organisationID := a.OrganisationID
	tc := audit.TrackContext{
		TableName: assignmentsTable,
		RecordID:  a.ID,
		Tenancy:   audit.TenancyContext{OrganisationID: &organisationID},
		Trigger:   audit.TriggerAPI,
		Request:   audit.MetadataFromRequest(r),
	}
	if p := rbac.PrincipalFromContext(r.Context()); p.Authenticated() {
		userID := p.ID
		tc.Actor.UserID = &userID
	}
	return tc
}

func assignmentSnapshot(a *rbac.RoleAssignment) *audit.Snapshot {
	return audit.NewSnapshot().
		Set("id", a.ID).
		Set("userId", a.UserID).
		Set("organisationId", a.OrganisationID).
		Set("role", a.Role.String())
}
