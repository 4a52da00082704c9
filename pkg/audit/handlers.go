package audit

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantry/pkg/httputil"
	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/rbac"
)

// Handlers serves the history API
type Handlers struct {
	query    *QueryService
	recorder *Recorder
	guard    *rbac.Guard
}

// NewHandlers creates history handlers. Every route is wrapped by guard.
func NewHandlers(query *QueryService, recorder *Recorder, guard *rbac.Guard) *Handlers {
	return &Handlers{
		query:    query,
		recorder: recorder,
		guard:    guard,
	}
}

// RegisterRoutes registers history routes. It panics if an operation is missing
// from the guard's registry.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	h.handle(router, "/history", rbac.OpHistoryList, h.listHistory).Methods("GET")
	h.handle(router, "/history/export", rbac.OpHistoryExport, h.exportHistory).Methods("GET")
	h.handle(router, "/history/{tableName}/{recordId}", rbac.OpHistoryList, h.recordHistory).Methods("GET")
	h.handle(router, "/organisations/{organisationId}/history", rbac.OpHistoryListOrganisation, h.organisationHistory).Methods("GET")
	h.handle(router, "/organisations/{organisationId}/history", rbac.OpHistoryRecord, h.recordChange).Methods("POST")
}

func (h *Handlers) handle(router *mux.Router, path string, op rbac.Operation, fn http.HandlerFunc) *mux.Route {
	return router.Handle(path, h.guard.MustRequire(op)(fn))
}

// listHistory handles GET /history
func (h *Handlers) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.query.Query(r.Context(), filter, rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, page, "failed to encode history")
}

// organisationHistory handles GET /organisations/{organisationId}/history
func (h *Handlers) organisationHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.OrganisationID = organisationFor(r)

	page, err := h.query.Query(r.Context(), filter, rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, page, "failed to encode history")
}

// recordHistory handles GET /history/{tableName}/{recordId}
func (h *Handlers) recordHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entries, err := h.query.FindByRecord(r.Context(), vars["tableName"], vars["recordId"], rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, map[string]interface{}{
		"data":  entries,
		"count": len(entries),
	}, "failed to encode history")
}

// exportHistory handles GET /history/export
func (h *Handlers) exportHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	format := ExportFormat(httputil.ParseQueryString(r, "format", string(ExportFormatJSON)))

	data, err := h.query.Export(r.Context(), filter, rbac.PrincipalFromContext(r.Context()), format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("history-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// recordRequest is the body of POST /organisations/{organisationId}/history
type recordRequest struct {
	TableName   string    `json:"tableName"`
	RecordID    string    `json:"recordId"`
	Action      Action    `json:"action"`
	Before      *Snapshot `json:"before"`
	After       *Snapshot `json:"after"`
	Trigger     Trigger   `json:"trigger"`
	Reason      string    `json:"reason"`
	Description string    `json:"description"`
	UserEmail   string    `json:"userEmail"`
	UserName    string    `json:"userName"`
	AgentID     string    `json:"agentId"`
	LeadID      string    `json:"leadId"`
	CallID      string    `json:"callId"`
	ChatID      string    `json:"chatId"`
}

func (req *recordRequest) validate() error {
	switch {
	case req.TableName == "":
		return &ValidationError{Field: "tableName", Message: "is required"}
	case req.RecordID == "":
		return &ValidationError{Field: "recordId", Message: "is required"}
	case !req.Action.Valid():
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", req.Action)}
	case req.Trigger != "" && !req.Trigger.Valid():
		return &ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", req.Trigger)}
	case req.Action != ActionDelete && req.After == nil:
		return &ValidationError{Field: "after", Message: "is required for " + string(req.Action)}
	case req.Action != ActionCreate && req.Before == nil:
		return &ValidationError{Field: "before", Message: "is required for " + string(req.Action)}
	}
	return nil
}

// recordChange handles POST /organisations/{organisationId}/history. The actor
// is the calling principal and the organisation is the one the guard authorized.
func (h *Handlers) recordChange(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	principal := rbac.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		h.writeError(w, r, rbac.Unauthenticated())
		return
	}

	tc := TrackContext{
		TableName: req.TableName,
		RecordID:  req.RecordID,
		Actor: Actor{
			UserID:    optional(principal.ID),
			UserEmail: optional(req.UserEmail),
			UserName:  optional(req.UserName),
		},
		Tenancy: TenancyContext{
			OrganisationID: optional(organisationFor(r)),
			AgentID:        optional(req.AgentID),
			LeadID:         optional(req.LeadID),
			CallID:         optional(req.CallID),
			ChatID:         optional(req.ChatID),
		},
		Trigger:     req.Trigger,
		Reason:      req.Reason,
		Description: req.Description,
		Request:     MetadataFromRequest(r),
	}

	entries, err := h.recorder.Record(r.Context(), req.Action, tc, req.Before, req.After)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusCreated, map[string]interface{}{
		"data":  entries,
		"count": len(entries),
	}, "failed to encode history")
}

// organisationFor returns the organisation the guard authorized, falling back
// to the path variable.
func organisationFor(r *http.Request) string {
	if decision, ok := rbac.DecisionFromContext(r.Context()); ok && decision.OrganisationID != "" {
		return decision.OrganisationID
	}
	return mux.Vars(r)["organisationId"]
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		denied  *rbac.DeniedError
		invalid *ValidationError
	)
	switch {
	case errors.As(err, &denied):
		httputil.WriteForbidden(w, denied.Error())
	case errors.As(err, &invalid):
		httputil.WriteBadRequest(w, invalid.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("history request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "history request failed")
	}
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{
		TableName:      q.Get("tableName"),
		RecordID:       q.Get("recordId"),
		FieldName:      q.Get("fieldName"),
		Action:         Action(q.Get("action")),
		Trigger:        Trigger(q.Get("trigger")),
		UserID:         q.Get("userId"),
		OrganisationID: q.Get("organisationId"),
		AgentID:        q.Get("agentId"),
		LeadID:         q.Get("leadId"),
		CallID:         q.Get("callId"),
		ChatID:         q.Get("chatId"),
		RequestID:      q.Get("requestId"),
		SortOrder:      SortOrder(q.Get("sortOrder")),
	}

	var err error
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultLimit); err != nil {
		return Filter{}, &ValidationError{Field: "limit", Message: err.Error()}
	}
	if filter.Limit < 1 {
		return Filter{}, &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxLimit)}
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return Filter{}, &ValidationError{Field: "offset", Message: err.Error()}
	}
	if filter.CreatedAfter, err = parseTime(r, "createdAtGte"); err != nil {
		return Filter{}, err
	}
	if filter.CreatedBefore, err = parseTime(r, "createdAtLte"); err != nil {
		return Filter{}, err
	}
	return filter, nil
}

func parseTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &ValidationError{Field: key, Message: "must be an RFC3339 timestamp"}
	}
	return &t, nil
}
