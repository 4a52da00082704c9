package audit

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantry/pkg/rbac"
)

type handlerFixture struct {
	db     *sql.DB
	router *mux.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	db := setupTestDB(t)
	memberships := rbac.NewStaticMemberships(
		rbac.Member("u1", "org1", rbac.RoleMember),
		rbac.Member("u2", "org2", rbac.RoleOwner),
	)
	guard := rbac.NewGuard(rbac.NewAuthorizer(memberships), rbac.DefaultRegistry())
	handlers := NewHandlers(
		NewQueryService(NewDBStore(db), memberships),
		NewRecorder(NewDBWriter(db)),
		guard,
	)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return &handlerFixture{db: db, router: router}
}

func (f *handlerFixture) serve(principal *rbac.Principal, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "req-42")
	req.Header.Set("User-Agent", "history-test")
	if principal != nil {
		req = req.WithContext(rbac.WithPrincipal(req.Context(), principal))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type recordResponse struct {
	Data  []HistoryEntry `json:"data"`
	Count int            `json:"count"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

var (
	u1    = &rbac.Principal{ID: "u1"}
	u2    = &rbac.Principal{ID: "u2"}
	admin = &rbac.Principal{ID: "root", IsSuperAdmin: true}
)

func TestHandlers_RecordChange(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.serve(u1, http.MethodPost, "/organisations/org1/history", `{
		"tableName": "leads",
		"recordId": "l1",
		"action": "CREATE",
		"after": {"id": "l1", "name": "Ada"},
		"userEmail": "u1@example.com",
		"leadId": "l1",
		"reason": "import"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp recordResponse
	decodeBody(t, rec, &resp)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "id", resp.Data[0].FieldName)
	assert.Equal(t, "name", resp.Data[1].FieldName)

	e := resp.Data[1]
	assert.Equal(t, "u1", deref(e.UserID))
	assert.Equal(t, "u1@example.com", deref(e.UserEmail))
	assert.Equal(t, "org1", deref(e.OrganisationID))
	assert.Equal(t, "l1", deref(e.LeadID))
	assert.Equal(t, "import", deref(e.Reason))
	assert.Equal(t, TriggerUserAction, e.Trigger)
	assert.Equal(t, "req-42", deref(e.RequestID))
	assert.Equal(t, "history-test", deref(e.UserAgent))
	assert.Equal(t, "/organisations/{organisationId}/history", deref(e.APIEndpoint))
	assert.Equal(t, "POST", deref(e.HTTPMethod))
	assert.Equal(t, 2, countEntries(t, f.db))

	t.Run("update with changes", func(t *testing.T) {
		rec := f.serve(u1, http.MethodPost, "/organisations/org1/history", `{
			"tableName": "leads", "recordId": "l1", "action": "UPDATE", "trigger": "WORKFLOW",
			"before": {"id": "l1", "name": "Ada"},
			"after": {"id": "l1", "name": "Grace"}
		}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp recordResponse
		decodeBody(t, rec, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "Ada", resp.Data[0].OldValue)
		assert.Equal(t, "Grace", resp.Data[0].NewValue)
		assert.Equal(t, TriggerWorkflow, resp.Data[0].Trigger)
	})

	t.Run("update without changes writes nothing", func(t *testing.T) {
		before := countEntries(t, f.db)
		rec := f.serve(u1, http.MethodPost, "/organisations/org1/history", `{
			"tableName": "leads", "recordId": "l1", "action": "UPDATE",
			"before": {"name": "Grace"}, "after": {"name": "Grace"}
		}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp recordResponse
		decodeBody(t, rec, &resp)
		assert.Equal(t, 0, resp.Count)
		assert.Empty(t, resp.Data)
		assert.Equal(t, before, countEntries(t, f.db))
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.serve(u1, http.MethodPost, "/organisations/org1/history", `{
			"tableName": "leads", "recordId": "l1", "action": "DELETE",
			"before": {"id": "l1", "name": "Grace"}
		}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp recordResponse
		decodeBody(t, rec, &resp)
		require.Equal(t, 2, resp.Count)
		assert.Nil(t, resp.Data[0].NewValue)
	})
}

func TestHandlers_RecordChangeRejected(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name      string
		principal *rbac.Principal
		path      string
		body      string
		status    int
		contains  string
	}{
		{"not a member", u1, "/organisations/org2/history",
			`{"tableName":"leads","recordId":"l1","action":"CREATE","after":{"a":1}}`, http.StatusForbidden, "org2"},
		{"anonymous", nil, "/organisations/org1/history",
			`{"tableName":"leads","recordId":"l1","action":"CREATE","after":{"a":1}}`, http.StatusForbidden, "authenticated"},
		{"malformed json", u1, "/organisations/org1/history", `{`, http.StatusBadRequest, "invalid JSON"},
		{"missing table", u1, "/organisations/org1/history",
			`{"recordId":"l1","action":"CREATE","after":{"a":1}}`, http.StatusBadRequest, "tableName"},
		{"unknown action", u1, "/organisations/org1/history",
			`{"tableName":"leads","recordId":"l1","action":"PATCH","after":{"a":1}}`, http.StatusBadRequest, "action"},
		{"unknown trigger", u1, "/organisations/org1/history",
			`{"tableName":"leads","recordId":"l1","action":"CREATE","trigger":"CRON","after":{"a":1}}`, http.StatusBadRequest, "trigger"},
		{"update without before", u1, "/organisations/org1/history",
			`{"tableName":"leads","recordId":"l1","action":"UPDATE","after":{"a":1}}`, http.StatusBadRequest, "before"},
		{"create without after", u1, "/organisations/org1/history",
			`{"tableName":"leads","recordId":"l1","action":"CREATE"}`, http.StatusBadRequest, "after"},
		{"snapshot not an object", u1, "/organisations/org1/history",
			`{"tableName":"leads","recordId":"l1","action":"CREATE","after":[1]}`, http.StatusBadRequest, "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.serve(tt.principal, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
	assert.Equal(t, 0, countEntries(t, f.db))
}

func seedViaAPI(t *testing.T, f *handlerFixture, principal *rbac.Principal, org, recordID string) {
	t.Helper()
	rec := f.serve(principal, http.MethodPost, "/organisations/"+org+"/history",
		`{"tableName":"leads","recordId":"`+recordID+`","action":"CREATE","after":{"name":"x"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHandlers_Listing(t *testing.T) {
	f := newHandlerFixture(t)
	seedViaAPI(t, f, u1, "org1", "l1")
	seedViaAPI(t, f, u2, "org2", "l2")

	t.Run("organisation history", func(t *testing.T) {
		rec := f.serve(u1, http.MethodGet, "/organisations/org1/history", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var page Page
		decodeBody(t, rec, &page)
		assert.Equal(t, 1, page.Total)
		assert.Equal(t, DefaultLimit, page.Limit)
		assert.Equal(t, "l1", page.Data[0].RecordID)
	})

	t.Run("other organisation is forbidden", func(t *testing.T) {
		rec := f.serve(u1, http.MethodGet, "/organisations/org2/history", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("super-admin reads any organisation", func(t *testing.T) {
		rec := f.serve(admin, http.MethodGet, "/organisations/org2/history", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var page Page
		decodeBody(t, rec, &page)
		assert.Equal(t, 1, page.Total)
	})

	t.Run("history is scoped", func(t *testing.T) {
		rec := f.serve(u1, http.MethodGet, "/history?tableName=leads", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var page Page
		decodeBody(t, rec, &page)
		assert.Equal(t, 1, page.Total)

		rec = f.serve(admin, http.MethodGet, "/history?tableName=leads&limit=1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		decodeBody(t, rec, &page)
		assert.Equal(t, 2, page.Total)
		assert.Len(t, page.Data, 1)
	})

	t.Run("record history", func(t *testing.T) {
		rec := f.serve(u2, http.MethodGet, "/history/leads/l2", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp recordResponse
		decodeBody(t, rec, &resp)
		assert.Equal(t, 1, resp.Count)

		rec = f.serve(u2, http.MethodGet, "/history/leads/l1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		decodeBody(t, rec, &resp)
		assert.Equal(t, 0, resp.Count)
	})

	t.Run("entries serialise absent fields as null", func(t *testing.T) {
		rec := f.serve(u1, http.MethodGet, "/history", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var raw struct {
			Data []map[string]interface{} `json:"data"`
		}
		decodeBody(t, rec, &raw)
		require.NotEmpty(t, raw.Data)
		for _, key := range []string{"agentId", "callId", "chatId", "oldValue", "description", "sessionId", "errorMessage", "errorStack"} {
			value, present := raw.Data[0][key]
			assert.True(t, present, key)
			assert.Nil(t, value, key)
		}
	})
}

func TestHandlers_QueryErrors(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name      string
		principal *rbac.Principal
		path      string
		status    int
	}{
		{"anonymous", nil, "/history", http.StatusForbidden},
		{"limit too large", u1, "/history?limit=5000", http.StatusBadRequest},
		{"explicit zero limit", u1, "/history?limit=0", http.StatusBadRequest},
		{"negative limit", u1, "/history?limit=-1", http.StatusBadRequest},
		{"limit not a number", u1, "/history?limit=ten", http.StatusBadRequest},
		{"bad timestamp", u1, "/history?createdAtGte=yesterday", http.StatusBadRequest},
		{"bad sort order", u1, "/history?sortOrder=random", http.StatusBadRequest},
		{"bad export format", u1, "/history/export?format=xml", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.serve(tt.principal, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	t.Run("store failure", func(t *testing.T) {
		require.NoError(t, f.db.Close())
		rec := f.serve(admin, http.MethodGet, "/history", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "history request failed")
	})
}

func TestHandlers_Export(t *testing.T) {
	f := newHandlerFixture(t)
	seedViaAPI(t, f, u1, "org1", "l1")
	seedViaAPI(t, f, u2, "org2", "l2")

	rec := f.serve(u1, http.MethodGet, "/history/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2, "header plus the single visible entry")
	assert.True(t, strings.HasPrefix(lines[0], "id,createdAt,tableName"))
	assert.Contains(t, lines[1], "l1")

	rec = f.serve(admin, http.MethodGet, "/history/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var entries []HistoryEntry
	decodeBody(t, rec, &entries)
	assert.Len(t, entries, 2)
}
