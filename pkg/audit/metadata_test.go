package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantry/pkg/contextkeys"
)

func TestMetadataFromRequest(t *testing.T) {
	t.Run("headers and remote address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, "/leads/l1?x=1", nil)
		req.RemoteAddr = "10.0.0.7:51234"
		req.Header.Set("X-Request-Id", "req-1")
		req.Header.Set("X-Session-Id", "sess-1")
		req.Header.Set("User-Agent", "curl/8")

		md := MetadataFromRequest(req)
		assert.Equal(t, "req-1", deref(md.RequestID))
		assert.Equal(t, "sess-1", deref(md.SessionID))
		assert.Equal(t, "10.0.0.7", deref(md.IPAddress))
		assert.Equal(t, "curl/8", deref(md.UserAgent))
		assert.Equal(t, "/leads/l1", deref(md.APIEndpoint))
		assert.Equal(t, "PATCH", deref(md.HTTPMethod))
	})

	t.Run("context wins over headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", "from-header")
		ctx := contextkeys.WithRequestID(req.Context(), "from-context")
		ctx = contextkeys.WithSessionID(ctx, "session-ctx")

		md := MetadataFromRequest(req.WithContext(ctx))
		assert.Equal(t, "from-context", deref(md.RequestID))
		assert.Equal(t, "session-ctx", deref(md.SessionID))
	})

	t.Run("missing values are nil", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Del("User-Agent")

		md := MetadataFromRequest(req)
		assert.Nil(t, md.RequestID)
		assert.Nil(t, md.SessionID)
		assert.Nil(t, md.UserAgent)
	})

	t.Run("route template", func(t *testing.T) {
		var md RequestMetadata
		router := mux.NewRouter()
		router.HandleFunc("/organisations/{organisationId}/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
			md = MetadataFromRequest(r)
		})

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/organisations/o1/leads/l1", nil))
		require.NotNil(t, md.APIEndpoint)
		assert.Equal(t, "/organisations/{organisationId}/leads/{id}", *md.APIEndpoint)
	})
}
