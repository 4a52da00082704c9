package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/tenantry/pkg/contextkeys"
	"github.com/platinummonkey/tenantry/pkg/httputil"
	"github.com/platinummonkey/tenantry/pkg/rbac"
)

const (
	// HeaderPrincipalID carries the verified user id set by the identity layer
	HeaderPrincipalID = "X-Principal-Id"
	// HeaderPrincipalSuperAdmin carries "true" for super-admins
	HeaderPrincipalSuperAdmin = "X-Principal-Super-Admin"
)

// PrincipalMiddleware reads the principal verified upstream from trusted
// headers and stores it in the request context. Requests without an id pass
// through anonymously; the authorization guard rejects them.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		superAdmin := false
		if raw := r.Header.Get(HeaderPrincipalSuperAdmin); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				httputil.WriteBadRequest(w, "invalid "+HeaderPrincipalSuperAdmin+" header")
				return
			}
			superAdmin = parsed
		}

		ctx := rbac.WithPrincipal(r.Context(), &rbac.Principal{ID: id, IsSuperAdmin: superAdmin})
		ctx = contextkeys.WithUserID(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
