// pkg/middleware/cors.go
package middleware

import (
	"net/http"
	"strings"

	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/tenants"
)

var defaultAllowHeaders = []string{
	"Authorization", "Content-Type",
	credentials.HeaderAppID, credentials.HeaderMasterKey,
	credentials.HeaderReadonlyMasterKey, credentials.HeaderMaintenanceKey,
	credentials.HeaderClientKey, credentials.HeaderJavascriptKey,
	credentials.HeaderWindowsKey, credentials.HeaderRestAPIKey,
	credentials.HeaderSessionToken, credentials.HeaderInstallationID,
	credentials.HeaderClientVersion, credentials.HeaderCloudContext,
	credentials.HeaderRequestID,
}

// CORS answers preflights and stamps response headers using the tenant's
// configured origins and headers. Preflights carry no body, so the tenant
// is looked up from the app id header alone; unknown tenants get the
// permissive defaults and are rejected later in the pipeline anyway.
func CORS(reg *tenants.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origins := []string{"*"}
			headers := defaultAllowHeaders
			if t, err := reg.Resolve(r.Header.Get(credentials.HeaderAppID)); err == nil {
				if len(t.AllowOrigins) > 0 {
					origins = t.AllowOrigins
				}
				if len(t.AllowHeaders) > 0 {
					headers = append(append([]string(nil), defaultAllowHeaders...), t.AllowHeaders...)
				}
			}

			origin := r.Header.Get("Origin")
			allowed := origins[0]
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = o
					break
				}
			}
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			w.Header().Set("Access-Control-Max-Age", "86400")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
