// pkg/middleware/admission.go
package middleware

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/ratelimit"
	"gatekeeper/pkg/tenants"
)

// UpgradeSessionPath is the session-upgrade endpoint. Its session token is
// discarded before resolution so the upgrade record is written under an
// anonymous context, and deferred verification uses legacy-token semantics.
const UpgradeSessionPath = "/sessions/upgrade"

// Admission is the request-admission pipeline: credential extraction →
// tenant lookup → lifecycle gate → auth resolution → rate limiting →
// deferred session verification. Everything downstream sees a resolved,
// immutable authorization context.
type Admission struct {
	Registry *tenants.Registry
	Extract  *credentials.Extractor
	// Identity optionally pre-verifies bearer identity tokens; nil disables
	// the flow.
	Identity *auth.IdentityVerifier
	Resolver *auth.Resolver
	Engine   *ratelimit.Engine
	// ShortCircuit stops rate-rule evaluation at the first rejection.
	ShortCircuit bool
	Log          *zap.SugaredLogger
}

func (p *Admission) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		creds, err := p.Extract.Extract(r)
		if err != nil {
			apierrors.Write(w, err)
			return
		}
		if creds.AppID == "" {
			apierrors.Write(w, apierrors.Unauthorized("unauthorized"))
			return
		}
		tenant, err := p.Registry.Resolve(creds.AppID)
		if err != nil {
			p.Log.Warnw("unknown application id", "appId", creds.AppID, "ip", remoteIP(r))
			apierrors.Write(w, apierrors.Unauthorized("unauthorized"))
			return
		}
		if tenant.State != tenants.StateOK {
			apierrors.Write(w, apierrors.TenantUnavailable(string(tenant.State)))
			return
		}

		if p.Identity != nil {
			p.Identity.Attach(r, creds, tenant)
		}

		ip := remoteIP(r)
		upgrade := r.URL.Path == UpgradeSessionPath
		resolved, err := p.Resolver.Resolve(r.Context(), auth.Input{
			Creds:           creds,
			Tenant:          tenant,
			RemoteIP:        ip,
			UpgradeEndpoint: upgrade,
		})
		if err != nil {
			apierrors.Write(w, err)
			return
		}

		// Maintenance privilege skips rate limiting entirely; every other
		// resolved branch passes through the engine.
		if !resolved.SkipRateLimit {
			if err := p.Engine.Admit(r.Context(), tenant, resolved, ratelimit.Request{
				Method:       r.Method,
				Path:         r.URL.Path,
				RemoteIP:     ip,
				SessionToken: creds.SessionToken,
				ShortCircuit: p.ShortCircuit,
			}); err != nil {
				apierrors.Write(w, err)
				return
			}
		}

		resolved, err = p.Resolver.VerifyDeferred(r.Context(), resolved, upgrade)
		if err != nil {
			apierrors.Write(w, err)
			return
		}

		ctx := tenants.WithTenant(r.Context(), tenant)
		ctx = credentials.WithCredentials(ctx, creds)
		ctx = auth.WithAuth(ctx, resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
