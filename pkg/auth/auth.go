// Package auth resolves extracted request credentials against tenant
// configuration into a single authorization context. The decision order is
// security-critical and fixed; branches either resolve or fall through to
// the next one.
package auth

import (
	"context"
	"net/netip"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/tenants"
)

// Auth is the resolved outcome of the admission decision tree. Attached to
// the request for the remainder of its lifetime; immutable once set.
type Auth struct {
	Tenant *tenants.TenantConfig

	IsMaster      bool
	IsReadOnly    bool
	IsMaintenance bool
	// SkipRateLimit is set only for maintenance-privileged requests.
	SkipRateLimit bool

	// User is the resolved user identity, empty for anonymous.
	User           string
	InstallationID string

	// Deferred marks that session verification still has to run; Token
	// carries the session token for that later stage.
	Deferred bool
	Token    string
}

// Resolver runs the decision tree. Sessions performs the data-layer session
// lookup of the deferred branch.
type Resolver struct {
	Sessions Verifier
	Log      *zap.SugaredLogger
}

// Input is everything the decision tree consumes for one request.
type Input struct {
	Creds  *credentials.RequestCredentials
	Tenant *tenants.TenantConfig
	// RemoteIP is the caller's network address, without port.
	RemoteIP string
	// UpgradeEndpoint marks the session-upgrade route, which forces an
	// anonymous-context write of the upgrade record.
	UpgradeEndpoint bool
}

// Resolve walks the branches in order. The first matching branch wins; a
// returned Auth with Deferred set means session verification must follow
// via VerifyDeferred before the request is considered authorized.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Auth, error) {
	c := in.Creds
	t := in.Tenant

	if c.MaintenanceKey != "" && c.MaintenanceKey == t.MaintenanceKey {
		if ipAllowed(in.RemoteIP, t.MaintenanceKeyIPs) {
			return &Auth{
				Tenant:         t,
				IsMaintenance:  true,
				IsMaster:       true,
				SkipRateLimit:  true,
				InstallationID: c.InstallationID,
			}, nil
		}
		// Not granted maintenance privilege, but not rejected yet either.
		r.Log.Warnw("maintenance key used from address outside allow-list",
			"appId", t.AppID, "ip", in.RemoteIP, "rule", "maintenanceKeyIps")
	}

	if c.MasterKey != "" && c.MasterKey == t.MasterKey {
		if ipAllowed(in.RemoteIP, t.MasterKeyIPs) {
			return &Auth{Tenant: t, IsMaster: true, InstallationID: c.InstallationID}, nil
		}
		// Downgrade: the request continues as non-elevated.
		r.Log.Warnw("master key used from address outside allow-list",
			"appId", t.AppID, "ip", in.RemoteIP, "rule", "masterKeyIps")
	}

	if c.MasterKey != "" && t.ReadonlyMasterKey != "" && c.MasterKey == t.ReadonlyMasterKey {
		return &Auth{Tenant: t, IsMaster: true, IsReadOnly: true, InstallationID: c.InstallationID}, nil
	}

	if t.ClientKeyConfigured() {
		if !t.MatchesClientKey(c.ClientKey, c.JavascriptKey, c.WindowsKey, c.RestAPIKey) {
			r.Log.Warnw("request rejected: no client key matched",
				"appId", t.AppID, "ip", in.RemoteIP)
			return nil, apierrors.Unauthorized("unauthorized")
		}
	}

	if in.UpgradeEndpoint {
		c.SessionToken = ""
	}

	if c.UserFromJWT != "" {
		return &Auth{Tenant: t, User: c.UserFromJWT, InstallationID: c.InstallationID}, nil
	}

	if c.SessionToken == "" {
		return &Auth{Tenant: t, InstallationID: c.InstallationID}, nil
	}

	return &Auth{Tenant: t, Deferred: true, Token: c.SessionToken, InstallationID: c.InstallationID}, nil
}

// VerifyDeferred completes an Auth whose session verification was deferred.
// Recognized authorization errors propagate unchanged; anything else is
// logged and converted to an unknown-error signal, never swallowed.
func (r *Resolver) VerifyDeferred(ctx context.Context, a *Auth, legacy bool) (*Auth, error) {
	if !a.Deferred {
		return a, nil
	}
	if r.Sessions == nil {
		return nil, apierrors.InvalidSession("session verification not configured")
	}
	user, err := r.Sessions.Verify(ctx, a.Tenant.AppID, a.Token, legacy)
	if err != nil {
		if api := apierrors.AsAPI(err); api != nil {
			return nil, api
		}
		r.Log.Errorw("session verification failed",
			"appId", a.Tenant.AppID, "err", err)
		return nil, apierrors.Internal("unknown error")
	}
	return &Auth{
		Tenant:         a.Tenant,
		User:           user,
		InstallationID: a.InstallationID,
	}, nil
}

// ipAllowed reports whether ip is inside the allow-list. Entries may be
// single addresses or CIDR prefixes. An empty list places no restriction.
func ipAllowed(ip string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allow {
		if p, err := netip.ParsePrefix(entry); err == nil {
			if p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
