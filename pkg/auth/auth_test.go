package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/tenants"
)

// fakeVerifier records calls so tests can assert sequencing and the legacy
// flag.
type fakeVerifier struct {
	calls  []string
	legacy []bool
	user   string
	err    error
}

func (f *fakeVerifier) Verify(_ context.Context, appID, token string, legacy bool) (string, error) {
	f.calls = append(f.calls, token)
	f.legacy = append(f.legacy, legacy)
	if f.err != nil {
		return "", f.err
	}
	return f.user, nil
}

func testTenant() *tenants.TenantConfig {
	return &tenants.TenantConfig{
		AppID:             "appA",
		MasterKey:         "masterA",
		ReadonlyMasterKey: "readonlyA",
		MaintenanceKey:    "maintA",
		MasterKeyIPs:      []string{"10.0.0.0/24"},
		MaintenanceKeyIPs: []string{"10.0.0.7"},
		State:             tenants.StateOK,
	}
}

func newResolver(v Verifier) *Resolver {
	return &Resolver{Sessions: v, Log: zap.NewNop().Sugar()}
}

func TestMaintenanceKeyInsideAllowList(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{MaintenanceKey: "maintA"},
		Tenant:   testTenant(),
		RemoteIP: "10.0.0.7",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !a.IsMaintenance || !a.SkipRateLimit {
		t.Errorf("want maintenance privilege with rate limiting skipped, got %+v", a)
	}
}

func TestMaintenanceKeyOutsideAllowListFallsThrough(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{MaintenanceKey: "maintA"},
		Tenant:   testTenant(),
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v, request must fall through, not be rejected", err)
	}
	if a.IsMaintenance || a.IsMaster || a.SkipRateLimit {
		t.Errorf("maintenance privilege must not be granted from outside the allow-list: %+v", a)
	}
}

func TestMasterKeyInsideAllowList(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{MasterKey: "masterA"},
		Tenant:   testTenant(),
		RemoteIP: "10.0.0.42",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !a.IsMaster || a.IsReadOnly || a.SkipRateLimit {
		t.Errorf("want elevated non-readonly auth subject to rate limiting, got %+v", a)
	}
}

func TestMasterKeyOutsideAllowListIsNeverElevated(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{MasterKey: "masterA"},
		Tenant:   testTenant(),
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if a.IsMaster {
		t.Errorf("elevated key from outside the allow-list must downgrade: %+v", a)
	}
}

func TestReadonlyMasterKey(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{MasterKey: "readonlyA"},
		Tenant:   testTenant(),
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !a.IsMaster || !a.IsReadOnly {
		t.Errorf("want elevated read-only auth, got %+v", a)
	}
}

func TestClientKeyGate(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	tenant.JavascriptKey = "jsKeyA"
	r := newResolver(nil)

	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{JavascriptKey: "jsKeyA"},
		Tenant:   tenant,
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() with matching key error: %v", err)
	}
	if a.IsMaster || a.User != "" {
		t.Errorf("want anonymous non-elevated auth, got %+v", a)
	}

	_, err = r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{},
		Tenant:   tenant,
		RemoteIP: "203.0.113.5",
	})
	api := apierrors.AsAPI(err)
	if api == nil || api.Status != http.StatusForbidden {
		t.Fatalf("Resolve() without key error = %v, want 403", err)
	}
}

func TestNoClientKeysConfiguredSkipsGate(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{},
		Tenant:   testTenant(), // no client-facing keys set
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if a == nil || a.IsMaster {
		t.Errorf("want anonymous auth, got %+v", a)
	}
}

func TestUpgradeEndpointDiscardsSessionToken(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:           &credentials.RequestCredentials{SessionToken: "tok"},
		Tenant:          testTenant(),
		RemoteIP:        "203.0.113.5",
		UpgradeEndpoint: true,
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if a.Deferred || a.User != "" {
		t.Errorf("upgrade endpoint must resolve anonymously, got %+v", a)
	}
}

func TestExternallyVerifiedIdentity(t *testing.T) {
	t.Parallel()

	r := newResolver(nil)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{UserFromJWT: "user-7", SessionToken: "tok"},
		Tenant:   testTenant(),
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if a.User != "user-7" || a.IsMaster || a.Deferred {
		t.Errorf("want identified non-elevated user, got %+v", a)
	}
}

func TestSessionTokenDefersVerification(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{user: "user-9"}
	r := newResolver(v)
	a, err := r.Resolve(context.Background(), Input{
		Creds:    &credentials.RequestCredentials{SessionToken: "tok"},
		Tenant:   testTenant(),
		RemoteIP: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !a.Deferred || a.Token != "tok" {
		t.Fatalf("want deferred auth, got %+v", a)
	}
	if len(v.calls) != 0 {
		t.Fatal("Resolve must not touch the session store itself")
	}

	done, err := r.VerifyDeferred(context.Background(), a, false)
	if err != nil {
		t.Fatalf("VerifyDeferred() error: %v", err)
	}
	if done.User != "user-9" || done.Deferred {
		t.Errorf("want verified user auth, got %+v", done)
	}
	if len(v.legacy) != 1 || v.legacy[0] {
		t.Errorf("standard verification expected, legacy calls: %v", v.legacy)
	}
}

func TestVerifyDeferredUsesLegacySemanticsOnUpgrade(t *testing.T) {
	t.Parallel()

	v := &fakeVerifier{user: "user-9"}
	r := newResolver(v)
	a := &Auth{Tenant: testTenant(), Deferred: true, Token: "tok"}
	if _, err := r.VerifyDeferred(context.Background(), a, true); err != nil {
		t.Fatalf("VerifyDeferred() error: %v", err)
	}
	if len(v.legacy) != 1 || !v.legacy[0] {
		t.Errorf("legacy verification expected, calls: %v", v.legacy)
	}
}

func TestVerifyDeferredPropagatesAuthorizationErrors(t *testing.T) {
	t.Parallel()

	want := apierrors.InvalidSession("invalid session token")
	r := newResolver(&fakeVerifier{err: want})
	a := &Auth{Tenant: testTenant(), Deferred: true, Token: "tok"}
	_, err := r.VerifyDeferred(context.Background(), a, false)
	api := apierrors.AsAPI(err)
	if api == nil || api.Code != apierrors.CodeInvalidSessionToken {
		t.Fatalf("error = %v, want the authorization error propagated as-is", err)
	}
}

func TestVerifyDeferredConvertsUnknownErrors(t *testing.T) {
	t.Parallel()

	r := newResolver(&fakeVerifier{err: errors.New("connection reset")})
	a := &Auth{Tenant: testTenant(), Deferred: true, Token: "tok"}
	_, err := r.VerifyDeferred(context.Background(), a, false)
	api := apierrors.AsAPI(err)
	if api == nil || api.Code != apierrors.CodeInternal {
		t.Fatalf("error = %v, want unknown-error signal", err)
	}
}

func TestLegacyVerificationRejectsRevocableTokens(t *testing.T) {
	t.Parallel()

	// The prefix check runs before any database access.
	s := &PGSessions{}
	_, err := s.Verify(context.Background(), "appA", RevocablePrefix+"tok", true)
	api := apierrors.AsAPI(err)
	if api == nil || api.Code != apierrors.CodeInvalidSessionToken {
		t.Fatalf("error = %v, want invalid legacy session rejection", err)
	}
}

func TestIPAllowList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ip    string
		allow []string
		want  bool
	}{
		{"10.0.0.7", nil, true}, // empty list places no restriction
		{"10.0.0.7", []string{"10.0.0.7"}, true},
		{"10.0.0.8", []string{"10.0.0.7"}, false},
		{"10.0.0.200", []string{"10.0.0.0/24"}, true},
		{"10.0.1.1", []string{"10.0.0.0/24"}, false},
		{"::1", []string{"::1"}, true},
		{"::ffff:10.0.0.7", []string{"10.0.0.7"}, true},
		{"not-an-ip", []string{"10.0.0.7"}, false},
	}
	for _, c := range cases {
		if got := ipAllowed(c.ip, c.allow); got != c.want {
			t.Errorf("ipAllowed(%q, %v) = %v, want %v", c.ip, c.allow, got, c.want)
		}
	}
}
