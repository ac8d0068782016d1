package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/tenants"
)

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	mu   sync.RWMutex
	sets map[string]cachedJWKS
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}

// IdentityVerifier resolves externally issued bearer identity tokens ahead
// of the decision tree. A verified token attaches an identified,
// non-elevated user to the request credentials; a missing or unparseable
// token is simply ignored and key- and session-based auth proceed as usual.
type IdentityVerifier struct {
	Log *zap.SugaredLogger
	// DefaultIssuer/DefaultJWKSURL apply when the tenant sets none.
	DefaultIssuer  string
	DefaultJWKSURL string

	cache   jwksCache
	jwksTTL time.Duration
}

func NewIdentityVerifier(log *zap.SugaredLogger, issuer, jwksURL string) *IdentityVerifier {
	return &IdentityVerifier{Log: log, DefaultIssuer: issuer, DefaultJWKSURL: jwksURL, jwksTTL: 6 * time.Hour}
}

// Attach verifies a bearer token, if present, and records the subject on
// the credentials. Verification failure leaves the credentials untouched:
// the bearer flow is an upstream convenience, never a gate.
func (v *IdentityVerifier) Attach(r *http.Request, c *credentials.RequestCredentials, t *tenants.TenantConfig) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return
	}
	issuer := strings.TrimRight(t.OAuthIssuer, "/")
	jwksURL := t.JWKSURL
	if issuer == "" {
		issuer = strings.TrimRight(v.DefaultIssuer, "/")
	}
	if jwksURL == "" {
		jwksURL = v.DefaultJWKSURL
	}
	if issuer == "" || jwksURL == "" {
		return
	}

	set, err := v.cache.get(r.Context(), jwksURL, v.jwksTTL)
	if err != nil {
		v.Log.Warnw("jwks fetch failed", "appId", t.AppID, "url", jwksURL, "err", err)
		return
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])
	jt, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set), jwt.WithIssuer(issuer),
		jwt.WithValidate(true), jwt.WithVerify(true))
	if err != nil {
		v.Log.Debugw("bearer token rejected", "appId", t.AppID, "err", err)
		return
	}
	if sub := jt.Subject(); sub != "" {
		c.UserFromJWT = sub
	}
}
