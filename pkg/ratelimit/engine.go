package ratelimit

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/tenants"
)

// Zones select the dimension a rule counts on.
const (
	ZoneTenant  = "tenant"
	ZoneSession = "session"
	ZoneUser    = "user"
	ZoneIP      = "ip"
)

// Rule is one compiled limiter.
type Rule struct {
	path            *regexp.Regexp // nil matches every path
	methods         map[string]struct{}
	window          time.Duration
	max             int64
	zone            string
	includeMaster   bool
	includeInternal bool
	failOpen        bool
	store           Store
}

// Engine evaluates a tenant's rules against a request. Rules run
// independently and concurrently; any single rejection rejects the request,
// but all rules still run to completion for metrics consistency unless the
// caller demands short-circuit evaluation.
type Engine struct {
	Log *zap.SugaredLogger
	// Sessions is the narrow verification helper used by the user zone for
	// on-demand resolution. It must not re-enter rate limiting.
	Sessions auth.Verifier

	mu       sync.Mutex
	compiled map[*tenants.TenantConfig][]*Rule
	// redis stores are shared across tenants by URL so replicas pointing at
	// the same backend share one connection attempt.
	redisStores map[string]*RedisStore
}

func NewEngine(log *zap.SugaredLogger, sessions auth.Verifier) *Engine {
	return &Engine{
		Log:         log,
		Sessions:    sessions,
		compiled:    map[*tenants.TenantConfig][]*Rule{},
		redisStores: map[string]*RedisStore{},
	}
}

// Request carries the per-request inputs of an admission decision.
type Request struct {
	Method   string
	Path     string
	RemoteIP string
	// SessionToken is the raw token, used by the session zone.
	SessionToken string
	// ShortCircuit stops at the first rejecting rule instead of letting all
	// rules complete.
	ShortCircuit bool
}

// Admit runs every matching rule. Returns nil to admit, a 429 API error to
// reject.
func (e *Engine) Admit(ctx context.Context, t *tenants.TenantConfig, a *auth.Auth, req Request) error {
	if a != nil && a.SkipRateLimit {
		return nil
	}
	rules, err := e.rulesFor(t)
	if err != nil {
		return err
	}
	loopback := isLoopback(req.RemoteIP)

	var applicable []*Rule
	for _, r := range rules {
		if !r.matches(req.Method, req.Path) {
			continue
		}
		if loopback && !r.includeInternal {
			continue
		}
		if a != nil && a.IsMaster && !r.includeMaster {
			continue
		}
		applicable = append(applicable, r)
	}
	if len(applicable) == 0 {
		return nil
	}

	if req.ShortCircuit {
		for _, r := range applicable {
			if rejected := e.eval(ctx, r, t, a, req); rejected {
				return apierrors.RateLimited("too many requests")
			}
		}
		return nil
	}

	results := make([]bool, len(applicable))
	var wg sync.WaitGroup
	for i, r := range applicable {
		wg.Add(1)
		go func(i int, r *Rule) {
			defer wg.Done()
			results[i] = e.eval(ctx, r, t, a, req)
		}(i, r)
	}
	wg.Wait()
	for _, rejected := range results {
		if rejected {
			return apierrors.RateLimited("too many requests")
		}
	}
	return nil
}

// eval runs one rule and reports whether it rejects the request.
func (e *Engine) eval(ctx context.Context, r *Rule, t *tenants.TenantConfig, a *auth.Auth, req Request) bool {
	key := e.deriveKey(ctx, r, t, a, req)
	count, err := r.store.Incr(ctx, t.AppID+":"+r.zone+":"+key, r.window)
	if err != nil {
		decisions.WithLabelValues(r.zone, decisionError).Inc()
		if r.failOpen {
			// Availability over strictness: an unreachable counting backend
			// must not take down all traffic. Connectivity warnings are
			// logged by the store, once per failed attempt.
			return false
		}
		e.Log.Warnw("rate limit store error, failing closed", "appId", t.AppID, "zone", r.zone, "err", err)
		return true
	}
	if count > r.max {
		decisions.WithLabelValues(r.zone, decisionRejected).Inc()
		e.Log.Infow("rate limited", "appId", t.AppID, "zone", r.zone, "ip", req.RemoteIP, "count", count, "max", r.max)
		return true
	}
	decisions.WithLabelValues(r.zone, decisionAllowed).Inc()
	return false
}

// deriveKey maps the rule's zone to a counting key. Any zone with no
// applicable key falls back to the caller address.
func (e *Engine) deriveKey(ctx context.Context, r *Rule, t *tenants.TenantConfig, a *auth.Auth, req Request) string {
	switch r.zone {
	case ZoneTenant:
		return t.AppID
	case ZoneSession:
		if req.SessionToken != "" {
			return req.SessionToken
		}
	case ZoneUser:
		if a != nil {
			if a.User != "" {
				return a.User
			}
			if a.Deferred && e.Sessions != nil {
				// On-demand verification through the narrow helper; this
				// path never re-enters the engine.
				if user, err := e.Sessions.Verify(ctx, t.AppID, a.Token, false); err == nil {
					return user
				}
			}
		}
	}
	return req.RemoteIP
}

func (r *Rule) matches(method, path string) bool {
	if len(r.methods) > 0 {
		if _, ok := r.methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}
	if r.path == nil {
		return true
	}
	return r.path.MatchString(path)
}

// rulesFor compiles a tenant's rule configs, caching by snapshot identity:
// registry snapshots are copy-on-write, so the pointer is a stable key
// until the tenant is reconfigured.
func (e *Engine) rulesFor(t *tenants.TenantConfig) ([]*Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rules, ok := e.compiled[t]; ok {
		return rules, nil
	}
	rules := make([]*Rule, 0, len(t.RateLimits))
	for _, cfg := range t.RateLimits {
		r, err := e.compile(cfg)
		if err != nil {
			return nil, apierrors.Internal(fmt.Sprintf("rate limit rule: %v", err))
		}
		rules = append(rules, r)
	}
	e.compiled[t] = rules
	return rules, nil
}

func (e *Engine) compile(cfg tenants.RateLimitConfig) (*Rule, error) {
	r := &Rule{
		window:          cfg.RequestTimeWindow,
		max:             int64(cfg.RequestCount),
		zone:            cfg.Zone,
		includeMaster:   cfg.IncludeMasterKey,
		includeInternal: cfg.IncludeInternalRequests,
		failOpen:        cfg.FailOpen == nil || *cfg.FailOpen,
	}
	if r.zone == "" {
		r.zone = ZoneIP
	}
	switch r.zone {
	case ZoneTenant, ZoneSession, ZoneUser, ZoneIP:
	default:
		return nil, fmt.Errorf("unknown zone %q", cfg.Zone)
	}
	if r.window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if r.max <= 0 {
		return nil, fmt.Errorf("request count must be positive")
	}
	if p := cfg.RequestPath; p != "" && p != "*" {
		if !strings.HasPrefix(p, "^") {
			p = "^" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("path pattern %q: %v", cfg.RequestPath, err)
		}
		r.path = re
	}
	for _, m := range cfg.RequestMethods {
		if r.methods == nil {
			r.methods = map[string]struct{}{}
		}
		r.methods[strings.ToUpper(m)] = struct{}{}
	}
	if cfg.RedisURL != "" {
		store, ok := e.redisStores[cfg.RedisURL]
		if !ok {
			store = NewRedisStore(cfg.RedisURL, e.Log)
			e.redisStores[cfg.RedisURL] = store
		}
		r.store = store
	} else {
		r.store = NewMemoryStore()
	}
	return r, nil
}

func isLoopback(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
