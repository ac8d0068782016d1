package tenants

import (
	"time"
)

// State is the lifecycle state of a tenant instance. Transitions are
// monotonic: Initialized -> Starting -> OK, or -> Error. Error is terminal
// for the instance; operators restart instead of recovering in place.
type State string

const (
	StateInitialized State = "initialized"
	StateStarting    State = "starting"
	StateOK          State = "ok"
	StateError       State = "error"
)

// rank orders states for monotonicity checks. Error outranks everything.
func (s State) rank() int {
	switch s {
	case StateInitialized:
		return 0
	case StateStarting:
		return 1
	case StateOK:
		return 2
	case StateError:
		return 3
	}
	return -1
}

// RateLimitConfig is one uncompiled rate-limit rule carried on tenant
// config. The ratelimit package compiles these into live rules.
type RateLimitConfig struct {
	RequestPath       string        `json:"requestPath" yaml:"requestPath"`
	RequestMethods    []string      `json:"requestMethods,omitempty" yaml:"requestMethods,omitempty"`
	RequestCount      int           `json:"requestCount" yaml:"requestCount"`
	RequestTimeWindow time.Duration `json:"requestTimeWindow" yaml:"requestTimeWindow"`
	// Zone selects the counting key dimension: tenant, session, user or ip.
	Zone string `json:"zone" yaml:"zone"`
	// IncludeMasterKey counts elevated traffic against the rule.
	IncludeMasterKey bool `json:"includeMasterKey,omitempty" yaml:"includeMasterKey,omitempty"`
	// IncludeInternalRequests counts loopback traffic against the rule.
	IncludeInternalRequests bool `json:"includeInternalRequests,omitempty" yaml:"includeInternalRequests,omitempty"`
	// RedisURL, when set, backs the rule with a shared distributed counter
	// instead of the in-process store.
	RedisURL string `json:"redisUrl,omitempty" yaml:"redisUrl,omitempty"`
	// FailOpen admits traffic when the distributed store is unreachable.
	// Defaults to true; availability is preferred over strict throttling.
	FailOpen *bool `json:"failOpen,omitempty" yaml:"failOpen,omitempty"`
}

// IdempotencyOptions configures request deduplication for a tenant.
type IdempotencyOptions struct {
	// Paths are patterns matched against the normalized request path.
	// Anchored at the start unless the pattern itself anchors.
	Paths []string `json:"paths" yaml:"paths"`
	// TTL is how long a request id stays in the ledger.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// TenantConfig is one application's live configuration snapshot. Built by
// the owning process during startup/reconfiguration and read concurrently
// by every request; never mutate a published snapshot in place.
type TenantConfig struct {
	AppID string `json:"appId" yaml:"appId"`

	MasterKey         string   `json:"masterKey" yaml:"masterKey"`
	ReadonlyMasterKey string   `json:"readonlyMasterKey,omitempty" yaml:"readonlyMasterKey,omitempty"`
	MaintenanceKey    string   `json:"maintenanceKey,omitempty" yaml:"maintenanceKey,omitempty"`
	MasterKeyIPs      []string `json:"masterKeyIps,omitempty" yaml:"masterKeyIps,omitempty"`
	MaintenanceKeyIPs []string `json:"maintenanceKeyIps,omitempty" yaml:"maintenanceKeyIps,omitempty"`

	// Client-facing keys. A tenant that configures none of these skips the
	// client-key check entirely.
	ClientKey     string `json:"clientKey,omitempty" yaml:"clientKey,omitempty"`
	JavascriptKey string `json:"javascriptKey,omitempty" yaml:"javascriptKey,omitempty"`
	WindowsKey    string `json:"windowsKey,omitempty" yaml:"windowsKey,omitempty"`
	RestAPIKey    string `json:"restApiKey,omitempty" yaml:"restApiKey,omitempty"`

	AllowOrigins []string `json:"allowOrigins,omitempty" yaml:"allowOrigins,omitempty"`
	AllowHeaders []string `json:"allowHeaders,omitempty" yaml:"allowHeaders,omitempty"`

	RateLimits  []RateLimitConfig   `json:"rateLimits,omitempty" yaml:"rateLimits,omitempty"`
	Idempotency *IdempotencyOptions `json:"idempotency,omitempty" yaml:"idempotency,omitempty"`

	// External identity verification (bearer-token flow). Empty values fall
	// back to process-level defaults.
	OAuthIssuer string `json:"oauthIssuer,omitempty" yaml:"oauthIssuer,omitempty"`
	JWKSURL     string `json:"jwksUrl,omitempty" yaml:"jwksUrl,omitempty"`

	State State `json:"state" yaml:"state"`
}

// ClientKeyConfigured reports whether the tenant sets any client-facing key.
func (t *TenantConfig) ClientKeyConfigured() bool {
	return t.ClientKey != "" || t.JavascriptKey != "" || t.WindowsKey != "" || t.RestAPIKey != ""
}

// MatchesClientKey reports whether any supplied client-facing key matches a
// configured one. Only configured keys participate.
func (t *TenantConfig) MatchesClientKey(client, javascript, windows, rest string) bool {
	switch {
	case t.ClientKey != "" && client == t.ClientKey:
		return true
	case t.JavascriptKey != "" && javascript == t.JavascriptKey:
		return true
	case t.WindowsKey != "" && windows == t.WindowsKey:
		return true
	case t.RestAPIKey != "" && rest == t.RestAPIKey:
		return true
	}
	return false
}

// clone returns a deep-enough copy for copy-on-write snapshot swaps.
func (t *TenantConfig) clone() *TenantConfig {
	c := *t
	c.MasterKeyIPs = append([]string(nil), t.MasterKeyIPs...)
	c.MaintenanceKeyIPs = append([]string(nil), t.MaintenanceKeyIPs...)
	c.AllowOrigins = append([]string(nil), t.AllowOrigins...)
	c.AllowHeaders = append([]string(nil), t.AllowHeaders...)
	c.RateLimits = append([]RateLimitConfig(nil), t.RateLimits...)
	if t.Idempotency != nil {
		i := *t.Idempotency
		i.Paths = append([]string(nil), t.Idempotency.Paths...)
		c.Idempotency = &i
	}
	return &c
}
