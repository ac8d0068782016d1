// Package credentials turns inbound request identity material into a
// RequestCredentials value. Three sources, in precedence order: dedicated
// headers, a basic-auth header, and (for legacy clients) reserved fields
// embedded in a JSON body envelope.
package credentials

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
)

// Dedicated request headers.
const (
	HeaderAppID             = "X-Gateway-App-Id"
	HeaderMasterKey         = "X-Gateway-Master-Key"
	HeaderReadonlyMasterKey = "X-Gateway-Readonly-Master-Key"
	HeaderMaintenanceKey    = "X-Gateway-Maintenance-Key"
	HeaderClientKey         = "X-Gateway-Client-Key"
	HeaderJavascriptKey     = "X-Gateway-Javascript-Key"
	HeaderWindowsKey        = "X-Gateway-Windows-Key"
	HeaderRestAPIKey        = "X-Gateway-REST-API-Key"
	HeaderSessionToken      = "X-Gateway-Session-Token"
	HeaderInstallationID    = "X-Gateway-Installation-Id"
	HeaderClientVersion     = "X-Gateway-Client-Version"
	HeaderCloudContext      = "X-Gateway-Cloud-Context"
	HeaderRequestID         = "X-Gateway-Request-Id"
)

// RequestCredentials is the ephemeral identity material of one request.
// Never persisted.
type RequestCredentials struct {
	AppID          string
	SessionToken   string
	MasterKey      string
	MaintenanceKey string
	ClientKey      string
	JavascriptKey  string
	WindowsKey     string
	RestAPIKey     string
	InstallationID string
	ClientVersion  string
	// Context is an opaque application-defined object forwarded to business
	// logic. Only a plain JSON object shape is accepted.
	Context map[string]any
	// UserFromJWT is set when an upstream stage already verified a bearer
	// identity token for this request.
	UserFromJWT string
	// FromBasicAuth marks that the app id and key came from the
	// Authorization header rather than dedicated headers.
	FromBasicAuth bool
}

// HasClientKey reports whether any client-facing key was supplied.
func (c *RequestCredentials) HasClientKey() bool {
	return c.ClientKey != "" || c.JavascriptKey != "" || c.WindowsKey != "" || c.RestAPIKey != ""
}

type ctxCredsKey struct{}

func WithCredentials(ctx context.Context, c *RequestCredentials) context.Context {
	return context.WithValue(ctx, ctxCredsKey{}, c)
}

func FromContext(ctx context.Context) *RequestCredentials {
	if v := ctx.Value(ctxCredsKey{}); v != nil {
		return v.(*RequestCredentials)
	}
	return nil
}

// fromHeaders fills creds from the dedicated headers.
func fromHeaders(r *http.Request) *RequestCredentials {
	c := &RequestCredentials{
		AppID:          r.Header.Get(HeaderAppID),
		SessionToken:   r.Header.Get(HeaderSessionToken),
		MasterKey:      r.Header.Get(HeaderMasterKey),
		MaintenanceKey: r.Header.Get(HeaderMaintenanceKey),
		ClientKey:      r.Header.Get(HeaderClientKey),
		JavascriptKey:  r.Header.Get(HeaderJavascriptKey),
		WindowsKey:     r.Header.Get(HeaderWindowsKey),
		RestAPIKey:     r.Header.Get(HeaderRestAPIKey),
		InstallationID: r.Header.Get(HeaderInstallationID),
		ClientVersion:  r.Header.Get(HeaderClientVersion),
	}
	// A read-only master key is presented through either header; the
	// resolver distinguishes the two against tenant config.
	if c.MasterKey == "" {
		c.MasterKey = r.Header.Get(HeaderReadonlyMasterKey)
	}
	return c
}

// parseBasicAuth decodes "Basic base64(appId:key)" and
// "Basic base64(appId:javascript-key=key)". Returns ok=false for anything
// that is not well-formed basic auth.
func parseBasicAuth(r *http.Request) (appID, masterKey, javascriptKey string, ok bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Basic "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return "", "", "", false
	}
	appID, key, found := strings.Cut(string(raw), ":")
	if !found || appID == "" || key == "" {
		return "", "", "", false
	}
	if js, isJS := strings.CutPrefix(key, "javascript-key="); isJS {
		return appID, "", js, true
	}
	return appID, key, "", true
}
