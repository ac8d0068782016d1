package credentials

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/tenants"
)

// Reserved field names of the legacy body envelope.
const (
	fieldAppID          = "_ApplicationId"
	fieldJavascriptKey  = "_JavaScriptKey"
	fieldClientKey      = "_ClientKey"
	fieldWindowsKey     = "_WindowsKey"
	fieldRestAPIKey     = "_RestAPIKey"
	fieldMasterKey      = "_MasterKey"
	fieldMaintenanceKey = "_MaintenanceKey"
	fieldSessionToken   = "_SessionToken"
	fieldInstallationID = "_InstallationId"
	fieldClientVersion  = "_ClientVersion"
	fieldContext        = "_context"
)

// maxEnvelopeBody bounds how much of a legacy body the extractor will
// buffer while looking for an embedded envelope.
const maxEnvelopeBody = 20 << 20

// Extractor produces RequestCredentials from inbound requests.
type Extractor struct {
	Registry *tenants.Registry
	Log      *zap.SugaredLogger
}

// Extract resolves credentials from headers, then basic auth, then the
// legacy body envelope. The body envelope is consulted only when neither
// headers nor basic auth supplied a tenant id; consumed envelope fields are
// stripped from the body before it reaches downstream handlers.
func (e *Extractor) Extract(r *http.Request) (*RequestCredentials, error) {
	c := fromHeaders(r)

	if c.AppID == "" {
		if appID, masterKey, jsKey, ok := parseBasicAuth(r); ok {
			// Basic auth is honored only for tenant ids already known to
			// the registry, so arbitrary Authorization headers from other
			// auth schemes can never hijack tenant resolution.
			if _, err := e.Registry.Resolve(appID); err == nil {
				c.AppID = appID
				c.FromBasicAuth = true
				if masterKey != "" && c.MasterKey == "" {
					c.MasterKey = masterKey
				}
				if jsKey != "" && c.JavascriptKey == "" {
					c.JavascriptKey = jsKey
				}
			}
		}
	}

	if raw := r.Header.Get(HeaderCloudContext); raw != "" {
		ctxObj, err := parseContext([]byte(raw))
		if err != nil {
			return nil, err
		}
		c.Context = ctxObj
	}

	if c.AppID == "" {
		if err := e.fromBodyEnvelope(r, c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// fromBodyEnvelope attempts exactly one JSON parse of the request body. A
// body that arrives as an opaque byte blob is still parsed once: legacy
// clients upload disguised JSON when they omit the tenant id. A parse
// failure here is a hard rejection, not a silent fallthrough.
func (e *Extractor) fromBodyEnvelope(r *http.Request, c *RequestCredentials) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBody))
	if err != nil {
		return apierrors.Internal("reading request body")
	}
	_ = r.Body.Close()
	if len(bytes.TrimSpace(raw)) == 0 {
		restoreBody(r, raw)
		return nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return apierrors.InvalidJSON("invalid JSON")
	}

	appID := stringField(body, fieldAppID)
	if appID == "" {
		restoreBody(r, raw)
		return nil
	}
	if _, err := e.Registry.Resolve(appID); err != nil {
		restoreBody(r, raw)
		return nil
	}
	// If an elevated key already arrived through another source, the
	// envelope's implied elevated key must agree with it.
	if mk := stringField(body, fieldMasterKey); c.MasterKey != "" && mk != "" && mk != c.MasterKey {
		e.Log.Debugw("body envelope elevated key disagrees with header, envelope ignored", "appId", appID)
		restoreBody(r, raw)
		return nil
	}

	c.AppID = appID
	setIfEmpty(&c.MasterKey, stringField(body, fieldMasterKey))
	setIfEmpty(&c.MaintenanceKey, stringField(body, fieldMaintenanceKey))
	setIfEmpty(&c.JavascriptKey, stringField(body, fieldJavascriptKey))
	setIfEmpty(&c.ClientKey, stringField(body, fieldClientKey))
	setIfEmpty(&c.WindowsKey, stringField(body, fieldWindowsKey))
	setIfEmpty(&c.RestAPIKey, stringField(body, fieldRestAPIKey))
	setIfEmpty(&c.SessionToken, stringField(body, fieldSessionToken))
	setIfEmpty(&c.InstallationID, stringField(body, fieldInstallationID))
	setIfEmpty(&c.ClientVersion, stringField(body, fieldClientVersion))

	if ctxRaw, ok := body[fieldContext]; ok && c.Context == nil {
		ctxObj, err := parseContext(ctxRaw)
		if err != nil {
			return err
		}
		c.Context = ctxObj
	}

	for _, f := range []string{
		fieldAppID, fieldJavascriptKey, fieldClientKey, fieldWindowsKey,
		fieldRestAPIKey, fieldMasterKey, fieldMaintenanceKey, fieldSessionToken,
		fieldInstallationID, fieldClientVersion, fieldContext,
	} {
		delete(body, f)
	}
	stripped, err := json.Marshal(body)
	if err != nil {
		return apierrors.Internal("rewriting request body")
	}
	restoreBody(r, stripped)
	return nil
}

// parseContext accepts only a plain JSON object; any other shape is a hard
// rejection.
func parseContext(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apierrors.InvalidJSON("malformed context")
	}
	if obj == nil {
		return nil, apierrors.InvalidJSON("malformed context")
	}
	return obj, nil
}

func stringField(body map[string]json.RawMessage, key string) string {
	raw, ok := body[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func restoreBody(r *http.Request, raw []byte) {
	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
}
