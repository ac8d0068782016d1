// internal/gateway/handlers.go
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/credentials"
	"gatekeeper/pkg/tenants"
)

// handleHealth reports the tenant's lifecycle state when an app id is
// supplied, or bare process liveness otherwise. Unauthenticated; the
// admission pipeline bypasses /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	appID := r.Header.Get(credentials.HeaderAppID)
	if appID == "" {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		return
	}
	t, err := s.Registry.Resolve(appID)
	if err != nil {
		apierrors.Write(w, apierrors.Unauthorized("unauthorized"))
		return
	}
	if t.State != tenants.StateOK {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": string(t.State), "error": "service not available"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// handleUpgradeSession exchanges a legacy session token for a revocable
// one. The pipeline discarded the session token before resolution, so this
// runs under an anonymous context; the token to upgrade is re-read from
// the header and verified with legacy semantics.
func (s *Server) handleUpgradeSession(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		apierrors.Write(w, apierrors.Internal("sessions not configured"))
		return
	}
	t := tenants.FromContext(r.Context())
	token := r.Header.Get(credentials.HeaderSessionToken)
	if token == "" {
		apierrors.Write(w, apierrors.InvalidSession("no session token provided"))
		return
	}
	user, err := s.Sessions.Verify(r.Context(), t.AppID, token, true)
	if err != nil {
		if api := apierrors.AsAPI(err); api != nil {
			apierrors.Write(w, api)
			return
		}
		s.Log.Errorw("session upgrade verification failed", "appId", t.AppID, "err", err)
		apierrors.Write(w, apierrors.Internal("unknown error"))
		return
	}
	revocable := auth.RevocablePrefix + uuid.NewString()
	if err := s.Sessions.Create(r.Context(), t.AppID, revocable, user, 365*24*time.Hour); err != nil {
		s.Log.Errorw("session upgrade write failed", "appId", t.AppID, "err", err)
		apierrors.Write(w, apierrors.Internal("unknown error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sessionToken": revocable})
}

// withLedger runs the idempotency ledger before a mutating handler. A
// missing request id or unconfigured policy admits the request untouched.
func (s *Server) withLedger(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenants.FromContext(r.Context())
		requestID := r.Header.Get(credentials.HeaderRequestID)
		if err := s.Ledger.EnsureOnce(r.Context(), requestID, r.URL.Path, t); err != nil {
			if api := apierrors.AsAPI(err); api != nil {
				apierrors.Write(w, api)
				return
			}
			s.Log.Errorw("idempotency ledger failed", "appId", t.AppID, "requestId", requestID, "err", err)
			apierrors.Write(w, apierrors.Internal("unknown error"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	if a.IsReadOnly {
		apierrors.Write(w, apierrors.Unauthorized("read-only master key cannot invoke functions"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result": map[string]any{
			"function": chi.URLParam(r, "name"),
			"master":   a.IsMaster,
			"user":     a.User,
		},
	})
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	if a.IsReadOnly {
		apierrors.Write(w, apierrors.Unauthorized("read-only master key cannot write"))
		return
	}
	var body map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			apierrors.Write(w, apierrors.InvalidJSON("invalid JSON"))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"objectId":  uuid.NewString(),
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleQueryObjects(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
}
