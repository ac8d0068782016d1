// Package apierrors defines the gateway's client-facing error taxonomy.
// Every rejection produced by the admission pipeline carries a stable
// numeric code alongside the HTTP status, so clients can branch on the
// code without parsing messages.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Stable numeric error codes.
const (
	CodeInternal             = 1
	CodeConnectionFailed     = 100
	CodeObjectNotFound       = 101
	CodeInvalidJSON          = 107
	CodeOperationForbidden   = 119
	CodeRequestLimitExceeded = 155
	CodeDuplicateRequest     = 159
	CodeInvalidSessionToken  = 209
	CodeTenantUnavailable    = 217
)

// API is an error surfaced to the client as {"code":N,"error":"msg"}.
type API struct {
	Code    int
	Status  int
	Message string
}

func (e *API) Error() string { return fmt.Sprintf("code %d: %s", e.Code, e.Message) }

// New builds an API error with an explicit HTTP status.
func New(code, status int, msg string) *API {
	return &API{Code: code, Status: status, Message: msg}
}

func Internal(msg string) *API {
	return &API{Code: CodeInternal, Status: http.StatusInternalServerError, Message: msg}
}

func InvalidJSON(msg string) *API {
	return &API{Code: CodeInvalidJSON, Status: http.StatusBadRequest, Message: msg}
}

func Unauthorized(msg string) *API {
	return &API{Code: CodeOperationForbidden, Status: http.StatusForbidden, Message: msg}
}

func RateLimited(msg string) *API {
	return &API{Code: CodeRequestLimitExceeded, Status: http.StatusTooManyRequests, Message: msg}
}

func Duplicate(requestID string) *API {
	return &API{
		Code:    CodeDuplicateRequest,
		Status:  http.StatusBadRequest,
		Message: "duplicate request: " + requestID,
	}
}

func InvalidSession(msg string) *API {
	return &API{Code: CodeInvalidSessionToken, Status: http.StatusForbidden, Message: msg}
}

func TenantUnavailable(state string) *API {
	return &API{
		Code:    CodeTenantUnavailable,
		Status:  http.StatusInternalServerError,
		Message: "service not available: " + state,
	}
}

// AsAPI extracts an *API from err, or nil if err is not one.
func AsAPI(err error) *API {
	var a *API
	if errors.As(err, &a) {
		return a
	}
	return nil
}

// Write renders err as the gateway's JSON error envelope. Errors that are
// not *API are masked as a generic internal error so backend details never
// leak to clients.
func Write(w http.ResponseWriter, err error) {
	a := AsAPI(err)
	if a == nil {
		a = Internal("internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	if a.Code == CodeTenantUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	w.WriteHeader(a.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": a.Code, "error": a.Message})
}
