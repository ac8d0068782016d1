// Package idempotency deduplicates retried requests. Correctness rests
// entirely on the storage layer's uniqueness constraint rather than an
// in-process cache, because the gateway may run as several replicas.
package idempotency

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/tenants"
)

// ErrDuplicate is reported by stores when a request id was already
// recorded inside its TTL window. Implementations wrap it so callers can
// test with errors.Is.
var ErrDuplicate = errors.New("duplicate request id")

// Store persists ledger records. SupportsUniqueInsert is a capability flag:
// backends that cannot enforce a uniqueness constraint efficiently report
// false and the ledger stays inactive for them.
type Store interface {
	SupportsUniqueInsert() bool
	// Insert records requestID expiring at expiresAt. A uniqueness
	// violation must surface as a duplicate, distinguishable from other
	// failures.
	Insert(ctx context.Context, appID, requestID string, expiresAt time.Time) error
}

// Ledger answers "has this request id been seen before for this tenant?".
type Ledger struct {
	Store Store
	Log   *zap.SugaredLogger
}

// EnsureOnce records the request id on first sight and rejects duplicates
// within the tenant's TTL window. Absence of a request id or of a
// configured policy means idempotency was not requested; the request
// proceeds unconditionally.
func (l *Ledger) EnsureOnce(ctx context.Context, requestID, path string, t *tenants.TenantConfig) error {
	if requestID == "" || t.Idempotency == nil || len(t.Idempotency.Paths) == 0 {
		return nil
	}
	if l.Store == nil || !l.Store.SupportsUniqueInsert() {
		return nil
	}
	if !pathMatches(path, t.Idempotency.Paths) {
		return nil
	}
	ttl := t.Idempotency.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	err := l.Store.Insert(ctx, t.AppID, requestID, time.Now().Add(ttl))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicate) {
		l.Log.Infow("duplicate request", "appId", t.AppID, "requestId", requestID, "path", path)
		return apierrors.Duplicate(requestID)
	}
	return err
}

// pathMatches tests the normalized path (leading/trailing separators
// stripped) against the configured patterns. Matching anchors at the start
// of the path unless the pattern itself anchors.
func pathMatches(path string, patterns []string) bool {
	norm := strings.Trim(path, "/")
	for _, p := range patterns {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "^") {
			p = "^" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}
