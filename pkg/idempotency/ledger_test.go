package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/apierrors"
	"gatekeeper/pkg/tenants"
)

// memStore enforces the uniqueness constraint the way a real backend does:
// a live record rejects re-insertion, an expired one is replaced.
type memStore struct {
	mu      sync.Mutex
	records map[string]time.Time
	unique  bool
}

func newMemStore() *memStore {
	return &memStore{records: map[string]time.Time{}, unique: true}
}

func (s *memStore) SupportsUniqueInsert() bool { return s.unique }

func (s *memStore) Insert(_ context.Context, appID, requestID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := appID + ":" + requestID
	if exp, ok := s.records[key]; ok && time.Now().Before(exp) {
		return fmt.Errorf("%w: %s", ErrDuplicate, requestID)
	}
	s.records[key] = expiresAt
	return nil
}

func ledgerTenant(ttl time.Duration, paths ...string) *tenants.TenantConfig {
	return &tenants.TenantConfig{
		AppID:       "appA",
		State:       tenants.StateOK,
		Idempotency: &tenants.IdempotencyOptions{Paths: paths, TTL: ttl},
	}
}

func newLedger(s Store) *Ledger {
	return &Ledger{Store: s, Log: zap.NewNop().Sugar()}
}

func TestDuplicateWithinTTLRejected(t *testing.T) {
	t.Parallel()

	l := newLedger(newMemStore())
	tn := ledgerTenant(time.Minute, "functions")

	if err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", tn); err != nil {
		t.Fatalf("first sight must be ok: %v", err)
	}
	err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", tn)
	api := apierrors.AsAPI(err)
	if api == nil || api.Code != apierrors.CodeDuplicateRequest {
		t.Fatalf("error = %v, want duplicate-request signal", err)
	}
}

func TestExpiredIDIsFirstSeenAgain(t *testing.T) {
	t.Parallel()

	l := newLedger(newMemStore())
	tn := ledgerTenant(30*time.Millisecond, "functions")

	if err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", tn); err != nil {
		t.Fatalf("first sight must be ok: %v", err)
	}
	if err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", tn); err == nil {
		t.Fatal("second sight within TTL must be a duplicate")
	}
	time.Sleep(50 * time.Millisecond)
	if err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", tn); err != nil {
		t.Errorf("after TTL expiry the id must be first-seen again: %v", err)
	}
}

func TestIdempotencyNotRequested(t *testing.T) {
	t.Parallel()

	l := newLedger(newMemStore())

	// No request id.
	if err := l.EnsureOnce(context.Background(), "", "/functions/send", ledgerTenant(time.Minute, "functions")); err != nil {
		t.Errorf("missing request id must proceed unconditionally: %v", err)
	}
	// No configured policy.
	bare := &tenants.TenantConfig{AppID: "appA", State: tenants.StateOK}
	if err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", bare); err != nil {
		t.Errorf("missing policy must proceed unconditionally: %v", err)
	}
}

func TestStoreWithoutUniqueInsertStaysInactive(t *testing.T) {
	t.Parallel()

	s := newMemStore()
	s.unique = false
	l := newLedger(s)
	tn := ledgerTenant(time.Minute, "functions")

	for i := 0; i < 3; i++ {
		if err := l.EnsureOnce(context.Background(), "req-1", "/functions/send", tn); err != nil {
			t.Fatalf("backends without a uniqueness constraint must always admit: %v", err)
		}
	}
	if len(s.records) != 0 {
		t.Error("inactive ledger must not write records")
	}
}

func TestPathPolicyMatching(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"/functions/send", []string{"functions"}, true},
		{"functions/send", []string{"/functions/"}, true},
		{"/classes/Game", []string{"functions"}, false},
		// Anchored at the start: a mid-path match does not count.
		{"/api/functions/send", []string{"functions"}, false},
		{"/api/functions/send", []string{"^.*functions"}, true},
		{"/jobs/daily", []string{"functions", "jobs"}, true},
	}
	for _, c := range cases {
		if got := pathMatches(c.path, c.patterns); got != c.want {
			t.Errorf("pathMatches(%q, %v) = %v, want %v", c.path, c.patterns, got, c.want)
		}
	}
}

func TestNonMatchingPathSkipsLedger(t *testing.T) {
	t.Parallel()

	s := newMemStore()
	l := newLedger(s)
	tn := ledgerTenant(time.Minute, "functions")

	for i := 0; i < 3; i++ {
		if err := l.EnsureOnce(context.Background(), "req-1", "/classes/Game", tn); err != nil {
			t.Fatalf("non-matching path must proceed unconditionally: %v", err)
		}
	}
	if len(s.records) != 0 {
		t.Error("non-matching paths must not write records")
	}
}
