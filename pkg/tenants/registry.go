package tenants

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("tenant not found")

// Registry maps application ids to live tenant configuration. Reads are
// lock-free against an atomic snapshot; writers take a mutex, rebuild the
// whole map and swap it in, so a reader never observes a half-updated
// tenant.
type Registry struct {
	log  *zap.SugaredLogger
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[map[string]*TenantConfig]
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	r := &Registry{log: log}
	empty := map[string]*TenantConfig{}
	r.snap.Store(&empty)
	return r
}

// Resolve returns the tenant for appId, or ErrNotFound.
func (r *Registry) Resolve(appID string) (*TenantConfig, error) {
	m := *r.snap.Load()
	if t, ok := m[appID]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

// Upsert publishes a new configuration snapshot for one tenant. The stored
// value is a private clone; callers may keep mutating their argument.
func (r *Registry) Upsert(t *TenantConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.snap.Load()
	next := make(map[string]*TenantConfig, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	c := t.clone()
	if c.State == "" {
		c.State = StateInitialized
	}
	next[t.AppID] = c
	r.snap.Store(&next)
}

// Remove drops a tenant from the registry.
func (r *Registry) Remove(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.snap.Load()
	if _, ok := old[appID]; !ok {
		return
	}
	next := make(map[string]*TenantConfig, len(old))
	for k, v := range old {
		if k != appID {
			next[k] = v
		}
	}
	r.snap.Store(&next)
}

// SetState advances a tenant's lifecycle state. Transitions must be
// monotonic: initialized -> starting -> ok, or -> error. Error is terminal.
func (r *Registry) SetState(appID string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.snap.Load()
	t, ok := old[appID]
	if !ok {
		return ErrNotFound
	}
	if t.State == StateError {
		return fmt.Errorf("tenant %s: state error is terminal", appID)
	}
	if s != StateError && s.rank() < t.State.rank() {
		return fmt.Errorf("tenant %s: illegal state transition %s -> %s", appID, t.State, s)
	}
	c := t.clone()
	c.State = s
	next := make(map[string]*TenantConfig, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[appID] = c
	r.snap.Store(&next)
	if r.log != nil {
		r.log.Infow("tenant state", "appId", appID, "state", s)
	}
	return nil
}

// AppIDs returns the currently registered application ids.
func (r *Registry) AppIDs() []string {
	m := *r.snap.Load()
	ids := make([]string, 0, len(m))
	for k := range m {
		ids = append(ids, k)
	}
	return ids
}

// Config is the read-only accessor handed to embedded business logic in
// place of any process-wide mutable singleton.
func Config(r *Registry, appID string) (*TenantConfig, error) {
	return r.Resolve(appID)
}
