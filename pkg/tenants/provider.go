package tenants

import (
	"context"
)

// Provider loads tenant configuration into a Registry and keeps it fresh.
type Provider interface {
	// Load reads all tenants from the backing source and publishes them.
	Load(ctx context.Context, reg *Registry) error
	// Reload re-reads the source for hot reconfiguration. Implementations
	// must publish whole snapshots, never partial updates.
	Reload(ctx context.Context, reg *Registry) error
}
