package tenants

import (
	"context"
)

type ctxTenantKey struct{}

// WithTenant stores the resolved tenant config in the context.
func WithTenant(ctx context.Context, t *TenantConfig) context.Context {
	return context.WithValue(ctx, ctxTenantKey{}, t)
}

// FromContext extracts the tenant config, or nil when unresolved.
func FromContext(ctx context.Context) *TenantConfig {
	if v := ctx.Value(ctxTenantKey{}); v != nil {
		return v.(*TenantConfig)
	}
	return nil
}
