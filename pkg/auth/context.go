package auth

import (
	"context"
)

type ctxAuthKey struct{}

// WithAuth attaches the resolved authorization context to the request.
func WithAuth(ctx context.Context, a *Auth) context.Context {
	return context.WithValue(ctx, ctxAuthKey{}, a)
}

// FromContext returns the resolved Auth, or nil before resolution.
func FromContext(ctx context.Context) *Auth {
	if v := ctx.Value(ctxAuthKey{}); v != nil {
		return v.(*Auth)
	}
	return nil
}
