package auth

import "context"

type principalContextKey struct{}
type metaContextKey struct{}

// RequestMeta is the per-request context threaded to the audit log.
type RequestMeta struct {
	RequestID string
	UserID    string
	SessionID string
	ClientIP  string
	UserAgent string
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithMeta stores request metadata on the context.
func ContextWithMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaContextKey{}, meta)
}

// MetaFromContext returns the request metadata, or the zero value.
func MetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(metaContextKey{}).(RequestMeta)
	return meta
}

// UpdateMeta applies fn to a copy of the stored metadata and returns the new context.
func UpdateMeta(ctx context.Context, fn func(*RequestMeta)) context.Context {
	meta := MetaFromContext(ctx)
	fn(&meta)
	return ContextWithMeta(ctx, meta)
}
