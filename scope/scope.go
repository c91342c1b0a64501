// Package scope provides helpers to capture and restore multi-tenant
// execution context (tenant identity) from/to context.Context.
//
// The inbound API attaches the calling tenant with [WithTenant]. The
// dispatcher captures it when stamping a work item, and the Scope
// middleware restores it from WorkItem.TenantID before the handler runs,
// so handlers see the same tenant as the original caller.
package scope

import "context"

type tenantKey struct{}

// WithTenant returns a context carrying tenantID. An empty tenantID
// returns ctx unchanged.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Tenant returns the tenant carried by ctx.
func Tenant(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

// Capture extracts the tenant identifier from the context.
// Returns an empty string if no scope is present.
func Capture(ctx context.Context) string {
	t, _ := Tenant(ctx)
	return t
}

// Restore attaches tenantID to the context. If tenantID is empty, the
// context is returned unchanged (no-op).
func Restore(ctx context.Context, tenantID string) context.Context {
	return WithTenant(ctx, tenantID)
}
