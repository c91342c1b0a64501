package middleware

import (
	"context"

	"github.com/xraph/fiscal/scope"
	"github.com/xraph/fiscal/workitem"
)

// Scope returns middleware that restores the item's tenant into the
// context. This ensures handlers see the same tenant as the original
// caller.
func Scope() Middleware {
	return func(ctx context.Context, item *workitem.WorkItem, next Handler) error {
		ctx = scope.Restore(ctx, item.TenantID)
		return next(ctx)
	}
}
