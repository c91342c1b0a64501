// Package middleware provides composable middleware for work item
// processing.
//
// A [Middleware] is a function that wraps an operation handler. Middleware
// are composed into a chain using [Chain] and applied before each item is
// processed. They are applied right-to-left: the first middleware in the
// slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs operation, lane, duration and outcome of each item
//   - [Recover] — catches panics and converts them to permanent failures
//   - [Timeout] — cancels the item context after the lane's processing timeout
//   - [Tracing] — wraps processing in an OpenTelemetry span
//   - [Metrics] — records per-item duration and outcome counters
//   - [Scope] — restores the item's tenant into the context
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, item *workitem.WorkItem, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
package middleware
