// Package workitem defines the unit of work that travels through lanes,
// the operation and priority enums, and the handler registry.
//
// A [WorkItem] carries everything a lane consumer needs: the tenant, the
// correlation key (an access key or a taxpayer ID), the operation, an
// opaque JSON payload and its retry state. Retry state travels with the
// item so retry computation never needs shared state:
//
//	published → consumed → acked
//	published → consumed → failed → retry lane → consumed → ...
//	published → consumed → failed → dead-letter lane
//
// # Registering handlers
//
// Handlers are registered per [Operation] with a typed payload:
//
//	workitem.RegisterDefinition(registry, workitem.NewDefinition(workitem.OpIssue,
//	    func(ctx context.Context, item *workitem.WorkItem, p IssuePayload) error {
//	        return transmit(ctx, p)
//	    },
//	))
package workitem
