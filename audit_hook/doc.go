// Package audithook is a fiscal extension that bridges work item lifecycle
// events to an immutable audit trail backend.
//
// Every item hook and every analyzer alert emits a structured audit event
// through the [Recorder] interface. Severity follows the outcome: info for
// normal progress, warning for retries and recoveries, critical for
// dead-lettered items and alerts. Metadata carries the tenant, operation,
// lane and correlation key of the item.
//
// # Usage
//
//	eng, err := engine.New(ctx,
//	    engine.WithStore(s),
//	    engine.WithExtension(audithook.New(audithook.RecorderFunc(
//	        func(ctx context.Context, evt *audithook.AuditEvent) error {
//	            return trail.Append(ctx, evt)
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionItemDeadLettered,
//	        audithook.ActionAlertRaised,
//	    ),
//	)
package audithook
