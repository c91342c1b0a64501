// Package engine wires the fiscal subsystems together and provides the
// application-level API for submitting documents and operating lanes.
//
// The engine sits above every subsystem package: it builds the lane
// table, the document state machine, the dispatcher, the retry
// controller, the dead-letter analyzer, the operation handlers and one
// consumer pool per lane, and shares a single clock, logger and extension
// registry among them.
//
// # Building an Engine
//
//	eng, err := engine.New(ctx,
//	    engine.WithConfig(cfg),
//	    engine.WithBroker(redisBroker),
//	    engine.WithStore(pgStore),
//	    engine.WithTransmitter(authority),
//	    engine.WithExtension(myExtension),
//	)
//
// # Submitting work
//
//	key, err := eng.SubmitIssue(ctx, "tenant-1", operation.IssuePayload{...}, workitem.PriorityHigh)
//	_, err = eng.RequestCancellation(ctx, key, "customer withdrew the order")
//
// Every inbound call validates identifiers synchronously and returns once
// the item is published. Document returns the current status snapshot.
//
// # Options
//
//   - [WithConfig] — replace the default configuration
//   - [WithBroker], [WithStore], [WithTransmitter] — required backends
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the execution chain
//   - [WithTenantConfig] — per-tenant lane limits
//   - [WithTracerProvider], [WithMeterProvider] — OpenTelemetry providers
package engine
