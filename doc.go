// Package fiscal is an asynchronous processing engine for fiscal documents
// whose authorization is delegated to an external tax authority.
//
// Work enters through the engine package, is routed by the dispatcher onto
// a lane chosen from a static (operation class, priority) table, and is
// consumed by a bounded pool per lane. Failures flow through a two-tier
// retry controller and, once the attempt budget is exhausted, into the
// dead-letter analyzer which classifies, recovers or alerts.
//
// # Quick Start
//
//	eng, err := engine.New(ctx,
//	    engine.WithConfig(fiscal.DefaultConfig()),
//	    engine.WithBroker(memorybroker.New()),
//	    engine.WithStore(memory.New()),
//	    engine.WithTransmitter(authority),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	key, err := eng.SubmitIssue(ctx, "T1", payload, workitem.PriorityHigh)
//
// # Architecture
//
// Each subsystem (document, deadletter, broker) defines its own interface.
// The memory, redis and postgres backends implement the store side; the
// memory, redis and amqp backends implement the broker side.
//
// Work item and dead-letter identifiers use TypeID: type-prefixed,
// K-sortable, UUIDv7-based identifiers.
package fiscal
