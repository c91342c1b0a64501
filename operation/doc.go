// Package operation implements the work performed for each operation a
// work item can request.
//
// Handlers talk to the fiscal authority only through the [Transmitter]
// boundary, which signs, transmits and queries documents. XML generation,
// signing and transport are the transmitter's concern; the handlers own
// the document lifecycle around those calls.
//
// Handlers are idempotent under redelivery. An ISSUE item whose document
// is already final completes without calling the transmitter again, and
// a CANCEL item for an already cancelled document is a no-op.
//
// Register installs one typed handler per operation:
//
//	reg := workitem.NewRegistry()
//	operation.New(tx, machine).Register(reg)
package operation
