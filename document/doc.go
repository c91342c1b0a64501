// Package document owns the lifecycle of fiscal document records.
//
// A [Record] moves through a fixed status graph:
//
//	PENDING → PROCESSING → AUTHORIZED → CANCELLED
//	                     → REJECTED
//	                     → ERROR → RETRY_SCHEDULED → PROCESSING → ...
//
// REJECTED and CANCELLED are terminal, and AUTHORIZED only moves on to
// CANCELLED. Number ranges are voided through [VoidRange] records, never
// through an individual document.
//
// [Machine] is the only writer. It serializes updates per access key with
// a striped lock and persists them with an optimistic version check, so
// two lanes touching the same document (a query racing an issuance) never
// interleave partial updates. A version conflict surfaces as
// fiscal.ErrStaleState and is retried with fresh state.
package document
