package fiscal

import "errors"

var (
	// Wiring errors.
	ErrNoStore       = errors.New("fiscal: no document store configured")
	ErrNoBroker      = errors.New("fiscal: no broker configured")
	ErrNoTransmitter = errors.New("fiscal: no transmitter configured")
	ErrStoreClosed   = errors.New("fiscal: store closed")
	ErrBrokerClosed  = errors.New("fiscal: broker closed")

	// Not found errors.
	ErrDocumentNotFound   = errors.New("fiscal: document not found")
	ErrVoidRangeNotFound  = errors.New("fiscal: void range not found")
	ErrDeadLetterNotFound = errors.New("fiscal: dead letter entry not found")
	ErrLaneNotFound       = errors.New("fiscal: lane not found")

	// Conflict errors.
	ErrDuplicateDocument = errors.New("fiscal: document already exists")
	ErrStaleState        = errors.New("fiscal: stale document state")

	// State errors.
	ErrInvalidTransition = errors.New("fiscal: invalid state transition")
	ErrLanePaused        = errors.New("fiscal: lane paused")
	ErrLaneDraining      = errors.New("fiscal: lane draining")
	ErrDrainInterrupted  = errors.New("fiscal: drain interrupted by a state change")

	// Validation errors.
	ErrInvalidAccessKey   = errors.New("fiscal: invalid access key")
	ErrInvalidTaxpayerID  = errors.New("fiscal: invalid taxpayer id")
	ErrInvalidPayload     = errors.New("fiscal: invalid payload")
	ErrInvalidNumberRange = errors.New("fiscal: invalid number range")
)
