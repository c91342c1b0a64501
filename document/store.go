package document

import (
	"context"
	"fmt"
	"time"
)

// ListOpts controls filtering for record list queries.
type ListOpts struct {
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
	// UpdatedBefore keeps records last updated before the given time.
	UpdatedBefore time.Time
}

// Store defines the persistence contract for document records.
type Store interface {
	// CreateDocument persists a new record. Returns
	// fiscal.ErrDuplicateDocument if the access key exists.
	CreateDocument(ctx context.Context, r *Record) error

	// GetDocument retrieves a record by access key.
	GetDocument(ctx context.Context, accessKey string) (*Record, error)

	// SwapDocument replaces the stored record if its version still equals
	// expected, then sets r.Version to expected+1. Returns
	// fiscal.ErrStaleState on a version mismatch.
	SwapDocument(ctx context.Context, r *Record, expected int64) error

	// ListDocumentsByStatus returns records in the given status, oldest
	// update first.
	ListDocumentsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Record, error)

	// SaveVoidRange creates or replaces a void range.
	SaveVoidRange(ctx context.Context, v *VoidRange) error

	// GetVoidRange retrieves a void range by key.
	GetVoidRange(ctx context.Context, key string) (*VoidRange, error)
}

// VoidRangeKey builds the key of a void range.
func VoidRangeKey(tenantID string, series, first, last int) string {
	return fmt.Sprintf("%s:%03d:%09d-%09d", tenantID, series, first, last)
}
