package deadletter

import (
	"context"
	"time"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
)

// ListOpts controls pagination and filtering for list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
	// Class filters by failure class. Empty means all classes.
	Class failure.Class
}

// Store defines the persistence contract for dead-letter entries.
type Store interface {
	// PushDeadLetter persists a new entry.
	PushDeadLetter(ctx context.Context, e *Entry) error

	// ListDeadLetters returns entries matching opts, newest first.
	ListDeadLetters(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDeadLetter retrieves an entry by ID.
	GetDeadLetter(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// UpdateDeadLetter persists changes to an existing entry.
	UpdateDeadLetter(ctx context.Context, e *Entry) error

	// DeleteDeadLetter removes an entry.
	DeleteDeadLetter(ctx context.Context, entryID id.DLQID) error

	// PurgeDeadLetters removes entries with FailedAt before the given
	// time and returns how many were removed.
	PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error)

	// CountDeadLetters returns the number of stored entries.
	CountDeadLetters(ctx context.Context) (int64, error)
}
