// Package store defines the aggregate persistence interface. Each
// subsystem (document, deadletter) defines its own store interface and
// the composite Store composes them. Backends: Postgres, Redis and Memory.
package store

import (
	"context"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem store.
type Store interface {
	document.Store
	deadletter.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
