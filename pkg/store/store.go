// Package store defines what the migration needs from a document store.
//
// A [Collection] is scanned in a fixed order (by identifier, or insertion
// sequence for stores that have one) so that offset/limit windows computed
// at the start of a run stay disjoint. Writes are point operations addressed
// by [record.ID]; no operation rewrites more than one record.
//
// Backends live in the subpackages memory, surrealdb, mongodb and postgres.
package store

import (
	"context"
	"errors"

	"github.com/surrealdb/surrealnormalize/pkg/record"
)

var (
	// ErrNotFound is returned by Update and Delete when no record has the
	// given identifier.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by Insert when a record with the same
	// identifier already exists.
	ErrDuplicate = errors.New("record already exists")
)

// Cursor iterates the records of a Scan. It is owned by a single worker.
type Cursor interface {
	// Next advances to the next record, fetching a new batch if needed.
	// It returns false at the end of the window or on error.
	Next(ctx context.Context) bool
	// Record returns the current record. The caller owns it.
	Record() record.Record
	// Err returns the first error met by Next.
	Err() error
	// Close releases server-side resources. It is safe to call twice.
	Close(ctx context.Context) error
}

// Recovery receives records pulled out of the source collection.
type Recovery interface {
	// Insert stores rec as-is, identifier included.
	Insert(ctx context.Context, rec record.Record) error
}

// Collection is the source collection of a migration run.
type Collection interface {
	record.Keyer
	Recovery

	// Name returns the table or collection name, for logs.
	Name() string
	// Count returns the number of records in the collection.
	Count(ctx context.Context) (uint64, error)
	// Scan opens a cursor over [offset, offset+limit) of the fixed order,
	// fetching batchSize records per round trip. The first record of the
	// window is resolved before Scan returns and later batches continue
	// after the last record returned, so deletions elsewhere in the
	// collection do not move an open window.
	Scan(ctx context.Context, offset, limit uint64, batchSize int) (Cursor, error)
	// Update applies p to the record identified by id.
	Update(ctx context.Context, id record.ID, p record.Patch) error
	// Delete removes the record identified by id.
	Delete(ctx context.Context, id record.ID) error
}
