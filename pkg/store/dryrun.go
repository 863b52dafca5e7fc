package store

import (
	"context"
	"sync/atomic"

	"github.com/surrealdb/surrealnormalize/pkg/record"
)

// DryRunCollection wraps a Collection, passing reads through and counting
// writes instead of performing them.
//
// The migration runs end to end and produces the same log lines and
// summary, but nothing is written.
type DryRunCollection struct {
	Collection

	updates atomic.Uint64
	deletes atomic.Uint64
	inserts atomic.Uint64
}

var _ Collection = (*DryRunCollection)(nil)

// NewDryRun wraps c.
func NewDryRun(c Collection) *DryRunCollection {
	return &DryRunCollection{Collection: c}
}

// Unwrap returns the underlying collection.
func (d *DryRunCollection) Unwrap() Collection {
	return d.Collection
}

func (d *DryRunCollection) Update(_ context.Context, _ record.ID, _ record.Patch) error {
	d.updates.Add(1)
	return nil
}

func (d *DryRunCollection) Delete(_ context.Context, _ record.ID) error {
	d.deletes.Add(1)
	return nil
}

func (d *DryRunCollection) Insert(_ context.Context, _ record.Record) error {
	d.inserts.Add(1)
	return nil
}

// Writes returns how many writes were skipped, by operation.
func (d *DryRunCollection) Writes() (updates, deletes, inserts uint64) {
	return d.updates.Load(), d.deletes.Load(), d.inserts.Load()
}

// DryRunRecovery discards inserts.
type DryRunRecovery struct {
	inserts atomic.Uint64
}

var _ Recovery = (*DryRunRecovery)(nil)

func (d *DryRunRecovery) Insert(_ context.Context, _ record.Record) error {
	d.inserts.Add(1)
	return nil
}

// Inserts returns how many inserts were discarded.
func (d *DryRunRecovery) Inserts() uint64 {
	return d.inserts.Load()
}
