// Package memory provides an in-process Collection.
//
// Records are kept in insertion order, which is the scan order. A deleted
// record leaves an empty slot behind until Compact is called, so the
// positions other workers computed at the start of a run do not shift
// while records are being removed. A cursor copies its window when it is
// opened.
package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
)

// Collection is a concurrency-safe in-memory store.Collection.
type Collection struct {
	record.StringKeyer

	name string

	mu      sync.RWMutex
	records []record.Record // nil slots are deleted records
	index   map[string]int
	live    int
}

var _ store.Collection = (*Collection)(nil)

// New returns an empty collection whose identifiers live in "_id".
func New(name string) *Collection {
	return &Collection{
		StringKeyer: record.StringKeyer{Field: "_id"},
		name:        name,
		index:       make(map[string]int),
	}
}

// Load inserts recs in order. Records whose identifier is not a usable
// string are still stored so that the normalizer gets to classify them.
func (c *Collection) Load(recs ...record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		c.appendLocked(rec.Clone())
	}
}

// LoadJSONFile loads a JSON array of documents from path.
func (c *Collection) LoadJSONFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()
	return c.LoadJSON(f)
}

// LoadJSON loads a JSON array of documents.
func (c *Collection) LoadJSON(r io.Reader) error {
	recs, err := record.DecodeJSONArray(r)
	if err != nil {
		return err
	}
	c.Load(recs...)
	return nil
}

func (c *Collection) appendLocked(rec record.Record) {
	if key, ok := rec[c.IDField()].(string); ok {
		c.index[key] = len(c.records)
	}
	c.records = append(c.records, rec)
	c.live++
}

func (c *Collection) Name() string {
	return c.name
}

// Count returns the number of scan positions, which includes records
// deleted since the last Compact.
func (c *Collection) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.records)), nil
}

// Len returns the number of live records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// Compact drops the slots of deleted records.
func (c *Collection) Compact() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.records[:0]
	for _, rec := range c.records {
		if rec != nil {
			kept = append(kept, rec)
		}
	}
	clear(c.records[len(kept):])
	c.records = kept
	c.index = make(map[string]int, len(kept))
	for i, rec := range kept {
		if key, ok := rec[c.IDField()].(string); ok {
			c.index[key] = i
		}
	}
}

func (c *Collection) Scan(ctx context.Context, offset, limit uint64, batchSize int) (store.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := uint64(len(c.records))
	start, end := min(offset, n), min(offset+limit, n)
	window := make([]record.Record, 0, end-start)
	for _, rec := range c.records[start:end] {
		if rec != nil {
			window = append(window, rec.Clone())
		}
	}
	return &cursor{records: window, pos: -1}, nil
}

func (c *Collection) Update(ctx context.Context, id record.ID, p record.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, ok := id.Key.(string)
	if !ok {
		return fmt.Errorf("memory: unsupported key type %T", id.Key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[key]
	if !ok {
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	c.records[i] = p.Apply(c.records[i])
	return nil
}

func (c *Collection) Delete(ctx context.Context, id record.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, ok := id.Key.(string)
	if !ok {
		return fmt.Errorf("memory: unsupported key type %T", id.Key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[key]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, store.ErrNotFound)
	}
	c.records[i] = nil
	delete(c.index, key)
	c.live--
	return nil
}

func (c *Collection) Insert(ctx context.Context, rec record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := rec[c.IDField()].(string); ok {
		if _, exists := c.index[key]; exists {
			return fmt.Errorf("insert %s: %w", key, store.ErrDuplicate)
		}
	}
	c.appendLocked(rec.Clone())
	return nil
}

// Get returns a copy of the record with the given identifier.
func (c *Collection) Get(key string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return c.records[i].Clone(), true
}

// Records returns a copy of every live record in scan order.
func (c *Collection) Records() []record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]record.Record, 0, c.live)
	for _, rec := range c.records {
		if rec != nil {
			out = append(out, rec.Clone())
		}
	}
	return out
}

type cursor struct {
	records []record.Record
	pos     int
	err     error
	closed  bool
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) Record() record.Record {
	if c.pos < 0 || c.pos >= len(c.records) {
		return nil
	}
	return c.records[c.pos]
}

func (c *cursor) Err() error {
	return c.err
}

func (c *cursor) Close(context.Context) error {
	c.closed = true
	return nil
}
