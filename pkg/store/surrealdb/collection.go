package surrealdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
)

// Collection is a store.Collection backed by one SurrealDB table.
type Collection struct {
	db    *surrealdb.DB
	table string
}

var _ store.Collection = (*Collection)(nil)

// New returns the collection for table. The connection must already have
// its namespace and database selected.
func New(db *surrealdb.DB, table string) *Collection {
	return &Collection{db: db, table: table}
}

func (c *Collection) Name() string {
	return c.table
}

func (c *Collection) IDField() string {
	return "id"
}

// Key accepts record IDs of this collection's table. An ID of another
// table, or a plain string, could name a different record than the one
// scanned and is reported as ambiguous.
func (c *Collection) Key(v any) (record.ID, error) {
	var rid models.RecordID
	switch t := v.(type) {
	case models.RecordID:
		rid = t
	case *models.RecordID:
		if t == nil {
			return record.ID{}, fmt.Errorf("%w: null record id", record.ErrMalformedID)
		}
		rid = *t
	case string:
		return record.ID{}, fmt.Errorf("%w: string identifier %q", record.ErrAmbiguousID, t)
	case nil:
		return record.ID{}, fmt.Errorf("%w: null", record.ErrMalformedID)
	default:
		return record.ID{}, fmt.Errorf("%w: unsupported type %T", record.ErrMalformedID, v)
	}
	if rid.ID == nil {
		return record.ID{}, fmt.Errorf("%w: record id without key", record.ErrMalformedID)
	}
	if rid.Table != c.table {
		return record.ID{}, fmt.Errorf("%w: record id of table %q", record.ErrAmbiguousID, rid.Table)
	}
	return record.ID{Key: rid, Text: fmt.Sprintf("%s:%v", rid.Table, rid.ID)}, nil
}

type countRow struct {
	Count uint64 `json:"count"`
}

func (c *Collection) Count(ctx context.Context) (uint64, error) {
	res, err := surrealdb.Query[[]countRow](ctx, c.db, countQuery, map[string]any{
		"table": c.table,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.table, err)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return 0, nil
	}
	return (*res)[0].Result[0].Count, nil
}

func (c *Collection) Scan(ctx context.Context, offset, limit uint64, batchSize int) (store.Cursor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	cur := &cursor{
		c:         c,
		start:     offset,
		remaining: limit,
		batchSize: uint64(batchSize),
	}
	if limit == 0 {
		cur.done = true
		return cur, nil
	}
	if err := cur.fetch(ctx); err != nil {
		return nil, err
	}
	if len(cur.batch) == 0 {
		cur.done = true
	}
	return cur, nil
}

func (c *Collection) Update(ctx context.Context, id record.ID, p record.Patch) error {
	query, vars := updateQuery(p)
	vars["id"] = id.Key
	if _, err := surrealdb.Query[any](ctx, c.db, query, vars); err != nil {
		if strings.Contains(err.Error(), notFoundMarker) {
			return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("failed to update %s: %w", id, err)
	}
	return nil
}

func (c *Collection) Delete(ctx context.Context, id record.ID) error {
	res, err := surrealdb.Query[[]map[string]any](ctx, c.db, deleteQuery, map[string]any{
		"id": id.Key,
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return fmt.Errorf("delete %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Insert stores rec in this table under the key it had in its source
// table. Records without a record ID get a generated one.
func (c *Collection) Insert(ctx context.Context, rec record.Record) error {
	data := rec.Clone()
	delete(data, "id")

	query := createInTableQuery
	vars := map[string]any{
		"table": c.table,
		"data":  map[string]any(data),
	}
	if key, ok := sourceKey(rec["id"]); ok {
		query = createQuery
		vars["id"] = models.NewRecordID(c.table, key)
	}
	_, err := surrealdb.Query[any](ctx, c.db, query, vars)
	if err != nil {
		if isAlreadyExists(err) {
			return fmt.Errorf("insert into %s: %w", c.table, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert into %s: %w", c.table, err)
	}
	return nil
}

func sourceKey(v any) (any, bool) {
	switch t := v.(type) {
	case models.RecordID:
		return t.ID, t.ID != nil
	case *models.RecordID:
		if t == nil {
			return nil, false
		}
		return t.ID, t.ID != nil
	}
	return nil, false
}

func isAlreadyExists(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if strings.Contains(err.Error(), "already exists") {
			return true
		}
	}
	return false
}

// cursor pages through one window. Only the first page, fetched by Scan,
// uses START; later pages continue from the last id seen.
type cursor struct {
	c         *Collection
	start     uint64
	remaining uint64
	batchSize uint64

	last    any
	started bool
	batch   []map[string]any
	pos     int
	current record.Record
	err     error
	done    bool
}

func (cur *cursor) Next(ctx context.Context) bool {
	if cur.err != nil || cur.done {
		return false
	}
	if cur.pos >= len(cur.batch) {
		if cur.remaining == 0 {
			cur.done = true
			return false
		}
		if err := cur.fetch(ctx); err != nil {
			cur.err = err
			return false
		}
		if len(cur.batch) == 0 {
			cur.done = true
			return false
		}
	}
	cur.current = record.Record(cur.batch[cur.pos])
	cur.pos++
	cur.remaining--
	cur.last = cur.current["id"]
	return true
}

func (cur *cursor) fetch(ctx context.Context) error {
	limit := min(cur.batchSize, cur.remaining)
	vars := map[string]any{
		"table": cur.c.table,
		"limit": limit,
	}
	query := nextPageQuery
	if !cur.started {
		query = firstPageQuery
		vars["start"] = cur.start
	} else {
		vars["last"] = cur.last
	}

	res, err := surrealdb.Query[[]map[string]any](ctx, cur.c.db, query, vars)
	if err != nil {
		return fmt.Errorf("failed to fetch from %s: %w", cur.c.table, err)
	}
	cur.started = true
	cur.pos = 0
	cur.batch = nil
	if res != nil && len(*res) > 0 {
		cur.batch = (*res)[0].Result
	}
	return nil
}

func (cur *cursor) Record() record.Record {
	return cur.current
}

func (cur *cursor) Err() error {
	return cur.err
}

func (cur *cursor) Close(context.Context) error {
	cur.done = true
	cur.batch = nil
	return nil
}
