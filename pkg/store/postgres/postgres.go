// Package postgres implements store.Collection on a PostgreSQL table of
// JSONB documents, using GORM.
//
// Each table has the layout (seq bigserial, id text primary key, body
// jsonb). seq gives the stable scan order; id is the document's "_id".
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Body is a document stored as JSONB.
type Body record.Record

// Value implements the driver.Valuer interface for database storage
func (b Body) Value() (driver.Value, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal(map[string]any(b))
}

// Scan implements the sql.Scanner interface for database retrieval.
// JSONB has one numeric type, so every number comes back as float64.
func (b *Body) Scan(value any) error {
	if value == nil {
		*b = Body{}
		return nil
	}
	data, ok := value.([]byte)
	if !ok {
		s, isString := value.(string)
		if !isString {
			return fmt.Errorf("unsupported body type %T", value)
		}
		data = []byte(s)
	}
	rec, err := record.DecodeJSONFloats(data)
	if err != nil {
		return err
	}
	*b = Body(rec)
	return nil
}

// Document is one row.
type Document struct {
	Seq  int64  `gorm:"column:seq;autoIncrement;uniqueIndex"`
	ID   string `gorm:"column:id;primaryKey"`
	Body Body   `gorm:"column:body;type:jsonb;not null"`
}

// Open connects to dsn. The returned cleanup closes the pool.
func Open(dsn string) (*gorm.DB, func(), error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, cleanup, nil
}

// Collection is a store.Collection backed by one table.
type Collection struct {
	record.StringKeyer

	db    *gorm.DB
	table string
}

var _ store.Collection = (*Collection)(nil)

func New(db *gorm.DB, table string) *Collection {
	return &Collection{
		StringKeyer: record.StringKeyer{Field: "_id"},
		db:          db,
		table:       table,
	}
}

// Migrate creates the table if it does not exist.
func (c *Collection) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).Table(c.table).AutoMigrate(&Document{})
}

func (c *Collection) Name() string {
	return c.table
}

func (c *Collection) tx(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx).Table(c.table)
}

func (c *Collection) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := c.tx(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.table, err)
	}
	return uint64(n), nil
}

func (c *Collection) Scan(ctx context.Context, offset, limit uint64, batchSize int) (store.Cursor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	cur := &cursor{
		c:         c,
		offset:    offset,
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

// Update locks the row, applies p to the decoded body and writes it back
// in one transaction.
func (c *Collection) Update(ctx context.Context, id record.ID, p record.Patch) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Table(c.table).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&doc, "id = ?", id.Key).Error
		if err != nil {
			return err
		}
		body := Body(p.Apply(record.Record(doc.Body)))
		return tx.Table(c.table).Where("id = ?", id.Key).Update("body", body).Error
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to update %s: %w", id, err)
	}
	return nil
}

func (c *Collection) Delete(ctx context.Context, id record.ID) error {
	result := c.tx(ctx).Where("id = ?", id.Key).Delete(&Document{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("delete %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (c *Collection) Insert(ctx context.Context, rec record.Record) error {
	id, err := c.Key(rec[c.IDField()])
	if err != nil {
		return fmt.Errorf("insert into %s: %w", c.table, err)
	}
	doc := Document{ID: id.Text, Body: Body(rec.Clone())}
	if err := c.tx(ctx).Omit("seq").Create(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert %s into %s: %w", id, c.table, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert %s into %s: %w", id, c.table, err)
	}
	return nil
}

// Load stores recs in order without validating their identifiers, so that
// documents with unusable ids reach the normalizer. The row key is the
// string form of "_id", or a random UUID when that is missing or taken.
func (c *Collection) Load(ctx context.Context, recs ...record.Record) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make(map[string]bool, len(recs))
		for _, rec := range recs {
			key := rowKey(rec[c.IDField()])
			if key == "" || seen[key] {
				key = uuid.NewString()
			}
			seen[key] = true
			doc := Document{ID: key, Body: Body(rec.Clone())}
			if err := tx.Table(c.table).Omit("seq").Create(&doc).Error; err != nil {
				return fmt.Errorf("failed to load %s into %s: %w", key, c.table, err)
			}
		}
		return nil
	})
}

func rowKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// cursor pages by seq. Only the first page, fetched by Scan, uses OFFSET.
type cursor struct {
	c         *Collection
	offset    uint64
	remaining uint64
	batchSize uint64

	started bool
	lastSeq int64
	batch   []Document
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
	doc := cur.batch[cur.pos]
	cur.pos++
	cur.remaining--
	cur.lastSeq = doc.Seq
	cur.current = record.Record(doc.Body)
	return true
}

func (cur *cursor) fetch(ctx context.Context) error {
	q := cur.c.tx(ctx).Order("seq").Limit(int(min(cur.batchSize, cur.remaining)))
	if cur.started {
		q = q.Where("seq > ?", cur.lastSeq)
	} else {
		q = q.Offset(int(cur.offset))
	}
	var docs []Document
	if err := q.Find(&docs).Error; err != nil {
		return fmt.Errorf("failed to fetch from %s: %w", cur.c.table, err)
	}
	cur.started = true
	cur.batch = docs
	cur.pos = 0
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
