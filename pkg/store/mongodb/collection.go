// Package mongodb implements store.Collection on a MongoDB collection.
//
// Records are addressed by ObjectID and scanned in _id order with
// skip/limit, each window through a single server-side cursor.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect opens a client for uri and checks that the server answers.
func Connect(ctx context.Context, uri string) (*mongo.Client, func(), error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	cleanup := func() {
		_ = client.Disconnect(context.WithoutCancel(ctx))
	}
	if err := client.Ping(ctx, nil); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, cleanup, nil
}

// Collection is a store.Collection backed by a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
}

var _ store.Collection = (*Collection)(nil)

func New(db *mongo.Database, name string) *Collection {
	return &Collection{coll: db.Collection(name)}
}

func (c *Collection) Name() string {
	return c.coll.Name()
}

func (c *Collection) IDField() string {
	return "_id"
}

// Key accepts ObjectIDs. Strings and numbers are stored by some clients
// in place of an ObjectID and are reported as ambiguous.
func (c *Collection) Key(v any) (record.ID, error) {
	switch t := v.(type) {
	case primitive.ObjectID:
		if t.IsZero() {
			return record.ID{}, fmt.Errorf("%w: zero ObjectID", record.ErrMalformedID)
		}
		return record.ID{Key: t, Text: t.Hex()}, nil
	case string, int32, int64, float64:
		return record.ID{}, fmt.Errorf("%w: %T identifier %v", record.ErrAmbiguousID, v, v)
	case nil:
		return record.ID{}, fmt.Errorf("%w: null", record.ErrMalformedID)
	default:
		return record.ID{}, fmt.Errorf("%w: unsupported type %T", record.ErrMalformedID, v)
	}
}

func (c *Collection) Count(ctx context.Context) (uint64, error) {
	n, err := c.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Name(), err)
	}
	return uint64(n), nil
}

// Scan runs the find command before returning. The server resolves the skip
// for the first batch and later batches continue the same server-side
// cursor along the _id index, so the window does not move afterwards.
func (c *Collection) Scan(ctx context.Context, offset, limit uint64, batchSize int) (store.Cursor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	if limit == 0 {
		return &cursor{}, nil
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)).
		SetBatchSize(int32(batchSize))

	cur, err := c.coll.Find(ctx, bson.D{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor on %s: %w", c.Name(), err)
	}
	return &cursor{cur: cur}, nil
}

func (c *Collection) Update(ctx context.Context, id record.ID, p record.Patch) error {
	filter := bson.M{"_id": id.Key}

	if update := plainUpdate(p); update != nil {
		result, err := c.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", id, err)
		}
		if result.MatchedCount == 0 {
			return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
		}
	} else if err := c.coll.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("failed to look up %s: %w", id, err)
	}

	for _, u := range arrayUpdates(p) {
		guarded := bson.M{"_id": id.Key, u.guard: bson.M{"$type": "array"}}
		unset := bson.M{}
		for _, path := range u.unset {
			unset[path] = ""
		}
		opts := options.Update()
		if len(u.filters) > 0 {
			opts.SetArrayFilters(options.ArrayFilters{Filters: u.filters})
		}
		if _, err := c.coll.UpdateOne(ctx, guarded, bson.M{"$unset": unset}, opts); err != nil {
			return fmt.Errorf("failed to update %s under %s: %w", id, u.guard, err)
		}
	}
	return nil
}

func (c *Collection) Delete(ctx context.Context, id record.ID) error {
	result, err := c.coll.DeleteOne(ctx, bson.M{"_id": id.Key})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("delete %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (c *Collection) Insert(ctx context.Context, rec record.Record) error {
	if _, err := c.coll.InsertOne(ctx, bson.M(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert into %s: %w", c.Name(), store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert into %s: %w", c.Name(), err)
	}
	return nil
}

type cursor struct {
	cur     *mongo.Cursor
	current record.Record
	err     error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.cur == nil || c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		c.err = fmt.Errorf("failed to decode document: %w", err)
		return false
	}
	c.current = record.Record(fromBSON(doc).(map[string]any))
	return true
}

func (c *cursor) Record() record.Record {
	return c.current
}

func (c *cursor) Err() error {
	if c.err != nil || c.cur == nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *cursor) Close(ctx context.Context) error {
	if c.cur == nil {
		return nil
	}
	return c.cur.Close(ctx)
}

// fromBSON converts driver container types into plain maps and slices.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	default:
		return v
	}
}
