package migrate_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealnormalize/pkg/errorsink"
	"github.com/surrealdb/surrealnormalize/pkg/migrate"
	"github.com/surrealdb/surrealnormalize/pkg/normalize"
	"github.com/surrealdb/surrealnormalize/pkg/partition"
	"github.com/surrealdb/surrealnormalize/pkg/progress"
	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
	"github.com/surrealdb/surrealnormalize/pkg/store/memory"
)

func user(id string, extra map[string]any) record.Record {
	rec := record.Record{
		"_id":                          id,
		"email":                        id + "@example.com",
		"savedChallenges":              []any{},
		"badges":                       []any{},
		"partiallyCompletedChallenges": []any{},
		"completedChallenges":          []any{},
		"progressTimestamps":           []any{},
		"profileUI":                    []any{},
		"yearsTopContributor":          []any{},
	}
	for k, v := range extra {
		rec[k] = v
	}
	return rec
}

func users(n int) []record.Record {
	out := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, user(fmt.Sprintf("u%03d", i), map[string]any{"password": "x"}))
	}
	return out
}

type fixture struct {
	source   *memory.Collection
	recovery *memory.Collection
	log      bytes.Buffer
}

func newFixture(recs ...record.Record) *fixture {
	f := &fixture{
		source:   memory.New("user"),
		recovery: memory.New("recovered_users"),
	}
	f.source.Load(recs...)
	return f
}

func (f *fixture) plan(workers uint64) migrate.Plan {
	return migrate.Plan{
		Collection: f.source,
		Recovery:   f.recovery,
		OpenLog:    errorsink.WriterOpener(&f.log),
		Normalizer: normalize.New(f.source, normalize.WithIDGenerator(func() string { return "generated" })),
		Workers:    workers,
	}
}

func (f *fixture) lines() []string {
	out := strings.Split(strings.TrimSuffix(f.log.String(), "\n"), "\n")
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	sort.Strings(out)
	return out
}

func TestRun_MixedCollection(t *testing.T) {
	recs := users(7)
	recs = append(recs,
		user("nomail", map[string]any{"email": nil}),
		user("badyears", map[string]any{"yearsTopContributor": []any{"2019", "oops"}}),
		record.Record{"_id": 42, "email": "int@example.com"},
		record.Record{"email": "noid@example.com"},
		user("coerce", map[string]any{"yearsTopContributor": []any{"2019", int64(2020)}}),
	)
	f := newFixture(recs...)

	summary, err := migrate.Run(context.Background(), f.plan(3))
	require.NoError(t, err)
	require.True(t, summary.OK())

	assert.Equal(t, uint64(12), summary.Total)
	assert.Equal(t, uint64(12), summary.Seen)
	assert.Equal(t, uint64(8), summary.Patched)
	assert.Equal(t, uint64(3), summary.Logged)
	assert.Equal(t, uint64(1), summary.Recovered)
	assert.Len(t, summary.Partitions, 3)

	// The null-email record moved.
	_, ok := f.source.Get("nomail")
	assert.False(t, ok)
	moved, ok := f.recovery.Get("nomail")
	require.True(t, ok)
	assert.Nil(t, moved["email"])

	// Legacy fields are gone and years are floats.
	u0, ok := f.source.Get("u000")
	require.True(t, ok)
	assert.NotContains(t, u0, "password")
	coerced, ok := f.source.Get("coerce")
	require.True(t, ok)
	assert.Equal(t, []any{2019.0, 2020.0}, coerced["yearsTopContributor"])

	// Logged records are untouched.
	bad, ok := f.source.Get("badyears")
	require.True(t, ok)
	assert.Equal(t, []any{"2019", "oops"}, bad["yearsTopContributor"])

	lines := f.lines()
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Confused ID: ConfusedId"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "badyears: UnhandledType"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "generated: UnhandledType"), lines[2])
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	f := newFixture(users(20)...)
	_, err := migrate.Run(context.Background(), f.plan(4))
	require.NoError(t, err)
	before := f.source.Records()

	_, err = migrate.Run(context.Background(), f.plan(4))
	require.NoError(t, err)
	assert.Equal(t, before, f.source.Records())
}

// flaky fails the cursor of one partition after a few records.
type flaky struct {
	*memory.Collection
	failOffset uint64
	after      int
}

func (c *flaky) Scan(ctx context.Context, offset, limit uint64, batchSize int) (store.Cursor, error) {
	cur, err := c.Collection.Scan(ctx, offset, limit, batchSize)
	if err != nil || offset != c.failOffset {
		return cur, err
	}
	return &failingCursor{Cursor: cur, left: c.after}, nil
}

type failingCursor struct {
	store.Cursor
	left int
	err  error
}

func (c *failingCursor) Next(ctx context.Context) bool {
	if c.left == 0 {
		c.err = errors.New("cursor lost")
		return false
	}
	c.left--
	return c.Cursor.Next(ctx)
}

func (c *failingCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.Cursor.Err()
}

func TestRun_PartitionFailureIsIsolated(t *testing.T) {
	f := newFixture(users(40)...)
	plan := f.plan(4)
	plan.Collection = &flaky{Collection: f.source, failOffset: 20, after: 3}

	summary, err := migrate.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, summary.Failed)
	assert.False(t, summary.OK())
	assert.Equal(t, uint64(33), summary.Seen)
	assert.Equal(t, uint64(33), summary.Patched)
	for _, res := range summary.Partitions {
		if res.Range.Index == 2 {
			assert.Equal(t, uint64(3), res.Seen)
			assert.Equal(t, "scan: cursor lost", res.Error)
			continue
		}
		assert.Equal(t, uint64(10), res.Seen)
		assert.NoError(t, res.Err)
	}

	// Records past the failure point were never touched.
	rec, ok := f.source.Get("u025")
	require.True(t, ok)
	assert.Contains(t, rec, "password")
	rec, ok = f.source.Get("u035")
	require.True(t, ok)
	assert.NotContains(t, rec, "password")

	assert.Equal(t, []string{"partition 2: scan: cursor lost"}, f.lines())
}

// compacting drops deleted records from the scan order right away, so
// positions after a deletion shift down the way they do in a database.
type compacting struct {
	*memory.Collection
	deleted   atomic.Bool
	lateScans atomic.Int32
}

func (c *compacting) Scan(ctx context.Context, offset, limit uint64, batchSize int) (store.Cursor, error) {
	if c.deleted.Load() {
		c.lateScans.Add(1)
	}
	return c.Collection.Scan(ctx, offset, limit, batchSize)
}

func (c *compacting) Delete(ctx context.Context, id record.ID) error {
	if err := c.Collection.Delete(ctx, id); err != nil {
		return err
	}
	c.deleted.Store(true)
	c.Collection.Compact()
	return nil
}

func TestRun_RelocationDoesNotShiftOtherPartitions(t *testing.T) {
	recs := users(20)
	for i := 0; i < 5; i++ {
		recs[i]["email"] = nil
	}
	f := newFixture(recs...)
	coll := &compacting{Collection: f.source}
	plan := f.plan(2)
	plan.Collection = coll

	summary, err := migrate.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Zero(t, coll.lateScans.Load(), "a window was opened after a deletion")

	assert.Equal(t, uint64(20), summary.Seen)
	assert.Equal(t, uint64(15), summary.Patched)
	assert.Equal(t, uint64(5), summary.Recovered)
	assert.Len(t, f.recovery.Records(), 5)

	remaining := f.source.Records()
	require.Len(t, remaining, 15)
	for _, rec := range remaining {
		assert.NotContains(t, rec, "password", "record %v was not normalized", rec["_id"])
	}
}

func TestWorker_OpenWindowSurvivesEarlierDeletes(t *testing.T) {
	f := newFixture(users(20)...)
	coll := &compacting{Collection: f.source}
	w := &migrate.Worker{
		Collection: coll,
		Recovery:   f.recovery,
		OpenLog:    errorsink.WriterOpener(&f.log),
		Normalizer: normalize.New(f.source),
	}

	win := w.Open(context.Background(), partition.Range{Index: 1, Offset: 10, Limit: 10})
	for i := 0; i < 5; i++ {
		id, err := coll.Key(fmt.Sprintf("u%03d", i))
		require.NoError(t, err)
		require.NoError(t, coll.Delete(context.Background(), id))
	}

	res := w.Process(context.Background(), win)
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(10), res.Patched)
	for i := 10; i < 20; i++ {
		rec, ok := f.source.Get(fmt.Sprintf("u%03d", i))
		require.True(t, ok)
		assert.NotContains(t, rec, "password", rec["_id"])
	}
	rec, ok := f.source.Get("u009")
	require.True(t, ok)
	assert.Contains(t, rec, "password")
}

func TestWorker_OpenFailureIsReported(t *testing.T) {
	f := newFixture(users(3)...)
	w := &migrate.Worker{
		Collection: f.source,
		Recovery:   f.recovery,
		OpenLog:    errorsink.WriterOpener(&f.log),
		Normalizer: normalize.New(f.source),
		BatchSize:  10,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	win := w.Open(ctx, partition.Range{Limit: 3})
	res := w.Process(context.Background(), win)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Contains(t, res.Error, "open cursor")
	assert.Empty(t, f.lines())
}

func TestRun_ConfigurationErrors(t *testing.T) {
	f := newFixture(users(3)...)

	var opened atomic.Int32
	plan := f.plan(0)
	plan.OpenLog = func() (*errorsink.Sink, error) {
		opened.Add(1)
		return errorsink.New(&bytes.Buffer{}), nil
	}
	_, err := migrate.Run(context.Background(), plan)
	assert.ErrorIs(t, err, partition.ErrZeroWorkers)
	assert.Zero(t, opened.Load())

	_, err = migrate.Run(context.Background(), f.plan(partition.MaxWorkers+1))
	assert.ErrorIs(t, err, partition.ErrTooManyWorkers)
	assert.Zero(t, opened.Load())

	plan = f.plan(2)
	plan.OpenLog = errorsink.FileOpener(filepath.Join(t.TempDir(), "missing", "errors.log"))
	_, err = migrate.Run(context.Background(), plan)
	assert.Error(t, err)

	plan = f.plan(2)
	plan.Recovery = nil
	_, err = migrate.Run(context.Background(), plan)
	assert.ErrorIs(t, err, migrate.ErrInvalidPlan)

	// Nothing was written by any of the failed starts.
	rec, ok := f.source.Get("u000")
	require.True(t, ok)
	assert.Contains(t, rec, "password")
}

func TestRun_TotalCapsTheScan(t *testing.T) {
	f := newFixture(users(10)...)
	plan := f.plan(2)
	plan.Total = 5

	summary, err := migrate.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), summary.Total)
	assert.Equal(t, uint64(5), summary.Seen)

	rec, ok := f.source.Get("u007")
	require.True(t, ok)
	assert.Contains(t, rec, "password")
}

func TestRun_MoreWorkersThanRecords(t *testing.T) {
	f := newFixture(users(2)...)
	summary, err := migrate.Run(context.Background(), f.plan(5))
	require.NoError(t, err)
	assert.Len(t, summary.Partitions, 5)
	assert.Equal(t, uint64(2), summary.Seen)
	assert.True(t, summary.OK())
}

func TestRun_DryRunLeavesCollectionUnchanged(t *testing.T) {
	f := newFixture(append(users(6), user("nomail", map[string]any{"email": nil}))...)
	before := f.source.Records()

	dry := store.NewDryRun(f.source)
	recovery := &store.DryRunRecovery{}
	plan := f.plan(2)
	plan.Collection = dry
	plan.Recovery = recovery

	summary, err := migrate.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, uint64(6), summary.Patched)
	assert.Equal(t, uint64(1), summary.Recovered)

	assert.Equal(t, before, f.source.Records())
	updates, deletes, _ := dry.Writes()
	assert.Equal(t, uint64(6), updates)
	assert.Equal(t, uint64(1), deletes)
	assert.Equal(t, uint64(1), recovery.Inserts())
}

func TestRun_ProgressMatchesSummary(t *testing.T) {
	f := newFixture(users(2500)...)
	agg := progress.NewAggregator()
	plan := f.plan(3)
	plan.Progress = agg

	summary, err := migrate.Run(context.Background(), plan)
	require.NoError(t, err)
	totals := agg.Close()

	assert.Equal(t, summary.Total, totals.Expected)
	assert.Equal(t, summary.Counts, totals.Counts)
	assert.Equal(t, 3, totals.Done)
}

func TestWorker_AlreadyRecovered(t *testing.T) {
	orphan := user("nomail", map[string]any{"email": nil})
	f := newFixture(orphan)
	require.NoError(t, f.recovery.Insert(context.Background(), orphan))

	summary, err := migrate.Run(context.Background(), f.plan(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Recovered)
	_, ok := f.source.Get("nomail")
	assert.False(t, ok)
	assert.Len(t, f.recovery.Records(), 1)
}

// vanishing deletes each record right before the worker updates it.
type vanishing struct {
	*memory.Collection
}

func (c *vanishing) Update(ctx context.Context, id record.ID, p record.Patch) error {
	if err := c.Collection.Delete(ctx, id); err != nil {
		return err
	}
	return c.Collection.Update(ctx, id, p)
}

func TestWorker_VanishedRecordIsLogged(t *testing.T) {
	f := newFixture(users(2)...)
	w := &migrate.Worker{
		Collection: &vanishing{f.source},
		Recovery:   f.recovery,
		OpenLog:    errorsink.WriterOpener(&f.log),
		Normalizer: normalize.New(f.source),
	}

	res := w.Run(context.Background(), partition.Range{Index: 0, Offset: 0, Limit: 2})
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(2), res.Logged)
	assert.Equal(t, []string{
		"u000: " + migrate.MessageVanished,
		"u001: " + migrate.MessageVanished,
	}, f.lines())
}

// brokenRecovery fails every insert.
type brokenRecovery struct{}

func (brokenRecovery) Insert(context.Context, record.Record) error {
	return errors.New("recovery table unavailable")
}

func TestWorker_RecoveryFailureKeepsRecord(t *testing.T) {
	f := newFixture(user("nomail", map[string]any{"email": nil}), user("after", nil))
	w := &migrate.Worker{
		Collection: f.source,
		Recovery:   brokenRecovery{},
		OpenLog:    errorsink.WriterOpener(&f.log),
		Normalizer: normalize.New(f.source),
	}

	res := w.Run(context.Background(), partition.Range{Limit: 2})
	require.Error(t, res.Err)
	assert.Contains(t, res.Error, "recovery table unavailable")
	assert.Equal(t, uint64(1), res.Seen)

	_, ok := f.source.Get("nomail")
	assert.True(t, ok)
}

func TestWorker_CancelledContext(t *testing.T) {
	f := newFixture(users(5)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &migrate.Worker{
		Collection: f.source,
		Recovery:   f.recovery,
		OpenLog:    errorsink.WriterOpener(&f.log),
		Normalizer: normalize.New(f.source),
	}
	res := w.Run(ctx, partition.Range{Limit: 5})
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, res.Seen)
}

func TestCadence(t *testing.T) {
	for _, tc := range []struct {
		limit, want uint64
	}{
		{0, 1},
		{999, 1},
		{1000, 1},
		{1001, 2},
		{250000, 250},
		{250001, 251},
	} {
		assert.Equal(t, tc.want, migrate.Cadence(tc.limit), "limit %d", tc.limit)
	}
}
