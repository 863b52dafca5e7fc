package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealnormalize/pkg/errorsink"
	"github.com/surrealdb/surrealnormalize/pkg/normalize"
	"github.com/surrealdb/surrealnormalize/pkg/partition"
	"github.com/surrealdb/surrealnormalize/pkg/progress"
	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
)

// MessageVanished is logged when a record disappears between the scan and
// its update.
const MessageVanished = "record vanished before update"

// Worker processes one partition at a time. A Worker holds no per-run
// state and may be shared by several goroutines.
type Worker struct {
	Collection store.Collection
	Recovery   store.Recovery
	OpenLog    errorsink.Opener
	Normalizer *normalize.Normalizer
	BatchSize  int
	Progress   progress.Reporter
	Logger     *zerolog.Logger
}

// Window is a partition whose cursor has been positioned by Open.
type Window struct {
	Range  partition.Range
	cursor store.Cursor
	err    error
}

// Open positions a cursor at the start of r. The first record of the window
// is fixed once Open returns, so records deleted from other windows later
// do not move it. An empty range gets no cursor.
func (w *Worker) Open(ctx context.Context, r partition.Range) Window {
	win := Window{Range: r}
	if r.IsEmpty() {
		return win
	}
	cur, err := w.Collection.Scan(ctx, r.Offset, r.Limit, w.BatchSize)
	if err != nil {
		win.err = fmt.Errorf("open cursor: %w", err)
		return win
	}
	win.cursor = cur
	return win
}

// Run opens r and processes it.
func (w *Worker) Run(ctx context.Context, r partition.Range) Result {
	return w.Process(ctx, w.Open(ctx, r))
}

// Process scans win and applies every outcome before returning. The cursor
// and the error log handle are released on every path.
func (w *Worker) Process(ctx context.Context, win Window) (res Result) {
	start := time.Now()
	r := win.Range
	res.Range = r

	reporter := w.Progress
	if reporter == nil {
		reporter = progress.Discard
	}
	log := w.logger().With().Int("partition", r.Index).Logger()

	var reported progress.Counts
	report := func(done bool, msg string) {
		now := res.counts()
		ev := progress.Event{
			Partition: r.Index,
			Seen:      now.Seen - reported.Seen,
			Patched:   now.Patched - reported.Patched,
			Unchanged: now.Unchanged - reported.Unchanged,
			Logged:    now.Logged - reported.Logged,
			Recovered: now.Recovered - reported.Recovered,
			Message:   msg,
			Done:      done,
			Err:       res.Err,
		}
		reported = now
		reporter.Report(ev)
	}

	defer func() {
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			res.Error = res.Err.Error()
			report(true, "partition failed")
			return
		}
		report(true, "partition finished")
	}()

	if win.err != nil {
		res.Err = win.err
		return res
	}
	cur := win.cursor
	if cur == nil {
		log.Debug().Msg("empty partition")
		return res
	}
	defer func() {
		if err := cur.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to close cursor")
		}
	}()

	sink, err := w.OpenLog()
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := sink.Close(); err != nil && res.Err == nil {
			res.Err = fmt.Errorf("close error log: %w", err)
		}
	}()

	log.Debug().Stringer("range", r).Msg("scanning")
	every := Cadence(r.Limit)
	for cur.Next(ctx) {
		if err := w.handle(ctx, sink, cur.Record(), &res); err != nil {
			res.Err = err
			return res
		}
		if res.Seen%every == 0 {
			report(false, "processed")
		}
	}
	if err := cur.Err(); err != nil {
		res.Err = fmt.Errorf("scan: %w", err)
	}
	return res
}

func (w *Worker) handle(ctx context.Context, sink *errorsink.Sink, rec record.Record, res *Result) error {
	res.Seen++

	patch, err := w.Normalizer.Normalize(rec)
	if err != nil {
		var nerr *normalize.Error
		if !errors.As(err, &nerr) {
			return err
		}
		if nerr.Kind.Action() == normalize.ActionRelocate {
			return w.relocate(ctx, rec, nerr, res)
		}
		if err := sink.Append(nerr.LogID(), nerr.Error()); err != nil {
			return err
		}
		res.Logged++
		return nil
	}

	if patch.IsZero() {
		res.Unchanged++
		return nil
	}

	id, err := w.Collection.Key(rec[w.Collection.IDField()])
	if err != nil {
		return fmt.Errorf("resolve identifier: %w", err)
	}
	err = w.Collection.Update(ctx, id, patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := sink.Append(id.String(), MessageVanished); err != nil {
			return err
		}
		res.Logged++
		return nil
	case err != nil:
		return fmt.Errorf("update %s: %w", id, err)
	}
	res.Patched++
	return nil
}

// relocate moves rec to the recovery store. The insert happens first so a
// crash between the two steps leaves a duplicate rather than a lost record;
// a re-run then sees ErrDuplicate and finishes the move.
func (w *Worker) relocate(ctx context.Context, rec record.Record, nerr *normalize.Error, res *Result) error {
	err := w.Recovery.Insert(ctx, rec)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		w.logger().Debug().Stringer("id", nerr.ID).Msg("record already recovered")
	case err != nil:
		return fmt.Errorf("recover %s: %w", nerr.ID, err)
	}

	err = w.Collection.Delete(ctx, nerr.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.logger().Debug().Stringer("id", nerr.ID).Msg("record already removed")
	case err != nil:
		return fmt.Errorf("remove %s: %w", nerr.ID, err)
	}
	res.Recovered++
	return nil
}

func (w *Worker) logger() *zerolog.Logger {
	if w.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return w.Logger
}

// Cadence returns how many records a worker processes between progress
// reports for a partition of the given size: one report per thousandth of
// the partition, rounded up.
func Cadence(limit uint64) uint64 {
	if limit <= 1000 {
		return 1
	}
	return (limit + 999) / 1000
}
