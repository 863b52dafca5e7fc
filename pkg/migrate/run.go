// Package migrate runs the normalizer over a collection with a fixed number
// of workers, each owning one contiguous partition.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealnormalize/pkg/errorsink"
	"github.com/surrealdb/surrealnormalize/pkg/normalize"
	"github.com/surrealdb/surrealnormalize/pkg/partition"
	"github.com/surrealdb/surrealnormalize/pkg/progress"
	"github.com/surrealdb/surrealnormalize/pkg/store"
)

// ErrInvalidPlan is returned by Run before any worker starts.
var ErrInvalidPlan = errors.New("invalid plan")

// DefaultBatchSize is the cursor batch size used when the plan sets none.
const DefaultBatchSize = 10

// Plan describes one run.
type Plan struct {
	Collection store.Collection
	Recovery   store.Recovery
	OpenLog    errorsink.Opener
	Normalizer *normalize.Normalizer
	Workers    uint64
	// Total caps the number of records scanned. Zero means the whole
	// collection.
	Total     uint64
	BatchSize int
	Progress  progress.Reporter
	Logger    *zerolog.Logger
}

func (p *Plan) validate() error {
	if err := partition.CheckWorkers(p.Workers); err != nil {
		return err
	}
	switch {
	case p.Collection == nil:
		return fmt.Errorf("%w: no collection", ErrInvalidPlan)
	case p.Recovery == nil:
		return fmt.Errorf("%w: no recovery store", ErrInvalidPlan)
	case p.OpenLog == nil:
		return fmt.Errorf("%w: no error log", ErrInvalidPlan)
	case p.Normalizer == nil:
		return fmt.Errorf("%w: no normalizer", ErrInvalidPlan)
	case p.BatchSize < 0:
		return fmt.Errorf("%w: negative batch size", ErrInvalidPlan)
	}
	return nil
}

// Run splits the collection, processes every partition concurrently and
// waits for all of them. A failed partition does not stop its siblings;
// it is written to the error log as "partition <n>: <err>" and listed in
// Summary.Failed. Run only returns an error if the run could not start.
func Run(ctx context.Context, p Plan) (*Summary, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.Progress == nil {
		p.Progress = progress.Discard
	}
	if p.Logger == nil {
		nop := zerolog.Nop()
		p.Logger = &nop
	}

	// The driver keeps its own handle for partition failures. Opening it
	// up front also surfaces an unwritable log path before any work.
	sink, err := p.OpenLog()
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	total, err := p.Collection.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", p.Collection.Name(), err)
	}
	if p.Total > 0 && p.Total < total {
		total = p.Total
	}

	ranges, err := partition.Split(total, p.Workers)
	if err != nil {
		return nil, err
	}

	p.Progress.Expect(total)
	p.Logger.Info().
		Str("collection", p.Collection.Name()).
		Uint64("total", total).
		Uint64("workers", p.Workers).
		Int("batch_size", p.BatchSize).
		Msg("starting")

	w := &Worker{
		Collection: p.Collection,
		Recovery:   p.Recovery,
		OpenLog:    p.OpenLog,
		Normalizer: p.Normalizer,
		BatchSize:  p.BatchSize,
		Progress:   p.Progress,
		Logger:     p.Logger,
	}

	summary := &Summary{
		Collection: p.Collection.Name(),
		Workers:    p.Workers,
		Total:      total,
		Started:    time.Now(),
	}
	if _, ok := p.Collection.(*store.DryRunCollection); ok {
		summary.DryRun = true
	}

	// Every window is positioned before any worker can delete a record,
	// since a deletion ahead of a window would shift where it starts.
	windows := make([]Window, len(ranges))
	for i, r := range ranges {
		windows[i] = w.Open(ctx, r)
	}

	results := make([]Result, len(windows))
	var wg sync.WaitGroup
	for i, win := range windows {
		wg.Add(1)
		go func(i int, win Window) {
			defer wg.Done()
			results[i] = w.Process(ctx, win)
		}(i, win)
	}
	wg.Wait()

	for _, res := range results {
		summary.add(res)
		if !res.Failed() {
			continue
		}
		p.Logger.Error().Err(res.Err).Int("partition", res.Range.Index).Msg("partition failed")
		if err := sink.Append("partition "+strconv.Itoa(res.Range.Index), res.Err.Error()); err != nil {
			p.Logger.Error().Err(err).Msg("failed to record partition failure")
		}
	}
	summary.Elapsed = time.Since(summary.Started)

	p.Logger.Info().
		Uint64("seen", summary.Seen).
		Uint64("patched", summary.Patched).
		Uint64("logged", summary.Logged).
		Uint64("recovered", summary.Recovered).
		Ints("failed", summary.Failed).
		Dur("elapsed", summary.Elapsed).
		Msg("finished")
	return summary, nil
}
