// Package progress aggregates worker progress.
//
// Workers keep their own counters and send deltas as Events. A single
// Aggregator goroutine owns the totals, logs at the workers' cadence and
// updates the Prometheus metrics, so no counter is shared between workers.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a progress delta sent by one partition.
type Event struct {
	Partition int
	Seen      uint64
	Patched   uint64
	Unchanged uint64
	Logged    uint64
	Recovered uint64
	Message   string
	// Done marks the last event of a partition. Err is set if it failed.
	Done bool
	Err  error
}

// Reporter accepts progress events.
type Reporter interface {
	// Expect announces how many records the run will scan.
	Expect(total uint64)
	Report(ev Event)
}

// Discard is a Reporter that drops every event.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Expect(uint64) {}
func (discard) Report(Event)  {}

// Counts holds record counts by outcome.
type Counts struct {
	Seen      uint64 `json:"seen"`
	Patched   uint64 `json:"patched"`
	Unchanged uint64 `json:"unchanged"`
	Logged    uint64 `json:"logged"`
	Recovered uint64 `json:"recovered"`
}

func (c *Counts) add(ev Event) {
	c.Seen += ev.Seen
	c.Patched += ev.Patched
	c.Unchanged += ev.Unchanged
	c.Logged += ev.Logged
	c.Recovered += ev.Recovered
}

// Totals is a snapshot of the aggregated progress.
type Totals struct {
	Counts
	Expected   uint64         `json:"expected"`
	Done       int            `json:"partitions_done"`
	Failed     int            `json:"partitions_failed"`
	Partitions map[int]Counts `json:"partitions"`
	Updated    time.Time      `json:"updated"`
}

func (t Totals) clone() Totals {
	out := t
	out.Partitions = make(map[int]Counts, len(t.Partitions))
	for k, v := range t.Partitions {
		out.Partitions[k] = v
	}
	return out
}

// Aggregator receives Events on a channel and folds them into Totals.
type Aggregator struct {
	events  chan Event
	stopped chan struct{}
	log     zerolog.Logger
	metrics *Metrics

	once   sync.Once
	mu     sync.RWMutex
	totals Totals
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger logs every event at info level (debug for non-final events).
func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.log = l
	}
}

// WithMetrics mirrors every event into m.
func WithMetrics(m *Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithBuffer sets the event channel capacity.
func WithBuffer(n int) Option {
	return func(a *Aggregator) {
		a.events = make(chan Event, n)
	}
}

// NewAggregator starts an aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		events:  make(chan Event, 64),
		stopped: make(chan struct{}),
		log:     zerolog.Nop(),
		totals: Totals{
			Partitions: make(map[int]Counts),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Expect sets the expected record count.
func (a *Aggregator) Expect(total uint64) {
	a.mu.Lock()
	a.totals.Expected = total
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.expected.Set(float64(total))
	}
}

// Report queues ev. It must not be called after Close.
func (a *Aggregator) Report(ev Event) {
	a.events <- ev
}

func (a *Aggregator) run() {
	defer close(a.stopped)
	for ev := range a.events {
		a.apply(ev)
	}
}

func (a *Aggregator) apply(ev Event) {
	a.mu.Lock()
	a.totals.add(ev)
	pc := a.totals.Partitions[ev.Partition]
	pc.add(ev)
	a.totals.Partitions[ev.Partition] = pc
	if ev.Done {
		a.totals.Done++
		if ev.Err != nil {
			a.totals.Failed++
		}
	}
	a.totals.Updated = time.Now()
	seen, expected := a.totals.Seen, a.totals.Expected
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.observe(ev)
	}

	var e *zerolog.Event
	switch {
	case ev.Err != nil:
		e = a.log.Error().Err(ev.Err)
	case ev.Done:
		e = a.log.Info()
	default:
		e = a.log.Debug()
	}
	e.Int("partition", ev.Partition).
		Uint64("partition_seen", pc.Seen).
		Uint64("seen", seen).
		Uint64("expected", expected).
		Str("percent", percent(seen, expected)).
		Msg(ev.Message)
}

// Snapshot returns the current totals.
func (a *Aggregator) Snapshot() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totals.clone()
}

// Close stops accepting events, waits for the queue to drain and returns
// the final totals. Calling it again returns the same totals.
func (a *Aggregator) Close() Totals {
	a.once.Do(func() {
		close(a.events)
	})
	<-a.stopped
	return a.Snapshot()
}

func percent(seen, expected uint64) string {
	if expected == 0 {
		return "100.0%"
	}
	return formatPercent(float64(seen) / float64(expected) * 100)
}
