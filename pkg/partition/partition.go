// Package partition divides a collection into disjoint, contiguous windows
// of its scan order, one per worker.
package partition

import (
	"errors"
	"fmt"
)

// MaxWorkers bounds the worker count. Each worker holds its own cursor and
// error log handle.
const MaxWorkers = 1024

var (
	// ErrZeroWorkers is returned when asked to split work among zero workers.
	ErrZeroWorkers = errors.New("worker count must be at least 1")
	// ErrTooManyWorkers is returned for worker counts above MaxWorkers.
	ErrTooManyWorkers = fmt.Errorf("worker count must be at most %d", MaxWorkers)
)

// CheckWorkers reports whether workers is a usable worker count.
func CheckWorkers(workers uint64) error {
	switch {
	case workers == 0:
		return ErrZeroWorkers
	case workers > MaxWorkers:
		return fmt.Errorf("%w, got %d", ErrTooManyWorkers, workers)
	}
	return nil
}

// Range is the window [Offset, Offset+Limit) of the collection's scan order.
type Range struct {
	Index  int    `json:"index"`
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

// End returns the exclusive upper bound of the range.
func (r Range) End() uint64 {
	return r.Offset + r.Limit
}

// Contains reports whether position pos falls inside the range.
func (r Range) Contains(pos uint64) bool {
	return pos >= r.Offset && pos < r.End()
}

// IsEmpty reports whether the range covers no records.
func (r Range) IsEmpty() bool {
	return r.Limit == 0
}

func (r Range) String() string {
	return fmt.Sprintf("#%d [%d, %d)", r.Index, r.Offset, r.End())
}

// Split returns exactly workers ranges covering [0, total) once. Every range
// has total/workers records except the last one, which also takes the
// remainder. When total < workers the leading ranges are empty.
//
// The ranges only make sense if the collection is scanned in an order that
// stays fixed for the whole run.
func Split(total, workers uint64) ([]Range, error) {
	if err := CheckWorkers(workers); err != nil {
		return nil, err
	}

	per := total / workers
	ranges := make([]Range, workers)
	for i := uint64(0); i < workers; i++ {
		ranges[i] = Range{
			Index:  int(i),
			Offset: i * per,
			Limit:  per,
		}
	}
	ranges[workers-1].Limit += total % workers
	return ranges, nil
}
