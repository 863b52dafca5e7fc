package migrate

import (
	"time"

	"github.com/surrealdb/surrealnormalize/pkg/partition"
	"github.com/surrealdb/surrealnormalize/pkg/progress"
)

// Result is what one worker did with one partition.
type Result struct {
	Range     partition.Range `json:"range"`
	Seen      uint64          `json:"seen"`
	Patched   uint64          `json:"patched"`
	Unchanged uint64          `json:"unchanged"`
	Logged    uint64          `json:"logged"`
	Recovered uint64          `json:"recovered"`
	Elapsed   time.Duration   `json:"elapsed"`
	// Err is the fatal error that stopped the partition, if any. Records
	// already processed stay processed.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Failed reports whether the partition stopped early.
func (r Result) Failed() bool {
	return r.Err != nil
}

func (r Result) counts() progress.Counts {
	return progress.Counts{
		Seen:      r.Seen,
		Patched:   r.Patched,
		Unchanged: r.Unchanged,
		Logged:    r.Logged,
		Recovered: r.Recovered,
	}
}

// Summary aggregates a whole run.
type Summary struct {
	Collection string        `json:"collection"`
	Workers    uint64        `json:"workers"`
	Total      uint64        `json:"total"`
	DryRun     bool          `json:"dry_run,omitempty"`
	Started    time.Time     `json:"started"`
	Elapsed    time.Duration `json:"elapsed"`

	progress.Counts
	Failed     []int    `json:"failed_partitions"`
	Partitions []Result `json:"partitions"`
}

// OK reports whether every partition finished.
func (s *Summary) OK() bool {
	return len(s.Failed) == 0
}

func (s *Summary) add(r Result) {
	s.Seen += r.Seen
	s.Patched += r.Patched
	s.Unchanged += r.Unchanged
	s.Logged += r.Logged
	s.Recovered += r.Recovered
	if r.Failed() {
		s.Failed = append(s.Failed, r.Range.Index)
	}
	s.Partitions = append(s.Partitions, r)
}
