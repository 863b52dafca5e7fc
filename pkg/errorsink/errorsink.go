// Package errorsink writes the migration error log: one "<id>: <message>"
// line per record that was left in place, plus one line per partition that
// failed.
//
// Several handles on the same file may be open at once, one per worker.
// Every line goes out in a single write on an O_APPEND descriptor wrapped in
// zerolog.SyncWriter, so lines from different handles never interleave.
package errorsink

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const permission = 0664

// Sink is an append-only line log.
type Sink struct {
	writer io.Writer
	file   *os.File

	mu     sync.Mutex
	lines  uint64
	closed bool
}

// Opener opens a new handle on the error log.
type Opener func() (*Sink, error)

// Open opens path for appending, creating it if needed.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	return &Sink{writer: zerolog.SyncWriter(f), file: f}, nil
}

// FileOpener returns an Opener for path.
func FileOpener(path string) Opener {
	return func() (*Sink, error) {
		return Open(path)
	}
}

// New returns a Sink writing to w. Close does not close w.
func New(w io.Writer) *Sink {
	return &Sink{writer: zerolog.SyncWriter(w)}
}

// WriterOpener returns an Opener whose handles all share w.
func WriterOpener(w io.Writer) Opener {
	shared := zerolog.SyncWriter(w)
	return func() (*Sink, error) {
		return &Sink{writer: shared}, nil
	}
}

// Append writes "<id>: <message>\n". Line breaks inside message are escaped
// so that each entry stays on one line.
func (s *Sink) Append(id, message string) error {
	line := FormatLine(id, message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("error log is closed")
	}
	if _, err := io.WriteString(s.writer, line); err != nil {
		return fmt.Errorf("failed to append to error log: %w", err)
	}
	s.lines++
	return nil
}

// Lines returns how many lines this handle has written.
func (s *Sink) Lines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Close releases the handle. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// FormatLine renders one log line, trailing newline included.
func FormatLine(id, message string) string {
	return lineEscaper.Replace(id) + ": " + lineEscaper.Replace(message) + "\n"
}
