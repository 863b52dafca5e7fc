// Package archive is a file-backed recovery store.
//
// Relocated records are appended to a CBOR stream that starts with a magic
// header, the same way a table dump is written. The file can be inspected
// or replayed later with ReadAll.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/surrealdb/surrealnormalize/pkg/record"
	"github.com/surrealdb/surrealnormalize/pkg/store"
)

// Format is the magic header of an archive file.
const Format = "SURNRM01"

const permission = 0664

// ErrBadFormat is returned when a file does not start with Format.
var ErrBadFormat = errors.New("not a recovery archive")

// Entry is one archived record.
type Entry struct {
	Collection string         `cbor:"collection"`
	Recovered  time.Time      `cbor:"recovered"`
	Data       map[string]any `cbor:"data"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Writer appends records to an archive file. It is safe for concurrent
// use.
type Writer struct {
	collection string

	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	count  uint64
	closed bool
}

var _ store.Recovery = (*Writer)(nil)

// Create opens path for appending, writing the header if the file is new.
// collection is recorded in every entry.
func Create(path, collection string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, permission)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.Write([]byte(Format)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write magic header: %w", err)
		}
	} else if err := checkHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{
		collection: collection,
		file:       f,
		enc:        encMode.NewEncoder(f),
	}, nil
}

func checkHeader(r io.ReaderAt) error {
	header := make([]byte, len(Format))
	if _, err := r.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if string(header) != Format {
		return ErrBadFormat
	}
	return nil
}

// Insert appends rec. Archived records are never rejected as duplicates;
// replaying the archive is expected to skip identifiers already present.
func (w *Writer) Insert(ctx context.Context, rec record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := Entry{
		Collection: w.collection,
		Recovered:  time.Now().UTC(),
		Data:       rec,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("archive is closed")
	}
	if err := w.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	w.count++
	return nil
}

// Count returns how many records this writer has appended.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Read decodes every entry of an archive stream.
func Read(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(Format))
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if string(header) != Format {
		return nil, ErrBadFormat
	}

	var entries []Entry
	dec := decMode.NewDecoder(br)
	for {
		var e Entry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("failed to decode entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// ReadAll decodes every entry of the archive at path.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Records returns the archived records of entries.
func Records(entries []Entry) []record.Record {
	out := make([]record.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, record.Record(e.Data))
	}
	return out
}
