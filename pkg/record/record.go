// Package record defines the document model shared by the normalizer, the
// worker loop and the store backends.
//
// A [Record] is an open key/value document as decoded by a backend. Its
// identifier is stored under the backend's identifier field and resolved into
// an addressable [ID] by a [Keyer].
package record

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrMalformedID is returned by a Keyer for identifier values it cannot
	// address at all (wrong type, empty key part).
	ErrMalformedID = errors.New("malformed identifier")

	// ErrAmbiguousID is returned by a Keyer for identifier values that are
	// present but could denote more than one record.
	ErrAmbiguousID = errors.New("ambiguous identifier")
)

// Record is one document of the collection being migrated.
type Record map[string]any

// ID addresses a single record in its store.
type ID struct {
	// Key is the store-native identifier value used in filters.
	Key any
	// Text is the representation written to logs.
	Text string
}

func (id ID) String() string {
	if id.Text != "" {
		return id.Text
	}
	return fmt.Sprintf("%v", id.Key)
}

// IsZero reports whether the ID has no key.
func (id ID) IsZero() bool {
	return id.Key == nil
}

// Keyer resolves the raw identifier value of a record into an ID.
type Keyer interface {
	// IDField is the name of the field holding the identifier.
	IDField() string
	// Key returns ErrMalformedID or ErrAmbiguousID (possibly wrapped) when
	// the value cannot be used to address exactly one record.
	Key(v any) (ID, error)
}

// StringKeyer addresses records by non-blank string identifiers.
// Integers are rejected as ambiguous since stores that key by string
// would treat 42 and "42" as different records.
type StringKeyer struct {
	Field string
}

var _ Keyer = StringKeyer{}

func (k StringKeyer) IDField() string {
	if k.Field == "" {
		return "_id"
	}
	return k.Field
}

func (k StringKeyer) Key(v any) (ID, error) {
	switch id := v.(type) {
	case string:
		if strings.TrimSpace(id) == "" {
			return ID{}, fmt.Errorf("%w: blank string", ErrAmbiguousID)
		}
		if strings.TrimSpace(id) != id {
			return ID{}, fmt.Errorf("%w: %q has surrounding whitespace", ErrAmbiguousID, id)
		}
		return ID{Key: id, Text: id}, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return ID{}, fmt.Errorf("%w: numeric identifier %v", ErrAmbiguousID, id)
	case float32:
		return k.floatKey(float64(id))
	case float64:
		return k.floatKey(id)
	case nil:
		return ID{}, fmt.Errorf("%w: null", ErrMalformedID)
	default:
		return ID{}, fmt.Errorf("%w: unsupported type %T", ErrMalformedID, v)
	}
}

// floatKey treats integral floats like integers, since JSON stores without
// an integer type hand back 7 as 7.0.
func (k StringKeyer) floatKey(f float64) (ID, error) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return ID{}, fmt.Errorf("%w: numeric identifier %v", ErrAmbiguousID, f)
	}
	return ID{}, fmt.Errorf("%w: unsupported type float64", ErrMalformedID)
}

// Clone returns a deep copy of the record. Maps and slices are copied
// recursively; other values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneMap(r)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices found in v.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Record:
		return Record(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	case time.Time:
		return t
	default:
		return v
	}
}

// Lookup returns the value at field and whether the field exists.
// A field explicitly set to null exists with a nil value.
func (r Record) Lookup(field string) (any, bool) {
	v, ok := r[field]
	return v, ok
}
