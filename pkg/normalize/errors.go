package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/surrealdb/surrealnormalize/pkg/record"
)

// Kind classifies why a record could not be normalized in place.
type Kind int

const (
	// UnhandledType means the record, or one of its fields, holds a value
	// the normalizer cannot coerce, or the record has no usable identifier.
	UnhandledType Kind = iota + 1
	// ConfusedID means the identifier is present but cannot safely address
	// a single record.
	ConfusedID
	// NullEmail means the email field is null or missing.
	NullEmail
)

// ConfusedIDMarker replaces the identifier in log lines for ConfusedID
// records, since their identifier is exactly what cannot be trusted.
const ConfusedIDMarker = "Confused ID"

func (k Kind) String() string {
	switch k {
	case UnhandledType:
		return "UnhandledType"
	case ConfusedID:
		return "ConfusedId"
	case NullEmail:
		return "NullEmail"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Action is what the worker does with a record of a given Kind.
type Action int

const (
	// ActionLog writes one line to the error log and leaves the record in place.
	ActionLog Action = iota + 1
	// ActionRelocate moves the record to the recovery store.
	ActionRelocate
)

// Action returns the recovery action implied by the kind.
func (k Kind) Action() Action {
	if k == NullEmail {
		return ActionRelocate
	}
	return ActionLog
}

// Error is a record classification. It is always returned as a value from
// Normalize and never panics out of it.
type Error struct {
	Kind Kind
	// ID is the record identifier. For UnhandledType records without a
	// usable identifier it is synthesized and only valid for logging.
	ID record.ID
	// Synthesized is true when ID was generated rather than read.
	Synthesized bool
	// Field names the offending field, if any.
	Field string
	// Reason is a short human description.
	Reason string
	// Doc is the offending sub-document for UnhandledType on a field, or
	// the raw record otherwise. It is a copy owned by the error.
	Doc record.Record
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Field != "" {
		fmt.Fprintf(&b, " in %q", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Doc != nil {
		b.WriteString(": ")
		b.WriteString(FormatDoc(e.Doc))
	}
	return b.String()
}

// LogID returns the identifier column of the error log line.
func (e *Error) LogID() string {
	if e.Kind == ConfusedID || e.ID.IsZero() {
		return ConfusedIDMarker
	}
	return e.ID.String()
}

// FormatDoc renders a document on a single line with keys sorted.
func FormatDoc(doc record.Record) string {
	var b strings.Builder
	writeValue(&b, map[string]any(doc))
	return b.String()
}

func writeValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%q: ", k)
			writeValue(b, t[k])
		}
		b.WriteByte('}')
	case record.Record:
		writeValue(b, map[string]any(t))
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			writeValue(b, e)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "%q", t)
	case nil:
		b.WriteString("null")
	default:
		s := fmt.Sprintf("%v", t)
		b.WriteString(strings.ReplaceAll(s, "\n", `\n`))
	}
}
