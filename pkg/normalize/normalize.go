// Package normalize classifies user records and computes the point update
// that brings each one to the current schema.
//
// [Normalizer.Normalize] is pure: it never mutates its input, performs no
// I/O and returns exactly one outcome per record, either a [record.Patch] or
// a [*Error] describing why the record must be logged or relocated instead.
//
// Checks run in a fixed order. The identifier is validated first, then the
// email field, then the per-field gap filling and coercion.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealnormalize/pkg/record"
)

// Rules names the fields the normalizer inspects.
type Rules struct {
	// Checklist fields must exist; missing ones are set to an empty array.
	Checklist []string
	// YearsField holds a list of years stored as strings, integers or
	// floats. It is coerced to a list of float64.
	YearsField string
	// EmailField must be present and non-null.
	EmailField string
	// Unset lists the legacy paths removed from every normalized record.
	Unset []string
}

var legacyTopLevel = []string{
	"password",
	"isGithub",
	"isLinkedIn",
	"isTwitter",
	"isWebsite",
}

var internalBookkeeping = []string{
	"__cachedRelations",
	"__data",
	"__dataSource",
	"__persisted",
	"__strict",
}

var bookkeepingParents = []string{
	"completedChallenges.$",
	"completedChallenges.$.files.$",
	"profileUI.$",
}

// DefaultRules returns the user collection rules.
func DefaultRules() Rules {
	unset := append([]string(nil), legacyTopLevel...)
	for _, parent := range bookkeepingParents {
		for _, f := range internalBookkeeping {
			unset = append(unset, parent+"."+f)
		}
	}
	return Rules{
		Checklist: []string{
			"savedChallenges",
			"badges",
			"partiallyCompletedChallenges",
			"completedChallenges",
			"progressTimestamps",
			"profileUI",
		},
		YearsField: "yearsTopContributor",
		EmailField: "email",
		Unset:      unset,
	}
}

// Normalizer computes patches for records of one collection.
type Normalizer struct {
	keyer record.Keyer
	rules Rules
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithRules replaces DefaultRules.
func WithRules(r Rules) Option {
	return func(n *Normalizer) {
		n.rules = r
	}
}

// WithYearsField overrides only the coerced years field.
func WithYearsField(field string) Option {
	return func(n *Normalizer) {
		if field != "" {
			n.rules.YearsField = field
		}
	}
}

// WithIDGenerator sets the function used to synthesize log identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) {
		n.newID = fn
	}
}

// New returns a Normalizer that resolves identifiers with keyer.
func New(keyer record.Keyer, opts ...Option) *Normalizer {
	n := &Normalizer{
		keyer: keyer,
		rules: DefaultRules(),
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Rules returns a copy of the rules in effect.
func (n *Normalizer) Rules() Rules {
	r := n.rules
	r.Checklist = append([]string(nil), r.Checklist...)
	r.Unset = append([]string(nil), r.Unset...)
	return r
}

// Normalize returns the patch for rec, or a *Error classifying it.
func (n *Normalizer) Normalize(rec record.Record) (record.Patch, error) {
	id, err := n.identify(rec)
	if err != nil {
		return record.Patch{}, err
	}

	if email, ok := rec[n.rules.EmailField]; !ok || email == nil {
		return record.Patch{}, &Error{
			Kind:   NullEmail,
			ID:     id,
			Field:  n.rules.EmailField,
			Reason: "email is null or missing",
			Doc:    rec.Clone(),
		}
	}

	set := make(map[string]any)
	for _, field := range n.rules.Checklist {
		if _, ok := rec[field]; !ok {
			set[field] = []any{}
		}
	}

	if n.rules.YearsField != "" {
		years, changed, yerr := n.coerceYears(rec)
		if yerr != nil {
			yerr.ID = id
			return record.Patch{}, yerr
		}
		if changed {
			set[n.rules.YearsField] = years
		}
	}

	return record.Patch{
		Set:   set,
		Unset: append([]string(nil), n.rules.Unset...),
	}, nil
}

func (n *Normalizer) identify(rec record.Record) (record.ID, error) {
	field := n.keyer.IDField()
	raw, ok := rec[field]
	if !ok || raw == nil {
		return record.ID{}, n.unidentified(rec, "record has no identifier")
	}

	id, err := n.keyer.Key(raw)
	switch {
	case err == nil && !id.IsZero():
		return id, nil
	case errors.Is(err, record.ErrAmbiguousID):
		return record.ID{}, &Error{
			Kind:   ConfusedID,
			Field:  field,
			Reason: err.Error(),
			Doc:    rec.Clone(),
		}
	case err == nil:
		return record.ID{}, n.unidentified(rec, "identifier resolved to an empty key")
	default:
		return record.ID{}, n.unidentified(rec, err.Error())
	}
}

func (n *Normalizer) unidentified(rec record.Record, reason string) *Error {
	synth := n.newID()
	return &Error{
		Kind:        UnhandledType,
		ID:          record.ID{Key: synth, Text: synth},
		Synthesized: true,
		Field:       n.keyer.IDField(),
		Reason:      reason,
		Doc:         rec.Clone(),
	}
}

// coerceYears returns the canonical years list and whether it differs from
// the stored value.
func (n *Normalizer) coerceYears(rec record.Record) ([]any, bool, *Error) {
	field := n.rules.YearsField
	raw, ok := rec[field]
	if !ok || raw == nil {
		return []any{}, true, nil
	}

	elems, ok := raw.([]any)
	if !ok {
		return nil, false, n.unhandledField(field, raw, fmt.Sprintf("expected an array, got %s", typeName(raw)))
	}

	out := make([]any, 0, len(elems))
	changed := false
	for i, elem := range elems {
		f, err := toFloat(elem)
		if err != nil {
			return nil, false, n.unhandledField(field, raw, fmt.Sprintf("element %d: %v", i, err))
		}
		if _, isFloat := elem.(float64); !isFloat {
			changed = true
		}
		out = append(out, f)
	}
	return out, changed, nil
}

func (n *Normalizer) unhandledField(field string, raw any, reason string) *Error {
	return &Error{
		Kind:   UnhandledType,
		Field:  field,
		Reason: reason,
		Doc:    record.Record{field: record.CloneValue(raw)},
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("cannot parse %q as a number", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %s", typeName(v))
	}
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}
