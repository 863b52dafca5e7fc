package normalize_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealnormalize/pkg/normalize"
	"github.com/surrealdb/surrealnormalize/pkg/record"
)

func newNormalizer(opts ...normalize.Option) *normalize.Normalizer {
	opts = append([]normalize.Option{
		normalize.WithIDGenerator(func() string { return "synthetic-id" }),
	}, opts...)
	return normalize.New(record.StringKeyer{}, opts...)
}

func completeUser() record.Record {
	return record.Record{
		"_id":                          "u1",
		"email":                        "ada@example.com",
		"username":                     "ada",
		"savedChallenges":              []any{},
		"badges":                       []any{map[string]any{"name": "b"}},
		"partiallyCompletedChallenges": []any{},
		"completedChallenges":          []any{map[string]any{"id": "c1"}},
		"progressTimestamps":           []any{int64(1)},
		"profileUI":                    map[string]any{"isLocked": false},
		"yearsTopContributor":          []any{2019.0},
	}
}

func asError(t *testing.T, err error) *normalize.Error {
	t.Helper()
	var nerr *normalize.Error
	require.True(t, errors.As(err, &nerr), "expected *normalize.Error, got %v", err)
	return nerr
}

func TestNormalize_FillsMissingChecklistFields(t *testing.T) {
	n := newNormalizer()
	rec := record.Record{"_id": "u1", "email": "a@b.c"}

	patch, err := n.Normalize(rec)
	require.NoError(t, err)

	for _, field := range normalize.DefaultRules().Checklist {
		assert.Equal(t, []any{}, patch.Set[field], field)
	}
	assert.Equal(t, []any{}, patch.Set["yearsTopContributor"])
	assert.Equal(t, record.Record{"_id": "u1", "email": "a@b.c"}, rec, "input must not be mutated")
}

func TestNormalize_GapFillingIsIdempotent(t *testing.T) {
	n := newNormalizer()
	rec := completeUser()

	patch, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.Empty(t, patch.Set)

	assert.Equal(t, rec, patch.Apply(rec))

	again, err := n.Normalize(patch.Apply(rec))
	require.NoError(t, err)
	assert.Empty(t, again.Set)
}

func TestNormalize_NumericCoercion(t *testing.T) {
	n := newNormalizer(normalize.WithYearsField("yearsActive"))

	t.Run("MixedRepresentations", func(t *testing.T) {
		rec := completeUser()
		rec["yearsActive"] = []any{"2020", int32(2021), 2022.5, int64(2023)}

		patch, err := n.Normalize(rec)
		require.NoError(t, err)
		assert.Equal(t, []any{2020.0, 2021.0, 2022.5, 2023.0}, patch.Set["yearsActive"])
	})

	t.Run("LegacyUser", func(t *testing.T) {
		rec := completeUser()
		rec["yearsActive"] = []any{"2020", 2021, 2022.5}

		patch, err := n.Normalize(rec)
		require.NoError(t, err)
		assert.Equal(t, []any{2020.0, 2021.0, 2022.5}, patch.Set["yearsActive"])
	})

	t.Run("NullBecomesEmpty", func(t *testing.T) {
		rec := completeUser()
		rec["yearsActive"] = nil

		patch, err := n.Normalize(rec)
		require.NoError(t, err)
		assert.Equal(t, []any{}, patch.Set["yearsActive"])
	})

	t.Run("CanonicalIsNotRewritten", func(t *testing.T) {
		rec := completeUser()
		rec["yearsActive"] = []any{2020.0}

		patch, err := n.Normalize(rec)
		require.NoError(t, err)
		assert.NotContains(t, patch.Set, "yearsActive")
	})

	unhandled := map[string]any{
		"ScalarString":   "oops",
		"BoolElement":    []any{true},
		"BadString":      []any{"2020", "twenty"},
		"NestedDocument": []any{map[string]any{"y": 2020}},
		"NaN":            []any{"NaN"},
		"Document":       map[string]any{"y": 1},
	}
	for name, value := range unhandled {
		t.Run(name, func(t *testing.T) {
			rec := completeUser()
			rec["yearsActive"] = value

			_, err := n.Normalize(rec)
			nerr := asError(t, err)
			assert.Equal(t, normalize.UnhandledType, nerr.Kind)
			assert.Equal(t, "u1", nerr.ID.String())
			assert.False(t, nerr.Synthesized)
			assert.Equal(t, record.Record{"yearsActive": value}, nerr.Doc)
			assert.Equal(t, normalize.ActionLog, nerr.Kind.Action())
		})
	}
}

func TestNormalize_NullEmail(t *testing.T) {
	n := newNormalizer()

	for name, mutate := range map[string]func(record.Record){
		"Null":    func(r record.Record) { r["email"] = nil },
		"Missing": func(r record.Record) { delete(r, "email") },
	} {
		t.Run(name, func(t *testing.T) {
			rec := completeUser()
			mutate(rec)

			_, err := n.Normalize(rec)
			nerr := asError(t, err)
			assert.Equal(t, normalize.NullEmail, nerr.Kind)
			assert.Equal(t, normalize.ActionRelocate, nerr.Kind.Action())
			assert.Equal(t, "u1", nerr.ID.String())
			assert.Equal(t, rec, nerr.Doc)
		})
	}

	t.Run("TakesPrecedenceOverFieldErrors", func(t *testing.T) {
		rec := completeUser()
		rec["email"] = nil
		rec["yearsTopContributor"] = "oops"

		_, err := n.Normalize(rec)
		assert.Equal(t, normalize.NullEmail, asError(t, err).Kind)
	})
}

func TestNormalize_Identifier(t *testing.T) {
	n := newNormalizer()

	t.Run("MissingIsUnhandledWithSyntheticID", func(t *testing.T) {
		rec := completeUser()
		delete(rec, "_id")
		rec["email"] = nil

		_, err := n.Normalize(rec)
		nerr := asError(t, err)
		assert.Equal(t, normalize.UnhandledType, nerr.Kind)
		assert.True(t, nerr.Synthesized)
		assert.Equal(t, "synthetic-id", nerr.LogID())
		assert.Equal(t, rec, nerr.Doc)
	})

	t.Run("MalformedIsUnhandled", func(t *testing.T) {
		rec := completeUser()
		rec["_id"] = map[string]any{"oid": "x"}

		_, err := n.Normalize(rec)
		nerr := asError(t, err)
		assert.Equal(t, normalize.UnhandledType, nerr.Kind)
		assert.True(t, nerr.Synthesized)
	})

	t.Run("AmbiguousIsConfused", func(t *testing.T) {
		rec := completeUser()
		rec["_id"] = int64(12)

		_, err := n.Normalize(rec)
		nerr := asError(t, err)
		assert.Equal(t, normalize.ConfusedID, nerr.Kind)
		assert.Equal(t, normalize.ConfusedIDMarker, nerr.LogID())
		assert.Equal(t, rec, nerr.Doc)
	})
}

func TestNormalize_StripsLegacyFields(t *testing.T) {
	n := newNormalizer()
	rec := completeUser()
	rec["password"] = "hash"
	rec["isGithub"] = true
	rec["isWebsite"] = false
	rec["completedChallenges"] = []any{
		map[string]any{
			"id":     "c1",
			"__data": map[string]any{"id": "c1"},
			"files": []any{
				map[string]any{"name": "index", "__persisted": true},
			},
		},
	}
	rec["profileUI"] = []any{map[string]any{"showAbout": true, "__strict": false}}

	patch, err := n.Normalize(rec)
	require.NoError(t, err)

	got := patch.Apply(rec)
	assert.NotContains(t, got, "password")
	assert.NotContains(t, got, "isGithub")
	assert.NotContains(t, got, "isWebsite")
	assert.Equal(t, []any{
		map[string]any{
			"id":    "c1",
			"files": []any{map[string]any{"name": "index"}},
		},
	}, got["completedChallenges"])
	assert.Equal(t, []any{map[string]any{"showAbout": true}}, got["profileUI"])

	for _, field := range []string{"_id", "email", "username", "badges", "progressTimestamps"} {
		assert.Equal(t, rec[field], got[field], field)
	}
	assert.Contains(t, rec, "password", "input must not be mutated")
}

func TestNormalize_PatchesAreIndependent(t *testing.T) {
	n := newNormalizer()

	p1, err := n.Normalize(record.Record{"_id": "a", "email": "x"})
	require.NoError(t, err)
	p1.Unset[0] = "clobbered"
	p1.Set["badges"] = "clobbered"

	p2, err := n.Normalize(record.Record{"_id": "b", "email": "y"})
	require.NoError(t, err)
	assert.Equal(t, "password", p2.Unset[0])
	assert.Equal(t, []any{}, p2.Set["badges"])
}

func TestNormalize_IsDeterministic(t *testing.T) {
	n := newNormalizer()
	rec := record.Record{"_id": "u1", "email": "e", "yearsTopContributor": []any{"2017"}}

	p1, err1 := n.Normalize(rec)
	p2, err2 := n.Normalize(rec)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, p1, p2)
}

func TestError_Error(t *testing.T) {
	err := &normalize.Error{
		Kind:   normalize.UnhandledType,
		ID:     record.ID{Key: "u1", Text: "u1"},
		Field:  "yearsTopContributor",
		Reason: "element 0: unsupported type bool",
		Doc:    record.Record{"yearsTopContributor": []any{true, "x\ny"}},
	}
	assert.Equal(t,
		`UnhandledType in "yearsTopContributor": element 0: unsupported type bool: {"yearsTopContributor": [true, "x\ny"]}`,
		err.Error())
	assert.Equal(t, "u1", err.LogID())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "UnhandledType", normalize.UnhandledType.String())
	assert.Equal(t, "ConfusedId", normalize.ConfusedID.String())
	assert.Equal(t, "NullEmail", normalize.NullEmail.String())
	assert.Equal(t, "Kind(9)", normalize.Kind(9).String())
}
