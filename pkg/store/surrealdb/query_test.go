package surrealdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealnormalize/pkg/record"
)

func TestRenderPath(t *testing.T) {
	cases := map[string]string{
		"password":                               "password",
		"completedChallenges.$.__data":           "completedChallenges[*].__data",
		"completedChallenges.$.files.$.__strict": "completedChallenges[*].files[*].__strict",
		"profile ui.$.x":                         "`profile ui`[*].x",
	}
	for in, want := range cases {
		assert.Equal(t, want, renderPath(in), in)
	}
}

func TestUpdateQuery(t *testing.T) {
	query, vars := updateQuery(record.Patch{
		Set:   map[string]any{"badges": []any{}},
		Unset: []string{"password", "profileUI.$.__data"},
	})
	assert.Equal(t, `BEGIN TRANSACTION;
IF (SELECT VALUE id FROM ONLY $id) = NONE { THROW "surrealnormalize: record not found" };
UPDATE $id MERGE $set;
UPDATE $id UNSET password, profileUI[*].__data;
COMMIT TRANSACTION;`, query)
	assert.Equal(t, map[string]any{"set": map[string]any{"badges": []any{}}}, vars)

	query, vars = updateQuery(record.Patch{Unset: []string{"isGithub"}})
	assert.NotContains(t, query, "MERGE")
	assert.Empty(t, vars)
}

func TestCollection_Key(t *testing.T) {
	c := New(nil, "user")

	id, err := c.Key(models.NewRecordID("user", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "user:abc", id.String())

	rid := models.NewRecordID("user", int64(7))
	id, err = c.Key(&rid)
	require.NoError(t, err)
	assert.Equal(t, "user:7", id.String())

	_, err = c.Key(models.NewRecordID("admin", "abc"))
	assert.ErrorIs(t, err, record.ErrAmbiguousID)

	_, err = c.Key("user:abc")
	assert.ErrorIs(t, err, record.ErrAmbiguousID)

	_, err = c.Key(models.RecordID{Table: "user"})
	assert.ErrorIs(t, err, record.ErrMalformedID)

	var nilRID *models.RecordID
	_, err = c.Key(nilRID)
	assert.ErrorIs(t, err, record.ErrMalformedID)

	_, err = c.Key(3.5)
	assert.ErrorIs(t, err, record.ErrMalformedID)
}

func TestSourceKey(t *testing.T) {
	key, ok := sourceKey(models.NewRecordID("user", "abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", key)

	_, ok = sourceKey("abc")
	assert.False(t, ok)
}
