package surrealdb

import (
	"regexp"
	"strings"

	"github.com/surrealdb/surrealnormalize/pkg/record"
)

// notFoundMarker is thrown by the update transaction when the record is
// missing, so that UPDATE never creates it.
const notFoundMarker = "surrealnormalize: record not found"

const (
	countQuery = "SELECT count() AS count FROM type::table($table) GROUP ALL"

	firstPageQuery = "SELECT * FROM type::table($table) ORDER BY id LIMIT $limit START $start"

	nextPageQuery = "SELECT * FROM type::table($table) WHERE id > $last ORDER BY id LIMIT $limit"

	deleteQuery = "DELETE $id RETURN BEFORE"

	createQuery = "CREATE ONLY $id CONTENT $data"

	createInTableQuery = "CREATE ONLY type::table($table) CONTENT $data"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// renderPath turns a dotted patch path into a SurrealQL idiom. A "$"
// segment selects every element of the array before it.
func renderPath(path string) string {
	var b strings.Builder
	for i, seg := range record.SplitPath(path) {
		if seg == record.Each {
			b.WriteString("[*]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(renderIdent(seg))
	}
	return b.String()
}

func renderIdent(name string) string {
	if identPattern.MatchString(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// updateQuery builds the transaction applying p to the record bound to $id.
// The set values are bound to $set.
func updateQuery(p record.Patch) (string, map[string]any) {
	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	b.WriteString("IF (SELECT VALUE id FROM ONLY $id) = NONE { THROW \"" + notFoundMarker + "\" };\n")

	vars := map[string]any{}
	if len(p.Set) > 0 {
		b.WriteString("UPDATE $id MERGE $set;\n")
		vars["set"] = p.Set
	}
	if len(p.Unset) > 0 {
		paths := make([]string, 0, len(p.Unset))
		for _, u := range p.Unset {
			paths = append(paths, renderPath(u))
		}
		b.WriteString("UPDATE $id UNSET ")
		b.WriteString(strings.Join(paths, ", "))
		b.WriteString(";\n")
	}
	b.WriteString("COMMIT TRANSACTION;")
	return b.String(), vars
}
