package mongodb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/surrealdb/surrealnormalize/pkg/record"
	"go.mongodb.org/mongo-driver/bson"
)

// arrayUpdate unsets paths below array elements. It only applies to
// documents where every array on the way exists, which guard and filters
// enforce; MongoDB rejects $[] on a missing or non-array field.
type arrayUpdate struct {
	guard   string
	unset   []string
	filters []any
}

// plainUpdate returns the update document for the paths without
// wildcards, or nil if there are none.
func plainUpdate(p record.Patch) bson.M {
	plain, _ := p.SplitUnset()
	update := bson.M{}
	if len(p.Set) > 0 {
		set := bson.M{}
		for k, v := range p.Set {
			set[k] = v
		}
		update["$set"] = set
	}
	if len(plain) > 0 {
		unset := bson.M{}
		for _, path := range plain {
			unset[path] = ""
		}
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return nil
	}
	return update
}

// arrayUpdates groups the wildcard paths of p by the arrays they traverse,
// so that paths sharing a shape share one update.
func arrayUpdates(p record.Patch) []arrayUpdate {
	_, wildcard := p.SplitUnset()
	byShape := map[string]*arrayUpdate{}
	var shapes []string
	for _, path := range wildcard {
		updatePath, guard, filters := positionalPath(path)
		shape := guard + "|" + fmt.Sprint(filters)
		u, ok := byShape[shape]
		if !ok {
			u = &arrayUpdate{guard: guard, filters: filters}
			byShape[shape] = u
			shapes = append(shapes, shape)
		}
		u.unset = append(u.unset, updatePath)
	}
	sort.Strings(shapes)
	out := make([]arrayUpdate, 0, len(shapes))
	for _, shape := range shapes {
		out = append(out, *byShape[shape])
	}
	return out
}

// positionalPath rewrites a dotted path with "$" segments into MongoDB
// positional syntax. The last wildcard becomes $[]; earlier ones become
// filtered identifiers that only match elements holding the next array.
// guard is the field that must be an array at the top level.
func positionalPath(path string) (updatePath, guard string, filters []any) {
	segs := record.SplitPath(path)
	var wildcards []int
	for i, seg := range segs {
		if seg == record.Each {
			wildcards = append(wildcards, i)
		}
	}
	if len(wildcards) == 0 {
		return path, "", nil
	}
	guard = strings.Join(segs[:wildcards[0]], ".")

	out := make([]string, 0, len(segs))
	for i, seg := range segs {
		if seg != record.Each {
			out = append(out, seg)
			continue
		}
		n := indexOf(wildcards, i)
		if n == len(wildcards)-1 {
			out = append(out, "$[]")
			continue
		}
		ident := fmt.Sprintf("e%d", n)
		out = append(out, "$["+ident+"]")
		next := strings.Join(segs[i+1:wildcards[n+1]], ".")
		filters = append(filters, bson.M{ident + "." + next: bson.M{"$type": "array"}})
	}
	return strings.Join(out, "."), guard, filters
}

func indexOf(xs []int, x int) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}
