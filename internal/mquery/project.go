package mquery

import (
	"sort"
	"strings"

	"github.com/mohae/deepcopy"
)

// SortField orders documents by one path.
type SortField struct {
	Field      string
	Descending bool
}

// Project returns a copy of doc restricted to the given paths. System fields
// needed to identify a version are always kept. An empty projection keeps
// everything.
func Project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return deepcopy.Copy(doc).(Document)
	}
	out := Document{}
	for _, keep := range []string{"_id", "originId", "from", "to"} {
		if v, ok := doc[keep]; ok {
			out[keep] = v
		}
	}
	for _, field := range fields {
		v, ok := Get(doc, field)
		if !ok {
			continue
		}
		Set(out, field, deepcopy.Copy(v))
	}
	return out
}

// Set writes value at a dotted path, creating missing parent objects.
func Set(doc Document, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Unset deletes the value at a dotted path. Missing parents are ignored.
func Unset(doc Document, path string) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

// Sort orders documents in place. Missing values sort first, like nulls in mongo.
func Sort(docs []Document, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, _ := Get(docs[i], f.Field)
			b, _ := Get(docs[j], f.Field)
			c := CompareValues(a, b)
			if c == 0 {
				continue
			}
			if f.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// CompareValues orders arbitrary document values: null < numbers < strings < bools,
// the same bracket order used when sorting result rows.
func CompareValues(a, b any) int {
	if c, ok := compare(a, b); ok {
		return c
	}
	ra, rb := typeRank(Normalize(a)), typeRank(Normalize(b))
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	case map[string]any:
		return 4
	case []any:
		return 5
	}
	return 6
}
