// Package mquery holds the document query tree shared by the stores, the DDFQL
// normalizers and the validator. Filters use the mongo operator vocabulary:
//
//	{"$and": [{"domain": "<originId>"}, {"properties.is--country": true}]}
package mquery

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// Filter is a query tree over documents.
type Filter map[string]any

// Document is a stored record in its generic form.
type Document = map[string]any

// Logical and comparison operators understood by the matcher and the SQL compiler.
const (
	OpAnd    = "$and"
	OpOr     = "$or"
	OpNor    = "$nor"
	OpNot    = "$not"
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpGt     = "$gt"
	OpGte    = "$gte"
	OpLt     = "$lt"
	OpLte    = "$lte"
	OpIn     = "$in"
	OpNin    = "$nin"
	OpExists = "$exists"
	OpAll    = "$all"
	OpSize   = "$size"
)

var logicalOperators = map[string]bool{OpAnd: true, OpOr: true, OpNor: true}

var fieldOperators = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpExists: true, OpNot: true, OpAll: true, OpSize: true,
}

// IsOperator reports whether key names an operator rather than a field.
func IsOperator(key string) bool {
	return strings.HasPrefix(key, "$")
}

// And combines non-empty filters. A single filter is returned unwrapped.
func And(filters ...Filter) Filter {
	parts := make([]any, 0, len(filters))
	for _, f := range filters {
		if len(f) == 0 {
			continue
		}
		parts = append(parts, f)
	}
	switch len(parts) {
	case 0:
		return Filter{}
	case 1:
		return parts[0].(Filter)
	default:
		return Filter{OpAnd: parts}
	}
}

// Eq builds {field: value}.
func Eq(field string, value any) Filter {
	return Filter{field: value}
}

// In builds {field: {$in: values}}.
func In[T any](field string, values []T) Filter {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	return Filter{field: map[string]any{OpIn: list}}
}

// Clone deep-copies a filter through its JSON form so that normalizers can
// rewrite it without touching the caller's query.
func Clone(f Filter) Filter {
	if f == nil {
		return nil
	}
	return Normalize(f).(map[string]any)
}

// Normalize converts arbitrary Go values into the JSON-shaped vocabulary used by
// documents: map[string]any, []any, float64, string, bool and nil.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Filter:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case string, bool, float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case json.Marshaler:
		raw, err := t.MarshalJSON()
		if err != nil {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil
		}
		return decoded
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Convert(reflect.TypeOf(float64(0))).Float())
	case reflect.String:
		return rv.String()
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

// SortedKeys returns the keys of a filter level in a stable order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Walk visits every field condition of the tree, passing the field path and its
// condition. Logical operators are descended into.
func Walk(f Filter, visit func(field string, cond any)) {
	walk(map[string]any(f), visit)
}

func walk(m map[string]any, visit func(field string, cond any)) {
	for _, key := range SortedKeys(m) {
		value := m[key]
		if logicalOperators[key] {
			if list, ok := value.([]any); ok {
				for _, item := range list {
					if sub, ok := asMap(item); ok {
						walk(sub, visit)
					}
				}
			}
			continue
		}
		visit(key, value)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Filter:
		return map[string]any(t), true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
