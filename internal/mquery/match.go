package mquery

import (
	"reflect"
	"strings"

	"github.com/rpattn/ddfstore/internal/errors"
)

// Match evaluates the filter against a document using mongo semantics: dotted
// paths descend into objects and fan out over arrays, an equality against an
// array field matches when any element is equal.
func Match(doc Document, f Filter) (bool, error) {
	return matchLevel(doc, map[string]any(f))
}

func matchLevel(doc Document, level map[string]any) (bool, error) {
	for _, key := range SortedKeys(level) {
		cond := level[key]
		ok, err := matchEntry(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchEntry(doc Document, key string, cond any) (bool, error) {
	switch key {
	case OpAnd, OpOr, OpNor:
		list, ok := asList(cond)
		if !ok {
			return false, errors.Invalidf("%s expects an array", key)
		}
		return matchLogical(doc, key, list)
	}
	if IsOperator(key) {
		return false, errors.Invalidf("unknown top level operator %s", key)
	}
	candidates, found := Lookup(doc, key)
	return matchCondition(candidates, found, Normalize(cond))
}

func matchLogical(doc Document, op string, list []any) (bool, error) {
	for _, item := range list {
		sub, ok := asMap(item)
		if !ok {
			return false, errors.Invalidf("%s expects objects", op)
		}
		matched, err := matchLevel(doc, sub)
		if err != nil {
			return false, err
		}
		switch op {
		case OpAnd:
			if !matched {
				return false, nil
			}
		case OpOr:
			if matched {
				return true, nil
			}
		case OpNor:
			if matched {
				return false, nil
			}
		}
	}
	return op != OpOr, nil
}

func matchCondition(candidates []any, found bool, cond any) (bool, error) {
	ops, isOps := operatorMap(cond)
	if !isOps {
		return equalsAny(candidates, found, cond), nil
	}
	for _, op := range SortedKeys(ops) {
		ok, err := applyOperator(candidates, found, op, ops[op])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// operatorMap reports whether cond is an operator expression such as {$gt: 1}.
func operatorMap(cond any) (map[string]any, bool) {
	m, ok := asMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !IsOperator(k) {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(candidates []any, found bool, op string, arg any) (bool, error) {
	switch op {
	case OpEq:
		return equalsAny(candidates, found, arg), nil
	case OpNe:
		return !equalsAny(candidates, found, arg), nil
	case OpGt, OpGte, OpLt, OpLte:
		for _, c := range flatten(candidates) {
			cmp, comparable := compare(c, arg)
			if !comparable {
				continue
			}
			if (op == OpGt && cmp > 0) || (op == OpGte && cmp >= 0) || (op == OpLt && cmp < 0) || (op == OpLte && cmp <= 0) {
				return true, nil
			}
		}
		return false, nil
	case OpIn:
		list, ok := asList(arg)
		if !ok {
			return false, errors.Invalidf("$in expects an array")
		}
		for _, item := range list {
			if equalsAny(candidates, found, item) {
				return true, nil
			}
		}
		return false, nil
	case OpNin:
		list, ok := asList(arg)
		if !ok {
			return false, errors.Invalidf("$nin expects an array")
		}
		for _, item := range list {
			if equalsAny(candidates, found, item) {
				return false, nil
			}
		}
		return true, nil
	case OpExists:
		want, ok := arg.(bool)
		if !ok {
			return false, errors.Invalidf("$exists expects a boolean")
		}
		return found == want, nil
	case OpNot:
		ok, err := matchCondition(candidates, found, arg)
		return !ok, err
	case OpAll:
		list, ok := asList(arg)
		if !ok {
			return false, errors.Invalidf("$all expects an array")
		}
		for _, item := range list {
			if !equalsAny(candidates, found, item) {
				return false, nil
			}
		}
		return len(list) > 0, nil
	case OpSize:
		want, ok := arg.(float64)
		if !ok {
			return false, errors.Invalidf("$size expects a number")
		}
		for _, c := range candidates {
			if arr, ok := c.([]any); ok && float64(len(arr)) == want {
				return true, nil
			}
		}
		return false, nil
	}
	return false, errors.Invalidf("unsupported operator %s", op)
}

// equalsAny compares arg with each candidate and with the elements of array
// candidates. A missing field equals null.
func equalsAny(candidates []any, found bool, arg any) bool {
	if !found {
		return arg == nil
	}
	for _, c := range candidates {
		if valuesEqual(c, arg) {
			return true
		}
		if arr, ok := c.([]any); ok {
			for _, item := range arr {
				if valuesEqual(item, arg) {
					return true
				}
			}
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

func flatten(candidates []any) []any {
	out := make([]any, 0, len(candidates))
	for _, c := range candidates {
		if arr, ok := c.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// compare orders two scalars of the same JSON type.
func compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// Lookup resolves a dotted path. Arrays met on the way fan out so that
// "sets.0" and "languages.en.name" behave like mongo paths.
func Lookup(doc Document, path string) ([]any, bool) {
	current := []any{doc}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			switch t := node.(type) {
			case map[string]any:
				if v, ok := t[part]; ok {
					next = append(next, v)
				}
			case []any:
				if idx, ok := arrayIndex(part, len(t)); ok {
					next = append(next, t[idx])
					continue
				}
				for _, item := range t {
					if m, ok := item.(map[string]any); ok {
						if v, ok := m[part]; ok {
							next = append(next, v)
						}
					}
				}
			}
		}
		if len(next) == 0 {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Get returns the first value at path.
func Get(doc Document, path string) (any, bool) {
	values, ok := Lookup(doc, path)
	if !ok {
		return nil, false
	}
	return values[0], true
}

func arrayIndex(part string, length int) (int, bool) {
	if part == "" {
		return 0, false
	}
	idx := 0
	for _, r := range part {
		if r < '0' || r > '9' {
			return 0, false
		}
		idx = idx*10 + int(r-'0')
	}
	return idx, idx < length
}
