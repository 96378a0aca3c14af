package ddfql

import (
	"strings"

	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// columnRewriter maps a condition on a DDF column to a storage condition.
type columnRewriter func(column string, cond any) (mquery.Filter, error)

// rewrite walks the logical operators of where and rewrites every column
// condition. Rewritten siblings are combined with $and because two columns may
// map to the same storage path.
func rewrite(where mquery.Filter, column columnRewriter) (mquery.Filter, error) {
	parts := make([]mquery.Filter, 0, len(where))
	for _, key := range mquery.SortedKeys(where) {
		value := where[key]
		switch key {
		case mquery.OpAnd, mquery.OpOr, mquery.OpNor:
			list, ok := value.([]any)
			if !ok || len(list) == 0 {
				return nil, errors.Invalidf("Operator '%s' expects a non-empty array", key)
			}
			rewritten := make([]any, 0, len(list))
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					return nil, errors.Invalidf("Operator '%s' expects an array of conditions", key)
				}
				r, err := rewrite(sub, column)
				if err != nil {
					return nil, err
				}
				rewritten = append(rewritten, map[string]any(r))
			}
			parts = append(parts, mquery.Filter{key: rewritten})
		default:
			if mquery.IsOperator(key) {
				return nil, errors.Invalidf("Operator '%s' can't be used in place of a column", key)
			}
			f, err := column(key, value)
			if err != nil {
				return nil, err
			}
			parts = append(parts, f)
		}
	}
	return mquery.And(parts...), nil
}

// splitMeasureConditions separates conditions on measures from the rest of a
// datapoints where. Measures live in separate documents, so their conditions
// can only be checked once rows are assembled, which limits them to $and.
func splitMeasureConditions(where mquery.Filter, isMeasure func(string) bool) (storage, rows mquery.Filter, err error) {
	var storageParts, rowParts []mquery.Filter
	var visit func(level map[string]any) error
	visit = func(level map[string]any) error {
		for _, key := range mquery.SortedKeys(level) {
			value := level[key]
			switch {
			case key == mquery.OpAnd:
				list, ok := value.([]any)
				if !ok {
					return errors.Invalidf("Operator '%s' expects an array", key)
				}
				for _, item := range list {
					sub, ok := item.(map[string]any)
					if !ok {
						return errors.Invalidf("Operator '%s' expects an array of conditions", key)
					}
					if err := visit(sub); err != nil {
						return err
					}
				}
			case key == mquery.OpOr || key == mquery.OpNor:
				var measures []string
				mquery.Walk(mquery.Filter{key: value}, func(field string, _ any) {
					if isMeasure(field) {
						measures = append(measures, field)
					}
				})
				if len(measures) > 0 {
					return errors.Invalidf("Conditions on measure(s) '%s' can't be used inside '%s'", strings.Join(measures, ", "), key)
				}
				storageParts = append(storageParts, mquery.Filter{key: value})
			case isMeasure(key):
				rowParts = append(rowParts, mquery.Filter{key: value})
			default:
				storageParts = append(storageParts, mquery.Filter{key: value})
			}
		}
		return nil
	}
	if err := visit(where); err != nil {
		return nil, nil, err
	}
	return flattenAnd(storageParts), mquery.And(rowParts...), nil
}

// flattenAnd merges single-key parts into one level when their keys differ.
func flattenAnd(parts []mquery.Filter) mquery.Filter {
	out := mquery.Filter{}
	var rest []mquery.Filter
	for _, p := range parts {
		merged := false
		if len(p) == 1 {
			for k, v := range p {
				if _, taken := out[k]; !taken && !mquery.IsOperator(k) {
					out[k] = v
					merged = true
				}
			}
		}
		if !merged {
			rest = append(rest, p)
		}
	}
	if len(rest) == 0 {
		return out
	}
	return mquery.And(append([]mquery.Filter{out}, rest...)...)
}

// ParseOrderBy accepts "col", {"col": "desc"} and arrays mixing both.
func ParseOrderBy(raw any) ([]mquery.SortField, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []mquery.SortField{{Field: v}}, nil
	case map[string]any:
		fields := make([]mquery.SortField, 0, len(v))
		for _, col := range mquery.SortedKeys(v) {
			desc, err := descending(v[col])
			if err != nil {
				return nil, err
			}
			fields = append(fields, mquery.SortField{Field: col, Descending: desc})
		}
		return fields, nil
	case []any:
		var fields []mquery.SortField
		for _, item := range v {
			f, err := ParseOrderBy(item)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f...)
		}
		return fields, nil
	case []string:
		fields := make([]mquery.SortField, len(v))
		for i, col := range v {
			fields[i] = mquery.SortField{Field: col}
		}
		return fields, nil
	}
	return nil, errors.Invalidf("Value of 'order_by' should be a column, an object or an array")
}

func descending(direction any) (bool, error) {
	switch d := mquery.Normalize(direction).(type) {
	case string:
		switch strings.ToLower(d) {
		case "asc", "ascending":
			return false, nil
		case "desc", "descending":
			return true, nil
		}
	case float64:
		if d == 1 {
			return false, nil
		}
		if d == -1 {
			return true, nil
		}
	}
	return false, errors.Invalidf("Sort direction '%v' isn't supported, use 'asc' or 'desc'", direction)
}
