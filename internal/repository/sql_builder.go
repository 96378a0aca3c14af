package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// sqlBuilder compiles filter trees into SQL over the JSONB doc column.
type sqlBuilder struct {
	args []any
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{args: make([]any, 0)}
}

func (b *sqlBuilder) addArg(value any) int {
	b.args = append(b.args, value)
	return len(b.args)
}

func (b *sqlBuilder) placeholder(idx int) string {
	return fmt.Sprintf("$%d", idx)
}

func (b *sqlBuilder) pathExpr(field string) string {
	idx := b.addArg(strings.Split(field, "."))
	return fmt.Sprintf("(doc #> %s::text[])", b.placeholder(idx))
}

func (b *sqlBuilder) jsonArg(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "encode filter value")
	}
	idx := b.addArg(string(raw))
	return fmt.Sprintf("%s::jsonb", b.placeholder(idx)), nil
}

// where compiles a filter; an empty filter compiles to TRUE.
func (b *sqlBuilder) where(filter mquery.Filter) (string, error) {
	if len(filter) == 0 {
		return "TRUE", nil
	}
	return b.level(map[string]any(mquery.Clone(filter)))
}

func (b *sqlBuilder) level(level map[string]any) (string, error) {
	clauses := make([]string, 0, len(level))
	for _, key := range mquery.SortedKeys(level) {
		value := level[key]
		var (
			clause string
			err    error
		)
		switch key {
		case mquery.OpAnd, mquery.OpOr, mquery.OpNor:
			clause, err = b.logical(key, value)
		default:
			if mquery.IsOperator(key) {
				return "", errors.Invalidf("unknown top level operator %s", key)
			}
			clause, err = b.condition(key, value)
		}
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (b *sqlBuilder) logical(op string, value any) (string, error) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return "", errors.Invalidf("%s expects a non-empty array", op)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		sub, ok := item.(map[string]any)
		if !ok {
			return "", errors.Invalidf("%s expects objects", op)
		}
		clause, err := b.level(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	switch op {
	case mquery.OpAnd:
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case mquery.OpOr:
		return "(" + strings.Join(parts, " OR ") + ")", nil
	default:
		return "NOT (" + strings.Join(parts, " OR ") + ")", nil
	}
}

func (b *sqlBuilder) condition(field string, cond any) (string, error) {
	ops, ok := cond.(map[string]any)
	isOps := ok && len(ops) > 0
	for k := range ops {
		if !mquery.IsOperator(k) {
			isOps = false
		}
	}
	if !isOps {
		return b.equals(field, cond)
	}

	clauses := make([]string, 0, len(ops))
	for _, op := range mquery.SortedKeys(ops) {
		clause, err := b.operator(field, op, ops[op])
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

// equals mirrors the matcher: arrays match when any element is equal, a
// missing field equals null.
func (b *sqlBuilder) equals(field string, value any) (string, error) {
	path := b.pathExpr(field)
	if value == nil {
		return fmt.Sprintf("(%s IS NULL OR %s = 'null'::jsonb)", path, path), nil
	}
	arg, err := b.jsonArg(value)
	if err != nil {
		return "", err
	}
	switch value.(type) {
	case []any, map[string]any:
		return fmt.Sprintf("COALESCE(%s = %s, FALSE)", path, arg), nil
	}
	return fmt.Sprintf(
		"COALESCE(%s = %s OR (jsonb_typeof(%s) = 'array' AND %s @> jsonb_build_array(%s)), FALSE)",
		path, arg, path, path, arg,
	), nil
}

func (b *sqlBuilder) operator(field, op string, arg any) (string, error) {
	switch op {
	case mquery.OpEq:
		return b.equals(field, arg)
	case mquery.OpNe:
		clause, err := b.equals(field, arg)
		if err != nil {
			return "", err
		}
		return "NOT " + clause, nil
	case mquery.OpGt, mquery.OpGte, mquery.OpLt, mquery.OpLte:
		sqlOp := map[string]string{mquery.OpGt: ">", mquery.OpGte: ">=", mquery.OpLt: "<", mquery.OpLte: "<="}[op]
		path := b.pathExpr(field)
		value, err := b.jsonArg(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("COALESCE(jsonb_typeof(%s) = jsonb_typeof(%s) AND %s %s %s, FALSE)", path, value, path, sqlOp, value), nil
	case mquery.OpIn, mquery.OpNin:
		list, ok := arg.([]any)
		if !ok {
			return "", errors.Invalidf("%s expects an array", op)
		}
		clause, err := b.in(field, list)
		if err != nil {
			return "", err
		}
		if op == mquery.OpNin {
			return "NOT " + clause, nil
		}
		return clause, nil
	case mquery.OpExists:
		want, ok := arg.(bool)
		if !ok {
			return "", errors.Invalidf("$exists expects a boolean")
		}
		if want {
			return b.pathExpr(field) + " IS NOT NULL", nil
		}
		return b.pathExpr(field) + " IS NULL", nil
	case mquery.OpNot:
		clause, err := b.condition(field, arg)
		if err != nil {
			return "", err
		}
		return "NOT COALESCE(" + clause + ", FALSE)", nil
	case mquery.OpAll:
		list, ok := arg.([]any)
		if !ok || len(list) == 0 {
			return "FALSE", nil
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			clause, err := b.equals(field, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, clause)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case mquery.OpSize:
		n, ok := arg.(float64)
		if !ok {
			return "", errors.Invalidf("$size expects a number")
		}
		path := b.pathExpr(field)
		idx := b.addArg(int64(n))
		return fmt.Sprintf("COALESCE(jsonb_typeof(%s) = 'array' AND jsonb_array_length(%s) = %s, FALSE)", path, path, b.placeholder(idx)), nil
	}
	return "", errors.Invalidf("unsupported operator %s", op)
}

// in uses the jsonb existence operator when every candidate is a string, which
// covers both scalar fields and string arrays such as sets and dimensions.
func (b *sqlBuilder) in(field string, list []any) (string, error) {
	if len(list) == 0 {
		return "FALSE", nil
	}
	strs := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			strs = nil
			break
		}
		strs = append(strs, s)
	}
	if strs != nil {
		path := b.pathExpr(field)
		idx := b.addArg(strs)
		return fmt.Sprintf("COALESCE(%s ?| %s::text[], FALSE)", path, b.placeholder(idx)), nil
	}

	parts := make([]string, 0, len(list))
	for _, item := range list {
		clause, err := b.equals(field, item)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (b *sqlBuilder) orderBy(fields []mquery.SortField) string {
	if len(fields) == 0 {
		return "ORDER BY seq"
	}
	parts := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		direction := "ASC NULLS FIRST"
		if f.Descending {
			direction = "DESC NULLS LAST"
		}
		parts = append(parts, b.pathExpr(f.Field)+" "+direction)
	}
	parts = append(parts, "seq")
	return "ORDER BY " + strings.Join(parts, ", ")
}

// updateExpr builds the new doc value for an update, creating missing parent
// objects so that nested sets such as languages.en succeed.
func (b *sqlBuilder) updateExpr(update Update) (string, error) {
	expr := "doc"
	for _, path := range mquery.SortedKeys(update.Set) {
		parts := strings.Split(path, ".")
		for i := 1; i < len(parts); i++ {
			idx := b.addArg(parts[:i])
			p := b.placeholder(idx)
			expr = fmt.Sprintf("jsonb_set(%s, %s::text[], COALESCE(%s #> %s::text[], '{}'::jsonb), true)", expr, p, expr, p)
		}
		value, err := b.jsonArg(mquery.Normalize(update.Set[path]))
		if err != nil {
			return "", err
		}
		idx := b.addArg(parts)
		expr = fmt.Sprintf("jsonb_set(%s, %s::text[], %s, true)", expr, b.placeholder(idx), value)
	}
	for _, path := range update.Unset {
		idx := b.addArg(strings.Split(path, "."))
		expr = fmt.Sprintf("(%s #- %s::text[])", expr, b.placeholder(idx))
	}
	return expr, nil
}
