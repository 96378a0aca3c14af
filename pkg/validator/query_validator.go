package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rpattn/ddfstore/internal/mquery"
)

const (
	// MaxQueryDepth bounds nesting of logical operators.
	MaxQueryDepth = 32
	// MaxListItems bounds $in/$nin/$all operands.
	MaxListItems = 10000
)

// operators that evaluate code or scan without index support
var forbiddenOperators = map[string]string{
	"$where":       "executes server-side code",
	"$function":    "executes server-side code",
	"$accumulator": "executes server-side code",
	"$expr":        "evaluates aggregation expressions",
	"$jsonSchema":  "is not supported",
	"$text":        "performs unbounded text search",
	"$regex":       "performs unbounded pattern scans",
	"$options":     "belongs to $regex",
	"$lookup":      "reads other collections",
}

var joinReference = regexp.MustCompile(`^\$[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidationError represents one rejected part of a query.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult is the outcome of validating a generated storage query.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Log    string            `json:"log,omitempty"`
	Errors []ValidationError `json:"errors"`
}

// QueryValidator rejects storage queries with unsafe operators or malformed shapes.
type QueryValidator struct{}

// NewQueryValidator creates a new query validator
func NewQueryValidator() *QueryValidator {
	return &QueryValidator{}
}

// Validate inspects the whole filter tree.
func (qv *QueryValidator) Validate(filter mquery.Filter) ValidationResult {
	result := ValidationResult{Valid: true, Errors: []ValidationError{}}
	qv.validateLevel(map[string]any(mquery.Clone(filter)), "", 0, &result)

	if len(result.Errors) > 0 {
		result.Valid = false
		messages := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			if e.Field != "" {
				messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
			} else {
				messages[i] = e.Message
			}
		}
		result.Log = "Invalid query: " + strings.Join(messages, "; ")
	}
	return result
}

// ValidateQuery is a shorthand for NewQueryValidator().Validate(filter).
func ValidateQuery(filter mquery.Filter) ValidationResult {
	return NewQueryValidator().Validate(filter)
}

func (qv *QueryValidator) validateLevel(level map[string]any, field string, depth int, result *ValidationResult) {
	if depth > MaxQueryDepth {
		qv.fail(result, field, fmt.Sprintf("query is nested deeper than %d levels", MaxQueryDepth), nil)
		return
	}

	for _, key := range mquery.SortedKeys(level) {
		value := level[key]

		if reason, forbidden := forbiddenOperators[key]; forbidden {
			qv.fail(result, field, fmt.Sprintf("operator '%s' %s and is not allowed", key, reason), nil)
			continue
		}

		switch key {
		case mquery.OpAnd, mquery.OpOr, mquery.OpNor:
			list, ok := value.([]any)
			if !ok || len(list) == 0 {
				qv.fail(result, field, fmt.Sprintf("operator '%s' expects a non-empty array", key), value)
				continue
			}
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					if f, isFilter := item.(mquery.Filter); isFilter {
						sub, ok = map[string]any(f), true
					}
				}
				if !ok {
					qv.fail(result, field, fmt.Sprintf("operator '%s' expects objects", key), item)
					continue
				}
				qv.validateLevel(sub, field, depth+1, result)
			}
			continue
		}

		if mquery.IsOperator(key) {
			qv.fail(result, field, fmt.Sprintf("operator '%s' is not allowed here", key), nil)
			continue
		}

		if err := ValidateFieldPath(key); err != nil {
			qv.fail(result, key, err.Error(), nil)
			continue
		}
		qv.validateCondition(key, value, depth+1, result)
	}
}

func (qv *QueryValidator) validateCondition(field string, cond any, depth int, result *ValidationResult) {
	ops, isOps := operatorExpression(cond)
	if !isOps {
		qv.validateOperand(field, cond, result)
		return
	}

	for _, op := range mquery.SortedKeys(ops) {
		arg := ops[op]
		if reason, forbidden := forbiddenOperators[op]; forbidden {
			qv.fail(result, field, fmt.Sprintf("operator '%s' %s and is not allowed", op, reason), nil)
			continue
		}
		switch op {
		case mquery.OpEq, mquery.OpNe, mquery.OpGt, mquery.OpGte, mquery.OpLt, mquery.OpLte:
			qv.validateOperand(field, arg, result)
		case mquery.OpIn, mquery.OpNin, mquery.OpAll:
			list, ok := toList(arg)
			if !ok {
				qv.fail(result, field, fmt.Sprintf("operator '%s' expects an array", op), arg)
				continue
			}
			if len(list) > MaxListItems {
				qv.fail(result, field, fmt.Sprintf("operator '%s' has %d items, limit is %d", op, len(list), MaxListItems), nil)
				continue
			}
			for _, item := range list {
				qv.validateOperand(field, item, result)
			}
		case mquery.OpExists:
			if _, ok := arg.(bool); !ok {
				qv.fail(result, field, "operator '$exists' expects a boolean", arg)
			}
		case mquery.OpSize:
			n, ok := toNumber(arg)
			if !ok || n < 0 || n != float64(int64(n)) {
				qv.fail(result, field, "operator '$size' expects a non-negative integer", arg)
			}
		case mquery.OpNot:
			if _, ok := operatorExpression(arg); !ok {
				qv.fail(result, field, "operator '$not' expects an operator expression", arg)
				continue
			}
			if depth > MaxQueryDepth {
				qv.fail(result, field, fmt.Sprintf("query is nested deeper than %d levels", MaxQueryDepth), nil)
				continue
			}
			qv.validateCondition(field, arg, depth+1, result)
		default:
			qv.fail(result, field, fmt.Sprintf("operator '%s' is not supported", op), nil)
		}
	}
}

// validateOperand rejects join aliases that were never substituted and operator
// objects smuggled in as plain values.
func (qv *QueryValidator) validateOperand(field string, value any, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		if joinReference.MatchString(v) {
			qv.fail(result, field, fmt.Sprintf("unresolved join reference '%s'", v), v)
		}
	case map[string]any:
		for k := range v {
			if mquery.IsOperator(k) {
				qv.fail(result, field, fmt.Sprintf("operator '%s' cannot be used as a value", k), nil)
			}
		}
	}
}

func (qv *QueryValidator) fail(result *ValidationResult, field, message string, value any) {
	result.Errors = append(result.Errors, ValidationError{Field: field, Message: message, Value: value})
}

func operatorExpression(cond any) (map[string]any, bool) {
	var m map[string]any
	switch t := cond.(type) {
	case map[string]any:
		m = t
	case mquery.Filter:
		m = map[string]any(t)
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !mquery.IsOperator(k) {
			return nil, false
		}
	}
	return m, true
}

func toList(v any) ([]any, bool) {
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

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
