package validator

import (
	"strings"
	"testing"

	"github.com/rpattn/ddfstore/internal/mquery"
)

func TestQueryValidatorAcceptsGeneratedQueries(t *testing.T) {
	v := NewQueryValidator()

	queries := []mquery.Filter{
		nil,
		{},
		{"gid": "usa"},
		{"$and": []any{
			map[string]any{"domain": "d1"},
			map[string]any{"properties.is--country": true},
			map[string]any{"from": map[string]any{"$lte": 10}},
		}},
		{"dimensions": map[string]any{"$in": []string{"o1", "o2"}}},
		{"time.millis": map[string]any{"$not": map[string]any{"$gt": 5}}},
		{"sets": map[string]any{"$size": 0}},
	}

	for i, q := range queries {
		result := v.Validate(q)
		if !result.Valid {
			t.Fatalf("query %d: expected valid, got %s", i, result.Log)
		}
	}
}

func TestQueryValidatorRejectsUnsafeOperators(t *testing.T) {
	v := NewQueryValidator()

	result := v.Validate(mquery.Filter{"$where": "this.value > 1"})
	if result.Valid {
		t.Fatalf("expected $where to be rejected")
	}
	if !strings.Contains(result.Log, "$where") {
		t.Fatalf("expected log to name the operator, got %q", result.Log)
	}

	result = v.Validate(mquery.Filter{"properties.name": map[string]any{"$regex": ".*"}})
	if result.Valid {
		t.Fatalf("expected $regex to be rejected")
	}

	result = v.Validate(mquery.Filter{"$or": []any{}})
	if result.Valid {
		t.Fatalf("expected empty $or to be rejected")
	}

	result = v.Validate(mquery.Filter{"gid": map[string]any{"$in": "usa"}})
	if result.Valid {
		t.Fatalf("expected non-array $in to be rejected")
	}

	result = v.Validate(mquery.Filter{"gid": map[string]any{"$exists": "yes"}})
	if result.Valid {
		t.Fatalf("expected non-boolean $exists to be rejected")
	}
}

func TestQueryValidatorRejectsUnresolvedJoinReferences(t *testing.T) {
	result := ValidateQuery(mquery.Filter{"dimensions": map[string]any{"$in": "$geo"}})
	if result.Valid {
		t.Fatalf("expected unresolved alias to be rejected")
	}

	result = ValidateQuery(mquery.Filter{"domain": "$geo"})
	if result.Valid {
		t.Fatalf("expected unresolved alias value to be rejected")
	}
}

func TestQueryValidatorRejectsDeepNesting(t *testing.T) {
	var q mquery.Filter = mquery.Filter{"gid": "usa"}
	for i := 0; i < MaxQueryDepth+2; i++ {
		q = mquery.Filter{"$and": []any{q}}
	}

	result := ValidateQuery(q)
	if result.Valid {
		t.Fatalf("expected deep query to be rejected")
	}
}

func TestValidateFieldPath(t *testing.T) {
	if err := ValidateFieldPath("properties.is--country"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "properties..name", "properties.$where", "a'b"} {
		if err := ValidateFieldPath(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
