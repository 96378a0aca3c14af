// Package ddfql parses DDFQL queries and compiles them into storage filters.
package ddfql

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// Values of the from field.
const (
	FromConcepts         = "concepts"
	FromEntities         = "entities"
	FromDatapoints       = "datapoints"
	FromConceptsSchema   = "concepts.schema"
	FromEntitiesSchema   = "entities.schema"
	FromDatapointsSchema = "datapoints.schema"
)

// Select lists the key and value columns of the response.
type Select struct {
	Key   []string `json:"key"`
	Value []string `json:"value"`
}

// Join is an entity sub-query whose matches replace its alias in the where.
type Join struct {
	Key   string        `json:"key"`
	Where mquery.Filter `json:"where"`
}

// Query is a DDFQL request.
type Query struct {
	From     string          `json:"from"`
	Select   Select          `json:"select"`
	Where    mquery.Filter   `json:"where,omitempty"`
	Join     map[string]Join `json:"join,omitempty"`
	OrderBy  any             `json:"order_by,omitempty"`
	GroupBy  StringList      `json:"group_by,omitempty"`
	Language string          `json:"language,omitempty"`
	Dataset  string          `json:"dataset,omitempty"`
	Version  Version         `json:"version,omitempty"`
}

// Columns is the union of the key and value columns in request order.
func (q Query) Columns() []string {
	out := make([]string, 0, len(q.Select.Key)+len(q.Select.Value))
	for _, c := range q.Select.Key {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	for _, c := range q.Select.Value {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// IsSchema reports whether the query introspects a dataset schema.
func (q Query) IsSchema() bool {
	return strings.HasSuffix(q.From, ".schema")
}

// Parse decodes a query document.
func Parse(raw []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return Query{}, errors.Mark(errors.Wrap(err, "malformed query"), errors.ErrInvalidQuery)
	}
	return q, nil
}

// Validate checks the parts every query needs before it is normalized.
func Validate(q Query) error {
	if q.From == "" {
		return errors.Invalidf("The filed 'from' must present in query.")
	}
	switch q.From {
	case FromConcepts, FromEntities, FromDatapoints,
		FromConceptsSchema, FromEntitiesSchema, FromDatapointsSchema:
	default:
		return errors.Mark(errors.Invalidf("Value '%s' in the 'from' field isn't supported yet.", q.From), errors.ErrUnsupported)
	}
	for alias, join := range q.Join {
		if !IsJoinAlias(alias) {
			return errors.Invalidf("Join alias '%s' must start with '$'.", alias)
		}
		if join.Key == "" {
			return errors.Invalidf("Join '%s' must have a key.", alias)
		}
	}
	return nil
}

// DataType maps from to the record type it reads.
func DataType(from string) domain.DataType {
	return domain.DataType(strings.TrimSuffix(from, ".schema"))
}

// IsJoinAlias reports whether s names a join, such as "$geo".
func IsJoinAlias(s string) bool {
	return len(s) > 1 && s[0] == '$' && !mquery.IsOperator(s[1:])
}

// StringList accepts a single string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = nil
		} else {
			*l = StringList{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "expected a string or an array of strings")
	}
	*l = many
	return nil
}

// Version is the dataset version a query reads. It accepts numbers and numeric
// strings; zero means the latest imported version.
type Version int64

func (v *Version) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = Version(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "version must be a number")
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "latest") || strings.EqualFold(s, "HEAD") {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "version %q", s)
	}
	*v = Version(n)
	return nil
}
