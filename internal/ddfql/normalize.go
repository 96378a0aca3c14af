package ddfql

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// Aggregate function operators accepted in select.
const (
	FuncMin = "min"
	FuncMax = "max"
	FuncAvg = "avg"
)

var functionCall = regexp.MustCompile(`^(min|max|avg)\(\s*([^()\s]+)\s*\)$`)

// ParseFunction splits "min(population)" into its operator and argument. A
// bare operator name ("min") is a function with an empty argument.
func ParseFunction(column string) (op, arg string, ok bool) {
	switch column {
	case FuncMin, FuncMax, FuncAvg:
		return column, "", true
	}
	m := functionCall.FindStringSubmatch(column)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Concepts resolves column names to concept definitions.
type Concepts interface {
	Get(gid string) (domain.Concept, bool)
}

// Normalized is a query compiled against the concepts of one dataset version.
type Normalized struct {
	From string
	// Where is the storage filter. Join aliases are still unresolved.
	Where      mquery.Filter
	Projection []string
	// Aliases maps a function operator to the select entry it came from for
	// schema queries, and to the measure it aggregates for datapoints.
	Aliases map[string]string
	OrderBy []mquery.SortField
	GroupBy []string
	Joins   map[string]JoinQuery
	// RowFilter holds measure conditions, checked against assembled rows.
	RowFilter mquery.Filter
	Language  string

	// Key and Measures are set for entities and datapoints queries.
	Key      []domain.Concept
	Measures []domain.Concept
}

// JoinQuery is an entity lookup whose lineage ids replace its alias.
type JoinQuery struct {
	Key   string
	Where mquery.Filter
}

// HasAggregates reports whether the select used function operators.
func (n Normalized) HasAggregates() bool {
	return len(n.Aliases) > 0
}

// NormalizeSchema compiles a *.schema query. The filter always pins the record
// type and, when known, the transaction the schema was computed for:
//
//	{"$and": [{"type": "datapoints"}, <where>, {"transaction": <id>}]}
func NormalizeSchema(q Query, transactionID string) (Normalized, error) {
	parts := []any{mquery.Filter{"type": string(DataType(q.From))}}
	if len(q.Where) > 0 {
		parts = append(parts, mquery.Clone(q.Where))
	}
	if transactionID != "" {
		parts = append(parts, mquery.Filter{"transaction": transactionID})
	}
	n := Normalized{
		From:     q.From,
		Where:    mquery.Clone(mquery.Filter{mquery.OpAnd: parts}),
		Aliases:  map[string]string{},
		Language: q.Language,
	}
	for _, col := range q.Columns() {
		if op, _, ok := ParseFunction(col); ok {
			n.Projection = append(n.Projection, op)
			n.Aliases[op] = col
			continue
		}
		n.Projection = append(n.Projection, col)
	}
	var err error
	if n.OrderBy, err = ParseOrderBy(q.OrderBy); err != nil {
		return Normalized{}, err
	}
	return n, nil
}

// NormalizeConcepts compiles a concepts query.
func NormalizeConcepts(q Query) (Normalized, error) {
	n := Normalized{From: q.From, Language: q.Language}
	var err error
	if len(q.Where) > 0 {
		if n.Where, err = rewrite(mquery.Clone(q.Where), conceptColumn); err != nil {
			return Normalized{}, err
		}
		n.Where = mquery.Clone(n.Where)
	}
	for _, col := range q.Columns() {
		n.Projection = append(n.Projection, conceptPath(col))
	}
	if n.OrderBy, err = ParseOrderBy(q.OrderBy); err != nil {
		return Normalized{}, err
	}
	return n, nil
}

func conceptPath(column string) string {
	if column == "concept" {
		return "gid"
	}
	return "properties." + column
}

func conceptColumn(column string, cond any) (mquery.Filter, error) {
	return mquery.Filter{conceptPath(column): cond}, nil
}

// NormalizeEntities compiles an entities query keyed by one entity_domain or
// entity_set concept.
func NormalizeEntities(q Query, concepts Concepts) (Normalized, error) {
	if len(q.Select.Key) != 1 {
		return Normalized{}, errors.Invalidf("Entities query should have exactly one key column, got %d", len(q.Select.Key))
	}
	key, ok := concepts.Get(q.Select.Key[0])
	if !ok || !key.IsEntityKind() {
		return Normalized{}, errors.Invalidf("Your choose key column(s) '%s' which aren't present in choosen dataset", q.Select.Key[0])
	}
	c := newCompiler(q, concepts)
	if err := c.compileJoins(); err != nil {
		return Normalized{}, err
	}
	where := mquery.Filter{}
	if len(q.Where) > 0 {
		var err error
		if where, err = rewrite(mquery.Clone(q.Where), c.entityColumn(key)); err != nil {
			return Normalized{}, err
		}
	}
	n := Normalized{
		From:     q.From,
		Where:    mquery.Clone(mquery.And(entityScope(key), where)),
		Joins:    c.joins,
		Language: q.Language,
		Key:      []domain.Concept{key},
	}
	for _, col := range q.Columns() {
		if col == key.Gid {
			n.Projection = append(n.Projection, "gid")
			continue
		}
		n.Projection = append(n.Projection, "properties."+col)
	}
	var err error
	if n.OrderBy, err = ParseOrderBy(q.OrderBy); err != nil {
		return Normalized{}, err
	}
	return n, nil
}

// NormalizeDatapoints compiles a datapoints query. Conditions on key columns
// become conditions on dimensions and time, conditions on measures are kept
// aside as a row filter.
func NormalizeDatapoints(q Query, concepts Concepts) (Normalized, error) {
	n := Normalized{From: q.From, Language: q.Language, Aliases: map[string]string{}}

	var missingKeys []string
	for _, gid := range q.Select.Key {
		c, ok := concepts.Get(gid)
		if !ok || !(c.IsEntityKind() || c.IsTime()) {
			missingKeys = append(missingKeys, gid)
			continue
		}
		n.Key = append(n.Key, c)
	}
	if len(missingKeys) > 0 {
		return Normalized{}, errors.Invalidf("Your choose key column(s) '%s' which aren't present in choosen dataset", strings.Join(missingKeys, ", "))
	}

	var missingValues, bare []string
	for _, col := range q.Select.Value {
		gid := col
		op, arg, isFunc := ParseFunction(col)
		if isFunc && arg == "" {
			bare = append(bare, op)
			continue
		}
		if isFunc {
			gid = arg
		}
		c, ok := concepts.Get(gid)
		if !ok {
			missingValues = append(missingValues, col)
			continue
		}
		if isFunc {
			n.Aliases[op] = gid
		}
		n.Projection = append(n.Projection, gid)
		if c.IsMeasure() && !slices.ContainsFunc(n.Measures, func(m domain.Concept) bool { return m.Gid == gid }) {
			n.Measures = append(n.Measures, c)
		}
	}
	if len(missingValues) > 0 {
		return Normalized{}, errors.Invalidf("You choose select column(s) '%s' which aren't present in choosen dataset", strings.Join(missingValues, ", "))
	}
	if len(n.Measures) == 0 {
		return Normalized{}, errors.Invalidf("Measure should present in select property")
	}
	// A bare operator aggregates the one measure the other columns name.
	for _, op := range bare {
		if len(n.Measures) != 1 {
			return Normalized{}, errors.Invalidf("Function '%s' without argument is ambiguous, select exactly one measure", op)
		}
		n.Aliases[op] = n.Measures[0].Gid
	}

	for _, col := range q.GroupBy {
		if !slices.Contains(q.Select.Key, col) {
			return Normalized{}, errors.Invalidf("Column '%s' in group_by should be one of the key columns", col)
		}
	}
	n.GroupBy = slices.Clone(q.GroupBy)

	c := newCompiler(q, concepts)
	if err := c.compileJoins(); err != nil {
		return Normalized{}, err
	}
	storage, rows, err := splitMeasureConditions(mquery.Clone(q.Where), c.isMeasure)
	if err != nil {
		return Normalized{}, err
	}
	where, err := rewrite(storage, c.datapointColumn)
	if err != nil {
		return Normalized{}, err
	}
	n.Where = mquery.Clone(mquery.And(datapointScope(n.Key, n.Measures), where))
	n.RowFilter = mquery.Clone(rows)
	n.Joins = c.joins
	if n.OrderBy, err = ParseOrderBy(q.OrderBy); err != nil {
		return Normalized{}, err
	}
	return n, nil
}

// entityScope restricts entities to the members of a domain or a set.
func entityScope(c domain.Concept) mquery.Filter {
	if c.Type == domain.ConceptTypeEntitySet {
		return mquery.Filter{"sets": c.OriginID}
	}
	return mquery.Filter{"domain": c.OriginID}
}

// datapointScope selects datapoints of the requested measures whose dimensions
// are exactly the key columns.
func datapointScope(key, measures []domain.Concept) mquery.Filter {
	measureIDs := make([]string, len(measures))
	for i, m := range measures {
		measureIDs[i] = m.OriginID
	}
	var keyIDs []any
	entityKeys := 0
	var timeKey *domain.Concept
	for i, c := range key {
		keyIDs = append(keyIDs, c.OriginID)
		if c.IsTime() {
			timeKey = &key[i]
			continue
		}
		entityKeys++
	}
	scope := []mquery.Filter{
		mquery.In("measure", measureIDs),
		{"dimensions": map[string]any{mquery.OpSize: float64(entityKeys)}},
	}
	if len(keyIDs) > 0 {
		scope = append(scope, mquery.Filter{"dimensionsConcepts": map[string]any{mquery.OpAll: keyIDs}})
	}
	if timeKey != nil {
		scope = append(scope, mquery.Filter{"time.conceptGid": timeKey.Gid})
	} else {
		scope = append(scope, mquery.Filter{"time": map[string]any{mquery.OpExists: false}})
	}
	return mquery.And(scope...)
}

// compiler carries the state shared by the column rewriters of one query.
type compiler struct {
	query     Query
	concepts  Concepts
	joins     map[string]JoinQuery
	timeJoins map[string]mquery.Filter
}

func newCompiler(q Query, concepts Concepts) *compiler {
	return &compiler{
		query:     q,
		concepts:  concepts,
		joins:     map[string]JoinQuery{},
		timeJoins: map[string]mquery.Filter{},
	}
}

// compileJoins turns every join into an entity lookup, except joins on time
// concepts which need no lookup and become time conditions directly.
func (c *compiler) compileJoins() error {
	for _, alias := range sortedAliases(c.query.Join) {
		join := c.query.Join[alias]
		key, ok := c.concepts.Get(join.Key)
		if !ok {
			return errors.Invalidf("Join '%s' refers to concept '%s' which isn't present in choosen dataset", alias, join.Key)
		}
		where := mquery.Clone(join.Where)
		if key.IsTime() {
			f, err := rewrite(where, func(column string, cond any) (mquery.Filter, error) {
				column = strings.TrimPrefix(column, key.Gid+".")
				if column != key.Gid {
					return nil, errors.Invalidf("Join '%s' on time concept '%s' can't filter by '%s'", alias, key.Gid, column)
				}
				return timeFilter(cond)
			})
			if err != nil {
				return err
			}
			c.timeJoins[alias] = f
			continue
		}
		if !key.IsEntityKind() {
			return errors.Invalidf("Join '%s' should be keyed by an entity or time concept, got '%s'", alias, join.Key)
		}
		f := mquery.Filter{}
		if len(where) > 0 {
			var err error
			if f, err = rewrite(where, c.entityColumn(key)); err != nil {
				return err
			}
		}
		c.joins[alias] = JoinQuery{Key: key.Gid, Where: mquery.Clone(mquery.And(entityScope(key), f))}
	}
	return nil
}

func (c *compiler) isMeasure(column string) bool {
	concept, ok := c.concepts.Get(column)
	return ok && concept.IsMeasure()
}

// joinAlias recognises a where value naming a join: "$geo" or {"$in": "$geo"}.
func (c *compiler) joinAlias(cond any) (string, bool) {
	switch v := cond.(type) {
	case string:
		if _, ok := c.query.Join[v]; ok {
			return v, true
		}
	case map[string]any:
		if len(v) == 1 {
			if s, ok := v[mquery.OpIn].(string); ok {
				return c.joinAlias(s)
			}
		}
	}
	return "", false
}

func (c *compiler) entityColumn(key domain.Concept) columnRewriter {
	return func(column string, cond any) (mquery.Filter, error) {
		column = strings.TrimPrefix(column, key.Gid+".")
		if strings.HasPrefix(column, "is--") {
			set, ok := c.concepts.Get(strings.TrimPrefix(column, "is--"))
			if !ok || !set.IsEntityKind() {
				return nil, errors.Invalidf("Column '%s' refers to an unknown entity set", column)
			}
			member, ok := truthy(cond)
			if !ok {
				return nil, errors.Invalidf("Column '%s' should be compared with a boolean", column)
			}
			if member {
				return mquery.Filter{"sets": set.OriginID}, nil
			}
			return mquery.Filter{"sets": map[string]any{mquery.OpNe: set.OriginID}}, nil
		}
		concept, known := c.concepts.Get(column)
		if column == key.Gid || column == "gid" || (known && concept.IsEntityKind()) {
			if alias, ok := c.joinAlias(cond); ok {
				return mquery.Filter{"originId": map[string]any{mquery.OpIn: alias}}, nil
			}
			return mquery.Filter{"gid": cond}, nil
		}
		return mquery.Filter{"properties." + column: cond}, nil
	}
}

func (c *compiler) datapointColumn(column string, cond any) (mquery.Filter, error) {
	concept, ok := c.concepts.Get(column)
	if !ok {
		return nil, errors.Invalidf("Column '%s' in where clause isn't present in choosen dataset", column)
	}
	alias, isAlias := c.joinAlias(cond)
	switch {
	case concept.IsTime():
		if isAlias {
			f, ok := c.timeJoins[alias]
			if !ok {
				return nil, errors.Invalidf("Join '%s' can't be used for time column '%s'", alias, column)
			}
			return f, nil
		}
		return timeFilter(cond)
	case concept.IsEntityKind():
		if !isAlias {
			alias = fmt.Sprintf("$__%s_%d", concept.Gid, len(c.joins))
			c.joins[alias] = JoinQuery{
				Key:   concept.Gid,
				Where: mquery.Clone(mquery.And(entityScope(concept), mquery.Filter{"gid": cond})),
			}
		}
		return mquery.Filter{"dimensions": map[string]any{mquery.OpIn: alias}}, nil
	}
	return mquery.Filter{"properties." + column: cond}, nil
}

// timeFilter rewrites a condition on DDF time cells into one on time.millis.
func timeFilter(cond any) (mquery.Filter, error) {
	converted, err := convertTime(cond)
	if err != nil {
		return nil, err
	}
	return mquery.Filter{"time.millis": converted}, nil
}

func convertTime(cond any) (any, error) {
	ops, ok := cond.(map[string]any)
	if !ok {
		return timeMillis(cond)
	}
	out := make(map[string]any, len(ops))
	for op, arg := range ops {
		if !mquery.IsOperator(op) {
			return nil, errors.Invalidf("Time condition can't contain field '%s'", op)
		}
		list, isList := arg.([]any)
		if !isList {
			v, err := timeMillis(arg)
			if err != nil {
				return nil, err
			}
			out[op] = v
			continue
		}
		converted := make([]any, len(list))
		for i, item := range list {
			v, err := timeMillis(item)
			if err != nil {
				return nil, err
			}
			converted[i] = v
		}
		out[op] = converted
	}
	return out, nil
}

func timeMillis(v any) (any, error) {
	text := domain.FromAny(v).Text()
	_, millis, err := domain.ParseTime(text)
	if err != nil {
		return nil, errors.Invalidf("Time value '%s' isn't supported", text)
	}
	return float64(millis), nil
}

func truthy(v any) (bool, bool) {
	return domain.ParseBool(domain.FromAny(v))
}

func sortedAliases(joins map[string]Join) []string {
	out := make([]string, 0, len(joins))
	for alias := range joins {
		out = append(out, alias)
	}
	slices.Sort(out)
	return out
}
