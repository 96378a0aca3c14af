package query

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rpattn/ddfstore/internal/ddfql"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
)

func (s *Service) queryDatapoints(ctx context.Context, snap snapshot, q ddfql.Query) (Result, error) {
	n, err := ddfql.NormalizeDatapoints(q, snap.concepts)
	if err != nil {
		return Result{}, err
	}
	where, err := ddfql.ResolveJoins(ctx, n, s.finder(snap))
	if err != nil {
		return Result{}, err
	}
	found, err := s.repos.Datapoints.CurrentVersion(snap.dataset.ID, snap.version()).Find(ctx, where, repository.FindOptions{})
	if err != nil {
		return Result{}, errors.Wrap(err, "find datapoints")
	}

	rows, err := s.assembleRows(ctx, snap, n, found)
	if err != nil {
		return Result{}, err
	}

	if n.HasAggregates() {
		return aggregate(q, n, rows)
	}
	t := newTable(q.Columns())
	for _, row := range rows {
		t.add(row)
	}
	return t.result(n.OrderBy), nil
}

// assembleRows merges the datapoints of one dimension tuple into a row holding
// the key columns and one column per measure, then applies the measure filter.
func (s *Service) assembleRows(ctx context.Context, snap snapshot, n ddfql.Normalized, found []domain.Datapoint) ([]mquery.Document, error) {
	var dimensionIDs []string
	for _, d := range found {
		dimensionIDs = append(dimensionIDs, d.Dimensions...)
	}
	slices.Sort(dimensionIDs)
	entities, err := s.loader(ctx, snap).LoadMany(ctx, slices.Compact(dimensionIDs))
	if err != nil {
		return nil, errors.Wrap(err, "load dimension entities")
	}

	var order []string
	byKey := map[string]mquery.Document{}
	for _, d := range found {
		measure, ok := snap.concepts.ByOriginID(d.Measure)
		if !ok {
			continue
		}
		k := rowKey(d)
		row, ok := byKey[k]
		if !ok {
			row = mquery.Document{}
			for _, c := range n.Key {
				row[c.Gid] = keyCell(d, c, entities)
			}
			byKey[k] = row
			order = append(order, k)
		}
		row[measure.Gid] = localized(d.Meta, n.Language, measure.Gid, d.Value)
	}

	rows := make([]mquery.Document, 0, len(order))
	for _, k := range order {
		row := byKey[k]
		if len(n.RowFilter) > 0 {
			ok, err := mquery.Match(row, n.RowFilter)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func rowKey(d domain.Datapoint) string {
	var b strings.Builder
	b.WriteString(strings.Join(d.Dimensions, ","))
	if d.Time != nil {
		b.WriteString("@")
		b.WriteString(strconv.FormatInt(d.Time.Millis, 10))
	}
	return b.String()
}

// keyCell renders one key column of a row: the source cell for time, the gid
// of the matching dimension entity otherwise.
func keyCell(d domain.Datapoint, c domain.Concept, entities map[string]domain.Entity) any {
	if c.IsTime() {
		if d.Time != nil && d.Properties.Has(d.Time.ConceptGid) {
			return d.Properties.Get(d.Time.ConceptGid).Interface()
		}
		return d.Properties.Get(c.Gid).Interface()
	}
	for _, id := range d.Dimensions {
		e, ok := entities[id]
		if ok && (e.Domain == c.OriginID || e.InSet(c.OriginID)) {
			return e.Gid
		}
	}
	return d.Properties.Get(c.Gid).Interface()
}

// aggregate folds rows into one row per group_by tuple. Every function in the
// select becomes a column labelled with the function name.
func aggregate(q ddfql.Query, n ddfql.Normalized, rows []mquery.Document) (Result, error) {
	var labels []string
	for _, col := range q.Select.Value {
		op, _, ok := ddfql.ParseFunction(col)
		if !ok {
			return Result{}, errors.Invalidf("Column '%s' can't be selected together with aggregate functions", col)
		}
		if !slices.Contains(labels, op) {
			labels = append(labels, op)
		}
	}

	var order []string
	groups := map[string][]mquery.Document{}
	for _, row := range rows {
		parts := make([]string, len(n.GroupBy))
		for i, col := range n.GroupBy {
			parts[i] = fmt.Sprint(row[col])
		}
		k := strings.Join(parts, "\x00")
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], row)
	}

	t := newTable(append(slices.Clone(n.GroupBy), labels...))
	for _, k := range order {
		members := groups[k]
		doc := mquery.Document{}
		for _, col := range n.GroupBy {
			doc[col] = members[0][col]
		}
		for _, op := range labels {
			doc[op] = fold(op, n.Aliases[op], members)
		}
		t.add(doc)
	}
	return t.result(n.OrderBy), nil
}

// fold computes min, max or avg over the numeric values of column. Nil when
// no row carries a number.
func fold(op, column string, rows []mquery.Document) any {
	var values []float64
	for _, row := range rows {
		if f, ok := domain.ParseNumber(domain.FromAny(row[column])); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil
	}
	switch op {
	case ddfql.FuncMin:
		return slices.Min(values)
	case ddfql.FuncMax:
		return slices.Max(values)
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
