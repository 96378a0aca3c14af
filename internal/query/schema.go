package query

import (
	"context"
	"slices"
	"strings"

	"github.com/rpattn/ddfstore/internal/ddfql"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// schemaEntry is one key/value pair a dataset can be queried by.
type schemaEntry struct {
	key    []string
	value  string
	values []float64
}

func (e *schemaEntry) document(dataType domain.DataType, txID string) mquery.Document {
	key := make([]any, len(e.key))
	for i, k := range e.key {
		key[i] = k
	}
	doc := mquery.Document{
		"type":        string(dataType),
		"key":         key,
		"value":       e.value,
		"transaction": txID,
		"min":         nil,
		"max":         nil,
		"avg":         nil,
	}
	if len(e.values) > 0 {
		sum := 0.0
		for _, v := range e.values {
			sum += v
		}
		doc["min"] = slices.Min(e.values)
		doc["max"] = slices.Max(e.values)
		doc["avg"] = sum / float64(len(e.values))
	}
	return doc
}

// schemaCollector dedupes entries by key and value.
type schemaCollector struct {
	order   []string
	entries map[string]*schemaEntry
}

func newSchemaCollector() *schemaCollector {
	return &schemaCollector{entries: map[string]*schemaEntry{}}
}

func (c *schemaCollector) add(key []string, value string) *schemaEntry {
	id := strings.Join(key, ",") + ":" + value
	if e, ok := c.entries[id]; ok {
		return e
	}
	e := &schemaEntry{key: key, value: value}
	c.entries[id] = e
	c.order = append(c.order, id)
	return e
}

func (s *Service) querySchema(ctx context.Context, snap snapshot, q ddfql.Query) (Result, error) {
	n, err := ddfql.NormalizeSchema(q, snap.tx.ID)
	if err != nil {
		return Result{}, err
	}
	dataType := ddfql.DataType(q.From)
	collected, err := s.collectSchema(ctx, snap, dataType)
	if err != nil {
		return Result{}, err
	}

	headers := q.Columns()
	t := newTable(headers)
	for _, id := range collected.order {
		doc := collected.entries[id].document(dataType, snap.tx.ID)
		ok, err := mquery.Match(doc, n.Where)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		row := mquery.Document{}
		for i, h := range headers {
			row[h] = doc[n.Projection[i]]
		}
		t.add(row)
	}
	return t.result(n.OrderBy), nil
}

func (s *Service) collectSchema(ctx context.Context, snap snapshot, dataType domain.DataType) (*schemaCollector, error) {
	out := newSchemaCollector()
	switch dataType {
	case domain.DataTypeConcepts:
		concepts := snap.concepts.All()
		for _, c := range concepts {
			out.add([]string{"concept"}, "concept")
			for _, col := range c.Properties.Keys() {
				out.add([]string{"concept"}, col)
			}
		}

	case domain.DataTypeEntities:
		entities, err := s.repos.Entities.CurrentVersion(snap.dataset.ID, snap.version()).FindAll(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load entities")
		}
		for _, e := range entities {
			for _, owner := range append([]string{e.Domain}, e.Sets...) {
				c, ok := snap.concepts.ByOriginID(owner)
				if !ok {
					continue
				}
				out.add([]string{c.Gid}, c.Gid)
				for _, col := range e.Properties.Keys() {
					out.add([]string{c.Gid}, col)
				}
			}
		}

	case domain.DataTypeDatapoints:
		datapoints, err := s.repos.Datapoints.CurrentVersion(snap.dataset.ID, snap.version()).FindAll(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load datapoints")
		}
		for _, d := range datapoints {
			measure, ok := snap.concepts.ByOriginID(d.Measure)
			if !ok {
				continue
			}
			var key []string
			for _, col := range d.Properties.Keys() {
				if c, ok := snap.concepts.Get(col); ok && !c.IsMeasure() {
					key = append(key, col)
				}
			}
			e := out.add(key, measure.Gid)
			if f, ok := d.Value.AsNumber(); ok {
				e.values = append(e.values, f)
			}
		}

	default:
		return nil, errors.Mark(errors.Newf("no schema for %s", dataType), errors.ErrUnsupported)
	}
	return out, nil
}
