package query

import (
	"slices"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// table collects rows keyed by header before they are ordered and flattened.
type table struct {
	headers []string
	docs    []mquery.Document
}

func newTable(headers []string) *table {
	return &table{headers: headers}
}

func (t *table) add(doc mquery.Document) {
	t.docs = append(t.docs, doc)
}

// result orders the rows and lays every row out in header order. Rows are
// compared column by column when no order is requested, so results are stable.
func (t *table) result(order []mquery.SortField) Result {
	if len(order) == 0 {
		order = make([]mquery.SortField, len(t.headers))
		for i, h := range t.headers {
			order[i] = mquery.SortField{Field: h}
		}
	}
	sortRows(t.docs, order)

	rows := make([][]any, len(t.docs))
	for i, doc := range t.docs {
		row := make([]any, len(t.headers))
		for j, h := range t.headers {
			row[j] = doc[h]
		}
		rows[i] = row
	}
	return Result{Headers: t.headers, Rows: rows}
}

// sortRows sorts by top-level columns. Column names may contain dots, so rows
// are not sorted through mquery paths.
func sortRows(docs []mquery.Document, order []mquery.SortField) {
	slices.SortStableFunc(docs, func(a, b mquery.Document) int {
		for _, f := range order {
			c := mquery.CompareValues(a[f.Field], b[f.Field])
			if c == 0 {
				continue
			}
			if f.Descending {
				return -c
			}
			return c
		}
		return 0
	})
}

// localized returns the translation of column when the record carries one.
func localized(meta domain.Meta, lang, column string, fallback domain.Value) any {
	if lang != "" {
		if props, ok := meta.Languages[lang]; ok && props.Has(column) {
			return props.Get(column).Interface()
		}
	}
	return fallback.Interface()
}
