package ddfql

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/pkg/validator"
)

// JoinConcurrency caps the join lookups running at once for one query.
const JoinConcurrency = 10

// EntityFinder returns the lineage ids of the entities matching a filter.
type EntityFinder interface {
	FindOriginIDs(ctx context.Context, where mquery.Filter) ([]string, error)
}

// ResolveJoins looks every join up and substitutes the found lineage ids for
// its alias in the where. Join filters are validated before they reach the
// store and the substituted where is validated before it is returned.
func ResolveJoins(ctx context.Context, n Normalized, finder EntityFinder) (mquery.Filter, error) {
	aliases := make([]string, 0, len(n.Joins))
	for alias, join := range n.Joins {
		if res := validator.ValidateQuery(join.Where); !res.Valid {
			return nil, errors.Invalidf("Join '%s': %s", alias, res.Log)
		}
		aliases = append(aliases, alias)
	}

	found := make([][]string, len(aliases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(JoinConcurrency)
	for i, alias := range aliases {
		g.Go(func() error {
			ids, err := finder.FindOriginIDs(gctx, n.Joins[alias].Where)
			if err != nil {
				return errors.Wrapf(err, "resolve join %s", alias)
			}
			found[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byAlias := make(map[string][]any, len(aliases))
	for i, alias := range aliases {
		ids := make([]any, len(found[i]))
		for j, id := range found[i] {
			ids[j] = id
		}
		byAlias[alias] = ids
	}
	where, _ := substitute(map[string]any(mquery.Clone(n.Where)), byAlias).(map[string]any)
	if where == nil {
		where = map[string]any{}
	}
	if res := validator.ValidateQuery(where); !res.Valid {
		return nil, errors.Invalidf("%s", res.Log)
	}
	return where, nil
}

func substitute(v any, ids map[string][]any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substitute(item, ids)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substitute(item, ids)
		}
		return t
	case string:
		if list, ok := ids[t]; ok {
			return list
		}
	}
	return v
}
