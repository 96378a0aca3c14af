package query

import (
	"context"
	"strings"

	"github.com/rpattn/ddfstore/internal/ddfql"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
)

func (s *Service) queryConcepts(ctx context.Context, snap snapshot, q ddfql.Query) (Result, error) {
	n, err := ddfql.NormalizeConcepts(q)
	if err != nil {
		return Result{}, err
	}
	found, err := s.repos.Concepts.CurrentVersion(snap.dataset.ID, snap.version()).Find(ctx, n.Where, repository.FindOptions{})
	if err != nil {
		return Result{}, errors.Wrap(err, "find concepts")
	}

	t := newTable(q.Columns())
	for _, c := range found {
		doc := mquery.Document{}
		for _, col := range t.headers {
			switch col {
			case "concept":
				doc[col] = c.Gid
			case "concept_type":
				if c.Properties.Has(col) {
					doc[col] = c.Properties.Get(col).Interface()
				} else {
					doc[col] = c.Type
				}
			default:
				doc[col] = localized(c.Meta, n.Language, col, c.Properties.Get(col))
			}
		}
		t.add(doc)
	}
	return t.result(n.OrderBy), nil
}

func (s *Service) queryEntities(ctx context.Context, snap snapshot, q ddfql.Query) (Result, error) {
	n, err := ddfql.NormalizeEntities(q, snap.concepts)
	if err != nil {
		return Result{}, err
	}
	where, err := ddfql.ResolveJoins(ctx, n, s.finder(snap))
	if err != nil {
		return Result{}, err
	}
	found, err := s.repos.Entities.CurrentVersion(snap.dataset.ID, snap.version()).Find(ctx, where, repository.FindOptions{})
	if err != nil {
		return Result{}, errors.Wrap(err, "find entities")
	}

	key := n.Key[0]
	t := newTable(q.Columns())
	for _, e := range found {
		doc := mquery.Document{}
		for _, col := range t.headers {
			doc[col] = s.entityCell(snap, e, key, col, n.Language)
		}
		t.add(doc)
	}
	return t.result(n.OrderBy), nil
}

// entityCell reads one column of an entity. Set membership columns absent from
// the source row are answered from the entity's sets.
func (s *Service) entityCell(snap snapshot, e domain.Entity, key domain.Concept, col, lang string) any {
	if col == key.Gid {
		return e.Gid
	}
	if e.Properties.Has(col) {
		return localized(e.Meta, lang, col, e.Properties.Get(col))
	}
	if set, ok := strings.CutPrefix(col, "is--"); ok {
		if c, found := snap.concepts.Get(set); found {
			return e.InSet(c.OriginID) || e.Domain == c.OriginID
		}
	}
	return localized(e.Meta, lang, col, domain.Null())
}
