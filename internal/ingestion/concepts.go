package ingestion

import (
	"context"

	"go.uber.org/zap"

	"github.com/rpattn/ddfstore/internal/changes"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/mapping"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
	"github.com/rpattn/ddfstore/internal/resolution"
)

type conceptsUpdater struct {
	repo    *repository.Versioned[domain.Concept]
	ictx    ImportContext
	summary *recorder
	tracker *DatasetTracker
	log     *zap.SugaredLogger
}

// updateConcepts applies the concept records of the diff and returns the
// concept snapshot the rest of the run resolves against.
func (s *Service) updateConcepts(ctx context.Context, diff []byte, ictx ImportContext, summary *recorder, tracker *DatasetTracker) (*resolution.ConceptIndex, error) {
	u := &conceptsUpdater{
		repo:    s.repos.Concepts,
		ictx:    ictx,
		summary: summary,
		tracker: tracker,
		log:     s.log.With("dataType", domain.DataTypeConcepts),
	}
	u.log.Debug("start concepts update")

	err := runFlow(ctx, diffSource(diff), acceptRows(domain.DataTypeConcepts), actionFlow{
		create: u.create,
		update: u.update,
		remove: u.remove,
	}, ictx.Options().ChunkSize)
	if err != nil {
		return nil, err
	}
	if err := u.resolveLinks(ctx); err != nil {
		return nil, err
	}
	return u.snapshot(ctx)
}

func acceptRows(dataType domain.DataType) func(*changes.Descriptor) bool {
	return func(d *changes.Descriptor) bool {
		return d.Describes(dataType) && !d.IsTranslation()
	}
}

func (u *conceptsUpdater) create(ctx context.Context, batch []*changes.Descriptor) error {
	concepts := make([]domain.Concept, 0, len(batch))
	for _, d := range batch {
		concepts = append(concepts, mapping.MapConcept(d.Changes(), u.ictx.DatasetID(), resourcePath(d.CurrentResource())))
	}
	u.tracker.Increment(string(domain.DataTypeConcepts), len(batch))
	u.log.Debugw("saving batch of created concepts", "amount", len(concepts))
	if _, err := u.repo.CreateMany(ctx, concepts, u.ictx.Version()); err != nil {
		return err
	}
	u.summary.add(domain.DataTypeConcepts, outcomeCreated, len(concepts))
	return nil
}

func (u *conceptsUpdater) update(ctx context.Context, batch []*changes.Descriptor) error {
	u.tracker.Increment(string(domain.DataTypeConcepts), len(batch))
	return forEachLimit(ctx, batch, u.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		filename := resourcePath(d.CurrentResource())
		result, err := supersede(ctx, u.repo, u.ictx, mquery.Filter{"gid": d.Gid()}, func(closed domain.Concept) domain.Concept {
			merged := closed.Properties.Without(d.RemovedColumns()...).Merge(d.Changes())
			next := mapping.MapConcept(merged, closed.Dataset, filename)
			next.Domain = closed.Domain
			next.SubsetOf = closed.SubsetOf
			next.Sources = unionSources(closed.Sources, next.Sources)
			return next.WithVersionMeta(closed.Meta)
		})
		if err != nil {
			return err
		}
		if result == outcomeMissing {
			u.log.Errorw("concept was not closed, though it should be", "gid", d.Gid())
		}
		u.summary.add(domain.DataTypeConcepts, result, 1)
		return nil
	})
}

func (u *conceptsUpdater) remove(ctx context.Context, batch []*changes.Descriptor) error {
	u.tracker.Increment(string(domain.DataTypeConcepts), len(batch))
	return forEachLimit(ctx, batch, u.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		result, err := closeVersion(ctx, u.repo, u.ictx, mquery.Filter{"gid": d.Gid()})
		if err != nil {
			return err
		}
		if result == outcomeMissing {
			u.log.Errorw("concept was not closed, though it should be", "gid", d.Gid())
		}
		u.summary.add(domain.DataTypeConcepts, result, 1)
		return nil
	})
}

// resolveLinks fills domain and subsetOf of the concepts written by this run
// once every concept of the run exists.
func (u *conceptsUpdater) resolveLinks(ctx context.Context) error {
	view := u.repo.CurrentVersion(u.ictx.DatasetID(), u.ictx.Version())
	all, err := view.FindAll(ctx)
	if err != nil {
		return err
	}
	index := resolution.NewConceptIndex(all)
	for _, c := range all {
		if c.From != u.ictx.Version() {
			continue
		}
		links := resolution.ResolveConceptLinks(c, index)
		for _, gid := range links.Unresolved {
			u.log.Warnw("concept references an unknown concept", "gid", c.Gid, "reference", gid)
		}
		if links.Domain == c.Domain && slicesEqual(links.SubsetOf, c.SubsetOf) {
			continue
		}
		if _, err := u.repo.Amend(ctx, c.WithDomain(links.Domain).WithSubsetOf(links.SubsetOf), u.ictx.Version()); err != nil {
			return err
		}
	}
	return nil
}

func (u *conceptsUpdater) snapshot(ctx context.Context) (*resolution.ConceptIndex, error) {
	all, err := u.repo.CurrentVersion(u.ictx.DatasetID(), u.ictx.Version()).FindAll(ctx)
	if err != nil {
		return nil, err
	}
	return resolution.NewConceptIndex(all), nil
}
