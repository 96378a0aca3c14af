package ingestion

import (
	"context"

	"go.uber.org/zap"

	"github.com/rpattn/ddfstore/internal/changes"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mapping"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
	"github.com/rpattn/ddfstore/internal/resolution"
)

type entitiesUpdater struct {
	repo    *repository.Versioned[domain.Entity]
	ictx    ImportContext
	summary *recorder
	tracker *DatasetTracker
	log     *zap.SugaredLogger
}

func (s *Service) updateEntities(ctx context.Context, diff []byte, ictx ImportContext, summary *recorder, tracker *DatasetTracker) error {
	u := &entitiesUpdater{
		repo:    s.repos.Entities,
		ictx:    ictx,
		summary: summary,
		tracker: tracker,
		log:     s.log.With("dataType", domain.DataTypeEntities),
	}
	u.log.Debug("start entities update")

	return runFlow(ctx, diffSource(diff), acceptRows(domain.DataTypeEntities), actionFlow{
		create: u.create,
		update: u.update,
		remove: u.remove,
	}, ictx.Options().ChunkSize)
}

func (u *entitiesUpdater) create(ctx context.Context, batch []*changes.Descriptor) error {
	entities := make([]domain.Entity, 0, len(batch))
	for _, d := range batch {
		res, err := d.CurrentResource()
		if err != nil {
			return err
		}
		row := d.Changes()
		classified, err := resolution.ResolveSetsAndDomain(res, u.ictx.AllConcepts(), row)
		if err != nil {
			return errors.Wrapf(err, "entity %s", d.Gid())
		}
		entities = append(entities, mapping.MapEntity(row, u.entityContext(res.Path, classified, nil)))
	}
	entities = resolution.Reconcile(entities, u.ictx.AllConcepts())

	u.tracker.Increment(string(domain.DataTypeEntities), len(batch))
	u.log.Debugw("saving batch of created entities", "amount", len(entities))
	if _, err := u.repo.CreateMany(ctx, entities, u.ictx.Version()); err != nil {
		return err
	}
	u.summary.add(domain.DataTypeEntities, outcomeCreated, len(entities))
	return nil
}

func (u *entitiesUpdater) update(ctx context.Context, batch []*changes.Descriptor) error {
	u.tracker.Increment(string(domain.DataTypeEntities), len(batch))
	return forEachLimit(ctx, batch, u.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		match, err := u.closeQuery(d)
		if err != nil {
			return err
		}
		current, err := d.CurrentResource()
		if err != nil {
			return err
		}
		if current == nil {
			current, _ = d.OldResource()
		}

		var changeErr error
		result, err := supersede(ctx, u.repo, u.ictx, match, func(closed domain.Entity) domain.Entity {
			removed := d.RemovedColumns()
			merged := closed.Properties.Without(removed...).Merge(d.Changes())
			classified, err := resolution.ResolveSetsAndDomain(current, u.ictx.AllConcepts(), merged)
			if err != nil {
				changeErr = err
				return closed
			}
			next := mapping.MapEntity(merged, u.entityContext(current.Path, classified, closed.Sources))
			return next.WithVersionMeta(closed.Meta)
		})
		if err != nil {
			return err
		}
		if changeErr != nil {
			return errors.Wrapf(changeErr, "entity %s", d.Gid())
		}
		if result == outcomeMissing {
			u.log.Errorw("entity was not closed, though it should be", "query", match, "original", d.Original().Raw())
		}
		u.summary.add(domain.DataTypeEntities, result, 1)
		return nil
	})
}

func (u *entitiesUpdater) remove(ctx context.Context, batch []*changes.Descriptor) error {
	u.tracker.Increment(string(domain.DataTypeEntities), len(batch))
	return forEachLimit(ctx, batch, u.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		match, err := u.closeQuery(d)
		if err != nil {
			return err
		}
		result, err := closeVersion(ctx, u.repo, u.ictx, match)
		if err != nil {
			return err
		}
		if result == outcomeMissing {
			u.log.Errorw("entity was not closed, though it should be", "query", match, "original", d.Original().Raw())
		}
		u.summary.add(domain.DataTypeEntities, result, 1)
		return nil
	})
}

// closeQuery matches the stored entity an update or remove refers to: same
// domain and sets as classified by the old resource, same gid column value,
// sourced from the old file.
func (u *entitiesUpdater) closeQuery(d *changes.Descriptor) (mquery.Filter, error) {
	old, err := d.OldResource()
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, errors.Newf("entity %s: old resource is missing", d.Gid())
	}
	classified, err := resolution.ResolveSetsAndDomain(old, u.ictx.AllConcepts(), d.Original())
	if err != nil {
		return nil, errors.Wrapf(err, "entity %s", d.Gid())
	}
	match := mquery.Filter{
		"domain":  classified.EntityDomain.OriginID,
		"sets":    classified.SetOriginIDs,
		"sources": old.Path,
	}
	match["properties."+d.Concept()] = d.Gid()
	return match, nil
}

func (u *entitiesUpdater) entityContext(filename string, classified resolution.SetsAndDomain, sources []string) mapping.EntityContext {
	return mapping.EntityContext{
		DatasetID:    u.ictx.DatasetID(),
		Filename:     filename,
		Concepts:     u.ictx.AllConcepts(),
		TimeConcepts: u.ictx.TimeConcepts(),
		Classified:   classified,
		Sources:      sources,
	}
}
