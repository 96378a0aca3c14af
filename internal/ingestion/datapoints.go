package ingestion

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/rpattn/ddfstore/internal/changes"
	"github.com/rpattn/ddfstore/internal/datapackage"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mapping"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
	"github.com/rpattn/ddfstore/internal/resolution"
)

// fileGroup holds the datapoint records of one resource file.
type fileGroup struct {
	resource    *datapackage.Resource
	descriptors []*changes.Descriptor
}

// entityCache is the entity snapshot datapoints resolve against. It grows with
// the entities discovered in datapoints so that every undeclared dimension value
// is saved once per import.
type entityCache struct {
	mu       sync.Mutex
	current  *resolution.Segregated
	previous *resolution.Segregated
}

func (c *entityCache) resolve(row domain.Properties, layout resolution.DatapointsLayout) (resolution.ResolvedDimensions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return resolution.ResolveDimensions(row, layout, c.current, c.previous)
}

type datapointsUpdater struct {
	repo     *repository.Versioned[domain.Datapoint]
	entities *repository.Versioned[domain.Entity]
	ictx     ImportContext
	summary  *recorder
	tracker  *DatasetTracker
	log      *zap.SugaredLogger
	cache    *entityCache
}

// updateDatapoints applies datapoint records file by file: discovering entities
// in one file affects how the dimensions of that same file resolve.
func (s *Service) updateDatapoints(ctx context.Context, diff []byte, ictx ImportContext, summary *recorder, tracker *DatasetTracker) error {
	log := s.log.With("dataType", domain.DataTypeDatapoints)
	log.Debug("start datapoints update")

	descriptors, err := changes.ReadAll(ctx, bytes.NewReader(diff), acceptRows(domain.DataTypeDatapoints))
	if err != nil {
		return err
	}
	if len(descriptors) == 0 {
		return nil
	}
	groups, err := groupByFile(descriptors)
	if err != nil {
		return err
	}

	cache, err := s.loadEntityCache(ctx, ictx)
	if err != nil {
		return err
	}
	u := &datapointsUpdater{
		repo:     s.repos.Datapoints,
		entities: s.repos.Entities,
		ictx:     ictx,
		summary:  summary,
		tracker:  tracker,
		log:      log,
		cache:    cache,
	}

	for _, group := range groups {
		layout, err := resolution.ResolveDimensionsAndMeasures(group.resource, ictx.AllConcepts())
		if err != nil {
			return err
		}
		log.Debugw("processing datapoints file", "path", group.resource.Path, "records", len(group.descriptors))
		f := &datapointsFile{datapointsUpdater: u, layout: layout, path: group.resource.Path}
		err = runFlow(ctx, sliceSource(group.descriptors), nil, actionFlow{
			create: f.create,
			update: f.update,
			remove: f.remove,
		}, ictx.Options().ChunkSize)
		if err != nil {
			return errors.Wrapf(err, "datapoints of %s", group.resource.Path)
		}
	}
	return nil
}

func (s *Service) loadEntityCache(ctx context.Context, ictx ImportContext) (*entityCache, error) {
	current, err := s.repos.Entities.CurrentVersion(ictx.DatasetID(), ictx.Version()).FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var previous []domain.Entity
	if prev := ictx.PreviousVersion(); prev > 0 {
		if previous, err = s.repos.Entities.CurrentVersion(ictx.DatasetID(), prev).FindAll(ctx); err != nil {
			return nil, err
		}
	}
	return &entityCache{
		current:  resolution.SegregateEntities(current),
		previous: resolution.SegregateEntities(previous),
	}, nil
}

// groupByFile keeps the order in which files first appear. Removes are keyed by
// the old resource, creates and updates by the new one.
func groupByFile(descriptors []*changes.Descriptor) ([]*fileGroup, error) {
	var (
		order  []string
		groups = map[string]*fileGroup{}
	)
	for _, d := range descriptors {
		var (
			res *datapackage.Resource
			err error
		)
		prefix := "new:"
		if d.IsRemove() {
			prefix = "old:"
			res, err = d.OldResource()
		} else {
			res, err = d.CurrentResource()
		}
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errors.Newf("datapoint record without resource: %v", d.Object())
		}
		key := prefix + res.Path
		g, ok := groups[key]
		if !ok {
			g = &fileGroup{resource: res}
			groups[key] = g
			order = append(order, key)
		}
		g.descriptors = append(g.descriptors, d)
	}
	out := make([]*fileGroup, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out, nil
}

type datapointsFile struct {
	*datapointsUpdater
	layout resolution.DatapointsLayout
	path   string
}

func (f *datapointsFile) create(ctx context.Context, batch []*changes.Descriptor) error {
	f.tracker.Increment(string(domain.DataTypeDatapoints), len(batch))
	if err := f.saveEntitiesFoundIn(ctx, batch); err != nil {
		return err
	}

	var datapoints []domain.Datapoint
	for _, d := range batch {
		row := d.Changes()
		dims, err := f.cache.resolve(row, f.layout)
		if err != nil {
			return err
		}
		datapoints = append(datapoints, mapping.MapDatapoints(row, mapping.DatapointContext{
			DatasetID:  f.ictx.DatasetID(),
			Filename:   f.path,
			Layout:     f.layout,
			Dimensions: dims,
		})...)
	}
	f.log.Debugw("store datapoints to database", "amount", len(datapoints))
	if _, err := f.repo.CreateMany(ctx, datapoints, f.ictx.Version()); err != nil {
		return err
	}
	f.summary.add(domain.DataTypeDatapoints, outcomeCreated, len(datapoints))
	return nil
}

// saveEntitiesFoundIn creates entities for dimension values no entities file
// declares.
func (f *datapointsFile) saveEntitiesFoundIn(ctx context.Context, batch []*changes.Descriptor) error {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()

	seen := map[string]struct{}{}
	var found []domain.Entity
	for _, d := range batch {
		for _, m := range resolution.FindEntitiesInDatapoint(d.Changes(), f.layout, f.ictx.AllConcepts(), f.cache.current) {
			if _, dup := seen[m.Gid]; dup {
				continue
			}
			seen[m.Gid] = struct{}{}
			found = append(found, mapping.MapEntityFoundInDatapoint(m, f.ictx.DatasetID(), f.path))
		}
	}
	if len(found) == 0 {
		return nil
	}
	f.log.Debugw("store entities found in datapoints to database", "amount", len(found))
	saved, err := f.entities.CreateMany(ctx, found, f.ictx.Version())
	if err != nil {
		return err
	}
	for _, e := range saved {
		f.cache.current.Add(e)
	}
	f.summary.add(domain.DataTypeEntities, outcomeFoundInDatapoints, len(saved))
	return nil
}

func (f *datapointsFile) update(ctx context.Context, batch []*changes.Descriptor) error {
	f.tracker.Increment(string(domain.DataTypeDatapoints), len(batch))
	return forEachLimit(ctx, batch, f.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		base, err := f.closeQuery(d, d.Original())
		if err != nil {
			return err
		}
		removed := d.RemovedColumns()
		changed := d.Changes()
		for _, measure := range f.layout.Measures {
			match := mquery.And(base, mquery.Filter{"measure": measure.OriginID})
			var result outcome
			switch {
			case slices.Contains(removed, measure.Gid):
				result, err = closeVersion(ctx, f.repo, f.ictx, match)
			case changed.Has(measure.Gid):
				value := changed.Get(measure.Gid)
				result, err = supersede(ctx, f.repo, f.ictx, match, func(closed domain.Datapoint) domain.Datapoint {
					next := closed.WithValue(value).WithProperties(closed.Properties.Without(removed...).Merge(changed))
					next.Sources = unionSources(closed.Sources, []string{f.path})
					return next
				})
			default:
				continue
			}
			if err != nil {
				return err
			}
			f.report(result, match)
		}
		return nil
	})
}

func (f *datapointsFile) remove(ctx context.Context, batch []*changes.Descriptor) error {
	f.tracker.Increment(string(domain.DataTypeDatapoints), len(batch))
	return forEachLimit(ctx, batch, f.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		row := d.Original()
		base, err := f.closeQuery(d, row)
		if err != nil {
			return err
		}
		for _, measure := range f.layout.Measures {
			if !row.Has(measure.Gid) {
				continue
			}
			match := mquery.And(base, mquery.Filter{"measure": measure.OriginID})
			result, err := closeVersion(ctx, f.repo, f.ictx, match)
			if err != nil {
				return err
			}
			f.report(result, match)
		}
		return nil
	})
}

// closeQuery matches the datapoints of one row regardless of measure.
func (f *datapointsFile) closeQuery(d *changes.Descriptor, row domain.Properties) (mquery.Filter, error) {
	dims, err := f.cache.resolve(row, f.layout)
	if err != nil {
		return nil, err
	}
	source := resourcePath(d.OldResource())
	if source == "" {
		source = f.path
	}
	match := mquery.Filter{
		"dimensions": dims.EntityOriginIDs,
		"sources":    source,
	}
	if dims.Time != nil {
		match["time.conceptGid"] = dims.Time.ConceptGid
		match["time.millis"] = dims.Time.Millis
	}
	return match, nil
}

func (f *datapointsFile) report(result outcome, match mquery.Filter) {
	if result == outcomeMissing {
		f.log.Errorw("datapoint was not closed, though it should be", "query", match)
	}
	f.summary.add(domain.DataTypeDatapoints, result, 1)
}
