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

// translationTarget is one stored record a translation row applies to.
type translationTarget struct {
	query mquery.Filter
	props domain.Properties
}

// TranslationPlugin adapts the language overlay flow to one data type.
type TranslationPlugin[T repository.Record[T]] interface {
	DataType() domain.DataType
	Repository() *repository.Versioned[T]
	// MakeQuery returns the records the translation row refers to together with
	// the columns to overlay on each of them.
	MakeQuery(d *changes.Descriptor, ictx ImportContext) ([]translationTarget, error)
	// BeforeUpdate types the translated columns like the base records.
	BeforeUpdate(props domain.Properties, ictx ImportContext) domain.Properties
	// CloneFromClosed derives the next open version from a closed one. A nil
	// props removes the overlay for lang.
	CloneFromClosed(closed T, lang string, props domain.Properties) T
}

func withOverlay[T repository.Record[T]](closed T, lang string, props domain.Properties) T {
	meta := closed.VersionMeta()
	if props == nil {
		return closed.WithVersionMeta(meta.WithoutLanguage(lang))
	}
	return closed.WithVersionMeta(meta.WithLanguage(lang, props))
}

// translationRow is the row carrying the key columns of the target and the
// translated columns.
func translationRow(d *changes.Descriptor) (keys, values domain.Properties) {
	if d.IsUpdate() {
		return d.Original(), d.Changes()
	}
	row := d.Changes()
	return row, row
}

// keysOnly reports whether props holds nothing beyond the key columns of the
// row's resource.
func keysOnly(d *changes.Descriptor, props domain.Properties) bool {
	res, err := d.CurrentResource()
	if err != nil || res == nil {
		return len(props) == 0
	}
	return len(props.Without(res.PrimaryKey...)) == 0
}

type conceptTranslations struct {
	repo *repository.Versioned[domain.Concept]
}

func (p conceptTranslations) DataType() domain.DataType { return domain.DataTypeConcepts }

func (p conceptTranslations) Repository() *repository.Versioned[domain.Concept] { return p.repo }

func (p conceptTranslations) MakeQuery(d *changes.Descriptor, _ ImportContext) ([]translationTarget, error) {
	keys, values := translationRow(d)
	gid := d.Gid()
	if gid == "" {
		gid = keys.Get("concept").Text()
	}
	if gid == "" {
		return nil, errors.Newf("concept translation without gid: %v", d.Object())
	}
	return []translationTarget{{query: mquery.Filter{"gid": gid}, props: values}}, nil
}

func (p conceptTranslations) BeforeUpdate(props domain.Properties, _ ImportContext) domain.Properties {
	return mapping.ConceptProperties(props)
}

func (p conceptTranslations) CloneFromClosed(closed domain.Concept, lang string, props domain.Properties) domain.Concept {
	return withOverlay(closed, lang, props)
}

type entityTranslations struct {
	repo *repository.Versioned[domain.Entity]
}

func (p entityTranslations) DataType() domain.DataType { return domain.DataTypeEntities }

func (p entityTranslations) Repository() *repository.Versioned[domain.Entity] { return p.repo }

// MakeQuery matches by domain and gid, and by the key set when the file is
// keyed by an entity_set. Translation files live under their own paths, so
// sources take no part in the match.
func (p entityTranslations) MakeQuery(d *changes.Descriptor, ictx ImportContext) ([]translationTarget, error) {
	keys, values := translationRow(d)
	column := d.Concept()
	if column == "" {
		return nil, errors.Newf("entity translation without key column: %v", d.Object())
	}
	concept, ok := ictx.AllConcepts().Get(column)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "concept %s of entity translation", column)
	}
	gid := keys.Get(column).Text()
	query := mquery.Filter{"gid": gid}
	if concept.Type == domain.ConceptTypeEntitySet {
		query["domain"] = concept.Domain
		query["sets"] = concept.OriginID
	} else {
		query["domain"] = concept.OriginID
	}
	return []translationTarget{{query: query, props: values}}, nil
}

func (p entityTranslations) BeforeUpdate(props domain.Properties, ictx ImportContext) domain.Properties {
	return mapping.EntityProperties(props, ictx.AllConcepts())
}

func (p entityTranslations) CloneFromClosed(closed domain.Entity, lang string, props domain.Properties) domain.Entity {
	return withOverlay(closed, lang, props)
}

type datapointTranslations struct {
	repo *repository.Versioned[domain.Datapoint]
}

func (p datapointTranslations) DataType() domain.DataType { return domain.DataTypeDatapoints }

func (p datapointTranslations) Repository() *repository.Versioned[domain.Datapoint] {
	return p.repo
}

// MakeQuery yields one target per measure column of the row. Datapoints keep
// their source row, so key columns are matched on the stored properties.
func (p datapointTranslations) MakeQuery(d *changes.Descriptor, ictx ImportContext) ([]translationTarget, error) {
	res, err := d.CurrentResource()
	if err != nil {
		return nil, err
	}
	if res == nil {
		if res, err = d.OldResource(); err != nil {
			return nil, err
		}
	}
	layout, err := resolution.ResolveDimensionsAndMeasures(res, ictx.AllConcepts())
	if err != nil {
		return nil, err
	}
	keys, values := translationRow(d)
	base := mquery.Filter{}
	for _, dim := range layout.Dimensions {
		base["properties."+dim.Gid] = keys.Get(dim.Gid).Interface()
	}

	var targets []translationTarget
	for _, measure := range layout.Measures {
		if !keys.Has(measure.Gid) && !values.Has(measure.Gid) {
			continue
		}
		query := mquery.Clone(base)
		query["measure"] = measure.OriginID
		targets = append(targets, translationTarget{query: query, props: values})
	}
	return targets, nil
}

func (p datapointTranslations) BeforeUpdate(props domain.Properties, _ ImportContext) domain.Properties {
	return props
}

func (p datapointTranslations) CloneFromClosed(closed domain.Datapoint, lang string, props domain.Properties) domain.Datapoint {
	return withOverlay(closed, lang, props)
}

type translationsUpdater[T repository.Record[T]] struct {
	plugin  TranslationPlugin[T]
	ictx    ImportContext
	summary *recorder
	tracker *DatasetTracker
	log     *zap.SugaredLogger
	// Rows of one batch, and the create/update/remove streams, can target the
	// same record; its overlay writes are applied one at a time.
	locks *keyedLocks
}

// applyTranslations runs the overlay flow of one data type. Targets are looked
// up in the latest view so that records closed by this run can still carry the
// overlay of the version they ended.
func applyTranslations[T repository.Record[T]](ctx context.Context, plugin TranslationPlugin[T], diff []byte, ictx ImportContext, summary *recorder, tracker *DatasetTracker, log *zap.SugaredLogger) error {
	u := &translationsUpdater[T]{
		plugin:  plugin,
		ictx:    ictx,
		summary: summary,
		tracker: tracker,
		log:     log.With("dataType", plugin.DataType(), "translations", true),
		locks:   newKeyedLocks(),
	}
	u.log.Debug("start translations update")

	accept := func(d *changes.Descriptor) bool {
		return d.Describes(plugin.DataType()) && d.IsTranslation()
	}
	return runFlow(ctx, diffSource(diff), accept, actionFlow{
		create: u.apply,
		update: u.apply,
		remove: u.apply,
	}, ictx.Options().ChunkSize)
}

func (u *translationsUpdater[T]) apply(ctx context.Context, batch []*changes.Descriptor) error {
	u.tracker.Increment("translations", len(batch))
	return forEachLimit(ctx, batch, u.ictx.Options().WorkerLimit, func(ctx context.Context, d *changes.Descriptor) error {
		targets, err := u.plugin.MakeQuery(d, u.ictx)
		if err != nil {
			return err
		}
		for _, target := range targets {
			result, err := u.applyOne(ctx, d, target)
			if err != nil {
				return err
			}
			if result == outcomeTranslationSkipped {
				u.log.Warnw("translation target was not found", "lang", d.Language(), "action", d.Action(), "query", target.query)
			}
			u.summary.add(u.plugin.DataType(), result, 1)
		}
		return nil
	})
}

// applyOne writes the overlay in place on versions this run created or closed,
// and versions anything older.
func (u *translationsUpdater[T]) applyOne(ctx context.Context, d *changes.Descriptor, target translationTarget) (outcome, error) {
	repo := u.plugin.Repository()
	version := u.ictx.Version()
	lang := d.Language()

	view := repo.LatestVersion(u.ictx.DatasetID(), version)
	found, ok, err := view.FindOne(ctx, target.query)
	if err != nil || !ok {
		return outcomeTranslationSkipped, err
	}
	unlock := u.locks.lock(found.VersionMeta().OriginID)
	defer unlock()

	// Another row may have versioned the target while this one waited.
	found, ok, err = view.FindOne(ctx, mquery.And(target.query, mquery.Filter{"originId": found.VersionMeta().OriginID}))
	if err != nil || !ok {
		return outcomeTranslationSkipped, err
	}
	meta := found.VersionMeta()

	drop := d.IsRemove()
	var props domain.Properties
	if !drop {
		props = u.plugin.BeforeUpdate(target.props, u.ictx)
		if d.IsUpdate() {
			props = meta.Languages[lang].Without(d.RemovedColumns()...).Merge(props)
			// Removing the last translated columns removes the overlay.
			drop = d.OnlyColumnsRemoved() && keysOnly(d, props)
		}
	}
	if drop {
		if !meta.IsOpen() || meta.From == version {
			return outcomeTranslated, repo.RemoveTranslation(ctx, meta.ID, lang)
		}
		return u.reopen(ctx, meta.ID, lang, nil)
	}

	if !meta.IsOpen() {
		return outcomeTranslationSkipped, nil
	}
	if meta.From == version {
		return outcomeTranslated, repo.AddTranslation(ctx, meta.ID, lang, props)
	}
	return u.reopen(ctx, meta.ID, lang, props)
}

func (u *translationsUpdater[T]) reopen(ctx context.Context, id, lang string, props domain.Properties) (outcome, error) {
	repo := u.plugin.Repository()
	closed, ok, err := repo.CloseOpenVersion(ctx, u.ictx.DatasetID(), mquery.Filter{"_id": id}, u.ictx.Version())
	if err != nil || !ok {
		return outcomeTranslationSkipped, err
	}
	_, err = repo.CloneClosedAsNewOpenVersion(ctx, closed, func(c T) T {
		return u.plugin.CloneFromClosed(c, lang, props)
	}, u.ictx.Version())
	if err != nil {
		return outcomeTranslationSkipped, err
	}
	return outcomeTranslated, nil
}

// updateTranslations applies the overlays of every data type, at most
// TranslationWorkers data types at a time.
func (s *Service) updateTranslations(ctx context.Context, diff []byte, ictx ImportContext, summary *recorder, tracker *DatasetTracker) error {
	runs := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			return applyTranslations[domain.Concept](ctx, conceptTranslations{repo: s.repos.Concepts}, diff, ictx, summary, tracker, s.log)
		},
		func(ctx context.Context) error {
			return applyTranslations[domain.Entity](ctx, entityTranslations{repo: s.repos.Entities}, diff, ictx, summary, tracker, s.log)
		},
		func(ctx context.Context) error {
			return applyTranslations[domain.Datapoint](ctx, datapointTranslations{repo: s.repos.Datapoints}, diff, ictx, summary, tracker, s.log)
		},
	}
	return forEachLimit(ctx, runs, ictx.Options().TranslationWorkers, func(ctx context.Context, run func(context.Context) error) error {
		return run(ctx)
	})
}
