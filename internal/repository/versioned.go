package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// Record is implemented by the versioned domain types.
type Record[T any] interface {
	VersionMeta() domain.Meta
	WithVersionMeta(domain.Meta) T
}

// uniqueScope returns the filter selecting records that may not be open at the
// same time as rec, plus a key identifying that scope inside one batch.
type uniqueScope[T any] func(rec T) (mquery.Filter, string)

// Versioned implements copy-on-write history for one record type.
type Versioned[T Record[T]] struct {
	store      DocumentStore
	collection Collection
	unique     uniqueScope[T]

	// creating spans the uniqueness check and the insert. The Postgres store
	// also backs it with partial unique indexes across processes.
	creating sync.Mutex
}

// NewConceptRepository keeps gids unique per dataset among open concepts.
func NewConceptRepository(store DocumentStore) *Versioned[domain.Concept] {
	return &Versioned[domain.Concept]{
		store:      store,
		collection: CollectionConcepts,
		unique: func(c domain.Concept) (mquery.Filter, string) {
			return mquery.Filter{"dataset": c.Dataset, "gid": c.Gid}, c.Dataset + "/" + c.Gid
		},
	}
}

// NewEntityRepository keeps gids unique among open entities of one domain that
// share the same set membership.
func NewEntityRepository(store DocumentStore) *Versioned[domain.Entity] {
	return &Versioned[domain.Entity]{
		store:      store,
		collection: CollectionEntities,
		unique: func(e domain.Entity) (mquery.Filter, string) {
			sets := e.Sets
			if sets == nil {
				sets = []string{}
			}
			return mquery.Filter{"dataset": e.Dataset, "domain": e.Domain, "gid": e.Gid, "sets": mquery.Normalize(sets)},
				fmt.Sprintf("%s/%s/%s/%v", e.Dataset, e.Domain, e.Gid, sets)
		},
	}
}

// NewDatapointRepository stores datapoints; they carry no gid.
func NewDatapointRepository(store DocumentStore) *Versioned[domain.Datapoint] {
	return &Versioned[domain.Datapoint]{store: store, collection: CollectionDatapoints}
}

// Collection returns the collection this repository writes to.
func (r *Versioned[T]) Collection() Collection {
	return r.collection
}

// CreateVersion inserts rec as a new open version at version. A lineage id is
// minted when rec has none; otherwise the new version joins that lineage.
func (r *Versioned[T]) CreateVersion(ctx context.Context, rec T, version int64) (T, error) {
	created, err := r.CreateMany(ctx, []T{rec}, version)
	if err != nil {
		var zero T
		return zero, err
	}
	return created[0], nil
}

// CreateMany bulk-inserts open versions in one store call.
func (r *Versioned[T]) CreateMany(ctx context.Context, recs []T, version int64) ([]T, error) {
	if len(recs) == 0 {
		return []T{}, nil
	}

	stamped := make([]T, len(recs))
	docs := make([]mquery.Document, len(recs))
	for i, rec := range recs {
		meta := rec.VersionMeta()
		if meta.Dataset == "" {
			return nil, errors.Newf("%s: record without dataset", r.collection)
		}
		stamped[i] = rec.WithVersionMeta(meta.WithOpenVersion(version))
		doc, err := encodeRecord(stamped[i])
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}

	if r.unique != nil {
		r.creating.Lock()
		defer r.creating.Unlock()
	}
	if err := r.checkUnique(ctx, stamped); err != nil {
		return nil, err
	}
	if err := r.store.Insert(ctx, r.collection, docs...); err != nil {
		return nil, errors.Wrapf(err, "create %s", r.collection)
	}
	return stamped, nil
}

func (r *Versioned[T]) checkUnique(ctx context.Context, recs []T) error {
	if r.unique == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(recs))
	scopes := make([]any, 0, len(recs))
	for _, rec := range recs {
		scope, key := r.unique(rec)
		if _, dup := seen[key]; dup {
			return errors.Wrapf(errors.ErrDuplicateGid, "%s: %s appears twice in one batch", r.collection, key)
		}
		seen[key] = struct{}{}
		scopes = append(scopes, scope)
	}

	filter := mquery.And(mquery.Filter{mquery.OpOr: scopes}, mquery.Filter{"to": domain.MaxVersion})
	existing, err := r.store.Find(ctx, r.collection, filter, FindOptions{Limit: 1, Projection: []string{"gid", "dataset"}})
	if err != nil {
		return errors.Wrapf(err, "check %s uniqueness", r.collection)
	}
	if len(existing) > 0 {
		return errors.Wrapf(errors.ErrDuplicateGid, "%s: gid %v is already open", r.collection, existing[0]["gid"])
	}
	return nil
}

// CloseOpenVersion atomically sets to = version on the open record matching
// match within the dataset. Records opened at version itself are not matched:
// closing them would leave an empty interval. The bool is false when no open
// record matched, which callers treat as a resolution miss.
func (r *Versioned[T]) CloseOpenVersion(ctx context.Context, datasetID string, match mquery.Filter, version int64) (T, bool, error) {
	var zero T
	filter := mquery.And(
		match,
		mquery.Filter{"dataset": datasetID},
		mquery.Filter{"to": domain.MaxVersion},
		mquery.Filter{"from": map[string]any{mquery.OpLt: version}},
	)
	doc, ok, err := r.store.FindOneAndUpdate(ctx, r.collection, filter, Update{Set: map[string]any{"to": version}})
	if err != nil {
		return zero, false, errors.Wrapf(err, "close %s", r.collection)
	}
	if !ok {
		return zero, false, nil
	}
	closed, err := decodeRecord[T](doc)
	if err != nil {
		return zero, false, err
	}
	return closed, true, nil
}

// CloneClosedAsNewOpenVersion stores a new open version of the closed record's
// lineage. override may change anything but the version metadata, which is
// rewritten here.
func (r *Versioned[T]) CloneClosedAsNewOpenVersion(ctx context.Context, closed T, override func(T) T, version int64) (T, error) {
	var zero T
	meta := closed.VersionMeta()
	if meta.IsOpen() {
		return zero, errors.Wrapf(errors.ErrInvariant, "%s %s: cannot clone an open version", r.collection, meta.ID)
	}
	if meta.To > version {
		return zero, errors.Wrapf(errors.ErrInvariant, "%s %s: closed at %d, after %d", r.collection, meta.ID, meta.To, version)
	}

	next := closed
	if override != nil {
		next = override(closed)
	}
	nextMeta := next.VersionMeta()
	nextMeta.ID = meta.ID
	nextMeta.OriginID = meta.OriginID
	nextMeta.Dataset = meta.Dataset
	return r.CreateVersion(ctx, next.WithVersionMeta(nextMeta), version)
}

// Amend rewrites a version created by the running transaction. Only records
// with from == version that are still open qualify; older history is never
// modified.
func (r *Versioned[T]) Amend(ctx context.Context, rec T, version int64) (T, error) {
	var zero T
	meta := rec.VersionMeta()
	doc, err := encodeRecord(rec)
	if err != nil {
		return zero, err
	}
	set := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case "_id", "originId", "dataset", "from", "to":
			continue
		}
		set[k] = v
	}
	updated, ok, err := r.store.FindOneAndUpdate(ctx, r.collection,
		mquery.Filter{"_id": meta.ID, "from": version, "to": domain.MaxVersion},
		Update{Set: set},
	)
	if err != nil {
		return zero, errors.Wrapf(err, "amend %s", r.collection)
	}
	if !ok {
		return zero, errors.Wrapf(errors.ErrInvariant, "%s %s was not created by the running transaction", r.collection, meta.ID)
	}
	return decodeRecord[T](updated)
}

// AddTranslation writes the overlay for lang on one stored version in place.
func (r *Versioned[T]) AddTranslation(ctx context.Context, id, lang string, props domain.Properties) error {
	ok, err := r.store.UpdateOne(ctx, r.collection, mquery.Filter{"_id": id},
		Update{Set: map[string]any{"languages." + lang: props.Raw()}})
	if err != nil {
		return errors.Wrapf(err, "add %s translation to %s", lang, r.collection)
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "%s %s", r.collection, id)
	}
	return nil
}

// RemoveTranslation drops the overlay for lang from one stored version in place.
func (r *Versioned[T]) RemoveTranslation(ctx context.Context, id, lang string) error {
	ok, err := r.store.UpdateOne(ctx, r.collection, mquery.Filter{"_id": id},
		Update{Unset: []string{"languages." + lang}})
	if err != nil {
		return errors.Wrapf(err, "remove %s translation from %s", lang, r.collection)
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "%s %s", r.collection, id)
	}
	return nil
}

// CurrentVersion is the read view of a finished snapshot: from <= version < to.
func (r *Versioned[T]) CurrentVersion(datasetID string, version int64) Snapshot[T] {
	return Snapshot[T]{repo: r, dataset: datasetID, scope: mquery.Filter{
		"from": map[string]any{mquery.OpLte: version},
		"to":   map[string]any{mquery.OpGt: version},
	}}
}

// LatestVersion is the view used while a transaction writes at version: the
// current snapshot plus records closed by that same transaction.
func (r *Versioned[T]) LatestVersion(datasetID string, version int64) Snapshot[T] {
	return Snapshot[T]{repo: r, dataset: datasetID, scope: mquery.Filter{
		"from": map[string]any{mquery.OpLte: version},
		"to":   map[string]any{mquery.OpGte: version},
	}}
}

// Snapshot reads one dataset through a version window.
type Snapshot[T Record[T]] struct {
	repo    *Versioned[T]
	dataset string
	scope   mquery.Filter
}

func (s Snapshot[T]) filter(f mquery.Filter) mquery.Filter {
	return mquery.And(mquery.Filter{"dataset": s.dataset}, s.scope, f)
}

// Find decodes every matching record.
func (s Snapshot[T]) Find(ctx context.Context, filter mquery.Filter, opts FindOptions) ([]T, error) {
	opts.Projection = nil
	docs, err := s.FindDocuments(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeRecord[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindDocuments returns matching documents with the requested projection.
func (s Snapshot[T]) FindDocuments(ctx context.Context, filter mquery.Filter, opts FindOptions) ([]mquery.Document, error) {
	docs, err := s.repo.store.Find(ctx, s.repo.collection, s.filter(filter), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", s.repo.collection)
	}
	return docs, nil
}

// FindOne returns the first match. Open versions come before versions closed in
// the running transaction.
func (s Snapshot[T]) FindOne(ctx context.Context, filter mquery.Filter) (T, bool, error) {
	var zero T
	found, err := s.Find(ctx, filter, FindOptions{
		Sort:  []mquery.SortField{{Field: "to", Descending: true}},
		Limit: 1,
	})
	if err != nil || len(found) == 0 {
		return zero, false, err
	}
	return found[0], true, nil
}

// FindAll returns every record of the view.
func (s Snapshot[T]) FindAll(ctx context.Context) ([]T, error) {
	return s.Find(ctx, nil, FindOptions{})
}

func encodeRecord(rec any) (mquery.Document, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	var doc mquery.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return doc, nil
}

func decodeRecord[T any](doc mquery.Document) (T, error) {
	var rec T
	raw, err := json.Marshal(doc)
	if err != nil {
		return rec, errors.Wrap(err, "decode record")
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, errors.Wrap(err, "decode record")
	}
	return rec, nil
}
