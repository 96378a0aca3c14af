package ingestion

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rpattn/ddfstore/internal/changes"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
)

const (
	conceptsResource = `{"path": "ddf--concepts.csv", "schema": {
		"fields": [{"name": "concept"}, {"name": "concept_type"}, {"name": "name"}, {"name": "domain"}],
		"primaryKey": "concept"}}`
	conceptsNLResource = `{"path": "lang/nl-nl/ddf--concepts.csv", "schema": {
		"fields": [{"name": "concept"}, {"name": "name"}],
		"primaryKey": "concept"}}`
	countryResource = `{"path": "ddf--entities--geo--country.csv", "schema": {
		"fields": [{"name": "country"}, {"name": "name"}, {"name": "is--country"}],
		"primaryKey": "country"}}`
	populationResource = `{"path": "ddf--datapoints--population--by--country--year.csv", "schema": {
		"fields": [{"name": "country"}, {"name": "year"}, {"name": "population"}],
		"primaryKey": ["country", "year"]}}`
)

type fixture struct {
	t       *testing.T
	store   *repository.MemoryStore
	repos   *repository.Registry
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	return newFixtureOn(t, store, store, Options{ChunkSize: 2})
}

// newFixtureOn runs the service over docs, which wraps store.
func newFixtureOn(t *testing.T, store *repository.MemoryStore, docs repository.DocumentStore, opts Options) *fixture {
	t.Helper()
	repos := repository.NewRegistry(docs)
	opts.Logger = zaptest.NewLogger(t).Sugar()
	service := NewService(repos, opts)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	service.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return &fixture{t: t, store: store, repos: repos, service: service}
}

func (f *fixture) apply(lines ...string) Summary {
	f.t.Helper()
	summary, err := f.service.Apply(context.Background(), Request{Dataset: "population", Diff: diff(lines...)})
	require.NoError(f.t, err)
	return summary
}

func (f *fixture) datasetID() string {
	f.t.Helper()
	ds, err := f.repos.Datasets.GetByName(context.Background(), "population")
	require.NoError(f.t, err)
	return ds.ID
}

func diff(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n"))
}

func record(t *testing.T, action string, dataType domain.DataType, object map[string]any, oldRes, newRes, lang string) string {
	t.Helper()
	rec := changes.Record{
		Object: object,
		Metadata: changes.Metadata{
			Action: action,
			Type:   dataType,
			Lang:   lang,
		},
	}
	if oldRes != "" {
		rec.Metadata.File.Old = json.RawMessage(oldRes)
	}
	if newRes != "" {
		rec.Metadata.File.New = json.RawMessage(newRes)
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(raw)
}

func conceptRow(t *testing.T, gid, conceptType, name, domainGid string) string {
	row := map[string]any{"concept": gid, "concept_type": conceptType, "name": name}
	if domainGid != "" {
		row["domain"] = domainGid
	}
	return record(t, changes.ActionCreate, domain.DataTypeConcepts, row, "", conceptsResource, "")
}

func initialDiff(t *testing.T) []string {
	return []string{
		conceptRow(t, "geo", "entity_domain", "Geo", ""),
		conceptRow(t, "country", "entity_set", "Country", "geo"),
		conceptRow(t, "year", "time", "Year", ""),
		conceptRow(t, "population", "measure", "Population", ""),
		conceptRow(t, "name", "string", "Name", ""),
		record(t, changes.ActionCreate, domain.DataTypeEntities,
			map[string]any{"country": "swe", "name": "Sweden", "is--country": "TRUE"}, "", countryResource, ""),
		record(t, changes.ActionCreate, domain.DataTypeEntities,
			map[string]any{"country": "nor", "name": "Norway", "is--country": "TRUE"}, "", countryResource, ""),
		record(t, changes.ActionCreate, domain.DataTypeDatapoints,
			map[string]any{"country": "swe", "year": "2000", "population": "8872000"}, "", populationResource, ""),
		record(t, changes.ActionCreate, domain.DataTypeDatapoints,
			map[string]any{"country": "nor", "year": "2000", "population": "4491000"}, "", populationResource, ""),
	}
}

func populationOf(t *testing.T, f *fixture, version int64, country string) (domain.Datapoint, bool) {
	t.Helper()
	found, err := f.repos.Datapoints.CurrentVersion(f.datasetID(), version).Find(context.Background(),
		mquery.Filter{"properties.country": country}, repository.FindOptions{})
	require.NoError(t, err)
	if len(found) == 0 {
		return domain.Datapoint{}, false
	}
	require.Len(t, found, 1)
	return found[0], true
}

func TestApplyFirstImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary := f.apply(initialDiff(t)...)

	assert.Equal(t, 5, summary.Counts[domain.DataTypeConcepts].Created)
	assert.Equal(t, 2, summary.Counts[domain.DataTypeEntities].Created)
	assert.Equal(t, 1, summary.Counts[domain.DataTypeEntities].EntitiesFoundInDatapoints)
	assert.Equal(t, 2, summary.Counts[domain.DataTypeDatapoints].Created)

	ds, err := f.repos.Datasets.GetByName(ctx, "population")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetStateReady, ds.State)

	tx, err := f.repos.Transactions.LatestClosed(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, summary.TransactionID, tx.ID)
	assert.Equal(t, summary.Version, tx.CreatedAt)
	assert.Zero(t, tx.PreviousCreatedAt)

	country, ok, err := f.repos.Concepts.CurrentVersion(ds.ID, summary.Version).FindOne(ctx, mquery.Filter{"gid": "country"})
	require.NoError(t, err)
	require.True(t, ok)
	geo, ok, err := f.repos.Concepts.CurrentVersion(ds.ID, summary.Version).FindOne(ctx, mquery.Filter{"gid": "geo"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, geo.OriginID, country.Domain)

	swe, ok, err := f.repos.Entities.CurrentVersion(ds.ID, summary.Version).FindOne(ctx, mquery.Filter{"gid": "swe"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, geo.OriginID, swe.Domain)
	assert.Equal(t, []string{country.OriginID}, swe.Sets)

	dp, ok := populationOf(t, f, summary.Version, "swe")
	require.True(t, ok)
	value, isNumber := dp.Value.AsNumber()
	require.True(t, isNumber)
	assert.Equal(t, 8872000.0, value)
	assert.Equal(t, []string{swe.OriginID}, dp.Dimensions)
	require.NotNil(t, dp.Time)
	assert.Equal(t, "year", dp.Time.ConceptGid)
}

func TestApplyUpdateVersionsRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.apply(initialDiff(t)...)

	second := f.apply(
		record(t, changes.ActionChange, domain.DataTypeConcepts, map[string]any{
			"gid":         "concept",
			"data-origin": map[string]any{"concept": "population", "concept_type": "measure", "name": "Population"},
			"data-update": map[string]any{"name": "Total population"},
		}, conceptsResource, conceptsResource, ""),
		record(t, changes.ActionUpdate, domain.DataTypeDatapoints, map[string]any{
			"data-origin": map[string]any{"country": "swe", "year": "2000", "population": "8872000"},
			"data-update": map[string]any{"population": "9000000"},
		}, populationResource, populationResource, ""),
	)
	assert.Equal(t, 1, second.Counts[domain.DataTypeConcepts].Updated)
	assert.Equal(t, 1, second.Counts[domain.DataTypeDatapoints].Updated)
	assert.Greater(t, second.Version, first.Version)

	id := f.datasetID()
	before, ok, err := f.repos.Concepts.CurrentVersion(id, first.Version).FindOne(ctx, mquery.Filter{"gid": "population"})
	require.NoError(t, err)
	require.True(t, ok)
	after, ok, err := f.repos.Concepts.CurrentVersion(id, second.Version).FindOne(ctx, mquery.Filter{"gid": "population"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Population", before.Title)
	assert.Equal(t, "Total population", after.Title)
	assert.Equal(t, before.OriginID, after.OriginID)
	assert.Equal(t, second.Version, before.To)

	old, ok := populationOf(t, f, first.Version, "swe")
	require.True(t, ok)
	current, ok := populationOf(t, f, second.Version, "swe")
	require.True(t, ok)
	oldValue, _ := old.Value.AsNumber()
	newValue, _ := current.Value.AsNumber()
	assert.Equal(t, 8872000.0, oldValue)
	assert.Equal(t, 9000000.0, newValue)
	assert.Equal(t, old.OriginID, current.OriginID)
	assert.Equal(t, old.Dimensions, current.Dimensions)

	norway, ok := populationOf(t, f, second.Version, "nor")
	require.True(t, ok)
	assert.Equal(t, first.Version, norway.From)
	assert.Equal(t, 3, f.store.Len(repository.CollectionDatapoints))
}

func swedenUpdate(t *testing.T, from, to string) string {
	return record(t, changes.ActionUpdate, domain.DataTypeDatapoints, map[string]any{
		"data-origin": map[string]any{"country": "swe", "year": "2000", "population": from},
		"data-update": map[string]any{"population": to},
	}, populationResource, populationResource, "")
}

func TestApplySecondUpdateInRunFoldsIntoNewVersion(t *testing.T) {
	store := repository.NewMemoryStore()
	f := newFixtureOn(t, store, store, Options{ChunkSize: 1})
	first := f.apply(initialDiff(t)...)

	second := f.apply(swedenUpdate(t, "8872000", "9000000"), swedenUpdate(t, "9000000", "9100000"))
	counts := second.Counts[domain.DataTypeDatapoints]
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 1, counts.Folded)
	assert.Zero(t, counts.Missing)

	current, ok := populationOf(t, f, second.Version, "swe")
	require.True(t, ok)
	value, _ := current.Value.AsNumber()
	assert.Equal(t, 9100000.0, value)
	assert.Equal(t, second.Version, current.From)

	old, ok := populationOf(t, f, first.Version, "swe")
	require.True(t, ok)
	assert.Equal(t, second.Version, old.To)
	assert.Equal(t, old.OriginID, current.OriginID)
	assert.Equal(t, 3, f.store.Len(repository.CollectionDatapoints))
}

func TestApplyConcurrentUpdatesOfOneRecord(t *testing.T) {
	store := repository.NewMemoryStore()
	f := newFixtureOn(t, store, slowStore{MemoryStore: store, delay: time.Millisecond}, Options{ChunkSize: 100})
	f.apply(initialDiff(t)...)

	second := f.apply(swedenUpdate(t, "8872000", "9000000"), swedenUpdate(t, "8872000", "9100000"))
	counts := second.Counts[domain.DataTypeDatapoints]
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 1, counts.Folded)
	assert.Zero(t, counts.Missing)

	current, ok := populationOf(t, f, second.Version, "swe")
	require.True(t, ok)
	value, _ := current.Value.AsNumber()
	assert.Contains(t, []float64{9000000, 9100000}, value)
	assert.Equal(t, 3, f.store.Len(repository.CollectionDatapoints))
}

func TestApplyRemoveKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.apply(initialDiff(t)...)

	removeNorway := []string{
		record(t, changes.ActionRemove, domain.DataTypeEntities,
			map[string]any{"gid": "country", "country": "nor", "name": "Norway", "is--country": "TRUE"}, countryResource, "", ""),
		record(t, changes.ActionRemove, domain.DataTypeDatapoints,
			map[string]any{"country": "nor", "year": "2000", "population": "4491000"}, populationResource, "", ""),
	}
	second := f.apply(removeNorway...)
	assert.Equal(t, 1, second.Counts[domain.DataTypeEntities].Removed)
	assert.Equal(t, 1, second.Counts[domain.DataTypeDatapoints].Removed)

	id := f.datasetID()
	entitiesThen, err := f.repos.Entities.CurrentVersion(id, first.Version).Find(ctx, mquery.Filter{"sets": mquery.Filter{mquery.OpSize: 1.0}}, repository.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, entitiesThen, 2)
	entitiesNow, err := f.repos.Entities.CurrentVersion(id, second.Version).Find(ctx, mquery.Filter{"sets": mquery.Filter{mquery.OpSize: 1.0}}, repository.FindOptions{})
	require.NoError(t, err)
	require.Len(t, entitiesNow, 1)
	assert.Equal(t, "swe", entitiesNow[0].Gid)

	_, ok := populationOf(t, f, first.Version, "nor")
	assert.True(t, ok)
	_, ok = populationOf(t, f, second.Version, "nor")
	assert.False(t, ok)

	third := f.apply(removeNorway[0])
	assert.Equal(t, 0, third.Counts[domain.DataTypeEntities].Removed)
	assert.Equal(t, 1, third.Counts[domain.DataTypeEntities].PreviouslyClosed)
}

func TestApplyTranslationInSameTransactionWritesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lines := append(initialDiff(t), record(t, changes.ActionCreate, domain.DataTypeConcepts,
		map[string]any{"concept": "population", "name": "Bevolking"}, "", conceptsNLResource, "nl-nl"))
	summary := f.apply(lines...)

	assert.Equal(t, 5, summary.Counts[domain.DataTypeConcepts].Created)
	assert.Equal(t, 1, summary.Counts[domain.DataTypeConcepts].Translated)
	assert.Equal(t, 5, f.store.Len(repository.CollectionConcepts))

	c, ok, err := f.repos.Concepts.CurrentVersion(f.datasetID(), summary.Version).FindOne(ctx, mquery.Filter{"gid": "population"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Bevolking", c.Languages["nl-nl"].Get("name").Text())
	assert.Equal(t, "Population", c.Title)
}

func TestApplyTranslationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.apply(initialDiff(t)...)

	translate := record(t, changes.ActionCreate, domain.DataTypeConcepts,
		map[string]any{"concept": "population", "name": "Bevolking"}, "", conceptsNLResource, "nl-nl")
	second := f.apply(translate)
	assert.Equal(t, 1, second.Counts[domain.DataTypeConcepts].Translated)

	id := f.datasetID()
	population := func(version int64) domain.Concept {
		c, ok, err := f.repos.Concepts.CurrentVersion(id, version).FindOne(ctx, mquery.Filter{"gid": "population"})
		require.NoError(t, err)
		require.True(t, ok)
		return c
	}
	assert.Empty(t, population(first.Version).Languages)
	assert.Equal(t, "Bevolking", population(second.Version).Languages["nl-nl"].Get("name").Text())
	assert.Equal(t, population(first.Version).OriginID, population(second.Version).OriginID)

	third := f.apply(record(t, changes.ActionRemove, domain.DataTypeConcepts,
		map[string]any{"gid": "concept", "concept": "population"}, conceptsNLResource, "", "nl-nl"))
	assert.Equal(t, 1, third.Counts[domain.DataTypeConcepts].Translated)
	assert.NotContains(t, population(third.Version).Languages, "nl-nl")
	assert.Contains(t, population(second.Version).Languages, "nl-nl")

	open, err := f.repos.Concepts.CurrentVersion(id, third.Version).Find(ctx, mquery.Filter{"gid": "population"}, repository.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestApplyTranslationRemovingLastColumnDropsOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.apply(initialDiff(t)...)
	second := f.apply(record(t, changes.ActionCreate, domain.DataTypeConcepts,
		map[string]any{"concept": "population", "name": "Bevolking"}, "", conceptsNLResource, "nl-nl"))

	rec := changes.Record{
		Object: map[string]any{
			"gid":         "concept",
			"data-origin": map[string]any{"concept": "population", "name": "Bevolking"},
			"data-update": map[string]any{},
		},
		Metadata: changes.Metadata{
			Action:             changes.ActionUpdate,
			Type:               domain.DataTypeConcepts,
			RemovedColumns:     []string{"name"},
			OnlyColumnsRemoved: true,
			Lang:               "nl-nl",
		},
	}
	rec.Metadata.File.Old = json.RawMessage(conceptsNLResource)
	rec.Metadata.File.New = json.RawMessage(`{"path": "lang/nl-nl/ddf--concepts.csv", "schema": {
		"fields": [{"name": "concept"}], "primaryKey": "concept"}}`)
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	third := f.apply(string(raw))
	assert.Equal(t, 1, third.Counts[domain.DataTypeConcepts].Translated)

	id := f.datasetID()
	population := func(version int64) domain.Concept {
		c, ok, err := f.repos.Concepts.CurrentVersion(id, version).FindOne(ctx, mquery.Filter{"gid": "population"})
		require.NoError(t, err)
		require.True(t, ok)
		return c
	}
	assert.NotContains(t, population(third.Version).Languages, "nl-nl")
	assert.Equal(t, "Bevolking", population(second.Version).Languages["nl-nl"].Get("name").Text())
}

// slowStore widens the window between reading a record and closing it.
type slowStore struct {
	*repository.MemoryStore
	delay time.Duration
}

func (s slowStore) Find(ctx context.Context, c repository.Collection, f mquery.Filter, opts repository.FindOptions) ([]mquery.Document, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Find(ctx, c, f, opts)
}

func (s slowStore) FindOneAndUpdate(ctx context.Context, c repository.Collection, f mquery.Filter, u repository.Update) (mquery.Document, bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.FindOneAndUpdate(ctx, c, f, u)
}

func TestApplyConcurrentTranslationsOfOneRecord(t *testing.T) {
	store := repository.NewMemoryStore()
	f := newFixtureOn(t, store, slowStore{MemoryStore: store, delay: time.Millisecond}, Options{ChunkSize: 100})
	ctx := context.Background()
	first := f.apply(initialDiff(t)...)

	names := map[string]string{"nl-nl": "Bevolking", "de-de": "Bevölkerung", "fr-fr": "Population totale"}
	var lines []string
	for lang, name := range names {
		res := `{"path": "lang/` + lang + `/ddf--concepts.csv", "schema": {
			"fields": [{"name": "concept"}, {"name": "name"}], "primaryKey": "concept"}}`
		lines = append(lines, record(t, changes.ActionCreate, domain.DataTypeConcepts,
			map[string]any{"concept": "population", "name": name}, "", res, lang))
	}
	second := f.apply(lines...)
	assert.Equal(t, 3, second.Counts[domain.DataTypeConcepts].Translated)
	assert.Zero(t, second.Counts[domain.DataTypeConcepts].TranslationsSkipped)

	id := f.datasetID()
	c, ok, err := f.repos.Concepts.CurrentVersion(id, second.Version).FindOne(ctx, mquery.Filter{"gid": "population"})
	require.NoError(t, err)
	require.True(t, ok)
	for lang, name := range names {
		assert.Equal(t, name, c.Languages[lang].Get("name").Text(), lang)
	}

	all, err := f.repos.Concepts.LatestVersion(id, second.Version).Find(ctx,
		mquery.Filter{"originId": c.OriginID}, repository.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "one closed version from the first import and one open version")

	before, ok, err := f.repos.Concepts.CurrentVersion(id, first.Version).FindOne(ctx, mquery.Filter{"gid": "population"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, before.Languages)
}

func TestApplyTranslationWithoutTargetIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.apply(initialDiff(t)...)

	summary := f.apply(record(t, changes.ActionCreate, domain.DataTypeConcepts,
		map[string]any{"concept": "gdp", "name": "BBP"}, "", conceptsNLResource, "nl-nl"))
	assert.Equal(t, 0, summary.Counts[domain.DataTypeConcepts].Translated)
	assert.Equal(t, 1, summary.Counts[domain.DataTypeConcepts].TranslationsSkipped)
}

func TestApplyRejectsInvalidDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := record(t, changes.ActionCreate, domain.DataType("synonyms"), map[string]any{"x": "y"}, "", "", "")
	_, err := f.service.Apply(ctx, Request{Dataset: "population", Diff: diff(bad)})
	require.Error(t, err)

	ds, err := f.repos.Datasets.GetByName(ctx, "population")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetStateFailedValidating, ds.State)
	_, err = f.repos.Transactions.LatestClosed(ctx, ds.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	f.apply(initialDiff(t)...)
	ds, err = f.repos.Datasets.GetByName(ctx, "population")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetStateReady, ds.State)
}

func TestApplyFailureMarksDatasetAndTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := record(t, changes.ActionCreate, domain.DataTypeEntities,
		map[string]any{"country": "swe"}, "", countryResource, "")
	_, err := f.service.Apply(ctx, Request{Dataset: "population", Diff: diff(orphan)})
	require.Error(t, err)

	ds, err := f.repos.Datasets.GetByName(ctx, "population")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetStateFailedCloning, ds.State)
	_, err = f.repos.Transactions.LatestClosed(ctx, ds.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestApplyPrivateDatasetRequiresToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Apply(ctx, Request{Dataset: "population", Private: true, AccessToken: "secret", Diff: diff(initialDiff(t)...)})
	require.NoError(t, err)

	_, err = f.service.Apply(ctx, Request{Dataset: "population", AccessToken: "guess", Diff: diff()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestTrackersRejectConcurrentImport(t *testing.T) {
	trackers := NewTrackers()
	tracker, err := trackers.Start("population")
	require.NoError(t, err)
	tracker.Increment("concepts", 3)

	_, err = trackers.Start("population")
	require.Error(t, err)

	got, ok := trackers.Get("population")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"concepts": 3}, got.State())

	trackers.Finish("population")
	_, err = trackers.Start("population")
	assert.NoError(t, err)
}
