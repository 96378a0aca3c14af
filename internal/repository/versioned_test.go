package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

const testDataset = "ds-1"

func newConcept(gid, title string) domain.Concept {
	return domain.Concept{
		Meta:       domain.Meta{Dataset: testDataset},
		Gid:        gid,
		Type:       domain.ConceptTypeString,
		Properties: domain.Properties{"concept": domain.String(gid), "name": domain.String(title)},
	}.WithProperties(domain.Properties{"concept": domain.String(gid), "name": domain.String(title)})
}

func TestVersionedCreateCloseClone(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	created, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), created.From)
	assert.True(t, created.IsOpen())
	assert.NotEmpty(t, created.OriginID)

	closed, ok, err := repo.CloseOpenVersion(ctx, testDataset, mquery.Filter{"gid": "pop"}, 200)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), closed.To)
	assert.Equal(t, created.ID, closed.ID)

	next, err := repo.CloneClosedAsNewOpenVersion(ctx, closed, func(c domain.Concept) domain.Concept {
		return c.WithProperties(c.Properties.Merge(domain.Properties{"name": domain.String("Pop")}))
	}, 200)
	require.NoError(t, err)
	assert.Equal(t, created.OriginID, next.OriginID)
	assert.NotEqual(t, created.ID, next.ID)
	assert.Equal(t, "Pop", next.Title)

	at150, ok, err := repo.CurrentVersion(testDataset, 150).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Population", at150.Title)

	at250, ok, err := repo.CurrentVersion(testDataset, 250).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Pop", at250.Title)

	all, err := repo.CurrentVersion(testDataset, 50).FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestVersionedCloseSkipsRecordsOpenedInSameVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	_, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)

	_, ok, err := repo.CloseOpenVersion(ctx, testDataset, mquery.Filter{"gid": "pop"}, 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVersionedRejectsSecondOpenVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	_, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)

	_, err = repo.CreateVersion(ctx, newConcept("pop", "Again"), 200)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateGid))

	_, err = repo.CreateMany(ctx, []domain.Concept{newConcept("a", "A"), newConcept("a", "B")}, 300)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateGid))
}

func TestVersionedIntervalsOfOneLineageDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewConceptRepository(store)

	current, err := repo.CreateVersion(ctx, newConcept("pop", "v0"), 100)
	require.NoError(t, err)
	for i, version := range []int64{200, 300, 400} {
		closed, ok, err := repo.CloseOpenVersion(ctx, testDataset, mquery.Filter{"gid": "pop"}, version)
		require.NoError(t, err)
		require.True(t, ok, "close at %d", version)
		current, err = repo.CloneClosedAsNewOpenVersion(ctx, closed, nil, version)
		require.NoError(t, err)
		assert.Equal(t, version, current.From, "iteration %d", i)
	}

	docs, err := store.Find(ctx, CollectionConcepts, mquery.Filter{"originId": current.OriginID},
		FindOptions{Sort: []mquery.SortField{{Field: "from"}}})
	require.NoError(t, err)
	require.Len(t, docs, 4)

	open := 0
	for i, doc := range docs {
		from, to := doc["from"].(float64), doc["to"].(float64)
		assert.Less(t, from, to)
		if to == float64(domain.MaxVersion) {
			open++
		}
		if i > 0 {
			assert.Equal(t, docs[i-1]["to"], doc["from"])
		}
	}
	assert.Equal(t, 1, open)
}

func TestLatestVersionIncludesRecordsClosedInRunningTransaction(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	_, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)
	_, ok, err := repo.CloseOpenVersion(ctx, testDataset, mquery.Filter{"gid": "pop"}, 200)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = repo.CurrentVersion(testDataset, 200).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	assert.False(t, ok)

	found, ok, err := repo.LatestVersion(testDataset, 200).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), found.To)
}

func TestFindOnePrefersOpenVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	_, err := repo.CreateVersion(ctx, newConcept("pop", "old"), 100)
	require.NoError(t, err)
	closed, _, err := repo.CloseOpenVersion(ctx, testDataset, mquery.Filter{"gid": "pop"}, 200)
	require.NoError(t, err)
	_, err = repo.CloneClosedAsNewOpenVersion(ctx, closed, func(c domain.Concept) domain.Concept {
		return c.WithProperties(domain.Properties{"name": domain.String("new")})
	}, 200)
	require.NoError(t, err)

	found, ok, err := repo.LatestVersion(testDataset, 200).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, found.IsOpen())
	assert.Equal(t, "new", found.Title)
}

func TestAmendOnlyTouchesVersionsOfRunningTransaction(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	created, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)

	amended, err := repo.Amend(ctx, created.WithProperties(domain.Properties{"name": domain.String("Pop")}), 100)
	require.NoError(t, err)
	assert.Equal(t, "Pop", amended.Title)
	assert.Equal(t, created.ID, amended.ID)
	assert.Equal(t, created.Interval, amended.Interval)

	_, err = repo.Amend(ctx, created, 200)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvariant))
}

func TestTranslationsAreWrittenInPlace(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	created, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)

	require.NoError(t, repo.AddTranslation(ctx, created.ID, "fr", domain.Properties{"name": domain.String("Population FR")}))
	found, ok, err := repo.CurrentVersion(testDataset, 100).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Population FR", found.Languages["fr"].Get("name").Text())
	assert.Equal(t, created.Interval, found.Interval)

	require.NoError(t, repo.RemoveTranslation(ctx, created.ID, "fr"))
	found, _, err = repo.CurrentVersion(testDataset, 100).FindOne(ctx, mquery.Filter{"gid": "pop"})
	require.NoError(t, err)
	assert.NotContains(t, found.Languages, "fr")

	err = repo.AddTranslation(ctx, "missing", "fr", domain.Properties{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEntityUniquenessIsScopedBySets(t *testing.T) {
	ctx := context.Background()
	repo := NewEntityRepository(NewMemoryStore())

	base := domain.Entity{Meta: domain.Meta{Dataset: testDataset}, Gid: "swe", Domain: "geo"}
	_, err := repo.CreateVersion(ctx, base.WithSets([]string{"country"}), 100)
	require.NoError(t, err)

	_, err = repo.CreateVersion(ctx, base.WithSets([]string{"region"}), 100)
	require.NoError(t, err)

	_, err = repo.CreateVersion(ctx, base.WithSets([]string{"country"}), 100)
	assert.True(t, errors.Is(err, errors.ErrDuplicateGid))
}

func TestDatasetAndTransactionRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	datasets := NewDatasetRepository(store)
	txs := NewTransactionRepository(store)

	ds, err := datasets.Create(ctx, domain.NewDataset("open-numbers", false, ""))
	require.NoError(t, err)
	_, err = datasets.Create(ctx, domain.NewDataset("open-numbers", false, ""))
	require.Error(t, err)

	require.NoError(t, datasets.SetState(ctx, ds.ID, domain.DatasetStateReady))
	byName, err := datasets.GetByName(ctx, "open-numbers")
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetStateReady, byName.State)

	_, err = datasets.GetByID(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	first, err := txs.Create(ctx, domain.Transaction{Dataset: ds.ID, CreatedAt: 100})
	require.NoError(t, err)
	require.NoError(t, txs.Close(ctx, first.ID))
	second, err := txs.Create(ctx, domain.Transaction{Dataset: ds.ID, CreatedAt: 200})
	require.NoError(t, err)

	latest, err := txs.LatestClosed(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	require.NoError(t, txs.RecordError(ctx, second.ID, errors.New("boom")))
	require.NoError(t, txs.Close(ctx, second.ID))

	at, err := txs.LatestAt(ctx, ds.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(100), at.CreatedAt)

	latest, err = txs.LatestClosed(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", latest.LastError)
}

func TestCloseOpenVersionClosesOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())
	_, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		closes atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.CloseOpenVersion(ctx, testDataset, mquery.Filter{"gid": "pop"}, 200)
			assert.NoError(t, err)
			if ok {
				closes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), closes.Load())
	open, err := repo.CurrentVersion(testDataset, 250).FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCreateVersionConcurrentDuplicatesRejected(t *testing.T) {
	ctx := context.Background()
	repo := NewConceptRepository(NewMemoryStore())

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		dups    atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateVersion(ctx, newConcept("pop", "Population"), 100)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, errors.ErrDuplicateGid):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(15), dups.Load())
}
