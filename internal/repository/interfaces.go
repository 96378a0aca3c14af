package repository

import (
	"context"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// Collection names a group of documents in the backing store.
type Collection string

const (
	CollectionConcepts     Collection = "concepts"
	CollectionEntities     Collection = "entities"
	CollectionDatapoints   Collection = "datapoints"
	CollectionDatasets     Collection = "datasets"
	CollectionTransactions Collection = "transactions"
)

// FindOptions shapes a find call. Projection paths are dotted document paths.
type FindOptions struct {
	Projection []string
	Sort       []mquery.SortField
	Limit      int
}

// Update describes an in-place modification of one document.
type Update struct {
	Set   map[string]any
	Unset []string
}

// DocumentStore is the storage collaborator every repository builds on.
type DocumentStore interface {
	// Insert stores new documents. Each document must carry a unique "_id".
	Insert(ctx context.Context, collection Collection, docs ...mquery.Document) error
	// Find returns copies of the matching documents in insertion order unless a sort is given.
	Find(ctx context.Context, collection Collection, filter mquery.Filter, opts FindOptions) ([]mquery.Document, error)
	// FindOneAndUpdate atomically updates the first matching document and returns
	// it as it is after the update. The bool is false when nothing matched.
	FindOneAndUpdate(ctx context.Context, collection Collection, filter mquery.Filter, update Update) (mquery.Document, bool, error)
	// UpdateOne applies update to the first matching document.
	UpdateOne(ctx context.Context, collection Collection, filter mquery.Filter, update Update) (bool, error)
}

// DatasetRepository stores dataset descriptors.
type DatasetRepository interface {
	Create(ctx context.Context, dataset domain.Dataset) (domain.Dataset, error)
	GetByID(ctx context.Context, id string) (domain.Dataset, error)
	GetByName(ctx context.Context, name string) (domain.Dataset, error)
	SetState(ctx context.Context, id string, state domain.DatasetState) error
}

// TransactionRepository stores import runs.
type TransactionRepository interface {
	Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error)
	GetByID(ctx context.Context, id string) (domain.Transaction, error)
	// LatestClosed returns the newest finished transaction of a dataset.
	LatestClosed(ctx context.Context, datasetID string) (domain.Transaction, error)
	// LatestAt returns the newest finished transaction whose version is <= version.
	LatestAt(ctx context.Context, datasetID string, version int64) (domain.Transaction, error)
	Close(ctx context.Context, id string) error
	RecordError(ctx context.Context, id string, err error) error
}
