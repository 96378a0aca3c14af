package repository

import (
	"context"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

type datasetRepository struct {
	store DocumentStore
}

// NewDatasetRepository stores datasets in the given document store.
func NewDatasetRepository(store DocumentStore) DatasetRepository {
	return &datasetRepository{store: store}
}

func (r *datasetRepository) Create(ctx context.Context, dataset domain.Dataset) (domain.Dataset, error) {
	if dataset.Name == "" {
		return domain.Dataset{}, errors.New("dataset name is required")
	}
	if _, err := r.GetByName(ctx, dataset.Name); err == nil {
		return domain.Dataset{}, errors.Newf("dataset %q already exists", dataset.Name)
	} else if !errors.Is(err, errors.ErrNotFound) {
		return domain.Dataset{}, err
	}
	if dataset.ID == "" {
		dataset.ID = domain.NewID()
	}
	doc, err := encodeRecord(dataset)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := r.store.Insert(ctx, CollectionDatasets, doc); err != nil {
		return domain.Dataset{}, errors.Wrap(err, "create dataset")
	}
	return dataset, nil
}

func (r *datasetRepository) GetByID(ctx context.Context, id string) (domain.Dataset, error) {
	return r.findOne(ctx, mquery.Filter{"_id": id}, id)
}

func (r *datasetRepository) GetByName(ctx context.Context, name string) (domain.Dataset, error) {
	return r.findOne(ctx, mquery.Filter{"name": name}, name)
}

func (r *datasetRepository) findOne(ctx context.Context, filter mquery.Filter, label string) (domain.Dataset, error) {
	docs, err := r.store.Find(ctx, CollectionDatasets, filter, FindOptions{Limit: 1})
	if err != nil {
		return domain.Dataset{}, errors.Wrap(err, "find dataset")
	}
	if len(docs) == 0 {
		return domain.Dataset{}, errors.Wrapf(errors.ErrNotFound, "dataset %q", label)
	}
	return decodeRecord[domain.Dataset](docs[0])
}

func (r *datasetRepository) SetState(ctx context.Context, id string, state domain.DatasetState) error {
	ok, err := r.store.UpdateOne(ctx, CollectionDatasets, mquery.Filter{"_id": id},
		Update{Set: map[string]any{"state": string(state)}})
	if err != nil {
		return errors.Wrap(err, "set dataset state")
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "dataset %s", id)
	}
	return nil
}

type transactionRepository struct {
	store DocumentStore
}

// NewTransactionRepository stores transactions in the given document store.
func NewTransactionRepository(store DocumentStore) TransactionRepository {
	return &transactionRepository{store: store}
}

func (r *transactionRepository) Create(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if tx.Dataset == "" {
		return domain.Transaction{}, errors.New("transaction dataset is required")
	}
	if tx.ID == "" {
		tx.ID = domain.NewID()
	}
	doc, err := encodeRecord(tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := r.store.Insert(ctx, CollectionTransactions, doc); err != nil {
		return domain.Transaction{}, errors.Wrap(err, "create transaction")
	}
	return tx, nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	return r.findOne(ctx, mquery.Filter{"_id": id}, FindOptions{Limit: 1})
}

func (r *transactionRepository) LatestClosed(ctx context.Context, datasetID string) (domain.Transaction, error) {
	return r.findOne(ctx, mquery.Filter{"dataset": datasetID, "isClosed": true}, newestFirst())
}

func (r *transactionRepository) LatestAt(ctx context.Context, datasetID string, version int64) (domain.Transaction, error) {
	return r.findOne(ctx, mquery.Filter{
		"dataset":   datasetID,
		"isClosed":  true,
		"createdAt": map[string]any{mquery.OpLte: version},
	}, newestFirst())
}

func (r *transactionRepository) Close(ctx context.Context, id string) error {
	return r.set(ctx, id, map[string]any{"isClosed": true})
}

func (r *transactionRepository) RecordError(ctx context.Context, id string, cause error) error {
	if cause == nil {
		return nil
	}
	return r.set(ctx, id, map[string]any{"lastError": cause.Error()})
}

func (r *transactionRepository) set(ctx context.Context, id string, fields map[string]any) error {
	ok, err := r.store.UpdateOne(ctx, CollectionTransactions, mquery.Filter{"_id": id}, Update{Set: fields})
	if err != nil {
		return errors.Wrap(err, "update transaction")
	}
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "transaction %s", id)
	}
	return nil
}

func (r *transactionRepository) findOne(ctx context.Context, filter mquery.Filter, opts FindOptions) (domain.Transaction, error) {
	docs, err := r.store.Find(ctx, CollectionTransactions, filter, opts)
	if err != nil {
		return domain.Transaction{}, errors.Wrap(err, "find transaction")
	}
	if len(docs) == 0 {
		return domain.Transaction{}, errors.Wrap(errors.ErrNotFound, "transaction")
	}
	return decodeRecord[domain.Transaction](docs[0])
}

func newestFirst() FindOptions {
	return FindOptions{Sort: []mquery.SortField{{Field: "createdAt", Descending: true}}, Limit: 1}
}

// Registry bundles the repositories built on one document store.
type Registry struct {
	Concepts     *Versioned[domain.Concept]
	Entities     *Versioned[domain.Entity]
	Datapoints   *Versioned[domain.Datapoint]
	Datasets     DatasetRepository
	Transactions TransactionRepository
}

// NewRegistry wires every repository to store.
func NewRegistry(store DocumentStore) *Registry {
	return &Registry{
		Concepts:     NewConceptRepository(store),
		Entities:     NewEntityRepository(store),
		Datapoints:   NewDatapointRepository(store),
		Datasets:     NewDatasetRepository(store),
		Transactions: NewTransactionRepository(store),
	}
}
