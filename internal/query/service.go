// Package query executes DDFQL queries against one version of a dataset.
package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/ddfstore/internal/ddfql"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/logger"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/originloader"
	"github.com/rpattn/ddfstore/internal/repository"
	"github.com/rpattn/ddfstore/internal/resolution"
)

// Options tunes the query service.
type Options struct {
	// DefaultDataset is read when a query names no dataset.
	DefaultDataset string
	Logger         *zap.SugaredLogger
}

// Service answers DDFQL queries.
type Service struct {
	repos *repository.Registry
	opts  Options
	log   *zap.SugaredLogger
}

// NewService creates a query service over the repositories.
func NewService(repos *repository.Registry, opts Options) *Service {
	return &Service{
		repos: repos,
		opts:  opts,
		log:   logger.Named(opts.Logger, "query"),
	}
}

// Request is one query together with the credentials of its caller.
type Request struct {
	Query       ddfql.Query
	AccessToken string
}

// Result is a table: one header per selected column and one row per record.
type Result struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

// snapshot is the dataset version a query reads.
type snapshot struct {
	dataset  domain.Dataset
	tx       domain.Transaction
	concepts *resolution.ConceptIndex
}

func (s snapshot) version() int64 {
	return s.tx.CreatedAt
}

// Execute validates, compiles and runs a query.
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	q := req.Query
	if err := ddfql.Validate(q); err != nil {
		return Result{}, err
	}
	if len(q.Columns()) == 0 {
		return Result{}, errors.Invalidf("You didn't select any column")
	}

	start := time.Now()
	snap, err := s.open(ctx, q, req.AccessToken)
	if err != nil {
		return Result{}, err
	}

	var res Result
	switch {
	case q.IsSchema():
		res, err = s.querySchema(ctx, snap, q)
	case q.From == ddfql.FromConcepts:
		res, err = s.queryConcepts(ctx, snap, q)
	case q.From == ddfql.FromEntities:
		res, err = s.queryEntities(ctx, snap, q)
	case q.From == ddfql.FromDatapoints:
		res, err = s.queryDatapoints(ctx, snap, q)
	default:
		err = errors.Mark(errors.Invalidf("Value '%s' in the 'from' field isn't supported yet.", q.From), errors.ErrUnsupported)
	}
	if err != nil {
		return Result{}, err
	}

	s.log.Debugw("query executed",
		"dataset", snap.dataset.Name,
		"version", snap.version(),
		"from", q.From,
		"rows", len(res.Rows),
		"took", time.Since(start))
	return res, nil
}

// open resolves the dataset, checks access and picks the version to read.
func (s *Service) open(ctx context.Context, q ddfql.Query, token string) (snapshot, error) {
	name := q.Dataset
	if name == "" {
		name = s.opts.DefaultDataset
	}
	if name == "" {
		return snapshot{}, errors.Invalidf("Dataset isn't given and no default dataset is configured")
	}

	ds, err := s.repos.Datasets.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return snapshot{}, errors.Mark(errors.Newf("Dataset '%s' was not found", name), errors.ErrNotFound)
		}
		return snapshot{}, err
	}
	if !ds.CanBeAccessedWith(token) {
		return snapshot{}, errors.Mark(errors.Newf("You are unauthenticated to access dataset '%s'", name), errors.ErrForbidden)
	}

	var tx domain.Transaction
	if q.Version > 0 {
		tx, err = s.repos.Transactions.LatestAt(ctx, ds.ID, int64(q.Version))
	} else {
		tx, err = s.repos.Transactions.LatestClosed(ctx, ds.ID)
	}
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return snapshot{}, errors.Mark(errors.Newf("Dataset '%s' has no imported version at %d", name, q.Version), errors.ErrNotFound)
		}
		return snapshot{}, err
	}

	concepts, err := s.repos.Concepts.CurrentVersion(ds.ID, tx.CreatedAt).FindAll(ctx)
	if err != nil {
		return snapshot{}, errors.Wrap(err, "load concepts")
	}
	return snapshot{dataset: ds, tx: tx, concepts: resolution.NewConceptIndex(concepts)}, nil
}

// loader returns the entity loader of the request, or a fresh one when no
// middleware attached a registry.
func (s *Service) loader(ctx context.Context, snap snapshot) *originloader.Loader {
	registry := originloader.FromContext(ctx)
	if registry == nil {
		registry = originloader.NewRegistry(s.repos.Entities)
	}
	return registry.For(snap.dataset.ID, snap.version())
}

// entityFinder resolves join sub-queries against one snapshot.
type entityFinder struct {
	snapshot repository.Snapshot[domain.Entity]
}

func (f entityFinder) FindOriginIDs(ctx context.Context, where mquery.Filter) ([]string, error) {
	docs, err := f.snapshot.FindDocuments(ctx, where, repository.FindOptions{Projection: []string{"originId"}})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(docs))
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, ok := doc["originId"].(string)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) finder(snap snapshot) entityFinder {
	return entityFinder{snapshot: s.repos.Entities.CurrentVersion(snap.dataset.ID, snap.version())}
}
