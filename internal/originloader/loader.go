// Package originloader batches entity lookups by lineage id for one dataset
// version, so building datapoint rows costs one query per batch instead of one
// per dimension value.
package originloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
)

// Loader resolves entity lineage ids within one snapshot.
type Loader struct {
	Loader *dataloader.Loader
}

// New builds a loader reading entities visible at version.
func New(entities *repository.Versioned[domain.Entity], datasetID string, version int64) *Loader {
	snapshot := entities.CurrentVersion(datasetID, version)

	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := keys.Keys()

		found, err := snapshot.Find(ctx, mquery.In("originId", ids), repository.FindOptions{})
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		byOrigin := make(map[string]domain.Entity, len(found))
		for _, e := range found {
			byOrigin[e.OriginID] = e
		}

		// results must follow the order of keys
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if e, ok := byOrigin[id]; ok {
				results[i] = &dataloader.Result{Data: e}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	return &Loader{Loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))}
}

// LoadMany returns the entities found for ids keyed by lineage id. Ids without
// a visible entity are left out.
func (l *Loader) LoadMany(ctx context.Context, ids []string) (map[string]domain.Entity, error) {
	if len(ids) == 0 {
		return map[string]domain.Entity{}, nil
	}
	values, errs := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(ids))()
	out := make(map[string]domain.Entity, len(ids))
	for i, v := range values {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		e, ok := v.(domain.Entity)
		if !ok {
			continue
		}
		out[e.OriginID] = e
	}
	return out, nil
}

// Registry hands out one loader per dataset version for the lifetime of a request.
type Registry struct {
	entities *repository.Versioned[domain.Entity]

	mu      sync.Mutex
	loaders map[string]*Loader
}

// NewRegistry creates an empty registry over the entity repository.
func NewRegistry(entities *repository.Versioned[domain.Entity]) *Registry {
	return &Registry{entities: entities, loaders: make(map[string]*Loader)}
}

// For returns the loader of one dataset version, creating it on first use.
func (r *Registry) For(datasetID string, version int64) *Loader {
	key := fmt.Sprintf("%s@%d", datasetID, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loaders[key]; ok {
		return l
	}
	l := New(r.entities, datasetID, version)
	r.loaders[key] = l
	return l
}

type ctxKey string

const registryKey ctxKey = "originLoaders"

// WithRegistry attaches a registry to ctx.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey, r)
}

// FromContext retrieves the registry attached to ctx, if any.
func FromContext(ctx context.Context) *Registry {
	if r, ok := ctx.Value(registryKey).(*Registry); ok {
		return r
	}
	return nil
}
