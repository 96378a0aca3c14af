package repository

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/mohae/deepcopy"

	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

type memoryEntry struct {
	seq uint64
	doc mquery.Document
}

type memoryCollection struct {
	tree *btree.BTreeG[memoryEntry]
	ids  map[string]uint64
}

// MemoryStore keeps documents in ordered in-process trees. It backs tests and the
// embedded mode of the CLI. One mutex serialises writers, which makes
// FindOneAndUpdate atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	seq         uint64
	collections map[Collection]*memoryCollection
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[Collection]*memoryCollection)}
}

func (s *MemoryStore) collection(name Collection) *memoryCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{
			tree: btree.NewG[memoryEntry](32, func(a, b memoryEntry) bool { return a.seq < b.seq }),
			ids:  make(map[string]uint64),
		}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) Insert(ctx context.Context, collection Collection, docs ...mquery.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		if id == "" {
			return errors.Newf("%s: document without _id", collection)
		}
		if _, dup := c.ids[id]; dup {
			return errors.Newf("%s: duplicate _id %s", collection, id)
		}
		if _, dup := seen[id]; dup {
			return errors.Newf("%s: duplicate _id %s in batch", collection, id)
		}
		seen[id] = struct{}{}
	}
	for _, doc := range docs {
		s.seq++
		stored := mquery.Normalize(deepcopy.Copy(doc)).(map[string]any)
		c.tree.ReplaceOrInsert(memoryEntry{seq: s.seq, doc: stored})
		c.ids[stored["_id"].(string)] = s.seq
	}
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, collection Collection, filter mquery.Filter, opts FindOptions) ([]mquery.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return []mquery.Document{}, nil
	}

	normalized := mquery.Clone(filter)
	var (
		matched  []mquery.Document
		matchErr error
	)
	c.tree.Ascend(func(e memoryEntry) bool {
		ok, err := mquery.Match(e.doc, normalized)
		if err != nil {
			matchErr = err
			return false
		}
		if ok {
			matched = append(matched, e.doc)
		}
		return true
	})
	if matchErr != nil {
		return nil, matchErr
	}

	if len(opts.Sort) > 0 {
		mquery.Sort(matched, opts.Sort)
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]mquery.Document, len(matched))
	for i, doc := range matched {
		out[i] = mquery.Project(doc, opts.Projection)
	}
	return out, nil
}

func (s *MemoryStore) FindOneAndUpdate(ctx context.Context, collection Collection, filter mquery.Filter, update Update) (mquery.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok, err := s.firstMatch(collection, filter)
	if err != nil || !ok {
		return nil, false, err
	}
	applyUpdate(doc, update)
	return deepcopy.Copy(doc).(mquery.Document), true, nil
}

func (s *MemoryStore) UpdateOne(ctx context.Context, collection Collection, filter mquery.Filter, update Update) (bool, error) {
	_, ok, err := s.FindOneAndUpdate(ctx, collection, filter, update)
	return ok, err
}

func (s *MemoryStore) firstMatch(collection Collection, filter mquery.Filter) (mquery.Document, bool, error) {
	c, ok := s.collections[collection]
	if !ok {
		return nil, false, nil
	}
	normalized := mquery.Clone(filter)
	var (
		found    mquery.Document
		matchErr error
	)
	c.tree.Ascend(func(e memoryEntry) bool {
		ok, err := mquery.Match(e.doc, normalized)
		if err != nil {
			matchErr = err
			return false
		}
		if ok {
			found = e.doc
			return false
		}
		return true
	})
	return found, found != nil, matchErr
}

// Len reports how many documents a collection holds.
func (s *MemoryStore) Len(collection Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[collection]; ok {
		return c.tree.Len()
	}
	return 0
}
