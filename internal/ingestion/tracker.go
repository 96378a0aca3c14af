package ingestion

import (
	"context"
	"sync"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/repository"
)

// DatasetTracker counts the records processed by the running import of one
// dataset. It is safe for concurrent use.
type DatasetTracker struct {
	mu       sync.Mutex
	counters map[string]int
}

// Increment adds n to the counter of kind.
func (t *DatasetTracker) Increment(kind string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counters == nil {
		t.counters = make(map[string]int)
	}
	t.counters[kind] += n
}

// State returns a copy of the counters.
func (t *DatasetTracker) State() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counters))
	for k, v := range t.counters {
		out[k] = v
	}
	return out
}

// Trackers holds the trackers of the imports in progress, keyed by dataset name.
type Trackers struct {
	mu     sync.Mutex
	byName map[string]*DatasetTracker
}

// NewTrackers creates an empty tracker registry.
func NewTrackers() *Trackers {
	return &Trackers{byName: make(map[string]*DatasetTracker)}
}

// Start registers a fresh tracker. It fails when an import of the dataset is
// already running.
func (t *Trackers) Start(name string) (*DatasetTracker, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, running := t.byName[name]; running {
		return nil, errors.Newf("an import of dataset %q is already running", name)
	}
	tracker := &DatasetTracker{}
	t.byName[name] = tracker
	return tracker, nil
}

// Get returns the tracker of a running import.
func (t *Trackers) Get(name string) (*DatasetTracker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracker, ok := t.byName[name]
	return tracker, ok
}

// Finish forgets the tracker of name.
func (t *Trackers) Finish(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byName, name)
}

// stateTracker moves a dataset through its lifecycle and persists every step.
type stateTracker struct {
	datasets repository.DatasetRepository
	dataset  domain.Dataset
}

func (s *stateTracker) moveTo(ctx context.Context, next domain.DatasetState) error {
	state, err := s.dataset.State.Transition(next)
	if err != nil {
		return err
	}
	if err := s.datasets.SetState(ctx, s.dataset.ID, state); err != nil {
		return err
	}
	s.dataset = s.dataset.WithState(state)
	return nil
}
