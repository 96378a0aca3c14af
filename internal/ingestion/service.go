// Package ingestion applies DDF change diffs to the versioned store. Every run
// writes under one transaction whose version stamps all records it creates or
// closes.
package ingestion

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/ddfstore/internal/changes"
	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/logger"
	"github.com/rpattn/ddfstore/internal/repository"
	"github.com/rpattn/ddfstore/internal/resolution"
)

// Service applies diffs to datasets.
type Service struct {
	repos    *repository.Registry
	opts     Options
	log      *zap.SugaredLogger
	trackers *Trackers
	now      func() time.Time
}

// NewService creates an import service over the given repositories.
func NewService(repos *repository.Registry, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		repos:    repos,
		opts:     opts,
		log:      logger.Named(opts.Logger, "ingestion"),
		trackers: NewTrackers(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request describes one import.
type Request struct {
	// Dataset is the dataset name. It is created on first import.
	Dataset     string
	Private     bool
	AccessToken string
	Commit      string
	// Diff holds one change record per line.
	Diff io.Reader
}

// Apply validates the diff, then writes it under a new transaction. On failure
// the dataset is left in a failed state and the error is recorded on the
// transaction; records already written by the failed run stay in the store but
// are never visible through a closed transaction's snapshot.
func (s *Service) Apply(ctx context.Context, req Request) (Summary, error) {
	name := strings.TrimSpace(req.Dataset)
	if name == "" {
		return Summary{}, errors.New("dataset name is required")
	}
	if req.Diff == nil {
		return Summary{}, errors.New("diff reader is required")
	}
	diff, err := io.ReadAll(req.Diff)
	if err != nil {
		return Summary{}, errors.Wrap(err, "read diff")
	}

	tracker, err := s.trackers.Start(name)
	if err != nil {
		return Summary{}, err
	}
	defer s.trackers.Finish(name)

	dataset, err := s.findOrCreateDataset(ctx, name, req)
	if err != nil {
		return Summary{}, err
	}
	log := s.log.With("dataset", dataset.Name)
	states := &stateTracker{datasets: s.repos.Datasets, dataset: dataset}
	if err := s.recoverInterrupted(ctx, states); err != nil {
		return Summary{}, err
	}

	if err := states.moveTo(ctx, domain.DatasetStateValidating); err != nil {
		return Summary{}, err
	}
	if err := validateDiff(ctx, diff); err != nil {
		log.Errorw("diff validation failed", "error", err)
		s.fail(ctx, states, domain.DatasetStateFailedValidating, nil, err)
		return Summary{}, err
	}
	if err := states.moveTo(ctx, domain.DatasetStateValidated); err != nil {
		return Summary{}, err
	}

	if err := states.moveTo(ctx, domain.DatasetStateCloning); err != nil {
		return Summary{}, err
	}
	tx, err := s.openTransaction(ctx, dataset, req.Commit)
	if err != nil {
		s.fail(ctx, states, domain.DatasetStateFailedCloning, nil, err)
		return Summary{}, err
	}
	log = log.With("transaction", tx.ID, "version", tx.CreatedAt)

	log.Infow("import started", "previousVersion", tx.PreviousCreatedAt)
	started := time.Now()
	summary, err := s.run(ctx, diff, states.dataset, tx, tracker)
	if err != nil {
		log.Errorw("import failed", "error", err)
		s.fail(ctx, states, domain.DatasetStateFailedCloning, &tx, err)
		return summary, err
	}

	if err := s.repos.Transactions.Close(ctx, tx.ID); err != nil {
		s.fail(ctx, states, domain.DatasetStateFailedCloning, &tx, err)
		return summary, err
	}
	if err := states.moveTo(ctx, domain.DatasetStateReady); err != nil {
		return summary, err
	}
	log.Infow("import finished", "duration", time.Since(started), "counts", summary.Counts)
	return summary, nil
}

// Progress returns the counters of the running import of a dataset.
func (s *Service) Progress(name string) (map[string]int, bool) {
	tracker, ok := s.trackers.Get(name)
	if !ok {
		return nil, false
	}
	return tracker.State(), true
}

func (s *Service) run(ctx context.Context, diff []byte, dataset domain.Dataset, tx domain.Transaction, tracker *DatasetTracker) (Summary, error) {
	summary := newRecorder()
	result := func() Summary {
		return Summary{
			Dataset:       dataset.Name,
			TransactionID: tx.ID,
			Version:       tx.CreatedAt,
			Counts:        summary.snapshot(),
		}
	}

	previous := resolution.NewConceptIndex()
	if tx.PreviousCreatedAt > 0 {
		concepts, err := s.repos.Concepts.CurrentVersion(dataset.ID, tx.PreviousCreatedAt).FindAll(ctx)
		if err != nil {
			return result(), err
		}
		previous = resolution.NewConceptIndex(concepts)
	}
	ictx := NewImportContext(dataset, tx, previous, previous, s.opts)

	concepts, err := s.updateConcepts(ctx, diff, ictx, summary, tracker)
	if err != nil {
		return result(), errors.Wrap(err, "concepts")
	}
	ictx = ictx.WithConcepts(concepts)

	if err := s.updateEntities(ctx, diff, ictx, summary, tracker); err != nil {
		return result(), errors.Wrap(err, "entities")
	}
	if err := s.updateDatapoints(ctx, diff, ictx, summary, tracker); err != nil {
		return result(), errors.Wrap(err, "datapoints")
	}
	if err := s.updateTranslations(ctx, diff, ictx, summary, tracker); err != nil {
		return result(), errors.Wrap(err, "translations")
	}
	return result(), nil
}

func (s *Service) findOrCreateDataset(ctx context.Context, name string, req Request) (domain.Dataset, error) {
	dataset, err := s.repos.Datasets.GetByName(ctx, name)
	switch {
	case err == nil:
		if !dataset.CanBeAccessedWith(req.AccessToken) {
			return domain.Dataset{}, errors.Wrapf(errors.ErrForbidden, "dataset %s", name)
		}
		return dataset, nil
	case errors.Is(err, errors.ErrNotFound):
		dataset = domain.NewDataset(name, req.Private, req.AccessToken)
		dataset.Commit = req.Commit
		return s.repos.Datasets.Create(ctx, dataset)
	default:
		return domain.Dataset{}, err
	}
}

// recoverInterrupted marks a dataset left mid-import by a stopped process as
// failed so that it can be imported again. The tracker guard guarantees no
// import of it is running here.
func (s *Service) recoverInterrupted(ctx context.Context, states *stateTracker) error {
	var next domain.DatasetState
	switch states.dataset.State {
	case domain.DatasetStateValidating:
		next = domain.DatasetStateFailedValidating
	case domain.DatasetStateValidated:
		if err := states.moveTo(ctx, domain.DatasetStateCloning); err != nil {
			return err
		}
		next = domain.DatasetStateFailedCloning
	case domain.DatasetStateCloning:
		next = domain.DatasetStateFailedCloning
	default:
		return nil
	}
	s.log.Warnw("dataset was left mid-import, marking it failed", "dataset", states.dataset.Name, "state", states.dataset.State)
	return states.moveTo(ctx, next)
}

func (s *Service) openTransaction(ctx context.Context, dataset domain.Dataset, commit string) (domain.Transaction, error) {
	var previous *domain.Transaction
	latest, err := s.repos.Transactions.LatestClosed(ctx, dataset.ID)
	switch {
	case err == nil:
		previous = &latest
	case !errors.Is(err, errors.ErrNotFound):
		return domain.Transaction{}, err
	}
	tx := domain.NewTransaction(dataset.ID, previous, s.now())
	tx.Commit = commit
	return s.repos.Transactions.Create(ctx, tx)
}

// fail records cause and moves the dataset to state. Secondary failures are
// only logged: cause is what the caller returns.
func (s *Service) fail(ctx context.Context, states *stateTracker, state domain.DatasetState, tx *domain.Transaction, cause error) {
	if tx != nil {
		if err := s.repos.Transactions.RecordError(ctx, tx.ID, cause); err != nil {
			s.log.Errorw("failed to record transaction error", "transaction", tx.ID, "error", err)
		}
	}
	if err := states.moveTo(ctx, state); err != nil {
		s.log.Errorw("failed to update dataset state", "dataset", states.dataset.Name, "state", state, "error", err)
	}
}

// validateDiff parses the whole diff before anything is written: every record
// needs a known data type, a known action and well-formed resources.
func validateDiff(ctx context.Context, diff []byte) error {
	descriptors, err := changes.ReadAll(ctx, bytes.NewReader(diff), nil)
	if err != nil {
		return err
	}
	for i, d := range descriptors {
		if !d.Type().Valid() {
			return errors.Newf("record %d: unknown data type %q", i+1, d.Type())
		}
		if !d.IsCreate() && !d.IsUpdate() && !d.IsRemove() {
			return errors.Newf("record %d: unknown action %q", i+1, d.Action())
		}
		if _, err := d.CurrentResource(); err != nil {
			return errors.Wrapf(err, "record %d", i+1)
		}
		if _, err := d.OldResource(); err != nil {
			return errors.Wrapf(err, "record %d", i+1)
		}
		if d.IsCreate() {
			if res, _ := d.CurrentResource(); res == nil {
				return errors.Newf("record %d: created %s record without resource", i+1, d.Type())
			}
		}
	}
	return nil
}
