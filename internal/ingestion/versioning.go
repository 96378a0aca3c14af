package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
	"github.com/rpattn/ddfstore/internal/repository"
)

// supersede replaces the open version matching match with change(version).
// A version written earlier by the running transaction is amended in place,
// any older one is closed and cloned forward under the same lineage id.
func supersede[T repository.Record[T]](
	ctx context.Context,
	repo *repository.Versioned[T],
	ictx ImportContext,
	match mquery.Filter,
	change func(T) T,
) (outcome, error) {
	unlock := ictx.lockRecord(repo.Collection(), match)
	defer unlock()

	closed, ok, err := repo.CloseOpenVersion(ctx, ictx.DatasetID(), match, ictx.Version())
	if err != nil {
		return outcomeMissing, err
	}
	if ok {
		if _, err := repo.CloneClosedAsNewOpenVersion(ctx, closed, change, ictx.Version()); err != nil {
			return outcomeMissing, err
		}
		return outcomeUpdated, nil
	}

	fresh, ok, err := openedInRun(ctx, repo, ictx, match)
	if err != nil || !ok {
		return outcomeMissing, err
	}
	amended := change(fresh).WithVersionMeta(fresh.VersionMeta())
	if _, err := repo.Amend(ctx, amended, ictx.Version()); err != nil {
		return outcomeMissing, err
	}
	return outcomeFolded, nil
}

// closeVersion closes the open version matching match. A miss is classified:
// records closed by the prior transaction are reported as such, records written
// by the running transaction cannot be closed without an empty interval.
func closeVersion[T repository.Record[T]](
	ctx context.Context,
	repo *repository.Versioned[T],
	ictx ImportContext,
	match mquery.Filter,
) (outcome, error) {
	unlock := ictx.lockRecord(repo.Collection(), match)
	defer unlock()

	_, ok, err := repo.CloseOpenVersion(ctx, ictx.DatasetID(), match, ictx.Version())
	if err != nil {
		return outcomeMissing, err
	}
	if ok {
		return outcomeRemoved, nil
	}

	if _, fresh, err := openedInRun(ctx, repo, ictx, match); err != nil {
		return outcomeMissing, err
	} else if fresh {
		return outcomeMissing, errors.Wrapf(errors.ErrInvariant,
			"%s matching %v was created by this transaction and cannot be removed by it", repo.Collection(), match)
	}

	if prev := ictx.PreviousVersion(); prev > 0 {
		_, found, err := repo.CurrentVersion(ictx.DatasetID(), prev-1).FindOne(ctx,
			mquery.And(match, mquery.Filter{"to": prev}))
		if err != nil {
			return outcomeMissing, err
		}
		if found {
			return outcomePreviouslyClosed, nil
		}
	}
	return outcomeMissing, nil
}

// lockRecord serializes the rows of a run that write the record match
// selects. Rows naming one record with the same key columns share the lock.
func (c ImportContext) lockRecord(collection repository.Collection, match mquery.Filter) func() {
	key, err := json.Marshal(mquery.Clone(match))
	if err != nil {
		key = []byte(fmt.Sprint(match))
	}
	return c.records.lock(string(collection) + "\x00" + string(key))
}

func openedInRun[T repository.Record[T]](ctx context.Context, repo *repository.Versioned[T], ictx ImportContext, match mquery.Filter) (T, bool, error) {
	return repo.LatestVersion(ictx.DatasetID(), ictx.Version()).FindOne(ctx, mquery.And(match, mquery.Filter{
		"from": ictx.Version(),
		"to":   domain.MaxVersion,
	}))
}
