package ingestion

import (
	"bytes"
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/ddfstore/internal/changes"
	"github.com/rpattn/ddfstore/internal/errors"
)

// batchHandler processes one batch of descriptors of a single action.
type batchHandler func(ctx context.Context, batch []*changes.Descriptor) error

// actionFlow holds the handlers of the create, update and remove sub-pipelines.
// A nil handler drops descriptors of that action.
type actionFlow struct {
	create batchHandler
	update batchHandler
	remove batchHandler
}

// source feeds descriptors into out and closes it when done.
type source func(ctx context.Context, out chan<- *changes.Descriptor) error

func diffSource(diff []byte) source {
	return func(ctx context.Context, out chan<- *changes.Descriptor) error {
		return changes.ReadStream(ctx, bytes.NewReader(diff), out)
	}
}

func sliceSource(descriptors []*changes.Descriptor) source {
	return func(ctx context.Context, out chan<- *changes.Descriptor) error {
		defer close(out)
		for _, d := range descriptors {
			select {
			case out <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// runFlow forks the accepted descriptors of src by action into three bounded
// channels and drains them concurrently. A failing sub-pipeline stops
// processing but keeps draining its channel so the siblings finish their work;
// every failure is returned together.
func runFlow(ctx context.Context, src source, accept func(*changes.Descriptor) bool, flow actionFlow, chunkSize int) error {
	input := make(chan *changes.Descriptor, chunkSize)
	created := make(chan *changes.Descriptor, chunkSize)
	updated := make(chan *changes.Descriptor, chunkSize)
	removed := make(chan *changes.Descriptor, chunkSize)

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record(src(ctx, input))
	}()
	go func() {
		defer wg.Done()
		defer close(created)
		defer close(updated)
		defer close(removed)
		for d := range input {
			if accept != nil && !accept(d) {
				continue
			}
			var out chan<- *changes.Descriptor
			switch {
			case d.IsCreate():
				out = created
			case d.IsUpdate():
				out = updated
			case d.IsRemove():
				out = removed
			default:
				continue
			}
			out <- d
		}
	}()

	for _, sub := range []struct {
		name    string
		in      <-chan *changes.Descriptor
		handler batchHandler
	}{
		{"remove", removed, flow.remove},
		{"create", created, flow.create},
		{"update", updated, flow.update},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := drain(ctx, sub.in, sub.handler, chunkSize); err != nil {
				record(errors.Wrapf(err, "%s pipeline", sub.name))
			}
		}()
	}

	wg.Wait()
	return result.ErrorOrNil()
}

// drain batches the channel and hands each batch to handler. After the first
// error the rest of the channel is discarded.
func drain(ctx context.Context, in <-chan *changes.Descriptor, handler batchHandler, chunkSize int) error {
	var (
		batch  = make([]*changes.Descriptor, 0, chunkSize)
		failed error
	)
	flush := func() {
		if len(batch) == 0 || failed != nil || handler == nil {
			batch = batch[:0]
			return
		}
		if err := ctx.Err(); err != nil {
			failed = err
		} else {
			failed = handler(ctx, batch)
		}
		batch = make([]*changes.Descriptor, 0, chunkSize)
	}
	for d := range in {
		if failed != nil {
			continue
		}
		batch = append(batch, d)
		if len(batch) >= chunkSize {
			flush()
		}
	}
	flush()
	return failed
}

// forEachLimit runs fn for every item with at most limit calls in flight and
// returns the first error.
func forEachLimit[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}
