package retry

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchItem is one independent operation in a batch.
type BatchItem[T any] struct {
	Key      string
	TenantID string
	Op       Operation[T]
}

// BatchSuccess is a completed batch item.
type BatchSuccess[T any] struct {
	Key   string
	Value T
}

// BatchFailure is a batch item whose retries ended in an error.
type BatchFailure struct {
	Key string
	Err error
}

// BatchResult partitions a batch by outcome, preserving input order within
// each partition.
type BatchResult[T any] struct {
	Successful []BatchSuccess[T]
	Failed     []BatchFailure
}

// ExecuteBatch runs every item through Execute independently, at most
// concurrency at a time. One item's failure never cancels the others.
func ExecuteBatch[T any](ctx context.Context, e *Executor, operation string, opts Options, items []BatchItem[T], concurrency int) BatchResult[T] {
	type outcome struct {
		value T
		err   error
	}

	outcomes := make([]outcome, len(items))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			rc := Context{OperationName: operation, TenantID: item.TenantID}
			v, err := Execute(ctx, e, rc, opts, item.Op)
			outcomes[i] = outcome{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult[T]
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, BatchFailure{Key: items[i].Key, Err: o.err})
			continue
		}
		res.Successful = append(res.Successful, BatchSuccess[T]{Key: items[i].Key, Value: o.value})
	}
	return res
}
