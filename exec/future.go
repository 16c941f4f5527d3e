// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmap"
	"golang.org/x/sync/errgroup"
)

// DefaultWaitParallelism is the number of futures awaited concurrently
// by WaitAll.
const DefaultWaitParallelism = 64

// A Future is a handle to the eventual outcome of a single item. A
// future resolves when the item's result record is stored. Once
// resolved, a future's outcome never changes.
type Future struct {
	// JobID and Index identify the future's item.
	JobID string
	Index int

	executor *Executor
	job      *jobState

	mu       sync.Mutex
	resolved bool
	value    interface{}
	err      error
}

// Result waits for the item's outcome for the executor's default
// timeout (see Timeout). It returns the item's return value, or an
// error: an Execution error if the item's function failed, a
// SystemExecution error if the platform could not run it, a Dispatch
// error if it could not be dispatched, and a Timeout error if no
// outcome was available in time.
func (f *Future) Result(ctx context.Context) (interface{}, error) {
	return f.Wait(ctx, f.executor.timeout)
}

// Wait waits up to timeout for the item's outcome, returning it as
// Result does. A zero timeout checks for the outcome once, without
// waiting. A negative timeout waits until the context is done.
//
// A Timeout error is not the item's outcome: the item may still
// complete, and the future may be waited on again.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (interface{}, error) {
	if ok, value, err := f.outcome(); ok {
		return value, err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	policy := retry.Backoff(f.executor.pollInterval, f.executor.pollMaxInterval, 1.5)
	for retries := 0; ; retries++ {
		if ok, err := f.poll(ctx); ok {
			_, value, err := f.outcome()
			return value, err
		} else if err != nil {
			log.Error.Printf("job %s: item %d: polling result: %v", f.JobID, f.Index, err)
		}
		if timeout == 0 {
			return nil, f.timeout("outcome not yet available", nil)
		}
		_, wait := policy.Retry(retries)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, f.timeout(fmt.Sprintf("no outcome after %s", timeout), nil)
			}
			if wait > remaining {
				wait = remaining
			}
		}
		select {
		case <-ctx.Done():
			return nil, f.timeout("wait interrupted", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Done tells whether the item's outcome is available. Done does not
// wait.
func (f *Future) Done(ctx context.Context) bool {
	if ok, _, _ := f.outcome(); ok {
		return true
	}
	ok, err := f.poll(ctx)
	if err != nil {
		log.Error.Printf("job %s: item %d: polling result: %v", f.JobID, f.Index, err)
	}
	return ok
}

func (f *Future) timeout(msg string, err error) error {
	msg = fmt.Sprintf("job %s: item %d: %s", f.JobID, f.Index, msg)
	if err != nil {
		return bigmap.E(bigmap.Timeout, msg, err)
	}
	return bigmap.E(bigmap.Timeout, msg)
}

func (f *Future) outcome() (bool, interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved, f.value, f.err
}

// poll reads the item's result record and resolves the future if it
// exists. Poll reports whether the future is resolved, and any error
// that prevented reading the record.
func (f *Future) poll(ctx context.Context) (bool, error) {
	p, err := f.executor.store.Get(ctx, ResultKey(f.JobID, f.Index))
	if errors.Is(errors.NotExist, err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, err := decodeOutcome(f.JobID, f.Index, p)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return true, nil
	}
	f.resolved, f.value, f.err = true, value, err
	if f.job != nil {
		f.job.resolved(err)
	}
	return true, nil
}

// decodeOutcome decodes a stored result record into an item's
// outcome. A record that cannot be decoded is a SystemExecution
// failure, never a success.
func decodeOutcome(jobID string, index int, p []byte) (interface{}, error) {
	var rec Record
	if err := decode(p, &rec); err != nil {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("job %s: item %d: corrupt result record", jobID, index), err)
	}
	if rec.JobID != jobID || rec.Index != index {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("job %s: item %d: misplaced result record for %s[%d]", jobID, index, rec.JobID, rec.Index))
	}
	switch rec.Status {
	case StatusSuccess:
		if len(rec.Payload) == 0 {
			return nil, nil
		}
		value, err := bigmap.DecodeValue(rec.Payload)
		if err != nil {
			return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("job %s: item %d: decoding return value", jobID, index), err)
		}
		return value, nil
	case StatusFailure:
		if rec.Failure == nil {
			return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("job %s: item %d: failure record without failure", jobID, index))
		}
		return nil, rec.Failure.Err()
	default:
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("job %s: item %d: invalid record status %v", jobID, index, rec.Status))
	}
}

// WaitAll waits for the outcomes of all of the provided futures,
// using each future's default timeout. It returns the values of all
// items in order; the values of failed items are nil. If any item
// failed, WaitAll also returns the error of the failed item with the
// lowest index. Failed items do not interrupt waiting for their
// siblings.
func WaitAll(ctx context.Context, futures []*Future) ([]interface{}, error) {
	var (
		values = make([]interface{}, len(futures))
		errs   = make([]error, len(futures))
		g      errgroup.Group
	)
	g.SetLimit(DefaultWaitParallelism)
	for i := range futures {
		i := i
		g.Go(func() error {
			values[i], errs[i] = futures[i].Result(ctx)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if err != nil {
			return values, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return values, nil
}
