// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/invoke"
)

// Defaults for Stages.
const (
	DefaultChunkSize          = 100
	DefaultDispatchAttempts   = 5
	DefaultDispatchBackoff    = 100 * time.Millisecond
	DefaultDispatchMaxBackoff = 5 * time.Second
)

// Stages implements the remote side of bigmap: the entry, fan-out, and
// execute stages. Stages is an invoke.Handler; a deployment routes all
// three targets to the same Stages value, on the same or on different
// workers. All stages are idempotent, as invokers deliver at least
// once.
type Stages struct {
	// Store holds artifacts, bookkeeping, and result records.
	Store blob.Store
	// Invoker triggers further stages.
	Invoker invoke.Invoker

	// ChunkSize is the largest index range that a single fan-out
	// invocation dispatches itself; larger ranges are split into
	// fan-out invocations of at most ChunkSize items.
	ChunkSize int
	// Parallelism is the number of concurrent dispatches performed by
	// a fan-out invocation.
	Parallelism int
	// DispatchAttempts bounds the number of attempts to dispatch an
	// item. Attempts are spaced by exponential backoff, from
	// DispatchBackoff to DispatchMaxBackoff.
	DispatchAttempts                    int
	DispatchBackoff, DispatchMaxBackoff time.Duration

	entries taskOnce
}

// NewStages returns stages with default settings that use the provided
// store and invoker.
func NewStages(store blob.Store, invoker invoke.Invoker) *Stages {
	return &Stages{
		Store:              store,
		Invoker:            invoker,
		ChunkSize:          DefaultChunkSize,
		Parallelism:        4 * runtime.GOMAXPROCS(0),
		DispatchAttempts:   DefaultDispatchAttempts,
		DispatchBackoff:    DefaultDispatchBackoff,
		DispatchMaxBackoff: DefaultDispatchMaxBackoff,
	}
}

// Handle implements invoke.Handler.
func (s *Stages) Handle(ctx context.Context, target string, payload []byte) error {
	switch target {
	case invoke.TargetEntry:
		return s.Entry(ctx, payload)
	case invoke.TargetFanout:
		return s.Fanout(ctx, payload)
	case invoke.TargetExecute:
		return s.Execute(ctx, payload)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid target %q", target))
	}
}

func (s *Stages) dispatchPolicy() retry.Policy {
	attempts := s.DispatchAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff, maxBackoff := s.DispatchBackoff, s.DispatchMaxBackoff
	if backoff <= 0 {
		backoff = DefaultDispatchBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	return retry.MaxTries(retry.Backoff(backoff, maxBackoff, 1.5), attempts-1)
}

// invoke triggers target, retrying retryable invocation errors
// according to the dispatch policy. The payload is computed per
// attempt. Invoke returns the number of attempts made, and the last
// error if no attempt was accepted.
func (s *Stages) invoke(ctx context.Context, target string, payload func(attempt int) ([]byte, error)) (int, error) {
	policy := s.dispatchPolicy()
	for retries := 0; ; retries++ {
		p, err := payload(retries + 1)
		if err != nil {
			return retries + 1, errors.E(errors.Invalid, fmt.Sprintf("encoding %s payload", target), err)
		}
		err = s.Invoker.Invoke(ctx, target, p)
		dispatchAttempts.WithLabelValues(target, attemptOutcome(err)).Inc()
		if err == nil {
			return retries + 1, nil
		}
		if invoke.Permanent(err) {
			return retries + 1, err
		}
		log.Debug.Printf("invoke %s: attempt %d: %v", target, retries+1, err)
		if werr := retry.Wait(ctx, policy, retries); werr != nil {
			return retries + 1, err
		}
	}
}

// loadJob retrieves a job's bookkeeping record.
func (s *Stages) loadJob(ctx context.Context, jobID string) (*Job, error) {
	p, err := s.Store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, err
	}
	job := new(Job)
	if err := decode(p, job); err != nil {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("job %s: corrupt bookkeeping record", jobID), err)
	}
	return job, nil
}

func isThrottle(err error) bool {
	return errors.IsTemporary(err)
}
