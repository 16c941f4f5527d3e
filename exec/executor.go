// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/invoke"
	"github.com/oklog/ulid/v2"
)

// Defaults for Executor.
const (
	DefaultTimeout         = time.Hour
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultPollMaxInterval = 5 * time.Second
	DefaultEntryAttempts   = 5
)

// Executor submits jobs to a bigmap deployment: a store shared with the
// deployment's workers, and an invoker that triggers them. An Executor
// is safe for concurrent use.
//
// A typical use:
//
//	var score = bigmap.Func(func(ctx context.Context, model Model, p bigmap.Params) (float64, error) {
//		...
//	})
//
//	futures, err := executor.Submit(ctx, score.Bind(model), params)
//	if err != nil {
//		log.Fatal(err)
//	}
//	values, err := exec.WaitAll(ctx, futures)
type Executor struct {
	store   blob.Store
	invoker invoke.Invoker

	timeout                       time.Duration
	pollInterval, pollMaxInterval time.Duration
	discardOutput                 bool
	retention                     Retention
	entryAttempts                 int
	status                        *status.Status
	eventer                       eventlog.Eventer
}

// An Option represents an executor configuration parameter value.
type Option func(e *Executor)

// Timeout configures the default time that Future.Result waits for
// an item's outcome. A negative timeout waits until the context is
// done.
func Timeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// PollInterval configures the interval at which futures poll for
// their outcomes. Polling starts at min and backs off exponentially
// to max.
func PollInterval(min, max time.Duration) Option {
	if min <= 0 || max < min {
		panic("exec.PollInterval: invalid interval")
	}
	return func(e *Executor) {
		e.pollInterval, e.pollMaxInterval = min, max
	}
}

// DiscardOutput is an executor option that discards the return values
// of successful items: their futures resolve to nil.
var DiscardOutput Option = func(e *Executor) {
	e.discardOutput = true
}

// Retain configures the retention policy applied by Executor.Cleanup.
func Retain(r Retention) Option {
	return func(e *Executor) {
		e.retention = r
	}
}

// EntryAttempts configures the number of attempts made to trigger
// the entry stage of a job.
func EntryAttempts(n int) Option {
	if n <= 0 {
		panic("exec.EntryAttempts: n <= 0")
	}
	return func(e *Executor) {
		e.entryAttempts = n
	}
}

// Status configures the executor with a status object to which job
// progress is reported.
func Status(status *status.Status) Option {
	return func(e *Executor) {
		e.status = status
	}
}

// Eventer configures the executor with an Eventer that will be used to
// log job events (for analytics).
func Eventer(ev eventlog.Eventer) Option {
	return func(e *Executor) {
		e.eventer = ev
	}
}

// New returns a new executor that submits jobs through the provided
// store and invoker.
func New(store blob.Store, invoker invoke.Invoker, options ...Option) *Executor {
	e := &Executor{
		store:           store,
		invoker:         invoker,
		timeout:         DefaultTimeout,
		pollInterval:    DefaultPollInterval,
		pollMaxInterval: DefaultPollMaxInterval,
		entryAttempts:   DefaultEntryAttempts,
		eventer:         eventlog.Nop{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Store returns the executor's store.
func (e *Executor) Store() blob.Store { return e.store }

// Submit submits a job that invokes the closure c once for each of
// the provided parameter sets, and returns one future per parameter
// set, in order. Submit returns once the job's entry stage has been
// triggered; items execute asynchronously.
//
// Submit fails with an InvalidJob error if params is empty, and with a
// Serialization error if the closure or a parameter set cannot be
// transported. In either case, nothing is dispatched.
func (e *Executor) Submit(ctx context.Context, c *bigmap.Closure, params []bigmap.Params) ([]*Future, error) {
	if len(params) == 0 {
		return nil, bigmap.E(bigmap.InvalidJob, "no parameter sets")
	}
	artifact, err := bigmap.Serialize(c)
	if err != nil {
		return nil, err
	}
	encodedParams, offsets, err := bigmap.EncodeParams(params)
	if err != nil {
		return nil, err
	}
	id := ulid.Make().String()
	job := Job{
		ID:             id,
		ArtifactKey:    artifactKey(id),
		ArtifactDigest: bigmap.Digest(artifact),
		ParamsKey:      paramsKey(id),
		Offsets:        offsets,
		Created:        time.Now(),
		DiscardOutput:  e.discardOutput,
	}
	payload, err := encode(&job)
	if err != nil {
		return nil, bigmap.E(bigmap.Serialization, "encoding job envelope", err)
	}
	// The job's inputs are stored before its entry is triggered;
	// envelopes and work items refer to them by key.
	if err := e.store.Put(ctx, job.ArtifactKey, artifact); err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, job.ParamsKey, encodedParams); err != nil {
		return nil, err
	}
	if err := e.triggerEntry(ctx, payload); err != nil {
		return nil, bigmap.E(bigmap.Dispatch, fmt.Sprintf("job %s: triggering entry", id), err)
	}
	e.eventer.Event("bigmap:submit",
		"jobID", id,
		"func", c.Func().Name(),
		"items", len(params),
		"artifactBytes", len(artifact),
		"paramsBytes", len(encodedParams))
	log.Printf("job %s: submitted %d items of %s", id, len(params), c.Func().Name())

	state := &jobState{id: id, n: len(params)}
	if e.status != nil {
		state.group = e.status.Groupf("job %s", id)
		state.group.Printf("%d items submitted", len(params))
	}
	futures := make([]*Future, len(params))
	for i := range futures {
		futures[i] = &Future{JobID: id, Index: i, executor: e, job: state}
	}
	return futures, nil
}

// Map is a convenience that binds the closure arguments env to fn and
// submits the resulting closure. Map panics if env does not match
// fn's closure arguments; see bigmap.FuncValue.Bind.
func (e *Executor) Map(ctx context.Context, fn *bigmap.FuncValue, params []bigmap.Params, env ...interface{}) ([]*Future, error) {
	return e.Submit(ctx, fn.Bind(env...), params)
}

// Futures returns the futures of a previously submitted job with n
// items, e.g., to collect results from another process.
func (e *Executor) Futures(jobID string, n int) []*Future {
	state := &jobState{id: jobID, n: n}
	futures := make([]*Future, n)
	for i := range futures {
		futures[i] = &Future{JobID: jobID, Index: i, executor: e, job: state}
	}
	return futures
}

func (e *Executor) triggerEntry(ctx context.Context, payload []byte) error {
	policy := retry.MaxTries(retry.Backoff(DefaultDispatchBackoff, DefaultDispatchMaxBackoff, 1.5), e.entryAttempts-1)
	for retries := 0; ; retries++ {
		err := e.invoker.Invoke(ctx, invoke.TargetEntry, payload)
		dispatchAttempts.WithLabelValues(invoke.TargetEntry, attemptOutcome(err)).Inc()
		if err == nil || invoke.Permanent(err) {
			return err
		}
		log.Debug.Printf("invoke %s: attempt %d: %v", invoke.TargetEntry, retries+1, err)
		if werr := retry.Wait(ctx, policy, retries); werr != nil {
			return err
		}
	}
}

// JobState tracks the progress of a job's futures for status
// reporting.
type jobState struct {
	id    string
	n     int
	group *status.Group

	mu                sync.Mutex
	succeeded, failed int
}

func (j *jobState) resolved(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.failed++
	} else {
		j.succeeded++
	}
	if j.group == nil {
		return
	}
	if j.succeeded+j.failed == j.n {
		j.group.Printf("done: %d items succeeded, %d failed", j.succeeded, j.failed)
	} else {
		j.group.Printf("%d/%d items done, %d failed", j.succeeded+j.failed, j.n, j.failed)
	}
}
