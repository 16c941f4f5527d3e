// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmap"
)

// loadRetryPolicy governs retries of artifact and parameter reads that
// fail for reasons other than the object's absence.
var loadRetryPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 2*time.Second, 2), 3)

// Execute runs the execute stage for an encoded work item: it
// retrieves and deserializes the item's artifact, retrieves the item's
// slice of the job's parameter sets, invokes the artifact with it, and stores the item's result record. Storing
// the record is the stage's last action, and it is not retried. If a
// record already exists (because the item was delivered more than
// once), the existing record stands and Execute succeeds.
//
// User failures are recorded as Execution errors; failures to load or
// run the artifact are recorded as SystemExecution errors.
func (s *Stages) Execute(ctx context.Context, payload []byte) error {
	var item WorkItem
	if err := decode(payload, &item); err != nil {
		return bigmap.E(bigmap.InvalidJob, "decoding work item", err)
	}
	if !validJobID(item.JobID) || item.Index < 0 || item.ParamsKey != paramsKey(item.JobID) || item.ParamsOffset < 0 || item.ParamsSize <= 0 {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("invalid work item %s[%d]", item.JobID, item.Index))
	}
	rec := Record{
		JobID:      item.JobID,
		Index:      item.Index,
		DispatchID: item.DispatchID,
		Metrics:    make(map[string]float64),
	}
	value, err := s.run(ctx, &item, rec.Metrics)
	if err != nil {
		rec.Status = StatusFailure
		rec.Failure = failureOf(err)
		log.Printf("job %s: item %d: %v", item.JobID, item.Index, err)
	} else {
		rec.Status = StatusSuccess
		rec.Payload = value
	}
	rec.Completed = time.Now()
	return s.putRecord(ctx, &rec)
}

// run loads the item's artifact and parameter set and calls the
// artifact, returning the encoded return value.
func (s *Stages) run(ctx context.Context, item *WorkItem, metrics map[string]float64) ([]byte, error) {
	loadStart := time.Now()
	artifact, err := s.load(ctx, item.ArtifactKey, func() ([]byte, error) {
		return s.Store.Get(ctx, item.ArtifactKey)
	})
	if err != nil {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("retrieving artifact %s", item.ArtifactKey), err)
	}
	if digest := bigmap.Digest(artifact); digest != item.ArtifactDigest {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("artifact %s: digest mismatch: got %s, want %s", item.ArtifactKey, digest, item.ArtifactDigest))
	}
	call, err := bigmap.Deserialize(artifact)
	if err != nil {
		return nil, err
	}
	p, err := s.load(ctx, item.ParamsKey, func() ([]byte, error) {
		return s.Store.GetRange(ctx, item.ParamsKey, item.ParamsOffset, item.ParamsSize)
	})
	if err != nil {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("retrieving parameter set from %s", item.ParamsKey), err)
	}
	params, err := bigmap.DecodeParams(p)
	if err != nil {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("decoding parameter set [%d, %d) of %s", item.ParamsOffset, item.ParamsOffset+item.ParamsSize, item.ParamsKey), err)
	}
	load := time.Since(loadStart)
	metrics["load_duration"] = load.Seconds()
	loadDuration.Observe(load.Seconds())

	execStart := time.Now()
	v, err := call(ctx, params)
	elapsed := time.Since(execStart)
	metrics["exec_duration"] = elapsed.Seconds()
	execDuration.Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	if item.DiscardOutput {
		return nil, nil
	}
	p, err = bigmap.EncodeValue(v)
	if err != nil {
		return nil, bigmap.E(bigmap.SystemExecution, fmt.Sprintf("encoding return value of type %T", v), err)
	}
	return p, nil
}

// load reads one of an item's inputs with get, retrying failures
// other than the input's absence or an invalid range.
func (s *Stages) load(ctx context.Context, key string, get func() ([]byte, error)) ([]byte, error) {
	for retries := 0; ; retries++ {
		p, err := get()
		if err == nil || errors.Is(errors.NotExist, err) || errors.Is(errors.Invalid, err) {
			return p, err
		}
		log.Error.Printf("retrieving %s: %v", key, err)
		if werr := retry.Wait(ctx, loadRetryPolicy, retries); werr != nil {
			return nil, err
		}
	}
}

// putRecord stores an item's result record. A record that already
// exists is left in place.
func (s *Stages) putRecord(ctx context.Context, rec *Record) error {
	p, err := encode(rec)
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("job %s: item %d: encoding record", rec.JobID, rec.Index), err)
	}
	switch err := s.Store.Put(ctx, ResultKey(rec.JobID, rec.Index), p); {
	case err == nil:
		kind := ""
		if rec.Failure != nil {
			kind = rec.Failure.Kind.String()
		}
		itemOutcomes.WithLabelValues(rec.Status.String(), kind).Inc()
		return nil
	case errors.Is(errors.Exists, err):
		log.Printf("job %s: item %d: record already exists; keeping existing record", rec.JobID, rec.Index)
		return nil
	default:
		return err
	}
}
