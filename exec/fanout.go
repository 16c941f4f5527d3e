// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/invoke"
)

// Fanout runs the fan-out stage for an encoded fan-out request. Each
// item in the requested range that does not yet have a result record
// is dispatched to the execute stage. Items are dispatched
// independently: an item whose dispatch attempts are exhausted
// receives a Dispatch failure record, and its siblings are
// unaffected.
//
// Ranges larger than the chunk size are split into fan-out
// invocations of their own; a chunk that cannot be dispatched is
// fanned out by this invocation instead.
func (s *Stages) Fanout(ctx context.Context, payload []byte) error {
	var req fanoutRequest
	if err := decode(payload, &req); err != nil {
		return bigmap.E(bigmap.InvalidJob, "decoding fan-out request", err)
	}
	job, err := s.loadJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s is not accepted", req.JobID))
		}
		return err
	}
	if req.Lo < 0 || req.Hi > job.N() || req.Lo >= req.Hi {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: invalid range [%d, %d) of %d items", job.ID, req.Lo, req.Hi, job.N()))
	}
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if req.Hi-req.Lo <= chunk {
		s.dispatchRange(ctx, job, req.Lo, req.Hi)
		return nil
	}
	var inline []fanoutRequest
	for lo := req.Lo; lo < req.Hi; lo += chunk {
		sub := fanoutRequest{JobID: job.ID, Lo: lo, Hi: lo + chunk}
		if sub.Hi > req.Hi {
			sub.Hi = req.Hi
		}
		_, err := s.invoke(ctx, invoke.TargetFanout, func(int) ([]byte, error) { return encode(sub) })
		if err != nil {
			log.Error.Printf("job %s: dispatching fan-out [%d, %d): %v; fanning out inline", job.ID, sub.Lo, sub.Hi, err)
			inline = append(inline, sub)
		}
	}
	for _, sub := range inline {
		s.dispatchRange(ctx, job, sub.Lo, sub.Hi)
	}
	return nil
}

func (s *Stages) dispatchRange(ctx context.Context, job *Job, lo, hi int) {
	parallelism := s.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	// Dispatch errors are recorded per item and never abort the
	// traversal.
	_ = traverse.Limit(parallelism).Each(hi-lo, func(i int) error {
		s.dispatchItem(ctx, job, lo+i)
		return nil
	})
}

func (s *Stages) dispatchItem(ctx context.Context, job *Job, index int) {
	key := ResultKey(job.ID, index)
	switch _, err := s.Store.Stat(ctx, key); {
	case err == nil:
		log.Debug.Printf("job %s: item %d already complete", job.ID, index)
		return
	case !errors.Is(errors.NotExist, err):
		log.Error.Printf("job %s: item %d: stat %s: %v", job.ID, index, key, err)
	}
	item := job.item(index)
	attempts, err := s.invoke(ctx, invoke.TargetExecute, func(attempt int) ([]byte, error) {
		item.Attempt = attempt
		item.DispatchID = uuid.New().String()
		return encode(item)
	})
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// The fan-out itself was interrupted; a redelivery or a
		// re-entry dispatches the item again.
		log.Error.Printf("job %s: item %d: dispatch interrupted: %v", job.ID, index, err)
		return
	}
	dispatchFailures.Inc()
	log.Error.Printf("job %s: item %d: dispatch failed after %d attempts: %v", job.ID, index, attempts, err)
	rec := Record{
		JobID:  job.ID,
		Index:  index,
		Status: StatusFailure,
		Failure: &Failure{
			Kind:    bigmap.Dispatch,
			Message: fmt.Sprintf("dispatch failed after %d attempts: %v", attempts, err),
		},
		Completed:  time.Now(),
		DispatchID: item.DispatchID,
	}
	if err := s.putRecord(ctx, &rec); err != nil {
		log.Error.Printf("job %s: item %d: writing dispatch failure: %v", job.ID, index, err)
	}
}
