// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/invoke"
)

// Entry runs the entry stage for an encoded job envelope. It validates
// the job, stores it as the job's bookkeeping record, and triggers the
// fan-out of all of its items. Entry is idempotent: a job whose
// fan-out was already triggered is not triggered again, and a job
// whose earlier entry failed before triggering its fan-out is
// triggered from its stored record.
//
// Malformed envelopes fail with an InvalidJob error and leave no
// trace in the store.
func (s *Stages) Entry(ctx context.Context, payload []byte) error {
	job := new(Job)
	if err := decode(payload, job); err != nil {
		return bigmap.E(bigmap.InvalidJob, "decoding job envelope", err)
	}
	if err := s.validate(ctx, job); err != nil {
		return err
	}
	// Concurrent entries of a job share one acceptance. Once it
	// completes, the stored triggered marker makes re-entry a no-op,
	// so the task need not be retained.
	err := s.entries.Do(job.ID, func() error {
		return s.accept(ctx, job)
	})
	s.entries.Forget(job.ID)
	return err
}

func (s *Stages) validate(ctx context.Context, job *Job) error {
	if !validJobID(job.ID) {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("invalid job ID %q", job.ID))
	}
	if job.N() == 0 {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: no parameter sets", job.ID))
	}
	if job.ArtifactKey != artifactKey(job.ID) || job.ArtifactDigest == "" {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: invalid artifact reference %q", job.ID, job.ArtifactKey))
	}
	if job.ParamsKey != paramsKey(job.ID) {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: invalid parameter reference %q", job.ID, job.ParamsKey))
	}
	if job.Offsets[0] != 0 {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: parameter sets start at offset %d", job.ID, job.Offsets[0]))
	}
	for i := 1; i < len(job.Offsets); i++ {
		if job.Offsets[i] <= job.Offsets[i-1] {
			return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: parameter set %d has invalid range [%d, %d)", job.ID, i-1, job.Offsets[i-1], job.Offsets[i]))
		}
	}
	if _, err := s.stat(ctx, job, job.ArtifactKey); err != nil {
		return err
	}
	info, err := s.stat(ctx, job, job.ParamsKey)
	if err != nil {
		return err
	}
	if size := job.Offsets[job.N()]; info.Size != size {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: parameter sets %s: got %d bytes, want %d", job.ID, job.ParamsKey, info.Size, size))
	}
	return nil
}

// stat returns the info of one of job's inputs, which must be stored.
func (s *Stages) stat(ctx context.Context, job *Job, key string) (blob.Info, error) {
	info, err := s.Store.Stat(ctx, key)
	if errors.Is(errors.NotExist, err) {
		return info, bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: %s is not stored", job.ID, key))
	}
	return info, err
}

func (s *Stages) accept(ctx context.Context, job *Job) error {
	p, err := encode(job)
	if err != nil {
		return bigmap.E(bigmap.InvalidJob, fmt.Sprintf("job %s: encoding job", job.ID), err)
	}
	switch err := s.Store.Put(ctx, jobKey(job.ID), p); {
	case err == nil:
		log.Printf("job %s: accepted %d items", job.ID, job.N())
	case errors.Is(errors.Exists, err):
		switch _, err := s.Store.Stat(ctx, triggeredKey(job.ID)); {
		case err == nil:
			log.Debug.Printf("job %s: duplicate entry", job.ID)
			return nil
		case !errors.Is(errors.NotExist, err):
			return err
		}
		// An earlier entry stored the job but did not trigger its
		// fan-out. The stored record is authoritative.
		stored, err := s.loadJob(ctx, job.ID)
		if err != nil {
			return err
		}
		job = stored
		log.Printf("job %s: re-triggering fan-out of %d items", job.ID, job.N())
	default:
		return err
	}
	req := fanoutRequest{JobID: job.ID, Lo: 0, Hi: job.N()}
	_, err = s.invoke(ctx, invoke.TargetFanout, func(int) ([]byte, error) { return encode(req) })
	if err != nil {
		return bigmap.E(bigmap.Dispatch, fmt.Sprintf("job %s: triggering fan-out", job.ID), err)
	}
	if err := s.Store.Put(ctx, triggeredKey(job.ID), nil); err != nil && !errors.Is(errors.Exists, err) {
		return err
	}
	return nil
}
