// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmap/blob"
)

// Retention is a policy for the objects of a completed job.
type Retention int

const (
	// RetainKeep keeps all of a job's objects.
	RetainKeep Retention = iota
	// RetainArtifact deletes the job's inputs (its artifact and
	// parameter sets) but keeps its bookkeeping and result records.
	RetainArtifact
	// RetainAll deletes all of a job's objects.
	RetainAll
)

var retentions = [...]string{
	RetainKeep:     "keep",
	RetainArtifact: "artifact",
	RetainAll:      "all",
}

func (r Retention) String() string {
	if r < 0 || int(r) >= len(retentions) {
		return fmt.Sprintf("Retention(%d)", int(r))
	}
	return retentions[r]
}

// ParseRetention parses a retention policy name: "keep", "artifact",
// or "all".
func ParseRetention(name string) (Retention, error) {
	for r, s := range retentions {
		if s == name {
			return Retention(r), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid retention policy %q", name))
}

// ItemState is the state of an item as observed in the store.
type ItemState int

const (
	// ItemPending indicates that the item has no result record yet.
	ItemPending ItemState = iota
	// ItemSucceeded indicates a success record.
	ItemSucceeded
	// ItemFailed indicates a failure record, or a record that could
	// not be read.
	ItemFailed
)

func (s ItemState) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemSucceeded:
		return "success"
	case ItemFailed:
		return "failure"
	default:
		return fmt.Sprintf("ItemState(%d)", int(s))
	}
}

// JobStatus summarizes the state of a job.
type JobStatus struct {
	ID      string
	Created time.Time
	// Triggered tells whether the job's fan-out has been triggered.
	Triggered bool
	// Artifact tells whether the job's artifact is still stored, and
	// Params whether its parameter sets are.
	Artifact, Params bool
	// Items holds the state of each item.
	Items []ItemState
	// Failures holds the failures of failed items, by index.
	Failures map[int]*Failure
	// Pending, Succeeded, and Failed count items by state.
	Pending, Succeeded, Failed int
}

// Done tells whether every item of the job has an outcome.
func (s *JobStatus) Done() bool { return s.Pending == 0 }

// Inspect reads the state of the job with the provided ID from store.
// If the job has not been accepted by the entry stage, Inspect returns
// an error of kind errors.NotExist.
func Inspect(ctx context.Context, store blob.Store, jobID string) (*JobStatus, error) {
	if !validJobID(jobID) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid job ID %q", jobID))
	}
	p, err := store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := decode(p, &job); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("job %s: corrupt bookkeeping record", jobID), err)
	}
	status := &JobStatus{
		ID:       jobID,
		Created:  job.Created,
		Items:    make([]ItemState, job.N()),
		Failures: make(map[int]*Failure),
	}
	if _, err := store.Stat(ctx, triggeredKey(jobID)); err == nil {
		status.Triggered = true
	} else if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	if _, err := store.Stat(ctx, job.ArtifactKey); err == nil {
		status.Artifact = true
	} else if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	if _, err := store.Stat(ctx, job.ParamsKey); err == nil {
		status.Params = true
	} else if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	keys, err := store.List(ctx, resultPrefix(jobID))
	if err != nil {
		return nil, err
	}
	var indices []int
	for _, key := range keys {
		if index, ok := resultIndex(jobID, key); ok && index < job.N() {
			indices = append(indices, index)
		}
	}
	var mu sync.Mutex
	err = traverse.Limit(4*runtime.GOMAXPROCS(0)).Each(len(indices), func(i int) error {
		index := indices[i]
		p, err := store.Get(ctx, ResultKey(jobID, index))
		if err != nil {
			return err
		}
		_, err = decodeOutcome(jobID, index, p)
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			status.Items[index] = ItemSucceeded
			return nil
		}
		status.Items[index] = ItemFailed
		status.Failures[index] = failureOf(err)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, state := range status.Items {
		switch state {
		case ItemPending:
			status.Pending++
		case ItemSucceeded:
			status.Succeeded++
		case ItemFailed:
			status.Failed++
		}
	}
	return status, nil
}

// Cleanup applies the retention policy to the objects of the job with
// the provided ID. Cleanup refuses to clean up a job with pending
// items, as their results would be lost or their execution would
// fail.
func Cleanup(ctx context.Context, store blob.Store, jobID string, retention Retention) error {
	status, err := Inspect(ctx, store, jobID)
	if err != nil {
		return err
	}
	if !status.Done() {
		return errors.E(errors.Invalid, fmt.Sprintf("job %s: %d of %d items pending", jobID, status.Pending, len(status.Items)))
	}
	switch retention {
	case RetainKeep:
		return nil
	case RetainArtifact:
		if err := store.Delete(ctx, artifactKey(jobID)); err != nil {
			return err
		}
		return store.Delete(ctx, paramsKey(jobID))
	case RetainAll:
		keys, err := store.List(ctx, JobPrefix(jobID))
		if err != nil {
			return err
		}
		// The bookkeeping record goes last, so that an interrupted
		// cleanup can be resumed.
		job := jobKey(jobID)
		for _, key := range keys {
			if key == job {
				continue
			}
			if err := store.Delete(ctx, key); err != nil {
				return err
			}
		}
		return store.Delete(ctx, job)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid retention policy %v", retention))
	}
}

// Jobs returns the IDs of all jobs accepted into store, sorted.
// Job IDs are ULIDs, so they sort by submission time.
func Jobs(ctx context.Context, store blob.Store) ([]string, error) {
	keys, err := store.List(ctx, "jobs/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) == 4 && parts[3] == "job" && key == jobKey(parts[2]) {
			ids = append(ids, parts[2])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Inspect returns the status of a job submitted through this executor's
// store.
func (e *Executor) Inspect(ctx context.Context, jobID string) (*JobStatus, error) {
	return Inspect(ctx, e.store, jobID)
}

// Cleanup applies the executor's retention policy (see Retain) to a
// completed job.
func (e *Executor) Cleanup(ctx context.Context, jobID string) error {
	if err := Cleanup(ctx, e.store, jobID, e.retention); err != nil {
		return err
	}
	e.eventer.Event("bigmap:cleanup", "jobID", jobID, "retention", e.retention.String())
	log.Printf("job %s: cleaned up (retention %s)", jobID, e.retention)
	return nil
}
