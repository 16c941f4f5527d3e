// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/bigmap"
	"github.com/spaolacci/murmur3"
)

// Job is the envelope of a submission. The accepted job is also the
// job's bookkeeping record: the entry stage stores it, write-once, at
// the job key.
type Job struct {
	// ID uniquely identifies the job.
	ID string
	// ArtifactKey is the store key of the job's serialized closure,
	// and ArtifactDigest its SHA-256 digest.
	ArtifactKey    string
	ArtifactDigest string
	// ParamsKey is the store key of the job's encoded parameter sets
	// (see bigmap.EncodeParams). Item i's parameter set occupies bytes
	// [Offsets[i], Offsets[i+1]) of the object, so that envelopes stay
	// small regardless of the size of the job's inputs.
	ParamsKey string
	Offsets   []int64
	// Created is the job's submission time.
	Created time.Time
	// DiscardOutput indicates that successful items should not store
	// their return values.
	DiscardOutput bool
}

// N returns the number of items in the job.
func (j *Job) N() int {
	if len(j.Offsets) == 0 {
		return 0
	}
	return len(j.Offsets) - 1
}

// item returns the work item for item index, without dispatch
// information.
func (j *Job) item(index int) WorkItem {
	return WorkItem{
		JobID:          j.ID,
		Index:          index,
		ParamsKey:      j.ParamsKey,
		ParamsOffset:   j.Offsets[index],
		ParamsSize:     j.Offsets[index+1] - j.Offsets[index],
		ArtifactKey:    j.ArtifactKey,
		ArtifactDigest: j.ArtifactDigest,
		DiscardOutput:  j.DiscardOutput,
	}
}

// A WorkItem is the payload of a single execute invocation.
type WorkItem struct {
	JobID string
	Index int
	// The item's parameter set is stored in bytes
	// [ParamsOffset, ParamsOffset+ParamsSize) of ParamsKey.
	ParamsKey    string
	ParamsOffset int64
	ParamsSize   int64

	ArtifactKey    string
	ArtifactDigest string
	DiscardOutput  bool

	// Attempt is the dispatch attempt (starting at 1) that produced
	// this invocation, and DispatchID uniquely identifies it.
	Attempt    int
	DispatchID string
}

// FanoutRequest asks the fan-out stage to dispatch the items with
// indices [Lo, Hi) of a job.
type fanoutRequest struct {
	JobID  string
	Lo, Hi int
}

// RecordStatus is the terminal state of an item.
type RecordStatus int

const (
	// StatusSuccess indicates that the item's function returned
	// normally.
	StatusSuccess RecordStatus = iota + 1
	// StatusFailure indicates that the item failed; see Record.Failure.
	StatusFailure
)

func (s RecordStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("RecordStatus(%d)", int(s))
	}
}

// Failure describes a failed item. Failures are stored, so they
// carry the error's classification and message but not the error
// value itself.
type Failure struct {
	Kind    bigmap.Kind
	Type    string
	Message string
}

// Err returns the error represented by f.
func (f *Failure) Err() error {
	return &bigmap.Error{Kind: f.Kind, Type: f.Type, Message: f.Message}
}

// failureOf returns the stored form of err.
func failureOf(err error) *Failure {
	e, ok := err.(*bigmap.Error)
	if !ok {
		return &Failure{Kind: bigmap.SystemExecution, Type: fmt.Sprintf("%T", err), Message: err.Error()}
	}
	msg := e.Message
	if e.Err != nil && e.Err.Error() != msg {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return &Failure{Kind: e.Kind, Type: e.Type, Message: msg}
}

// A Record is the outcome of a single item. Exactly one record is
// stored per item, at a key determined by the job ID and the item's
// index.
type Record struct {
	JobID  string
	Index  int
	Status RecordStatus
	// Payload is the encoded return value of a successful item (see
	// bigmap.DecodeValue). It is empty if the job discards output.
	Payload []byte
	// Failure describes a failed item.
	Failure *Failure
	// Completed is the time at which the record was produced.
	Completed time.Time
	// DispatchID identifies the invocation that produced the record.
	DispatchID string
	// Metrics holds execution metrics: "load_duration" and
	// "exec_duration", both in seconds.
	Metrics map[string]float64
}

// JobPrefix returns the store prefix under which all of a job's
// objects are stored. Prefixes are sharded by a hash of the job ID so
// that jobs spread across the key space of stores that partition by
// prefix (e.g., S3).
func JobPrefix(jobID string) string {
	return fmt.Sprintf("jobs/%02x/%s/", murmur3.Sum32([]byte(jobID))&0xff, jobID)
}

func jobKey(jobID string) string       { return JobPrefix(jobID) + "job" }
func triggeredKey(jobID string) string { return JobPrefix(jobID) + "triggered" }
func artifactKey(jobID string) string  { return JobPrefix(jobID) + "artifact" }
func paramsKey(jobID string) string    { return JobPrefix(jobID) + "params" }
func resultPrefix(jobID string) string { return JobPrefix(jobID) + "results/" }

// ResultKey returns the store key of the record of item index of the
// provided job.
func ResultKey(jobID string, index int) string {
	return fmt.Sprintf("%s%06d", resultPrefix(jobID), index)
}

// resultIndex parses the item index from a result key.
func resultIndex(jobID, key string) (int, bool) {
	rest := strings.TrimPrefix(key, resultPrefix(jobID))
	if rest == key {
		return 0, false
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// validJobID tells whether id may be used as a job ID: it becomes part
// of store keys, so it is restricted to letters, digits, '-' and '_'.
func validJobID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func encode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decode(p []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(p)).Decode(v)
}
