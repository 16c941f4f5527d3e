// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/invoke"
	"github.com/oklog/ulid/v2"
)

// newJob stores the artifact of closure c and the parameter sets
// params, and returns a job envelope for them that has not yet been
// entered.
func newJob(t *testing.T, d *testDeployment, c *bigmap.Closure, params []bigmap.Params) *Job {
	t.Helper()
	artifact, err := bigmap.Serialize(c)
	if err != nil {
		t.Fatal(err)
	}
	encodedParams, offsets, err := bigmap.EncodeParams(params)
	if err != nil {
		t.Fatal(err)
	}
	id := ulid.Make().String()
	job := &Job{
		ID:             id,
		ArtifactKey:    artifactKey(id),
		ArtifactDigest: bigmap.Digest(artifact),
		ParamsKey:      paramsKey(id),
		Offsets:        offsets,
		Created:        time.Now(),
	}
	ctx := context.Background()
	if err := d.store.Put(ctx, job.ArtifactKey, artifact); err != nil {
		t.Fatal(err)
	}
	if err := d.store.Put(ctx, job.ParamsKey, encodedParams); err != nil {
		t.Fatal(err)
	}
	return job
}

func mustEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	p, err := encode(v)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEntryInvalid(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()

	if err := d.stages.Entry(ctx, []byte("not a job")); !bigmap.Is(bigmap.InvalidJob, err) {
		t.Errorf("expected invalid job error, got %v", err)
	}
	if err := d.stages.Entry(ctx, nil); !bigmap.Is(bigmap.InvalidJob, err) {
		t.Errorf("expected invalid job error, got %v", err)
	}

	valid := newJob(t, d, addFunc.Bind(), []bigmap.Params{{"x": 1, "y": 2}})
	noParams := ulid.Make().String()
	if err := d.store.Put(ctx, artifactKey(noParams), []byte("artifact")); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		name   string
		mutate func(job *Job)
	}{
		{"no params", func(job *Job) { job.Offsets = nil }},
		{"bad id", func(job *Job) { job.ID = "../escape" }},
		{"empty id", func(job *Job) { job.ID = "" }},
		{"foreign artifact", func(job *Job) { job.ArtifactKey = "elsewhere/artifact" }},
		{"no digest", func(job *Job) { job.ArtifactDigest = "" }},
		{"foreign params", func(job *Job) { job.ParamsKey = "elsewhere/params" }},
		{"offset start", func(job *Job) { job.Offsets = []int64{1, job.Offsets[1]} }},
		{"empty parameter set", func(job *Job) { job.Offsets = []int64{0, 0, job.Offsets[1]} }},
		{"params size", func(job *Job) { job.Offsets = []int64{0, job.Offsets[1] - 1} }},
		{"missing artifact", func(job *Job) {
			job.ID = ulid.Make().String()
			job.ArtifactKey = artifactKey(job.ID)
			job.ParamsKey = paramsKey(job.ID)
		}},
		{"missing params", func(job *Job) {
			job.ID = noParams
			job.ArtifactKey = artifactKey(job.ID)
			job.ParamsKey = paramsKey(job.ID)
		}},
	} {
		t.Run(c.name, func(t *testing.T) {
			job := *valid
			c.mutate(&job)
			err := d.stages.Entry(ctx, mustEncode(t, &job))
			if !bigmap.Is(bigmap.InvalidJob, err) {
				t.Errorf("expected invalid job error, got %v", err)
			}
		})
	}
	// No job was accepted, and nothing was dispatched.
	ids, err := Jobs(ctx, d.store)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("unexpected jobs %v", ids)
	}
	keys, err := d.store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, "/artifact") && !strings.HasSuffix(key, "/params") {
			t.Errorf("unexpected key %s", key)
		}
	}
	if got, want := d.invoker.count(invoke.TargetFanout), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEntryIdempotent(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()
	job := newJob(t, d, addFunc.Bind(), []bigmap.Params{{"x": 1, "y": 2}, {"x": 3, "y": 4}})
	payload := mustEncode(t, job)

	if err := d.stages.Entry(ctx, payload); err != nil {
		t.Fatal(err)
	}
	d.wait(t)
	// Redelivery to the same worker.
	if err := d.stages.Entry(ctx, payload); err != nil {
		t.Fatal(err)
	}
	// Concurrent redeliveries.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.stages.Entry(ctx, payload); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	// Redelivery to another worker.
	other := NewStages(d.store, d.invoker)
	if err := other.Entry(ctx, payload); err != nil {
		t.Fatal(err)
	}
	d.wait(t)
	// Accepted jobs are not retained by the stages.
	for _, s := range []*Stages{d.stages, other} {
		s.entries.mu.Lock()
		n := len(s.entries.tasks)
		s.entries.mu.Unlock()
		if n != 0 {
			t.Errorf("%d entries retained", n)
		}
	}
	if got, want := d.invoker.count(invoke.TargetFanout), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.invoker.count(invoke.TargetExecute), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, want := range []int{3, 7} {
		v, err := decodeOutcome(job.ID, i, mustGet(t, d, ResultKey(job.ID, i)))
		if err != nil {
			t.Fatal(err)
		}
		if v != want {
			t.Errorf("item %d: got %v, want %v", i, v, want)
		}
	}
}

func TestEntryRetrigger(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()
	job := newJob(t, d, addFunc.Bind(), []bigmap.Params{{"x": 1, "y": 2}, {"x": 3, "y": 4}, {"x": 5, "y": 6}})
	payload := mustEncode(t, job)

	// An earlier entry stored the job, and item 1 completed, but the
	// fan-out was never marked as triggered.
	if err := d.store.Put(ctx, jobKey(job.ID), payload); err != nil {
		t.Fatal(err)
	}
	item := job.item(1)
	item.Attempt, item.DispatchID = 1, "earlier"
	if err := d.stages.Execute(ctx, mustEncode(t, &item)); err != nil {
		t.Fatal(err)
	}

	if err := d.stages.Entry(ctx, payload); err != nil {
		t.Fatal(err)
	}
	d.wait(t)
	if _, err := d.store.Stat(ctx, triggeredKey(job.ID)); err != nil {
		t.Fatal(err)
	}
	if got, want := d.invoker.count(invoke.TargetFanout), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The completed item was not dispatched again.
	if got, want := d.invoker.count(invoke.TargetExecute), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.record(t, job.ID, 1).DispatchID, "earlier"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	status, err := Inspect(ctx, d.store, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := status.Succeeded, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEntryDispatchFailure(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	d.stages.DispatchAttempts = 2
	d.invoker.fail = func(target string, _ int, _ []byte) error {
		if target == invoke.TargetFanout {
			return errors.E(errors.Unavailable, errors.Temporary, "throttled")
		}
		return nil
	}
	ctx := context.Background()
	job := newJob(t, d, addFunc.Bind(), []bigmap.Params{{"x": 1, "y": 2}})
	payload := mustEncode(t, job)
	if err := d.stages.Entry(ctx, payload); !bigmap.Is(bigmap.Dispatch, err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if _, err := d.store.Stat(ctx, triggeredKey(job.ID)); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist, got %v", err)
	}
	// The failed entry is not remembered: redelivery triggers the
	// fan-out.
	d.invoker.mu.Lock()
	d.invoker.fail = nil
	d.invoker.mu.Unlock()
	if err := d.stages.Entry(ctx, payload); err != nil {
		t.Fatal(err)
	}
	d.wait(t)
	v, err := decodeOutcome(job.ID, 0, mustGet(t, d, ResultKey(job.ID, 0)))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFanoutInvalid(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()
	if err := d.stages.Fanout(ctx, []byte("garbage")); !bigmap.Is(bigmap.InvalidJob, err) {
		t.Errorf("expected invalid job error, got %v", err)
	}
	req := fanoutRequest{JobID: ulid.Make().String(), Lo: 0, Hi: 1}
	if err := d.stages.Fanout(ctx, mustEncode(t, req)); !bigmap.Is(bigmap.InvalidJob, err) {
		t.Errorf("expected invalid job error, got %v", err)
	}
	job := newJob(t, d, addFunc.Bind(), []bigmap.Params{{"x": 1, "y": 2}})
	if err := d.store.Put(ctx, jobKey(job.ID), mustEncode(t, job)); err != nil {
		t.Fatal(err)
	}
	for _, r := range [][2]int{{0, 2}, {-1, 1}, {1, 1}} {
		req := fanoutRequest{JobID: job.ID, Lo: r[0], Hi: r[1]}
		if err := d.stages.Fanout(ctx, mustEncode(t, req)); !bigmap.Is(bigmap.InvalidJob, err) {
			t.Errorf("%v: expected invalid job error, got %v", r, err)
		}
	}
	if got, want := d.invoker.count(invoke.TargetExecute), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFanoutInline(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	d.stages.ChunkSize = 3
	d.stages.DispatchAttempts = 1
	// Only the job's own fan-out is accepted; its chunks are fanned
	// out inline.
	d.invoker.fail = func(target string, n int, _ []byte) error {
		if target == invoke.TargetFanout && n > 1 {
			return errors.E(errors.NotAllowed, "no nested fan-out")
		}
		return nil
	}
	ctx := context.Background()
	futures, err := d.executor.Map(ctx, scaleFunc, xs(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), 3)
	if err != nil {
		t.Fatal(err)
	}
	values, err := WaitAll(ctx, futures)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fmt.Sprint(values), "[0 3 6 9 12 15 18 21 24 27]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.invoker.count(invoke.TargetFanout), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatchExhausted(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	const attempts = 3
	d.stages.DispatchAttempts = attempts
	d.invoker.fail = func(target string, _ int, payload []byte) error {
		if target != invoke.TargetExecute {
			return nil
		}
		var item WorkItem
		if err := decode(payload, &item); err != nil {
			return err
		}
		if item.Index != 1 {
			return nil
		}
		return errors.E(errors.Unavailable, errors.Temporary, fmt.Sprintf("throttled attempt %d", item.Attempt))
	}
	ctx := context.Background()
	futures, err := d.executor.Submit(ctx, failAtFunc.Bind(-1), xs(0, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	values, err := WaitAll(ctx, futures)
	if !bigmap.Is(bigmap.Dispatch, err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if got, want := fmt.Sprint(values), "[0 <nil> 2]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.invoker.count(invoke.TargetExecute), 2+attempts; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	rec := d.record(t, futures[1].JobID, 1)
	if got, want := rec.Status, StatusFailure; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := rec.Failure.Kind, bigmap.Dispatch; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if rec.DispatchID == "" {
		t.Error("missing dispatch ID")
	}
}

func TestDispatchPermanent(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	d.stages.DispatchAttempts = 5
	d.invoker.fail = func(target string, _ int, _ []byte) error {
		if target == invoke.TargetExecute {
			return errors.E(errors.NotExist, "no such function")
		}
		return nil
	}
	ctx := context.Background()
	futures, err := d.executor.Submit(ctx, addFunc.Bind(), []bigmap.Params{{"x": 1, "y": 1}, {"x": 2, "y": 2}})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range futures {
		if _, err := f.Result(ctx); !bigmap.Is(bigmap.Dispatch, err) {
			t.Errorf("expected dispatch error, got %v", err)
		}
	}
	// Permanent errors are not retried.
	if got, want := d.invoker.count(invoke.TargetExecute), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatchThrottled(t *testing.T) {
	d := &testDeployment{local: invoke.NewLocal(4, 2)}
	d.store = blob.NewMemory()
	d.invoker = &testInvoker{Invoker: d.local}
	d.stages = NewStages(d.store, d.invoker)
	d.stages.DispatchAttempts = 10000
	d.stages.DispatchBackoff = time.Millisecond
	d.stages.DispatchMaxBackoff = 2 * time.Millisecond
	d.local.Handle(d.stages)
	defer d.local.Close()
	d.executor = New(d.store, d.invoker, PollInterval(time.Millisecond, 10*time.Millisecond))

	const N = 50
	values := make([]int, N)
	for i := range values {
		values[i] = i
	}
	ctx := context.Background()
	futures, err := d.executor.Map(ctx, scaleFunc, xs(values...), 1)
	if err != nil {
		t.Fatal(err)
	}
	results, err := WaitAll(ctx, futures)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range results {
		if v != i {
			t.Errorf("item %d: got %v, want %v", i, v, i)
		}
	}
}

func TestExecuteFailures(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()
	job := newJob(t, d, failAtFunc.Bind(1), xs(0, 1))

	corrupt := []byte("corrupt artifact")
	corruptKey := artifactKey("corrupt")
	if err := d.store.Put(ctx, corruptKey, corrupt); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		name   string
		index  int
		mutate func(item *WorkItem)
		status RecordStatus
		kind   bigmap.Kind
	}{
		{"success", 0, nil, StatusSuccess, bigmap.Other},
		{"user failure", 1, nil, StatusFailure, bigmap.Execution},
		{"digest mismatch", 0, func(item *WorkItem) {
			item.Index = 2
			item.ArtifactDigest = bigmap.Digest(corrupt)
		}, StatusFailure, bigmap.SystemExecution},
		{"corrupt artifact", 0, func(item *WorkItem) {
			item.Index = 3
			item.ArtifactKey, item.ArtifactDigest = corruptKey, bigmap.Digest(corrupt)
		}, StatusFailure, bigmap.SystemExecution},
		{"missing artifact", 0, func(item *WorkItem) {
			item.Index = 4
			item.ArtifactKey = artifactKey("missing")
		}, StatusFailure, bigmap.SystemExecution},
		{"truncated params", 0, func(item *WorkItem) {
			item.Index = 5
			item.ParamsSize--
		}, StatusFailure, bigmap.SystemExecution},
		{"params out of range", 1, func(item *WorkItem) {
			item.Index = 6
			item.ParamsOffset++
		}, StatusFailure, bigmap.SystemExecution},
	} {
		t.Run(c.name, func(t *testing.T) {
			item := job.item(c.index)
			if c.mutate != nil {
				c.mutate(&item)
			}
			if err := d.stages.Execute(ctx, mustEncode(t, &item)); err != nil {
				t.Fatal(err)
			}
			rec := d.record(t, job.ID, item.Index)
			if got, want := rec.Status, c.status; got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
			if c.status == StatusSuccess {
				return
			}
			if got, want := rec.Failure.Kind, c.kind; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if rec.Failure.Message == "" {
				t.Error("empty failure message")
			}
			if !bigmap.Is(c.kind, rec.Failure.Err()) {
				t.Errorf("expected %v, got %v", c.kind, rec.Failure.Err())
			}
		})
	}

	if err := d.stages.Execute(ctx, []byte("garbage")); !bigmap.Is(bigmap.InvalidJob, err) {
		t.Errorf("expected invalid job error, got %v", err)
	}
	for _, mutate := range []func(item *WorkItem){
		func(item *WorkItem) { item.JobID = "bad/id" },
		func(item *WorkItem) { item.Index = -1 },
		func(item *WorkItem) { item.ParamsKey = "elsewhere/params" },
		func(item *WorkItem) { item.ParamsSize = 0 },
	} {
		item := job.item(0)
		mutate(&item)
		if err := d.stages.Execute(ctx, mustEncode(t, &item)); !bigmap.Is(bigmap.InvalidJob, err) {
			t.Errorf("%+v: expected invalid job error, got %v", item, err)
		}
	}
}

func TestExecuteWriteOnce(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()
	job := newJob(t, d, addFunc.Bind(), []bigmap.Params{{"x": 20, "y": 22}})
	const N = 20
	var (
		wg   sync.WaitGroup
		errs = make([]error, N)
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := job.item(0)
			item.Attempt, item.DispatchID = 1, fmt.Sprintf("dispatch%d", i)
			p, err := encode(&item)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = d.stages.Execute(ctx, p)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("execution %d: %v", i, err)
		}
	}
	rec := d.record(t, job.ID, 0)
	if rec.DispatchID == "" {
		t.Fatal("missing dispatch ID")
	}
	// The record is stable.
	if got, want := d.record(t, job.ID, 0).DispatchID, rec.DispatchID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	keys, err := d.store.List(ctx, resultPrefix(job.ID))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(keys), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFutureCorruptRecord(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	ctx := context.Background()
	id := ulid.Make().String()
	if err := d.store.Put(ctx, ResultKey(id, 0), []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	misplaced := Record{JobID: id, Index: 0, Status: StatusSuccess}
	if err := d.store.Put(ctx, ResultKey(id, 1), mustEncode(t, &misplaced)); err != nil {
		t.Fatal(err)
	}
	noFailure := Record{JobID: id, Index: 2, Status: StatusFailure}
	if err := d.store.Put(ctx, ResultKey(id, 2), mustEncode(t, &noFailure)); err != nil {
		t.Fatal(err)
	}
	badPayload := Record{JobID: id, Index: 3, Status: StatusSuccess, Payload: []byte("garbage")}
	if err := d.store.Put(ctx, ResultKey(id, 3), mustEncode(t, &badPayload)); err != nil {
		t.Fatal(err)
	}
	for i, f := range d.executor.Futures(id, 4) {
		if _, err := f.Wait(ctx, 0); !bigmap.Is(bigmap.SystemExecution, err) {
			t.Errorf("item %d: expected system execution error, got %v", i, err)
		}
	}
}

func TestHandleInvalidTarget(t *testing.T) {
	d, shutdown := newTestDeployment(t)
	defer shutdown()
	err := d.stages.Handle(context.Background(), "bogus", nil)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if !invoke.Permanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func mustGet(t *testing.T, d *testDeployment, key string) []byte {
	t.Helper()
	p, err := d.store.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
