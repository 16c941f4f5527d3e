// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package maptest provides utilities for testing bigmap user code.
// The utilities here run all stages in the test process, against a
// private in-memory store; they are strictly intended for unit
// testing.
package maptest

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/invoke"
)

// Start returns an executor for a private, in-process deployment, and
// a function that shuts it down. Options are applied after the
// deployment's defaults, which poll aggressively.
func Start(t testing.TB, options ...exec.Option) (*exec.Executor, func()) {
	t.Helper()
	store := blob.NewMemory()
	local := invoke.NewLocal(0, 0)
	stages := exec.NewStages(store, local)
	stages.DispatchBackoff = time.Millisecond
	stages.DispatchMaxBackoff = 10 * time.Millisecond
	local.Handle(stages)
	options = append([]exec.Option{
		exec.PollInterval(time.Millisecond, 10*time.Millisecond),
		exec.Timeout(time.Minute),
	}, options...)
	return exec.New(store, local, options...), local.Close
}

// Run submits the closure c with the provided parameter sets to a
// private deployment and returns the outcome of each item: its value
// and its error. Submission errors are reported as fatal to the
// provided t instance.
func Run(t testing.TB, c *bigmap.Closure, params []bigmap.Params) ([]interface{}, []error) {
	t.Helper()
	executor, shutdown := Start(t)
	defer shutdown()
	ctx := context.Background()
	futures, err := executor.Submit(ctx, c, params)
	if err != nil {
		t.Fatal(err)
	}
	var (
		values = make([]interface{}, len(futures))
		errs   = make([]error, len(futures))
	)
	for i, f := range futures {
		values[i], errs[i] = f.Result(ctx)
	}
	return values, errs
}

// RunAndScan runs the closure c with the provided parameter sets and
// stores the items' values in the slice pointed to by out, whose
// element type must match the closure's return type. Item failures
// are reported as fatal to the provided t instance.
func RunAndScan(t testing.TB, c *bigmap.Closure, params []bigmap.Params, out interface{}) {
	t.Helper()
	values, errs := Run(t, c, params)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
	}
	v := reflect.Indirect(reflect.ValueOf(out))
	elem := v.Type().Elem()
	v.Set(reflect.MakeSlice(v.Type(), len(values), len(values)))
	for i, value := range values {
		if value == nil {
			continue
		}
		rv := reflect.ValueOf(value)
		if !rv.Type().AssignableTo(elem) {
			t.Fatalf("item %d: value of type %s is not assignable to %s", i, rv.Type(), elem)
		}
		v.Index(i).Set(rv)
	}
}
