// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestLocal(t *testing.T) {
	l := NewLocal(0, 4)
	defer l.Close()
	var (
		mu  sync.Mutex
		got = make(map[string]int)
	)
	l.Handle(HandlerFunc(func(ctx context.Context, target string, payload []byte) error {
		// Fan out to execute, as stages do.
		if target == TargetFanout {
			for i := 0; i < 10; i++ {
				if err := l.Invoke(ctx, TargetExecute, payload); err != nil {
					return err
				}
			}
		}
		mu.Lock()
		got[target]++
		mu.Unlock()
		return nil
	}))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Invoke(ctx, TargetFanout, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := got[TargetFanout], 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := got[TargetExecute], 30; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := l.InFlight(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalThrottle(t *testing.T) {
	l := NewLocal(2, 1)
	defer l.Close()
	gate := make(chan struct{})
	l.Handle(HandlerFunc(func(ctx context.Context, target string, payload []byte) error {
		<-gate
		return nil
	}))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Invoke(ctx, TargetExecute, nil); err != nil {
			t.Fatal(err)
		}
	}
	err := l.Invoke(ctx, TargetExecute, nil)
	if !errors.IsTemporary(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if Permanent(err) {
		t.Error("throttling error is permanent")
	}
	close(gate)
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Invoke(ctx, TargetExecute, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLocalWaitTimeout(t *testing.T) {
	l := NewLocal(0, 1)
	defer l.Close()
	gate := make(chan struct{})
	defer close(gate)
	l.Handle(HandlerFunc(func(ctx context.Context, target string, payload []byte) error {
		<-gate
		return nil
	}))
	if err := l.Invoke(context.Background(), TargetEntry, nil); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if got, want := l.Wait(ctx), context.DeadlineExceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalNoHandler(t *testing.T) {
	l := NewLocal(0, 0)
	defer l.Close()
	if err := l.Invoke(context.Background(), TargetEntry, nil); !errors.Is(errors.Unavailable, err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
}
