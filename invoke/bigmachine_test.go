// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigmachine/testsystem"
)

var (
	bigmachineTestMu       sync.Mutex
	bigmachineTestExecuted = make(map[string]int)
	bigmachineTestConfig   []string
)

func init() {
	RegisterFactory("invoke_test", func(ctx context.Context, config []byte, self Invoker) (Handler, error) {
		bigmachineTestMu.Lock()
		bigmachineTestConfig = append(bigmachineTestConfig, string(config))
		bigmachineTestMu.Unlock()
		return HandlerFunc(func(ctx context.Context, target string, payload []byte) error {
			switch target {
			case TargetFanout:
				n, err := strconv.Atoi(string(payload))
				if err != nil {
					return err
				}
				for i := 0; i < n; i++ {
					if err := self.Invoke(ctx, TargetExecute, []byte(strconv.Itoa(i))); err != nil {
						return err
					}
				}
			case TargetExecute:
				bigmachineTestMu.Lock()
				bigmachineTestExecuted[string(payload)]++
				bigmachineTestMu.Unlock()
			}
			return nil
		}), nil
	})
}

func TestBigmachine(t *testing.T) {
	ctx := context.Background()
	x, err := StartBigmachine(ctx, testsystem.New(), BigmachineParams{
		N:       2,
		Factory: "invoke_test",
		Config:  []byte("config"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer x.Shutdown()
	if got, want := len(x.Machines()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	bigmachineTestMu.Lock()
	if got, want := len(bigmachineTestConfig), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, config := range bigmachineTestConfig {
		if got, want := config, "config"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	bigmachineTestMu.Unlock()

	const N = 20
	if err := x.Invoke(ctx, TargetFanout, []byte(strconv.Itoa(N))); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Minute)
	for {
		bigmachineTestMu.Lock()
		n := len(bigmachineTestExecuted)
		bigmachineTestMu.Unlock()
		if n == N {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("executed %d of %d items", n, N)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := x.Invoke(ctx, "bogus", nil); err == nil {
		t.Error("expected error")
	}
}

func TestBigmachineUnknownFactory(t *testing.T) {
	_, err := StartBigmachine(context.Background(), testsystem.New(), BigmachineParams{
		N:       1,
		Factory: "nonexistent",
	})
	if err == nil {
		t.Error("expected error")
	}
}
