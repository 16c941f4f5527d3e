// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/invoke"
)

var padFunc = bigmap.Func(func(p bigmap.Params) int {
	return p["x"].(int) + len(p["pad"].(string))
})

// lambdaService is a Lambda API that delivers asynchronous
// invocations to a local invoker, recording the largest event it
// receives.
type lambdaService struct {
	lambdaiface.LambdaAPI
	local *invoke.Local

	mu       sync.Mutex
	events   int
	maxEvent int
}

func (s *lambdaService) InvokeWithContext(ctx aws.Context, in *lambda.InvokeInput, opts ...request.Option) (*lambda.InvokeOutput, error) {
	s.mu.Lock()
	s.events++
	if len(in.Payload) > s.maxEvent {
		s.maxEvent = len(in.Payload)
	}
	s.mu.Unlock()
	var event invoke.LambdaEvent
	if err := json.Unmarshal(in.Payload, &event); err != nil {
		return nil, err
	}
	if err := s.local.Invoke(ctx, event.Target, event.Payload); err != nil {
		return nil, err
	}
	return &lambda.InvokeOutput{StatusCode: aws.Int64(202)}, nil
}

func TestLambdaLargeParams(t *testing.T) {
	local := invoke.NewLocal(0, 8)
	defer local.Close()
	service := &lambdaService{local: local}
	invoker := invoke.NewLambda(service, map[string]string{
		invoke.TargetEntry:   "bigmap",
		invoke.TargetFanout:  "bigmap",
		invoke.TargetExecute: "bigmap",
	})
	store := blob.NewMemory()
	stages := NewStages(store, invoker)
	local.Handle(stages)
	executor := New(store, invoker, PollInterval(time.Millisecond, 10*time.Millisecond), Timeout(30*time.Second))

	const N = 300
	pad := strings.Repeat("x", 2<<10)
	params := make([]bigmap.Params, N)
	for i := range params {
		params[i] = bigmap.Params{"x": i, "pad": pad}
	}
	ctx := context.Background()
	futures, err := executor.Submit(ctx, padFunc.Bind(), params)
	if err != nil {
		t.Fatal(err)
	}
	values, err := WaitAll(ctx, futures)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range values {
		if got, want := v, i+len(pad); got != want {
			t.Errorf("item %d: got %v, want %v", i, got, want)
		}
	}
	info, err := store.Stat(ctx, paramsKey(futures[0].JobID))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size <= invoke.MaxLambdaPayload {
		t.Fatalf("parameter sets of %d bytes fit in a single event", info.Size)
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	if got, want := service.events, N+2; got < want {
		t.Errorf("got %v, want at least %v", got, want)
	}
	if service.maxEvent > invoke.MaxLambdaPayload {
		t.Errorf("event of %d bytes exceeds %d", service.maxEvent, invoke.MaxLambdaPayload)
	}
}
