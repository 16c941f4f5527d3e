// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestHTTP(t *testing.T) {
	local := NewLocal(0, 2)
	defer local.Close()
	var (
		mu       sync.Mutex
		payloads []string
	)
	local.Handle(HandlerFunc(func(ctx context.Context, target string, payload []byte) error {
		mu.Lock()
		payloads = append(payloads, target+":"+string(payload))
		mu.Unlock()
		return nil
	}))
	srv := httptest.NewServer(NewServer(local))
	defer srv.Close()

	ctx := context.Background()
	client := NewHTTP(srv.URL+"/", nil)
	if err := client.Invoke(ctx, TargetEntry, []byte("job")); err != nil {
		t.Fatal(err)
	}
	if err := local.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := len(payloads), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := payloads[0], "entry:job"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := client.Invoke(ctx, "bogus", nil); !Permanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHTTPThrottle(t *testing.T) {
	local := NewLocal(1, 1)
	defer local.Close()
	gate := make(chan struct{})
	local.Handle(HandlerFunc(func(ctx context.Context, target string, payload []byte) error {
		<-gate
		return nil
	}))
	srv := httptest.NewServer(NewServer(local))
	defer srv.Close()

	ctx := context.Background()
	client := NewHTTP(srv.URL, nil)
	if err := client.Invoke(ctx, TargetExecute, nil); err != nil {
		t.Fatal(err)
	}
	err := client.Invoke(ctx, TargetExecute, nil)
	if !errors.IsTemporary(err) {
		t.Errorf("expected temporary error, got %v", err)
	}
	close(gate)
	if err := local.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	err := NewHTTP(url, nil).Invoke(context.Background(), TargetEntry, nil)
	if err == nil || Permanent(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}
