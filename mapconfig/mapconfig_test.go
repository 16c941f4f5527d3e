// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mapconfig

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/invoke"
	"github.com/grailbio/testutil"
)

var fnTestSquare = bigmap.Func(func(p bigmap.Params) int {
	x := p["x"].(int)
	return x * x
})

func TestDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "bigmap.yaml")
	const config = `
backend: lambda
store: file:///tmp/bigmap
region: us-west-2
lambda:
  function: bigmap-worker
  execute: bigmap-executor
timeout: 30m
dispatch-attempts: 7
chunk-size: 50
retention: artifact
`
	if err := ioutil.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Backend, BackendLambda; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Timeout, 30*time.Minute; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.DispatchAttempts, 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ChunkSize, 50; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Unspecified values retain their defaults.
	if got, want := c.PollInterval, exec.DefaultPollInterval; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	want := map[string]string{
		invoke.TargetEntry:   "bigmap-worker",
		invoke.TargetFanout:  "bigmap-worker",
		invoke.TargetExecute: "bigmap-executor",
	}
	if got := c.Lambda.Functions(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := Load(context.Background(), filepath.Join(dir, "nonexistent.yaml")); err == nil {
		t.Error("expected error")
	}
	if err := ioutil.WriteFile(path, []byte("backend: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(context.Background(), path); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BIGMAP_BACKEND":           "http",
		"BIGMAP_STORE":             "sqlite:///tmp/bigmap.db",
		"BIGMAP_HTTP_URL":          "http://workers:8080",
		"BIGMAP_DISPATCH_ATTEMPTS": "9",
		"BIGMAP_DISPATCH_BACKOFF":  "250ms",
		"BIGMAP_DISCARD_OUTPUT":    "true",
		"BIGMAP_LOG_LEVEL":         "debug",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	c := Default()
	if err := c.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if got, want := c.Backend, BackendHTTP; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.HTTP.URL, "http://workers:8080"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.DispatchAttempts, 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.DispatchBackoff, 250*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !c.DiscardOutput {
		t.Error("expected discard output")
	}

	for key, value := range map[string]string{
		"BIGMAP_CHUNK_SIZE":     "many",
		"BIGMAP_TIMEOUT":        "forever",
		"BIGMAP_DISCARD_OUTPUT": "perhaps",
	} {
		c := Default()
		err := c.ApplyEnv(func(k string) (string, bool) {
			if k == key {
				return value, true
			}
			return "", false
		})
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%s=%s: expected invalid error, got %v", key, value, err)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{"backend", func(c *Config) { c.Backend = "carrier-pigeon" }},
		{"store", func(c *Config) { c.Store = "" }},
		{"shared memory", func(c *Config) { c.Backend, c.HTTP.URL = BackendHTTP, "http://localhost" }},
		{"lambda functions", func(c *Config) { c.Backend, c.Store = BackendLambda, "redis://localhost:6379/0" }},
		{"shared s3 store", func(c *Config) {
			c.Backend, c.Store, c.Lambda.Function = BackendLambda, "s3://bucket/prefix", "bigmap"
		}},
		{"machines", func(c *Config) { c.Backend, c.Bigmachine.Machines = BackendBigmachine, 0 }},
		{"system", func(c *Config) { c.Backend, c.Bigmachine.System = BackendBigmachine, "mainframe" }},
		{"poll interval", func(c *Config) { c.PollMaxInterval = c.PollInterval / 2 }},
		{"attempts", func(c *Config) { c.DispatchAttempts = 0 }},
		{"backoff", func(c *Config) { c.DispatchBackoff = 0 }},
		{"chunk size", func(c *Config) { c.ChunkSize = -1 }},
		{"retention", func(c *Config) { c.Retention = "forever" }},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
	} {
		t.Run(c.name, func(t *testing.T) {
			config := Default()
			c.mutate(&config)
			if err := config.Validate(); !errors.Is(errors.Invalid, err) {
				t.Errorf("expected invalid error, got %v", err)
			}
		})
	}
}

func TestMarshal(t *testing.T) {
	c := Default()
	c.Backend = BackendBigmachine
	c.Store = "redis://localhost:6379/0"
	c.Bigmachine.Machines = 4
	c.DispatchMaxBackoff = 7 * time.Second
	p, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Errorf("got %+v, want %+v", got, c)
	}
}

func TestExecutor(t *testing.T) {
	c := Default()
	c.Store = "mem://TestExecutor"
	c.PollInterval = time.Millisecond
	c.PollMaxInterval = 10 * time.Millisecond
	c.ChunkSize = 2
	ctx := context.Background()
	executor, shutdown, err := c.Executor(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown()
	params := make([]bigmap.Params, 5)
	for i := range params {
		params[i] = bigmap.Params{"x": i}
	}
	futures, err := executor.Map(ctx, fnTestSquare, params)
	if err != nil {
		t.Fatal(err)
	}
	values, err := exec.WaitAll(ctx, futures)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fmt.Sprint(values), "[0 1 4 9 16]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInvokerUnknownBackend(t *testing.T) {
	c := Default()
	c.Backend = "smoke-signals"
	store, err := c.OpenStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Invoker(context.Background(), store, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
