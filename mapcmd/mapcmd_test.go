// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mapcmd

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/mapconfig"
)

var fnTestGreet = bigmap.Func(func(greeting string, p bigmap.Params) string {
	return greeting + ", " + p["name"].(string)
})

func TestFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var fl Flags
	RegisterFlags(fs, &fl, "bigmap.")
	if err := fs.Parse([]string{"-bigmap.role", "serve", "-bigmap.config", "/etc/bigmap.yaml"}); err != nil {
		t.Fatal(err)
	}
	if got, want := fl.role(), RoleServe; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fl.Config, "/etc/bigmap.yaml"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDefaultRole(t *testing.T) {
	defer os.Unsetenv("AWS_LAMBDA_FUNCTION_NAME")
	var fl Flags
	os.Unsetenv("AWS_LAMBDA_FUNCTION_NAME")
	if got, want := fl.role(), RoleDriver; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	os.Setenv("AWS_LAMBDA_FUNCTION_NAME", "bigmap-worker")
	if got, want := fl.role(), RoleLambda; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDrive(t *testing.T) {
	config := mapconfig.Default()
	config.Store = "mem://TestDrive"
	config.PollInterval = time.Millisecond
	config.PollMaxInterval = 10 * time.Millisecond
	var got []interface{}
	err := Drive(context.Background(), config, Flags{}, func(executor *exec.Executor, args []string) error {
		ctx := context.Background()
		futures, err := executor.Map(ctx, fnTestGreet, []bigmap.Params{{"name": args[0]}, {"name": args[1]}}, "hello")
		if err != nil {
			return err
		}
		got, err = exec.WaitAll(ctx, futures)
		return err
	}, []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "hello, alice" || got[1] != "hello, bob" {
		t.Errorf("got %v", got)
	}
}
