// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command add is a minimal bigmap program: it adds pairs of numbers,
// one work item per pair. Run it locally with
//
//	go run github.com/grailbio/bigmap/example/add -n 10
//
// or against a deployment by passing -config.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/grailbio/bigmap"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/mapcmd"
)

var add = bigmap.Func(func(p bigmap.Params) (int, error) {
	x, ok := p["x"].(int)
	if !ok {
		return 0, fmt.Errorf("x is a %T, not an int", p["x"])
	}
	y, ok := p["y"].(int)
	if !ok {
		return 0, fmt.Errorf("y is a %T, not an int", p["y"])
	}
	return x + y, nil
})

func main() {
	n := flag.Int("n", 3, "number of pairs to add")
	mapcmd.Main(func(executor *exec.Executor, args []string) error {
		ctx := context.Background()
		params := make([]bigmap.Params, *n)
		for i := range params {
			params[i] = bigmap.Params{"x": i + 1, "y": i + 1}
		}
		futures, err := executor.Map(ctx, add, params)
		if err != nil {
			return err
		}
		values, err := exec.WaitAll(ctx, futures)
		if err != nil {
			return err
		}
		for i, v := range values {
			fmt.Printf("%d + %d = %v\n", i+1, i+1, v)
		}
		return nil
	})
}
