// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mapconfig

import (
	"context"
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmap/exec"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigmap/config")

func init() {
	config.Register("bigmap", func(inst *config.Constructor) {
		var path, backend, store string
		inst.StringVar(&path, "config", "", "path of a bigmap YAML configuration file")
		inst.StringVar(&backend, "backend", "", "invocation backend: local, http, lambda, or bigmachine")
		inst.StringVar(&store, "store", "", "URL of the blob store shared by drivers and workers")
		inst.Doc = "bigmap configures a bigmap executor"
		inst.New = func() (interface{}, error) {
			ctx := context.Background()
			c, err := Load(ctx, path)
			if err != nil {
				return nil, err
			}
			if backend != "" {
				c.Backend = backend
			}
			if store != "" {
				c.Store = store
			}
			if err := c.Validate(); err != nil {
				return nil, err
			}
			executor, _, err := c.Executor(ctx, nil)
			return executor, err
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigmap profile from Path and returns the executor it configures.
// Parse panics if the executor cannot be created.
func Parse() *exec.Executor {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var executor *exec.Executor
	config.Must("bigmap", &executor)
	return executor
}
