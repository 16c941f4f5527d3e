// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigmap inspects and maintains the jobs in a bigmap store.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Bigmap is a tool for managing bigmap jobs.

Usage:

	bigmap [-config path] <command> [arguments]

The commands are:

	ls        list the jobs in the configured store
	inspect   show the state of a job and its failed items
	cleanup   apply a retention policy to completed jobs
	config    print the effective configuration
`)
	os.Exit(2)
}

var configPath = flag.String("config", os.Getenv("BIGMAP_CONFIG"), "path of the bigmap configuration file")

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigmap: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "ls":
		lsCmd(args)
	case "inspect":
		inspectCmd(args)
	case "cleanup":
		cleanupCmd(args)
	case "config":
		configCmd(args)
	}
}
