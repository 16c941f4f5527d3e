// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/mapconfig"
)

func openStore(ctx context.Context) (mapconfig.Config, blob.Store) {
	config, err := mapconfig.Load(ctx, *configPath)
	must.Nil(err)
	store, err := config.OpenStore(ctx)
	must.Nil(err, "opening store ", config.Store)
	return config, store
}

func lsCmd(args []string) {
	var (
		flags = flag.NewFlagSet("bigmap ls", flag.ExitOnError)
		long  = flags.Bool("l", false, "show the state of each job")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigmap ls [-l]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	ctx := context.Background()
	_, store := openStore(ctx)
	ids, err := exec.Jobs(ctx, store)
	must.Nil(err)
	if !*long {
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "job\tcreated\titems\tpending\tsucceeded\tfailed")
	for _, id := range ids {
		status, err := exec.Inspect(ctx, store, id)
		if err != nil {
			fmt.Fprintf(tw, "%s\terror: %v\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", id, status.Created.Format(time.RFC3339),
			len(status.Items), status.Pending, status.Succeeded, status.Failed)
	}
	must.Nil(tw.Flush())
}

func inspectCmd(args []string) {
	flags := flag.NewFlagSet("bigmap inspect", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigmap inspect job...")
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() == 0 {
		flags.Usage()
	}
	ctx := context.Background()
	_, store := openStore(ctx)
	for _, id := range flags.Args() {
		status, err := exec.Inspect(ctx, store, id)
		must.Nil(err, "inspecting job ", id)
		printStatus(os.Stdout, status)
	}
}

func printStatus(w io.Writer, status *exec.JobStatus) {
	fmt.Fprintf(w, "job %s\n", status.ID)
	fmt.Fprintf(w, "\tcreated:   %s\n", status.Created.Format(time.RFC3339))
	fmt.Fprintf(w, "\ttriggered: %v\n", status.Triggered)
	fmt.Fprintf(w, "\tartifact:  %v\n", status.Artifact)
	fmt.Fprintf(w, "\tparams:    %v\n", status.Params)
	fmt.Fprintf(w, "\titems:     %d (%d pending, %d succeeded, %d failed)\n",
		len(status.Items), status.Pending, status.Succeeded, status.Failed)
	indices := make([]int, 0, len(status.Failures))
	for index := range status.Failures {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	for _, index := range indices {
		fmt.Fprintf(w, "\titem %d: %v\n", index, status.Failures[index].Err())
	}
}

func cleanupCmd(args []string) {
	var (
		flags     = flag.NewFlagSet("bigmap cleanup", flag.ExitOnError)
		retention = flags.String("retain", "", "retention policy (keep, artifact, or all); defaults to the configured policy")
		all       = flags.Bool("all", false, "clean up all completed jobs")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigmap cleanup [-retain policy] [-all | job...]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if !*all && flags.NArg() == 0 {
		flags.Usage()
	}
	ctx := context.Background()
	config, store := openStore(ctx)
	if *retention == "" {
		*retention = config.Retention
	}
	policy, err := exec.ParseRetention(*retention)
	must.Nil(err)
	ids := flags.Args()
	if *all {
		ids, err = exec.Jobs(ctx, store)
		must.Nil(err)
	}
	var failed bool
	for _, id := range ids {
		if err := exec.Cleanup(ctx, store, id, policy); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			failed = true
			continue
		}
		fmt.Printf("%s: cleaned up (retain %s)\n", id, policy)
	}
	if failed && !*all {
		os.Exit(1)
	}
}

func configCmd(args []string) {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: bigmap config")
		os.Exit(2)
	}
	config, err := mapconfig.Load(context.Background(), *configPath)
	must.Nil(err)
	p, err := config.Marshal()
	must.Nil(err)
	_, err = os.Stdout.Write(p)
	must.Nil(err)
}
