// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mapcmd provides utilities for implementing bigmap-based
// command line tools. A single bigmap binary acts both as the driver,
// which submits jobs, and as the worker that runs the jobs' stages:
// workers must register the same functions as the driver, so they run
// the same binary. The main entry point, mapcmd.Main, selects the
// role from the -role flag (or from the environment, when running
// inside AWS Lambda), configures bigmap, and runs the role.
//
// A mapcmd tool follows this form:
//
//	var score = bigmap.Func(func(p bigmap.Params) (float64, error) {
//		...
//	})
//
//	func main() {
//		mapcmd.Main(func(executor *exec.Executor, args []string) error {
//			ctx := context.Background()
//			futures, err := executor.Map(ctx, score, params)
//			if err != nil {
//				return err
//			}
//			values, err := exec.WaitAll(ctx, futures)
//			// Do something with values...
//		})
//	}
package mapcmd

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/invoke"
	"github.com/grailbio/bigmap/mapconfig"
)

// Roles.
const (
	// RoleDriver runs the user's driver function.
	RoleDriver = "driver"
	// RoleServe runs an HTTP worker.
	RoleServe = "serve"
	// RoleLambda runs a Lambda worker.
	RoleLambda = "lambda"
)

// Flags holds the command line configuration of a mapcmd.
type Flags struct {
	// Config is the path of the YAML configuration file.
	Config string
	// Role selects the process's role. An empty role selects
	// RoleLambda inside AWS Lambda and RoleDriver otherwise.
	Role string
	// ConsoleStatus displays job status on the console.
	ConsoleStatus bool
	// HTTPAddress is the address of the driver's diagnostic web server.
	HTTPAddress string
}

// RegisterFlags registers mapcmd flags with the provided flag set,
// each prefixed by prefix.
func RegisterFlags(fs *flag.FlagSet, fl *Flags, prefix string) {
	fs.StringVar(&fl.Config, prefix+"config", os.Getenv(mapconfig.EnvPrefix+"CONFIG"), "path of the bigmap configuration file")
	fs.StringVar(&fl.Role, prefix+"role", "", "process role: driver, serve, or lambda")
	fs.BoolVar(&fl.ConsoleStatus, prefix+"console-status", false, "display job status on the console")
	fs.StringVar(&fl.HTTPAddress, prefix+"http", ":3333", "address of the driver's diagnostic web server")
}

func (fl Flags) role() string {
	if fl.Role != "" {
		return fl.Role
	}
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return RoleLambda
	}
	return RoleDriver
}

// Main is a convenient entry point for a mapcmd. Main does not
// return; it should be called after other initialization is performed.
// Main parses (global) flags and loads the bigmap configuration. In
// the driver role, Main invokes the provided func with an executor and
// the unparsed arguments; in the worker roles, Main serves stage
// invocations until the process is terminated.
//
// Main terminates the program after the role completes. If it fails,
// the error is reported and the process exits with code 1.
func Main(driver func(executor *exec.Executor, args []string) error) {
	var fl Flags
	RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	ctx := context.Background()
	config, err := mapconfig.Load(ctx, fl.Config)
	if err != nil {
		log.Fatal(err)
	}
	if err := config.SetLogLevel(); err != nil {
		log.Fatal(err)
	}
	switch role := fl.role(); role {
	case RoleDriver:
		err = Drive(ctx, config, fl, driver, flag.Args())
	case RoleServe:
		err = Serve(ctx, config)
	case RoleLambda:
		err = Lambda(ctx, config)
	default:
		err = errors.E(errors.Invalid, "unknown role "+role)
	}
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Drive runs the provided driver with an executor for the configured
// deployment.
func Drive(ctx context.Context, config mapconfig.Config, fl Flags, driver func(*exec.Executor, []string) error, args []string) error {
	var st status.Status
	executor, shutdown, err := config.Executor(ctx, &st)
	if err != nil {
		return err
	}
	defer shutdown()
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, &st)
	}
	if fl.HTTPAddress != "" {
		http.Handle("/debug/status", status.Handler(&st))
		go func() {
			log.Printf("HTTP status at: %v", fl.HTTPAddress)
			if err := http.ListenAndServe(fl.HTTPAddress, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", fl.HTTPAddress, err)
			}
		}()
	}
	return driver(executor, args)
}

// Serve runs an HTTP worker: it accepts stage invocations at the
// configured address and runs them against the configured store.
// Further stages are invoked through the worker pool's URL, if
// configured, and in this process otherwise. Serve returns when the
// process receives SIGINT or SIGTERM.
func Serve(ctx context.Context, config mapconfig.Config) error {
	store, err := config.OpenStore(ctx)
	if err != nil {
		return err
	}
	local := invoke.NewLocal(config.MaxInFlight, config.Procs)
	defer local.Close()
	var next invoke.Invoker = local
	if config.HTTP.URL != "" {
		next = invoke.NewHTTP(config.HTTP.URL, http.DefaultClient)
	}
	local.Handle(config.Stages(store, next))

	server := &http.Server{Addr: config.HTTP.Addr, Handler: invoke.NewServer(local)}
	errc := make(chan error, 1)
	go func() {
		log.Printf("bigmap: serving stages at %s (store %s)", config.HTTP.Addr, config.Store)
		errc <- server.ListenAndServe()
	}()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Printf("bigmap: %v: draining %d invocations", sig, local.InFlight())
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	return local.Wait(ctx)
}

// Lambda runs a Lambda worker. Lambda does not return.
func Lambda(ctx context.Context, config mapconfig.Config) error {
	store, err := config.OpenStore(ctx)
	if err != nil {
		return err
	}
	sess, err := session.NewSession(aws.NewConfig().WithRegion(config.Region))
	if err != nil {
		return errors.E(errors.Unavailable, "creating AWS session", err)
	}
	next := invoke.NewLambdaSession(sess, config.Lambda.Functions())
	lambda.Start(invoke.LambdaHandler(config.Stages(store, next)))
	return nil
}
