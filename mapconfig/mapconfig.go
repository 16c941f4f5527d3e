// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mapconfig configures bigmap deployments. A Config names a
// store, an invocation backend, and the tuning parameters of the
// executor and its stages. Configurations are read from YAML files,
// overridden by BIGMAP_* environment variables, and are also
// available as the "bigmap" instance of the
// github.com/grailbio/base/config profile.
//
// The same configuration is used by drivers, which submit jobs, and by
// workers, which run their stages:
//
//	backend: lambda
//	store: redis://bigmap.example.com:6379/0
//	region: us-west-2
//	lambda:
//	  function: bigmap-worker
//	timeout: 30m
package mapconfig

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/invoke"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	// BackendLocal runs all stages in goroutines of the driver process.
	BackendLocal = "local"
	// BackendHTTP invokes stages on HTTP workers (see mapcmd).
	BackendHTTP = "http"
	// BackendLambda invokes stages as asynchronous AWS Lambda functions.
	BackendLambda = "lambda"
	// BackendBigmachine runs stages on a bigmachine cluster started by
	// the driver.
	BackendBigmachine = "bigmachine"
)

// EnvPrefix prefixes the environment variables that override
// configuration values: for example, BIGMAP_STORE overrides Store.
const EnvPrefix = "BIGMAP_"

// LambdaConfig names the Lambda functions that run each stage.
type LambdaConfig struct {
	// Function runs all stages, unless overridden per stage.
	Function string `yaml:"function"`
	Entry    string `yaml:"entry,omitempty"`
	Fanout   string `yaml:"fanout,omitempty"`
	Execute  string `yaml:"execute,omitempty"`
}

// Functions returns the function names by target.
func (c LambdaConfig) Functions() map[string]string {
	functions := make(map[string]string)
	for target, name := range map[string]string{
		invoke.TargetEntry:   c.Entry,
		invoke.TargetFanout:  c.Fanout,
		invoke.TargetExecute: c.Execute,
	} {
		if name == "" {
			name = c.Function
		}
		functions[target] = name
	}
	return functions
}

// HTTPConfig configures HTTP workers.
type HTTPConfig struct {
	// URL is the base URL of the worker pool, as used by drivers and by
	// workers to invoke further stages.
	URL string `yaml:"url"`
	// Addr is the address on which workers listen.
	Addr string `yaml:"addr"`
}

// BigmachineConfig configures the bigmachine backend.
type BigmachineConfig struct {
	// System is the bigmachine system: "local" or "ec2".
	System string `yaml:"system"`
	// Machines is the number of machines to start.
	Machines int `yaml:"machines"`
	// InstanceType is the EC2 instance type of the ec2 system.
	InstanceType string `yaml:"instance-type,omitempty"`
}

// Config is a bigmap deployment configuration.
type Config struct {
	// Backend selects the invoker: local, http, lambda, or bigmachine.
	Backend string `yaml:"backend"`
	// Store is the URL of the blob store shared by drivers and
	// workers; see blob.Open.
	Store string `yaml:"store"`
	// Region is the AWS region of the Lambda backend and of S3 stores.
	Region string `yaml:"region,omitempty"`

	Lambda     LambdaConfig     `yaml:"lambda,omitempty"`
	HTTP       HTTPConfig       `yaml:"http,omitempty"`
	Bigmachine BigmachineConfig `yaml:"bigmachine,omitempty"`

	// Timeout is the default time for which futures wait.
	Timeout time.Duration `yaml:"timeout"`
	// PollInterval and PollMaxInterval bound the interval at which
	// futures poll for their results.
	PollInterval    time.Duration `yaml:"poll-interval"`
	PollMaxInterval time.Duration `yaml:"poll-max-interval"`
	// EntryAttempts bounds the attempts to trigger a job's entry stage.
	EntryAttempts int `yaml:"entry-attempts"`
	// DispatchAttempts bounds the attempts to dispatch an item,
	// spaced from DispatchBackoff to DispatchMaxBackoff.
	DispatchAttempts   int           `yaml:"dispatch-attempts"`
	DispatchBackoff    time.Duration `yaml:"dispatch-backoff"`
	DispatchMaxBackoff time.Duration `yaml:"dispatch-max-backoff"`
	// ChunkSize is the largest index range dispatched by a single
	// fan-out invocation.
	ChunkSize int `yaml:"chunk-size"`
	// Parallelism is the number of concurrent dispatches per fan-out
	// invocation. Zero selects a default.
	Parallelism int `yaml:"parallelism,omitempty"`
	// MaxInFlight and Procs configure the local invokers of the local
	// and bigmachine backends, and of HTTP workers. Zero selects a
	// default.
	MaxInFlight int `yaml:"max-in-flight,omitempty"`
	Procs       int `yaml:"procs,omitempty"`
	// Retention is the policy applied on job cleanup: keep, artifact,
	// or all.
	Retention string `yaml:"retention"`
	// DiscardOutput discards the return values of successful items.
	DiscardOutput bool `yaml:"discard-output"`
	// LogLevel is the log level: error, info, or debug.
	LogLevel string `yaml:"log-level"`
}

// Default returns the default configuration: a local deployment
// backed by a process-local memory store.
func Default() Config {
	return Config{
		Backend:            BackendLocal,
		Store:              "mem://bigmap",
		Timeout:            exec.DefaultTimeout,
		PollInterval:       exec.DefaultPollInterval,
		PollMaxInterval:    exec.DefaultPollMaxInterval,
		EntryAttempts:      exec.DefaultEntryAttempts,
		DispatchAttempts:   exec.DefaultDispatchAttempts,
		DispatchBackoff:    exec.DefaultDispatchBackoff,
		DispatchMaxBackoff: exec.DefaultDispatchMaxBackoff,
		ChunkSize:          exec.DefaultChunkSize,
		Retention:          exec.RetainKeep.String(),
		LogLevel:           "info",
		HTTP:               HTTPConfig{Addr: ":8080"},
		Bigmachine:         BigmachineConfig{System: "local", Machines: 1},
	}
}

// Load returns the configuration read from the YAML file at path,
// which may be any path supported by github.com/grailbio/base/file,
// on top of the defaults. An empty path reads no file. Environment
// overrides are applied last, and the result is validated.
func Load(ctx context.Context, path string) (Config, error) {
	config := Default()
	if path != "" {
		p, err := readFile(ctx, path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(p, &config); err != nil {
			return Config{}, errors.E(errors.Invalid, fmt.Sprintf("parsing %s", path), err)
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		registerS3()
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	return ioutil.ReadAll(f.Reader(ctx))
}

// ApplyEnv overrides configuration values from environment variables
// as returned by lookup. Variable names are EnvPrefix followed by the
// upper-cased YAML key, with dashes and nesting replaced by
// underscores: BIGMAP_DISPATCH_ATTEMPTS, BIGMAP_LAMBDA_FUNCTION.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BACKEND":             &c.Backend,
		"STORE":               &c.Store,
		"REGION":              &c.Region,
		"LAMBDA_FUNCTION":     &c.Lambda.Function,
		"LAMBDA_ENTRY":        &c.Lambda.Entry,
		"LAMBDA_FANOUT":       &c.Lambda.Fanout,
		"LAMBDA_EXECUTE":      &c.Lambda.Execute,
		"HTTP_URL":            &c.HTTP.URL,
		"HTTP_ADDR":           &c.HTTP.Addr,
		"BIGMACHINE_SYSTEM":   &c.Bigmachine.System,
		"BIGMACHINE_INSTANCE": &c.Bigmachine.InstanceType,
		"RETENTION":           &c.Retention,
		"LOG_LEVEL":           &c.LogLevel,
	}
	ints := map[string]*int{
		"BIGMACHINE_MACHINES": &c.Bigmachine.Machines,
		"ENTRY_ATTEMPTS":      &c.EntryAttempts,
		"DISPATCH_ATTEMPTS":   &c.DispatchAttempts,
		"CHUNK_SIZE":          &c.ChunkSize,
		"PARALLELISM":         &c.Parallelism,
		"MAX_IN_FLIGHT":       &c.MaxInFlight,
		"PROCS":               &c.Procs,
	}
	durations := map[string]*time.Duration{
		"TIMEOUT":              &c.Timeout,
		"POLL_INTERVAL":        &c.PollInterval,
		"POLL_MAX_INTERVAL":    &c.PollMaxInterval,
		"DISPATCH_BACKOFF":     &c.DispatchBackoff,
		"DISPATCH_MAX_BACKOFF": &c.DispatchMaxBackoff,
	}
	for key, p := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*p = v
		}
	}
	for key, p := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("%s%s: not an integer: %q", EnvPrefix, key, v))
		}
		*p = n
	}
	for key, p := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("%s%s: not a duration: %q", EnvPrefix, key, v))
		}
		*p = d
	}
	if v, ok := lookup(EnvPrefix + "DISCARD_OUTPUT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("%sDISCARD_OUTPUT: not a bool: %q", EnvPrefix, v))
		}
		c.DiscardOutput = b
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, "mapconfig: "+fmt.Sprintf(format, args...))
	}
	switch c.Backend {
	case BackendLocal:
	case BackendHTTP:
		if c.HTTP.URL == "" && c.HTTP.Addr == "" {
			return invalid("http backend requires a worker URL or a listen address")
		}
	case BackendLambda:
		for target, name := range c.Lambda.Functions() {
			if name == "" {
				return invalid("lambda backend: no function for target %s", target)
			}
		}
	case BackendBigmachine:
		if c.Bigmachine.Machines <= 0 {
			return invalid("bigmachine backend: invalid machine count %d", c.Bigmachine.Machines)
		}
		switch c.Bigmachine.System {
		case "local", "ec2":
		default:
			return invalid("bigmachine backend: unknown system %q", c.Bigmachine.System)
		}
	default:
		return invalid("unknown backend %q", c.Backend)
	}
	if c.Store == "" {
		return invalid("no store configured")
	}
	if c.Backend != BackendLocal && strings.HasPrefix(c.Store, "mem://") {
		return invalid("backend %s cannot share memory store %s", c.Backend, c.Store)
	}
	if c.Backend != BackendLocal && !blob.SharedWriteOnce(c.Store) {
		return invalid("backend %s: store %s is not write-once across processes", c.Backend, c.Store)
	}
	if c.PollInterval <= 0 || c.PollMaxInterval < c.PollInterval {
		return invalid("invalid poll interval [%s, %s]", c.PollInterval, c.PollMaxInterval)
	}
	if c.EntryAttempts <= 0 || c.DispatchAttempts <= 0 {
		return invalid("attempts must be positive")
	}
	if c.DispatchBackoff <= 0 || c.DispatchMaxBackoff < c.DispatchBackoff {
		return invalid("invalid dispatch backoff [%s, %s]", c.DispatchBackoff, c.DispatchMaxBackoff)
	}
	if c.ChunkSize <= 0 {
		return invalid("invalid chunk size %d", c.ChunkSize)
	}
	if c.Parallelism < 0 || c.MaxInFlight < 0 || c.Procs < 0 {
		return invalid("negative limits")
	}
	if _, err := exec.ParseRetention(c.Retention); err != nil {
		return err
	}
	if _, err := logLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Marshal returns the YAML encoding of the configuration.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Unmarshal decodes a configuration encoded by Marshal.
func Unmarshal(p []byte) (Config, error) {
	config := Default()
	if err := yaml.Unmarshal(p, &config); err != nil {
		return Config{}, errors.E(errors.Invalid, "mapconfig: decoding configuration", err)
	}
	return config, nil
}

// SetLogLevel sets the level of the process's log.
func (c Config) SetLogLevel() error {
	level, err := logLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

func logLevel(name string) (log.Level, error) {
	switch strings.ToLower(name) {
	case "error":
		return log.Error, nil
	case "", "info":
		return log.Info, nil
	case "debug":
		return log.Debug, nil
	default:
		return log.Info, errors.E(errors.Invalid, fmt.Sprintf("mapconfig: invalid log level %q", name))
	}
}
