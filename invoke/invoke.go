// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package invoke implements asynchronous remote invocation for bigmap.
// An Invoker triggers a named unit of remote compute (a target) with
// an opaque payload; a Handler runs on the remote side and performs
// the unit's work. Invocation is at-least-once: a handler may observe
// the same payload more than once, and must be idempotent.
//
// Backends are provided for in-process execution (Local), AWS Lambda
// (Lambda), bigmachine clusters (Bigmachine), and HTTP workers (HTTP
// and NewServer).
package invoke

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// The targets that make up a bigmap deployment.
const (
	TargetEntry   = "entry"
	TargetFanout  = "fanout"
	TargetExecute = "execute"
)

// Targets lists all valid targets.
var Targets = []string{TargetEntry, TargetFanout, TargetExecute}

// ValidTarget tells whether target names a bigmap target.
func ValidTarget(target string) bool {
	for _, t := range Targets {
		if t == target {
			return true
		}
	}
	return false
}

// An Invoker triggers remote targets asynchronously.
type Invoker interface {
	// Invoke triggers target with the provided payload. A nil error
	// means that the invocation was accepted by the provider; it says
	// nothing about the outcome of the invocation. Throttled
	// invocations fail with an error of severity errors.Temporary.
	Invoke(ctx context.Context, target string, payload []byte) error
}

// A Handler runs an invocation synchronously.
type Handler interface {
	Handle(ctx context.Context, target string, payload []byte) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, target string, payload []byte) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, target string, payload []byte) error {
	return f(ctx, target, payload)
}

// Permanent tells whether err is an invocation error that will not
// resolve by retrying the same invocation.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return true
	}
	for _, kind := range []errors.Kind{
		errors.Invalid, errors.NotExist, errors.NotAllowed,
		errors.NotSupported, errors.Canceled,
	} {
		if errors.Is(kind, err) {
			return true
		}
	}
	return errors.Recover(err).Severity == errors.Fatal
}

// A Factory constructs the handler for a worker process. The config
// is the opaque configuration registered by the driver; self is an
// invoker through which the handler can dispatch further work.
type Factory func(ctx context.Context, config []byte, self Invoker) (Handler, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a named handler factory. Worker backends
// that cannot ship handlers directly (bigmachine) name a factory
// instead. RegisterFactory panics if the name is already registered.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("invoke.RegisterFactory: factory %q already registered", name))
	}
	factories[name] = factory
}

func lookupFactory(name string) (Factory, error) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factory, ok := factories[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("no handler factory named %q", name))
	}
	return factory, nil
}
