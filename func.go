// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/log"
)

func init() {
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register(Params{})
}

// Params is a single parameter set: the named values with which one
// work item invokes a function. Values travel with gob; values of
// user-defined types must be registered with gob.Register.
type Params map[string]interface{}

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfParams  = reflect.TypeOf(Params(nil))
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// Funcs is the global registry of funcs. Funcs are identified by the
	// location at which they were created, so registration must be
	// deterministic: remote workers run the same binary and must arrive at
	// the same registry. This is guaranteed when funcs are created as
	// global variables.
	mu     sync.Mutex
	funcs  []*FuncValue
	byName = make(map[string]*FuncValue)
)

// A FuncValue represents a registered bigmap function, as returned by
// Func.
type FuncValue struct {
	name  string
	index int
	fn    reflect.Value
	ctx   bool
	env   []reflect.Type
	value bool
	err   bool
}

// Func registers the provided function so that it may be invoked
// remotely. Functions have the form
//
//	func([ctx context.Context,] env0 T0, env1 T1, ..., params bigmap.Params) (R, error)
//
// The arguments between the optional context and the parameter set
// form the function's closure: they are bound once per submission (see
// FuncValue.Bind) and shipped, together with the function's identity,
// to every work item. The function may return (R, error), R, or
// error.
//
// Func must be called in a deterministic order, ideally during package
// initialization:
//
//	var train = bigmap.Func(func(ctx context.Context, data string, p bigmap.Params) (float64, error) {
//		...
//	})
//
// Func panics if fn is not of an accepted form.
func Func(fn interface{}) *FuncValue {
	location := "<unknown>"
	if _, file, line, ok := runtime.Caller(1); ok {
		location = fmt.Sprintf("%s:%d", file, line)
	}
	return register(location, fn)
}

func register(location string, fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		log.Panicf("bigmap.Func: argument to func is a %T, not a func", fn)
	}
	ftype := fv.Type()
	n := ftype.NumIn()
	if ftype.IsVariadic() || n == 0 || ftype.In(n-1) != typeOfParams {
		log.Panicf("bigmap.Func: func %s must take bigmap.Params as its last argument", ftype)
	}
	v := &FuncValue{fn: fv}
	first := 0
	if n > 1 && ftype.In(0) == typeOfContext {
		v.ctx = true
		first = 1
	}
	for i := first; i < n-1; i++ {
		v.env = append(v.env, ftype.In(i))
	}
	switch m := ftype.NumOut(); {
	case m == 1 && ftype.Out(0) == typeOfError:
		v.err = true
	case m == 1:
		v.value = true
	case m == 2 && ftype.Out(1) == typeOfError:
		v.value, v.err = true, true
	default:
		log.Panicf("bigmap.Func: func %s must return (R, error), R, or error", ftype)
	}
	if v.value {
		// Return values travel as interface values, so concrete
		// return types must be known to gob.
		switch out := ftype.Out(0); out.Kind() {
		case reflect.Interface, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		default:
			gob.Register(reflect.Zero(out).Interface())
		}
	}

	mu.Lock()
	defer mu.Unlock()
	name := location
	for k := 1; byName[name] != nil; k++ {
		name = fmt.Sprintf("%s#%d", location, k)
	}
	v.name = name
	v.index = len(funcs)
	funcs = append(funcs, v)
	byName[name] = v
	return v
}

// Name returns the registry name of f, which identifies it across
// process boundaries.
func (f *FuncValue) Name() string { return f.name }

// NumEnv returns the number of closure arguments taken by f.
func (f *FuncValue) NumEnv() int { return len(f.env) }

// Env returns the type of f's i'th closure argument.
func (f *FuncValue) Env(i int) reflect.Type { return f.env[i] }

// Bind binds the provided closure arguments to f, returning a closure
// that may be serialized and invoked with a parameter set. Bind panics
// if the arguments do not match f's closure in type or arity.
func (f *FuncValue) Bind(env ...interface{}) *Closure {
	if len(env) != len(f.env) {
		log.Panicf("bigmap.Bind: wrong number of arguments: function %s takes %d closure arguments, got %d",
			f.name, len(f.env), len(env))
	}
	for i, arg := range env {
		expect := f.env[i]
		if arg == nil {
			switch expect.Kind() {
			case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
				continue
			}
			log.Panicf("bigmap.Bind: nil argument %d for non-nillable type %s", i, expect)
		}
		have := reflect.TypeOf(arg)
		if expect.Kind() == reflect.Interface {
			if !have.Implements(expect) {
				log.Panicf("bigmap.Bind: wrong type for argument %d: type %s does not implement interface %s", i, have, expect)
			}
		} else if have != expect {
			log.Panicf("bigmap.Bind: wrong type for argument %d: expected %s, got %s", i, expect, have)
		}
	}
	return &Closure{fn: f, env: append([]interface{}(nil), env...)}
}

func (f *FuncValue) call(ctx context.Context, env []reflect.Value, params Params) (value interface{}, err error) {
	defer func() {
		if e := recover(); e != nil {
			log.Error.Printf("bigmap: func %s panicked: %v\n%s", f.name, e, debug.Stack())
			value = nil
			err = &Error{Kind: Execution, Type: "panic", Message: fmt.Sprint(e)}
		}
	}()
	args := make([]reflect.Value, 0, len(env)+2)
	if f.ctx {
		if ctx == nil {
			ctx = context.Background()
		}
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, env...)
	args = append(args, reflect.ValueOf(params))
	out := f.fn.Call(args)
	if f.err {
		if e := out[len(out)-1]; !e.IsNil() {
			uerr := e.Interface().(error)
			return nil, &Error{Kind: Execution, Type: fmt.Sprintf("%T", uerr), Message: uerr.Error(), Err: uerr}
		}
	}
	if f.value {
		value = out[0].Interface()
	}
	return value, nil
}

// A Closure is a registered function together with its bound closure
// arguments.
type Closure struct {
	fn  *FuncValue
	env []interface{}
}

// Func returns the closure's function.
func (c *Closure) Func() *FuncValue { return c.fn }

// Call invokes the closure locally with the provided parameter set.
// User errors and panics are returned as Execution errors.
func (c *Closure) Call(ctx context.Context, params Params) (interface{}, error) {
	env := make([]reflect.Value, len(c.env))
	for i, arg := range c.env {
		if arg == nil {
			env[i] = reflect.Zero(c.fn.env[i])
		} else {
			env[i] = reflect.ValueOf(arg)
		}
	}
	return c.fn.call(ctx, env, params)
}

// FuncByName returns the registered func with the provided name, or
// nil if none exists.
func FuncByName(name string) *FuncValue {
	mu.Lock()
	defer mu.Unlock()
	return byName[name]
}

// FuncNames returns the names of all registered funcs in registration
// order.
func FuncNames() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, len(funcs))
	for i, f := range funcs {
		names[i] = f.name
	}
	return names
}

// FuncNamesDiff returns the registry entries that differ between a and
// b, each prefixed with "-" (only in a) or "+" (only in b). An empty
// diff means that the two registries are interchangeable.
func FuncNamesDiff(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, name := range a {
		inA[name] = true
	}
	inB := make(map[string]bool, len(b))
	for _, name := range b {
		inB[name] = true
	}
	var diff []string
	for _, name := range a {
		if !inB[name] {
			diff = append(diff, "-"+name)
		}
	}
	for _, name := range b {
		if !inA[name] {
			diff = append(diff, "+"+name)
		}
	}
	sort.Strings(diff)
	return diff
}

// fingerprint digests the registry up to and including the func with
// the given index. Funcs registered later do not change it.
func fingerprint(index int) string {
	mu.Lock()
	defer mu.Unlock()
	if index >= len(funcs) {
		return ""
	}
	names := make([]string, index+1)
	for i := range names {
		names[i] = funcs[i].name
	}
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:16])
}
