// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime"
)

// An Artifact is the transportable form of a closure: the identity of
// a registered func together with its gob-encoded closure arguments.
type Artifact struct {
	// Func is the registry name of the function.
	Func string
	// Index is the function's position in the registry.
	Index int
	// Registry digests the registry up to and including Func, so that
	// workers with a diverging registry refuse to run the artifact.
	Registry string
	// GoVersion is the Go runtime version of the serializing binary.
	GoVersion string
	// Env holds the closure arguments, encoded in the types declared by
	// Func.
	Env []byte
}

// A Callable is a deserialized closure, ready to be invoked with a
// parameter set. User errors and panics are returned as Execution
// errors.
type Callable func(ctx context.Context, params Params) (interface{}, error)

// Serialize returns the artifact bytes for closure c. Serialize fails
// with a Serialization error if any closure argument cannot be encoded
// (for example, channels, funcs, or values of types without exported
// fields).
func Serialize(c *Closure) ([]byte, error) {
	if c == nil || c.fn == nil {
		return nil, E(Serialization, "nil closure")
	}
	var (
		b   bytes.Buffer
		enc = gob.NewEncoder(&b)
	)
	for i, arg := range c.env {
		typ := c.fn.env[i]
		if err := encodeArg(enc, typ, arg); err != nil {
			return nil, E(Serialization,
				fmt.Sprintf("func %s: encoding closure argument %d of type %v", c.fn.name, i, typ), err)
		}
	}
	a := Artifact{
		Func:      c.fn.name,
		Index:     c.fn.index,
		Registry:  fingerprint(c.fn.index),
		GoVersion: runtime.Version(),
		Env:       b.Bytes(),
	}
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(a); err != nil {
		return nil, E(Serialization, fmt.Sprintf("func %s: encoding artifact", c.fn.name), err)
	}
	return out.Bytes(), nil
}

// encodeArg encodes a closure argument of declared type typ. Gob
// cannot transmit nil pointers, so pointer arguments are preceded by a
// flag that tells whether the pointer is set. Encoder panics are
// returned as errors.
func encodeArg(enc *gob.Encoder, typ reflect.Type, arg interface{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("%v", e)
		}
	}()
	switch typ.Kind() {
	case reflect.Interface:
		// Pass the address of arg so that Encode sends a value of
		// interface type rather than the concrete type.
		return enc.Encode(&arg)
	case reflect.Ptr:
		set := arg != nil && !reflect.ValueOf(arg).IsNil()
		if err := enc.Encode(set); err != nil || !set {
			return err
		}
		return enc.Encode(arg)
	}
	if arg == nil {
		return enc.EncodeValue(reflect.Zero(typ))
	}
	return enc.Encode(arg)
}

// Deserialize reconstructs a callable from artifact bytes produced by
// Serialize. It fails with a SystemExecution error if the artifact is
// corrupt, names an unknown function, or was produced by a binary with
// a different registry or Go runtime.
func Deserialize(p []byte) (Callable, error) {
	var a Artifact
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&a); err != nil {
		return nil, E(SystemExecution, "decoding artifact", err)
	}
	if a.GoVersion != runtime.Version() {
		return nil, E(SystemExecution, fmt.Sprintf("conflicting go runtimes (%s != %s)", a.GoVersion, runtime.Version()))
	}
	fv := FuncByName(a.Func)
	if fv == nil {
		return nil, E(SystemExecution, fmt.Sprintf("func %s is not registered in this binary", a.Func))
	}
	if fv.index != a.Index || fingerprint(fv.index) != a.Registry {
		return nil, E(SystemExecution, fmt.Sprintf("func %s: registry mismatch; check for non-deterministic Func creation", a.Func))
	}
	dec := gob.NewDecoder(bytes.NewReader(a.Env))
	env := make([]reflect.Value, len(fv.env))
	for i, typ := range fv.env {
		if typ.Kind() == reflect.Ptr {
			var set bool
			if err := dec.Decode(&set); err != nil {
				return nil, E(SystemExecution, fmt.Sprintf("func %s: decoding closure argument %d of type %v", a.Func, i, typ), err)
			}
			if !set {
				env[i] = reflect.Zero(typ)
				continue
			}
		}
		v := reflect.New(typ)
		if err := dec.DecodeValue(v); err != nil {
			return nil, E(SystemExecution, fmt.Sprintf("func %s: decoding closure argument %d of type %v", a.Func, i, typ), err)
		}
		env[i] = v.Elem()
	}
	return func(ctx context.Context, params Params) (interface{}, error) {
		return fv.call(ctx, env, params)
	}, nil
}

// Digest returns the hex-encoded SHA-256 digest of an artifact.
func Digest(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// valueBox carries a function's return value as an interface value.
type valueBox struct {
	V interface{}
}

// EncodeValue encodes a function return value so that DecodeValue
// reproduces both its value and its concrete type.
func EncodeValue(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(valueBox{v}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeValue decodes a value encoded by EncodeValue.
func DecodeValue(p []byte) (interface{}, error) {
	var box valueBox
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&box); err != nil {
		return nil, err
	}
	return box.V, nil
}

// EncodeParams encodes a job's parameter sets into a single object.
// Parameter set i occupies bytes [offsets[i], offsets[i+1]) of the
// object and decodes on its own with DecodeParams, so that an item
// need retrieve only its own slice. EncodeParams returns a
// Serialization error if a parameter set cannot be transported.
func EncodeParams(params []Params) (p []byte, offsets []int64, err error) {
	var b bytes.Buffer
	offsets = make([]int64, 1, len(params)+1)
	for i, ps := range params {
		// Each set gets its own encoder so that it carries its own type
		// descriptors.
		if err := encodeParams(&b, ps); err != nil {
			return nil, nil, E(Serialization, fmt.Sprintf("encoding parameter set %d", i), err)
		}
		offsets = append(offsets, int64(b.Len()))
	}
	return b.Bytes(), offsets, nil
}

func encodeParams(b *bytes.Buffer, ps Params) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("%v", e)
		}
	}()
	return gob.NewEncoder(b).Encode(ps)
}

// DecodeParams decodes a single parameter set from its slice of an
// object produced by EncodeParams.
func DecodeParams(p []byte) (Params, error) {
	var ps Params
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&ps); err != nil {
		return nil, err
	}
	return ps, nil
}
