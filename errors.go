// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmap

import (
	"bytes"
	"fmt"
)

// Kind classifies the failure of a submission or of a single work
// item.
type Kind int

const (
	// Other is an unclassified error.
	Other Kind = iota
	// Serialization indicates that a function, its closure, or its
	// parameters could not be made transportable. Serialization errors
	// are reported at submission time; nothing is dispatched.
	Serialization
	// InvalidJob indicates a malformed job envelope.
	InvalidJob
	// Dispatch indicates that a work item could not be handed to the
	// remote invoker within the configured number of attempts.
	Dispatch
	// Execution indicates that the user's function failed: it returned
	// an error or panicked.
	Execution
	// SystemExecution indicates that the platform could not run the
	// user's function, for example because its artifact was missing or
	// corrupt.
	SystemExecution
	// Timeout indicates that a caller stopped waiting for a result. The
	// item may still complete.
	Timeout

	maxKind
)

var kinds = [...]string{
	Other:           "error",
	Serialization:   "serialization error",
	InvalidJob:      "invalid job",
	Dispatch:        "dispatch error",
	Execution:       "execution error",
	SystemExecution: "system execution error",
	Timeout:         "timeout",
}

// String returns a human-readable description of kind k.
func (k Kind) String() string {
	if k < 0 || k >= maxKind {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k]
}

// Error is the error type returned for classified failures. Errors
// that are recorded remotely travel as (Kind, Type, Message); the
// underlying error value, Err, is available only in the process that
// produced it.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Type names the type of the user's error for Execution failures
	// (e.g., "*os.PathError", or "panic").
	Type string
	// Message describes the failure.
	Message string
	// Err is the underlying error, if any.
	Err error
}

// E constructs a new *Error of the provided kind. Strings are joined
// into the message, an error argument becomes the underlying error.
func E(kind Kind, args ...interface{}) error {
	e := &Error{Kind: kind}
	var msgs []string
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			msgs = append(msgs, arg)
		case error:
			e.Err = arg
		default:
			panic(fmt.Sprintf("bigmap.E: illegal argument %T", arg))
		}
	}
	for i, msg := range msgs {
		if i > 0 {
			e.Message += ": "
		}
		e.Message += msg
	}
	return e
}

func (e *Error) Error() string {
	var b bytes.Buffer
	b.WriteString(e.Kind.String())
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is tells whether err, or an error it wraps, is a *Error of the
// given kind.
func Is(kind Kind, err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or Other.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Other
}
