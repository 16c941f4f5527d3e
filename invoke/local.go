// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
)

// DefaultMaxInFlight is the default number of invocations a Local
// invoker accepts before throttling.
const DefaultMaxInFlight = 1 << 14

// Local is an invoker that runs invocations in goroutines of the
// current process. It models a provider's rate limiting: when more
// than maxInFlight invocations are outstanding, Invoke fails with a
// temporary error (see errors.IsTemporary). At most procs handlers run
// concurrently.
type Local struct {
	maxInFlight int
	limiter     *limiter.Limiter

	ctx    context.Context
	cancel func()

	mu       sync.Mutex
	handler  Handler
	inflight int
	// idlec is closed when inflight drops to zero; it is recreated by
	// the next waiter.
	idlec chan struct{}
}

// NewLocal returns a new local invoker. A maxInFlight or procs value
// of zero selects a default.
func NewLocal(maxInFlight, procs int) *Local {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if procs <= 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	l := &Local{
		maxInFlight: maxInFlight,
		limiter:     limiter.New(),
	}
	l.limiter.Release(procs)
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// Handle sets the handler that runs invocations. Handle must be
// called before invocations are accepted.
func (l *Local) Handle(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Invoke implements Invoker.
func (l *Local) Invoke(ctx context.Context, target string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.ctx.Err(); err != nil {
		return errors.E(errors.Unavailable, "local invoker closed", err)
	}
	l.mu.Lock()
	h := l.handler
	if h == nil {
		l.mu.Unlock()
		return errors.E(errors.Unavailable, "local invoker has no handler")
	}
	if l.inflight >= l.maxInFlight {
		l.mu.Unlock()
		return errors.E(errors.Unavailable, errors.Temporary, fmt.Sprintf("invoke %s: throttled (%d invocations in flight)", target, l.maxInFlight))
	}
	l.inflight++
	l.mu.Unlock()

	payload = append([]byte{}, payload...)
	go func() {
		defer l.done()
		if err := l.limiter.Acquire(l.ctx, 1); err != nil {
			log.Debug.Printf("invoke: local %s: %v", target, err)
			return
		}
		defer l.limiter.Release(1)
		if err := h.Handle(l.ctx, target, payload); err != nil {
			log.Error.Printf("invoke: local %s: %v", target, err)
		}
	}()
	return nil
}

func (l *Local) done() {
	l.mu.Lock()
	l.inflight--
	if l.inflight == 0 && l.idlec != nil {
		close(l.idlec)
		l.idlec = nil
	}
	l.mu.Unlock()
}

// InFlight returns the number of outstanding invocations.
func (l *Local) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// Wait blocks until no invocations are in flight, or until the context
// is done. Invocations triggered by running handlers are waited for as
// well.
func (l *Local) Wait(ctx context.Context) error {
	l.mu.Lock()
	for l.inflight > 0 {
		if l.idlec == nil {
			l.idlec = make(chan struct{})
		}
		idlec := l.idlec
		l.mu.Unlock()
		select {
		case <-idlec:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
	}
	l.mu.Unlock()
	return nil
}

// Close cancels running handlers and rejects further invocations.
func (l *Local) Close() {
	l.cancel()
}
