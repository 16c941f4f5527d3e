// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmap"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&stageService{})
}

// stageRequest is the RPC argument to Stage.Invoke.
type stageRequest struct {
	Target  string
	Payload []byte
}

// StageService is the bigmachine service that runs bigmap handlers on
// a machine. The service is shipped to machines by value, so it names
// its handler by factory (see RegisterFactory) instead of carrying it.
type stageService struct {
	// Factory and Config select and configure the machine's handler.
	Factory string
	Config  []byte
	// MaxInFlight and Procs configure the machine's local invoker.
	MaxInFlight, Procs int

	local *Local
	peers *peerInvoker
}

func (s *stageService) Init(b *bigmachine.B) error {
	factory, err := lookupFactory(s.Factory)
	if err != nil {
		return err
	}
	s.local = NewLocal(s.MaxInFlight, s.Procs)
	s.peers = &peerInvoker{b: b, local: s.local}
	h, err := factory(context.Background(), s.Config, s.peers)
	if err != nil {
		return err
	}
	s.local.Handle(h)
	return nil
}

// Invoke accepts an invocation and runs it asynchronously on this
// machine.
func (s *stageService) Invoke(ctx context.Context, req stageRequest, _ *struct{}) error {
	if !ValidTarget(req.Target) {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid target %q", req.Target))
	}
	return s.local.Invoke(ctx, req.Target, req.Payload)
}

// Peers installs the addresses of the machines across which this
// machine spreads the invocations it makes.
func (s *stageService) Peers(ctx context.Context, addrs []string, _ *struct{}) error {
	s.peers.set(addrs)
	return nil
}

// FuncNames returns the func registry of the machine's binary.
func (s *stageService) FuncNames(ctx context.Context, _ struct{}, names *[]string) error {
	*names = bigmap.FuncNames()
	return nil
}

// PeerInvoker is the invoker used by handlers running on a machine.
// It spreads invocations round-robin across the machine's peers, and
// runs them locally when no peers are known.
type peerInvoker struct {
	b     *bigmachine.B
	local *Local
	next  uint64

	mu    sync.Mutex
	addrs []string
}

func (p *peerInvoker) set(addrs []string) {
	p.mu.Lock()
	p.addrs = append([]string(nil), addrs...)
	p.mu.Unlock()
}

func (p *peerInvoker) Invoke(ctx context.Context, target string, payload []byte) error {
	p.mu.Lock()
	addrs := p.addrs
	p.mu.Unlock()
	if len(addrs) == 0 {
		return p.local.Invoke(ctx, target, payload)
	}
	addr := addrs[atomic.AddUint64(&p.next, 1)%uint64(len(addrs))]
	machine, err := p.b.Dial(ctx, addr)
	if err != nil {
		return errors.E(errors.Unavailable, errors.Temporary, fmt.Sprintf("dial %s", addr), err)
	}
	return machine.Call(ctx, "Stage.Invoke", stageRequest{target, payload}, nil)
}

// Bigmachine is an invoker that runs invocations on a cluster of
// bigmachine machines. Invocations are spread round-robin across the
// machines; handlers on the machines dispatch onward work to their
// peers.
type Bigmachine struct {
	b        *bigmachine.B
	machines []*bigmachine.Machine
	next     uint64
}

// BigmachineParams configures the machines started by StartBigmachine.
type BigmachineParams struct {
	// N is the number of machines to start.
	N int
	// Factory names the handler factory that machines use to construct
	// their handler, and Config is passed to it.
	Factory string
	Config  []byte
	// MaxInFlight and Procs configure each machine's local invoker.
	MaxInFlight, Procs int
	// Status, if non-nil, reports machine startup.
	Status *status.Group
}

// StartBigmachine starts a bigmachine cluster on the provided system
// and installs a stage service on each machine. StartBigmachine
// returns after every machine is running and has verified that its
// func registry matches the driver's. If any machine fails to start,
// the cluster is shut down and an error is returned.
func StartBigmachine(ctx context.Context, system bigmachine.System, params BigmachineParams) (*Bigmachine, error) {
	if params.N <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid machine count %d", params.N))
	}
	b := bigmachine.Start(system)
	service := &stageService{
		Factory:     params.Factory,
		Config:      params.Config,
		MaxInFlight: params.MaxInFlight,
		Procs:       params.Procs,
	}
	machines, err := b.Start(ctx, params.N, bigmachine.Services{"Stage": service})
	if err != nil {
		b.Shutdown()
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			var task *status.Task
			if params.Status != nil {
				task = params.Status.Start()
				task.Print("waiting for machine to boot")
				defer task.Done()
			}
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				return err
			}
			var names []string
			if err := m.RetryCall(gctx, "Stage.FuncNames", struct{}{}, &names); err != nil {
				return err
			}
			if diff := bigmap.FuncNamesDiff(bigmap.FuncNames(), names); len(diff) > 0 {
				for _, edit := range diff {
					log.Printf("[funcsdiff] %s", edit)
				}
				return errors.E(errors.Invalid, fmt.Sprintf("machine %s has different funcs; check for local or non-deterministic Func creation", m.Addr))
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.Shutdown()
		return nil, err
	}
	addrs := make([]string, len(machines))
	for i, m := range machines {
		addrs[i] = m.Addr
	}
	for _, m := range machines {
		if err := m.RetryCall(ctx, "Stage.Peers", addrs, nil); err != nil {
			b.Shutdown()
			return nil, err
		}
	}
	return &Bigmachine{b: b, machines: machines}, nil
}

// Invoke implements Invoker.
func (x *Bigmachine) Invoke(ctx context.Context, target string, payload []byte) error {
	m := x.machines[atomic.AddUint64(&x.next, 1)%uint64(len(x.machines))]
	return m.Call(ctx, "Stage.Invoke", stageRequest{target, payload}, nil)
}

// Machines returns the addresses of the cluster's machines.
func (x *Bigmachine) Machines() []string {
	addrs := make([]string, len(x.machines))
	for i, m := range x.machines {
		addrs[i] = m.Addr
	}
	return addrs
}

// Shutdown shuts down the cluster.
func (x *Bigmachine) Shutdown() {
	x.b.Shutdown()
}
