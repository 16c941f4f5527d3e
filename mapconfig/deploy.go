// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mapconfig

import (
	"context"
	"fmt"
	"net/http"
	"os/user"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigmap/blob"
	"github.com/grailbio/bigmap/exec"
	"github.com/grailbio/bigmap/invoke"
)

// Factory is the name of the handler factory with which bigmachine
// workers construct their stages from a marshaled Config.
const Factory = "bigmap"

func init() {
	invoke.RegisterFactory(Factory, func(ctx context.Context, config []byte, self invoke.Invoker) (invoke.Handler, error) {
		c, err := Unmarshal(config)
		if err != nil {
			return nil, err
		}
		store, err := c.OpenStore(ctx)
		if err != nil {
			return nil, err
		}
		return c.Stages(store, self), nil
	})
}

var registerS3Once sync.Once

func registerS3() {
	registerS3Once.Do(func() {
		provider := s3file.NewDefaultProvider(session.Options{})
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(provider, s3file.Options{})
		})
	})
}

// OpenStore opens the configured store.
func (c Config) OpenStore(ctx context.Context) (blob.Store, error) {
	if strings.HasPrefix(c.Store, "s3://") {
		registerS3()
	}
	return blob.Open(ctx, c.Store)
}

// Stages returns the stages configured by c that use the provided store
// and invoker.
func (c Config) Stages(store blob.Store, invoker invoke.Invoker) *exec.Stages {
	stages := exec.NewStages(store, invoker)
	stages.ChunkSize = c.ChunkSize
	if c.Parallelism > 0 {
		stages.Parallelism = c.Parallelism
	}
	stages.DispatchAttempts = c.DispatchAttempts
	stages.DispatchBackoff = c.DispatchBackoff
	stages.DispatchMaxBackoff = c.DispatchMaxBackoff
	return stages
}

// Options returns the executor options configured by c.
func (c Config) Options() ([]exec.Option, error) {
	retention, err := exec.ParseRetention(c.Retention)
	if err != nil {
		return nil, err
	}
	options := []exec.Option{
		exec.Timeout(c.Timeout),
		exec.PollInterval(c.PollInterval, c.PollMaxInterval),
		exec.EntryAttempts(c.EntryAttempts),
		exec.Retain(retention),
	}
	if c.DiscardOutput {
		options = append(options, exec.DiscardOutput)
	}
	return options, nil
}

// Local returns a local invoker configured by c whose invocations run
// the stages of store.
func (c Config) Local(store blob.Store) *invoke.Local {
	local := invoke.NewLocal(c.MaxInFlight, c.Procs)
	local.Handle(c.Stages(store, local))
	return local
}

// Invoker returns the invoker of the configured backend. Local
// invokers run stages against the provided store. The returned
// function releases the invoker's resources.
func (c Config) Invoker(ctx context.Context, store blob.Store, group *status.Group) (invoke.Invoker, func(), error) {
	switch c.Backend {
	case BackendLocal:
		local := c.Local(store)
		return local, local.Close, nil
	case BackendHTTP:
		if c.HTTP.URL == "" {
			return nil, nil, errors.E(errors.Invalid, "mapconfig: http backend requires a worker URL")
		}
		return invoke.NewHTTP(c.HTTP.URL, http.DefaultClient), func() {}, nil
	case BackendLambda:
		sess, err := session.NewSession(aws.NewConfig().WithRegion(c.Region))
		if err != nil {
			return nil, nil, errors.E(errors.Unavailable, "mapconfig: creating AWS session", err)
		}
		return invoke.NewLambdaSession(sess, c.Lambda.Functions()), func() {}, nil
	case BackendBigmachine:
		p, err := c.Marshal()
		if err != nil {
			return nil, nil, err
		}
		cluster, err := invoke.StartBigmachine(ctx, c.system(), invoke.BigmachineParams{
			N:           c.Bigmachine.Machines,
			Factory:     Factory,
			Config:      p,
			MaxInFlight: c.MaxInFlight,
			Procs:       c.Procs,
			Status:      group,
		})
		if err != nil {
			return nil, nil, err
		}
		return cluster, cluster.Shutdown, nil
	default:
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("mapconfig: unknown backend %q", c.Backend))
	}
}

func (c Config) system() bigmachine.System {
	if c.Bigmachine.System != "ec2" {
		return bigmachine.Local
	}
	system := &ec2system.System{
		InstanceType: c.Bigmachine.InstanceType,
		Username:     "unknown",
	}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("mapconfig: get current user: %v", err)
	}
	return system
}

// Executor returns an executor for the deployment configured by c.
// Status, if non-nil, receives job progress and machine startup. The
// returned function shuts down the executor's invoker.
func (c Config) Executor(ctx context.Context, st *status.Status) (*exec.Executor, func(), error) {
	store, err := c.OpenStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	var group *status.Group
	if st != nil {
		group = st.Groupf("bigmap")
	}
	invoker, shutdown, err := c.Invoker(ctx, store, group)
	if err != nil {
		return nil, nil, err
	}
	options, err := c.Options()
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	if st != nil {
		options = append(options, exec.Status(st))
	}
	return exec.New(store, invoker, options...), shutdown, nil
}
