// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigmap implements a scatter/compute/gather engine on
	ephemeral remote compute. A caller submits a function together with
	an ordered list of parameter sets; each (function, parameter set)
	pair is executed once, in parallel, by a remote worker, and its
	outcome is read back through a per-item future.

	Because Go cannot serialize code to be sent over the wire, bigmap
	programs follow the same constraints as other GRAIL distributed
	systems:

	1. All remotely executed functions must be registered with
	bigmap.Func, and all such functions must be registered before the
	first submission. If funcs are global variables, the program is
	compliant.

	2. Workers run the same binary as the driver. Artifacts carry a
	fingerprint of the func registry and the Go runtime version, and
	workers refuse artifacts produced by a different binary.

	A function's leading arguments form its closure. They are bound
	once per submission and shipped along with the function's identity:

		var score = bigmap.Func(func(ctx context.Context, model Model, p bigmap.Params) (float64, error) {
			return model.Score(p["x"].(float64)), nil
		})

		futures, err := executor.Submit(ctx, score.Bind(model), []bigmap.Params{
			{"x": 1.0}, {"x": 2.0},
		})

	Package exec implements the executor and the remote stages, package
	blob the storage layer that carries artifacts and results, and
	package invoke the remote invocation backends (local goroutines,
	AWS Lambda, bigmachine and HTTP workers).

	Failures are classified by Kind (see Error) and are always reported
	per item: a failing item never affects its siblings.
*/
package bigmap
