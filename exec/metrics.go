// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigmap_dispatch_attempts_total",
			Help: "Total number of invocation attempts, by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	dispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bigmap_dispatch_failures_total",
			Help: "Total number of items that could not be dispatched.",
		},
	)

	itemOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigmap_item_outcomes_total",
			Help: "Total number of result records written, by status and failure kind.",
		},
		[]string{"status", "kind"},
	)

	execDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bigmap_exec_duration_seconds",
			Help:    "Duration of user function calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bigmap_load_duration_seconds",
			Help:    "Duration of artifact retrieval and deserialization in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchAttempts)
	prometheus.MustRegister(dispatchFailures)
	prometheus.MustRegister(itemOutcomes)
	prometheus.MustRegister(execDuration)
	prometheus.MustRegister(loadDuration)
}

// attemptOutcome labels the outcome of an invocation attempt.
func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case isThrottle(err):
		return "throttled"
	default:
		return "error"
	}
}
