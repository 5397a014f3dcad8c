// Package metrics holds the process-wide collectors. They register with the default registry,
// which is what /metrics serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "unggoy"

var (
	ChainRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tokenchain",
		Name:      "runs_total",
		Help:      "Token chain runs by entry point and outcome.",
	}, []string{"entry", "outcome"})

	ChainDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tokenchain",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a token chain run.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"entry"})

	HopFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tokenchain",
		Name:      "hop_failures_total",
		Help:      "Failed token exchange hops by hop and error kind.",
	}, []string{"hop", "kind"})

	RefreshesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tokenchain",
		Name:      "refreshes_coalesced_total",
		Help:      "Callers that waited on another caller's in-flight refresh.",
	})

	ServiceTokenLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tokenchain",
		Name:      "service_token_lookups_total",
		Help:      "Service token lookups by where the token came from.",
	}, []string{"source"})

	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "swept_total",
		Help:      "Expired sessions deleted by the sweeper.",
	})

	LoginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "login",
		Name:      "outcomes_total",
		Help:      "Login callback outcomes by kind.",
	}, []string{"kind"})
)
