// Package metrics holds the Prometheus collectors of the sync client and the
// ingest server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_request_attempts_total",
		Help: "Physical HTTP attempts started by retryable requests",
	})

	RequestTransientFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_request_transient_faults_total",
		Help: "Attempts that failed with a retryable fault",
	}, []string{"kind"})

	RequestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_request_outcomes_total",
		Help: "Terminal outcomes of retryable requests",
	}, []string{"outcome"})

	DeltasWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_deltas_written_total",
		Help: "Change records appended to the active delta log",
	}, []string{"kind"})

	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_commits_total",
		Help: "Delta log commits by result",
	}, []string{"result"})

	DeltasIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_deltas_ingested_total",
		Help: "Change records accepted by the ingest server",
	})
)
