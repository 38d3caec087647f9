// SPDX-License-Identifier: LGPL-3.0-or-later

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the run counters and the run-duration histogram, reachable
// through Orchestrator.Metrics; the CLI does not serve them over HTTP. Each
// Orchestrator owns its own registry so tests never collide with the
// process-wide default one.
type Metrics struct {
	Registry     *prometheus.Registry
	RunsTotal    *prometheus.CounterVec
	FilesCopied  prometheus.Counter
	FilesFailed  prometheus.Counter
	BytesCopied  prometheus.Counter
	RunDuration  prometheus.Histogram
}

// NewMetrics builds and registers the orchestrator's metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backupvault_runs_total",
			Help: "Total number of backup runs, by outcome.",
		}, []string{"outcome"}),
		FilesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backupvault_files_copied_total",
			Help: "Total number of files successfully copied.",
		}),
		FilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backupvault_files_failed_total",
			Help: "Total number of files that failed to copy.",
		}),
		BytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backupvault_bytes_copied_total",
			Help: "Total bytes successfully copied across all destinations.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backupvault_run_duration_seconds",
			Help:    "Duration of a complete backup run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(m.RunsTotal, m.FilesCopied, m.FilesFailed, m.BytesCopied, m.RunDuration)
	return m
}
