// Copyright 2025 Kestrel Systems
//
// Observability: structured logging plus Prometheus metrics for the
// kernel. Logger is a thin re-export of cometbft/libs/log's Logger -
// the teacher already depended on this package for every component's
// logging, so the kernel keeps using it rather than introducing a
// second logging convention.

package telemetry

import (
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger is the kernel-wide structured logger interface.
type Logger = cmtlog.Logger

// NewLogger returns a logger writing structured key-value lines,
// matching the teacher's NewTMLogger construction.
func NewLogger(w interface {
	Write(p []byte) (int, error)
}) Logger {
	return cmtlog.NewTMLogger(w)
}

// NewNopLogger returns a logger that discards everything, used in
// tests and in cmd/kernelctl's default quiet mode.
func NewNopLogger() Logger {
	return cmtlog.NewNopLogger()
}

// Metrics is the set of Prometheus collectors the kernel orchestrator
// updates on every pipeline transition.
type Metrics struct {
	Commits         prometheus.Counter
	Aborts          prometheus.Counter
	Rejections      prometheus.Counter
	SnapshotVersion prometheus.Gauge
	EvidenceLength  prometheus.Gauge
}

// NewMetrics registers the kernel's counters/gauges against reg. Pass
// prometheus.NewRegistry() in production and nil in tests that don't
// care about metrics (collectors still work unregistered).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govkernel", Subsystem: "kernel", Name: "commits_total",
			Help: "Total number of successfully committed actions.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govkernel", Subsystem: "kernel", Name: "aborts_total",
			Help: "Total number of commit-stage aborts.",
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govkernel", Subsystem: "kernel", Name: "guard_rejections_total",
			Help: "Total number of guard-stage rejections.",
		}),
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govkernel", Subsystem: "kernel", Name: "snapshot_version",
			Help: "Current KernelState snapshot version.",
		}),
		EvidenceLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govkernel", Subsystem: "kernel", Name: "evidence_chain_length",
			Help: "Number of entries in the evidence log.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Commits, m.Aborts, m.Rejections, m.SnapshotVersion, m.EvidenceLength} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
