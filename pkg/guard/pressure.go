// Copyright 2025 Kestrel Systems
//
// Pressure instrumentation: a counter per invariantId that never
// alters admission, only diagnostics. Registration mirrors the
// teacher's health_monitor.go pattern of a package-level
// prometheus.CounterVec registered once against a shared registry.

package guard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPressureThreshold is the default rejection count per
// invariantId above which a pressure event is logged. It is a policy
// knob, overridable via pkg/config.
const DefaultPressureThreshold = 5

// PressureMonitor counts guard rejections by invariantId and reports
// when a given id crosses threshold. It is safe for concurrent use:
// Record guards the per-id totals with mu, and Prometheus's CounterVec
// serializes its own increments.
type PressureMonitor struct {
	mu        sync.Mutex
	counter   *prometheus.CounterVec
	threshold int
	onPress   func(invariantID string, count float64)
	counts    map[string]float64
}

// NewPressureMonitor creates a monitor registered against reg. onPress
// is called (synchronously, from Record) the first time and every
// time an invariantId's cumulative rejection count crosses threshold;
// pass nil to only record the metric.
func NewPressureMonitor(reg prometheus.Registerer, threshold int, onPress func(invariantID string, count float64)) (*PressureMonitor, error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govkernel",
		Subsystem: "guard",
		Name:      "invariant_rejections_total",
		Help:      "Count of guard rejections by invariant id.",
	}, []string{"invariant_id"})

	if reg != nil {
		if err := reg.Register(counter); err != nil {
			return nil, err
		}
	}

	return &PressureMonitor{
		counter:   counter,
		threshold: threshold,
		onPress:   onPress,
		counts:    make(map[string]float64),
	}, nil
}

// Record increments the counter for a rejection carrying invariantID
// and invokes onPress once the running total reaches the threshold on
// this and every subsequent call (so repeated pressure keeps logging,
// not just the first crossing).
func (p *PressureMonitor) Record(invariantID string) {
	if invariantID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter.WithLabelValues(invariantID).Inc()
	p.counts[invariantID]++

	if p.onPress != nil && p.counts[invariantID] >= float64(p.threshold) {
		p.onPress(invariantID, p.counts[invariantID])
	}
}
