// Package metrics tracks server counters through expvar, publishing them
// in expvar's process-wide registry (served by expvar's /debug/vars
// handler on http.DefaultServeMux, which cmd/scimserver does not mount
// on its listener), modeled on the teacher's
// plugins/enterprise/scim/metrics.go. Unlike that package's singleton,
// a Metrics value here is constructed once at startup and threaded
// through httpapi.Server like its other dependencies, so tests can use
// a private instance instead of a shared global.
package metrics

import (
	"expvar"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Metrics collects request and provisioning counters for one server
// instance.
type Metrics struct {
	operations *expvar.Map // operations_total{resource,operation,status}
	errors     *expvar.Map // errors_total{scim_type}

	activeRequests *expvar.Int

	latencyMu sync.RWMutex
	latencies map[string][]float64 // endpoint -> duration in milliseconds
}

// New builds a Metrics instance and publishes its vars under prefix
// (e.g. "scimserver"), so multiple instances in the same process don't
// collide on expvar's global namespace.
func New(prefix string) *Metrics {
	m := &Metrics{
		operations:     expvar.NewMap(prefix + "_operations_total"),
		errors:         expvar.NewMap(prefix + "_errors_total"),
		activeRequests: expvar.NewInt(prefix + "_active_requests"),
		latencies:      make(map[string][]float64),
	}
	expvar.Publish(prefix+"_request_duration_p50", expvar.Func(func() any { return m.percentile(50) }))
	expvar.Publish(prefix+"_request_duration_p95", expvar.Func(func() any { return m.percentile(95) }))
	expvar.Publish(prefix+"_request_duration_p99", expvar.Func(func() any { return m.percentile(99) }))
	return m
}

// RecordOperation records one provisioning or discovery operation.
func (m *Metrics) RecordOperation(resource, operation, status string) {
	m.operations.Add(fmt.Sprintf("%s.%s.%s", resource, operation, status), 1)
}

// RecordError records a SCIM error by its scimType (RFC 7644 §3.12).
func (m *Metrics) RecordError(scimType string) {
	m.errors.Add(scimType, 1)
}

// RecordRequestDuration appends one latency sample for endpoint,
// capping each endpoint's retained window at 1000 samples.
func (m *Metrics) RecordRequestDuration(endpoint string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	samples := append(m.latencies[endpoint], ms)
	if len(samples) > 1000 {
		samples = samples[len(samples)-1000:]
	}
	m.latencies[endpoint] = samples
}

// IncrementActiveRequests and DecrementActiveRequests track in-flight
// request count.
func (m *Metrics) IncrementActiveRequests() { m.activeRequests.Add(1) }
func (m *Metrics) DecrementActiveRequests() { m.activeRequests.Add(-1) }

func (m *Metrics) percentile(p int) map[string]float64 {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	result := make(map[string]float64, len(m.latencies))
	for endpoint, samples := range m.latencies {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		idx := (len(sorted) * p) / 100
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		result[endpoint] = sorted[idx]
	}
	return result
}

// Middleware wraps next so every request updates the active-request
// gauge and records its latency under endpoint.
func (m *Metrics) Middleware(endpoint string, next func()) {
	m.IncrementActiveRequests()
	defer m.DecrementActiveRequests()
	start := time.Now()
	next()
	m.RecordRequestDuration(endpoint, time.Since(start))
}
