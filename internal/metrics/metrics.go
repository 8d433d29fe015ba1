// Package metrics holds the Prometheus collectors for remote calls and store writes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver so
// components can be built without a registry in tests.
type Metrics struct {
	remoteAttempts *prometheus.CounterVec
	remoteCalls    *prometheus.CounterVec
	storeWrites    *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		remoteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "remote_attempts_total",
			Help:      "Individual HTTP attempts made against remote services.",
		}, []string{"target", "outcome"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "remote_calls_total",
			Help:      "Logical remote calls after retries, by final outcome.",
		}, []string{"target", "outcome"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "store_writes_total",
			Help:      "Proposal writes per store, by operation and status.",
		}, []string{"store", "op", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "embedding_cache_lookups_total",
			Help:      "Embedding memo lookups by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.remoteAttempts, m.remoteCalls, m.storeWrites, m.cacheLookups)
	}
	return m
}

func (m *Metrics) RemoteAttempt(target, outcome string) {
	if m == nil {
		return
	}
	m.remoteAttempts.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) RemoteCall(target, outcome string) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) StoreWrite(store, op, status string) {
	if m == nil {
		return
	}
	m.storeWrites.WithLabelValues(store, op, status).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
