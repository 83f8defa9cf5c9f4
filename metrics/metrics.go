// Package metrics exposes Prometheus collectors for pollers, walkers and transports.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "resumable"

// Poll outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeCancelled = "cancelled"
)

// Collector groups the metrics recorded by this module.
type Collector struct {
	polls        *prometheus.CounterVec
	operations   *prometheus.CounterVec
	records      *prometheus.CounterVec
	chunksOpened prometheus.Counter
	attempts     *prometheus.CounterVec
}

// New creates a Collector and registers it with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lro",
			Name:      "polls_total",
			Help:      "Status checks issued against long-running operations.",
		}, []string{"outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lro",
			Name:      "operations_total",
			Help:      "Long-running operations observed in a terminal state.",
		}, []string{"status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changefeed",
			Name:      "records_total",
			Help:      "Records yielded by change feed walkers.",
		}, []string{"shard"}),
		chunksOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changefeed",
			Name:      "chunks_opened_total",
			Help:      "Chunks opened by change feed shards.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "HTTP attempts made by the transport, by status code (0 for network errors).",
		}, []string{"code"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.polls, c.operations, c.records, c.chunksOpened, c.attempts} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// PollObserved records one status check with the given outcome.
func (c *Collector) PollObserved(outcome string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(outcome).Inc()
}

// OperationFinished records an operation reaching a terminal status.
func (c *Collector) OperationFinished(status string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(status).Inc()
}

// RecordYielded records one record produced from shard.
func (c *Collector) RecordYielded(shard string) {
	if c == nil {
		return
	}
	c.records.WithLabelValues(shard).Inc()
}

// ChunkOpened records one chunk being opened.
func (c *Collector) ChunkOpened() {
	if c == nil {
		return
	}
	c.chunksOpened.Inc()
}

// AttemptMade records one transport attempt. Use code 0 for network failures.
func (c *Collector) AttemptMade(code int) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(strconv.Itoa(code)).Inc()
}
