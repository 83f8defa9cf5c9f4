package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.PollObserved(OutcomeOK)
	c.PollObserved(OutcomeOK)
	c.PollObserved(OutcomeTransient)
	c.OperationFinished("Succeeded")
	c.RecordYielded("log/00/")
	c.ChunkOpened()
	c.AttemptMade(503)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.polls.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.polls.WithLabelValues(OutcomeTransient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("Succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.records.WithLabelValues("log/00/")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunksOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("503")))
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.PollObserved(OutcomeOK)
		c.OperationFinished("Failed")
		c.RecordYielded("x")
		c.ChunkOpened()
		c.AttemptMade(0)
	})
}
