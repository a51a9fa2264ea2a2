package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsCommits(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.ObserveCommit(false, nil, 10*time.Millisecond)
	m.ObserveCommit(true, nil, time.Millisecond)
	m.ObserveCommit(false, errors.New("boom"), time.Millisecond)
	m.AddWrites("main", "insert", 3)
	m.AddWrites("main", "fixup", 1)
	m.TransactionFinished("committed")
	m.CachedObjects(4)
	m.CachedObjects(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("commit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("flush", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("commit", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.writes.WithLabelValues("main", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("committed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cachedObjects))
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg))
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommit(false, nil, time.Second)
		m.ObservePasses(2)
		m.AddWrites("s", "insert", 1)
		m.TransactionFinished("committed")
		m.CachedObjects(1)
	})
}
