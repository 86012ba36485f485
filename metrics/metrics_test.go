package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCommit(1)
		m.SetEntries(2)
		m.RecordConfirmation()
		m.RecordBroadcast(OutcomeConfirmed, time.Second)
		m.RecordPersistenceError("ledger")
	})
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	m := New(false)

	m.RecordCommit(1)
	m.RecordCommit(2)
	m.RecordConfirmation()
	m.RecordBroadcast(OutcomeConfirmed, 10*time.Millisecond)
	m.RecordBroadcast(OutcomeRejected, 20*time.Millisecond)
	m.RecordBroadcast(OutcomeRejected, 30*time.Millisecond)
	m.RecordPersistenceError("ledger")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.entries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.confirmations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcasts.WithLabelValues(OutcomeConfirmed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.broadcasts.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistenceErrors.WithLabelValues("ledger")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.broadcastDuration))

	m.SetEntries(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.entries))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(false)
	m.RecordCommit(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "fusionledger_commits_total 1"))
}
