package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordRuns(t *testing.T) {
	m := NewMetrics()

	m.ObserveRun("trial", "succeeded", 3*time.Second)
	m.ObserveRun("trial", "failed", time.Second)
	m.ObserveRun("trial", "succeeded", 2*time.Second)
	m.ObserveFailure("extract_credentials", "CREDENTIAL_EXTRACTION_ERROR")
	m.AdmissionRejected()
	m.SetQuota(7)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("trial", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepFailures.WithLabelValues("extract_credentials", "CREDENTIAL_EXTRACTION_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRejections))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.quotaRemaining))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpen))

	expected := `
# HELP panelbot_admission_rejections_total Requests rejected because the requester already had a run in flight
# TYPE panelbot_admission_rejections_total counter
panelbot_admission_rejections_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "panelbot_admission_rejections_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("trial", "failed", time.Second)
		m.ObserveFailure("login", "AUTHENTICATION_ERROR")
		m.AdmissionRejected()
		m.SetQuota(1)
		m.SessionOpened()
		m.SessionClosed()
	})
}
