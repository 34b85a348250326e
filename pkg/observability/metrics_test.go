package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ProposalSubmitted(contracts.RiskHigh)
	m.ProposalSubmitted(contracts.RiskHigh)
	m.Transitioned(contracts.StateQueued, contracts.StateApplied)
	m.GuardRejected(contracts.GuardSelfApproval)
	m.LockConflict()
	m.UnitReaped(contracts.ExpireArchive)
	m.SignalDelivered(contracts.Signal{Kind: contracts.SignalApply}, nil)
	m.SignalDelivered(contracts.Signal{Kind: contracts.SignalApply}, errors.New("refused"))
	m.HTTPRequest(http.MethodPost, "POST /v1/proposals", http.StatusCreated, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proposals.WithLabelValues("HIGH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("QUEUED", "APPLIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guards.WithLabelValues(contracts.GuardSelfApproval)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reaped.WithLabelValues("archive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("apply", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "POST /v1/proposals", "201")))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.LockConflict()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.lockConflicts))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ProposalSubmitted(contracts.RiskLow)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `governor_proposals_total{risk="LOW"} 1`)
}
