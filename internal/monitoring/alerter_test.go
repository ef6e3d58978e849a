package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     500.0,
		OpenCircuitThreshold: 1,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     100,
		JobsCompleted: 90,
		JobsExhausted: 5,
		JobsFailed:    5,
		FailureRate:   0.05,
		CostUSD:       100.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     500.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 12,
		JobsFailed:    8,
		FailureRate:   0.4, // 8/20 = 40%
		CostUSD:       50.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_OpenCircuits(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{OpenCircuitThreshold: 2})

	snap := &MetricsSnapshot{OpenCircuits: []string{"org-1/apollo"}, LookbackHours: 24}
	assert.Empty(t, a.Evaluate(snap))

	snap.OpenCircuits = append(snap.OpenCircuits, "org-2/clearbit")
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertOpenCircuits, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "org-1/apollo, org-2/clearbit")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     100.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     50,
		JobsCompleted: 48,
		JobsFailed:    2,
		FailureRate:   0.04,
		CostUSD:       250.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DLQDepthThreshold: 10})

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{DLQDepth: 9}))
	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 10})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     100.0,
		OpenCircuitThreshold: 1,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 10,
		JobsFailed:    10,
		FailureRate:   0.5,
		CostUSD:       300.0,
		OpenCircuits:  []string{"org-1/apollo"},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertJobFailureRate])
	assert.True(t, types[AlertOpenCircuits])
	assert.True(t, types[AlertCostOverrun])
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     500.0,
	})

	// Only 3 finished jobs, below the minimum for a failure rate alert.
	snap := &MetricsSnapshot{
		JobsTotal:     3,
		JobsCompleted: 1,
		JobsFailed:    2,
		FailureRate:   0.666,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		CostUSD:       999.0,
		OpenCircuits:  []string{"org-1/apollo"},
		DLQDepth:      50,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		assert.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertOpenCircuits, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry.InitialBackoff = time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertJobFailureRate, Message: "test"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 0, sent)
	// 4xx is permanent and not retried.
	assert.Equal(t, int32(1), calls.Load())
}
