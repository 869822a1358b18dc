package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findMetric returns the metric of family name whose labels include labels.
func findMetric(t *testing.T, e *PrometheusExporter, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := e.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func TestNewPrometheusExporter(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		e := NewPrometheusExporter(PrometheusExporterConfig{})
		assert.Equal(t, ":9090", e.Addr())
		assert.Equal(t, "/metrics", e.Path())
		assert.Equal(t, "markov", e.config.Namespace)
		assert.Equal(t, prometheus.DefBuckets, e.config.HistogramBuckets)
		assert.False(t, e.IsRunning())
	})

	t.Run("custom", func(t *testing.T) {
		e := NewPrometheusExporter(PrometheusExporterConfig{Addr: ":8081", Path: "/m", Namespace: "wl"})
		assert.Equal(t, ":8081", e.Addr())
		assert.Equal(t, "/m", e.Path())

		e.SessionStarted("shop", "buyer")
		assert.NotNil(t, findMetric(t, e, "wl_sessions_started_total", nil))
	})
}

func TestPrometheusExporter_StartStop(t *testing.T) {
	e := NewPrometheusExporter(PrometheusExporterConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, e.Start())
	assert.True(t, e.IsRunning())
	require.NoError(t, e.Start())

	e.SessionStarted("shop", "buyer")

	resp, err := http.Get("http://" + e.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "markov_sessions_started_total")

	resp, err = http.Get("http://" + e.Addr() + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.False(t, e.IsRunning())
	require.NoError(t, e.Stop(ctx))
	assert.NoError(t, e.LastError())
}

func TestPrometheusExporter_StartError(t *testing.T) {
	e := NewPrometheusExporter(PrometheusExporterConfig{Addr: "256.0.0.1:bad"})
	assert.Error(t, e.Start())
	assert.False(t, e.IsRunning())
}

func TestPrometheusExporter_Events(t *testing.T) {
	e := NewPrometheusExporter(PrometheusExporterConfig{})

	e.SessionStarted("shop", "buyer")
	e.SessionStarted("shop", "buyer")
	e.SessionEnded("shop", "buyer", 4)
	e.Transition("shop", "Home", "Cart")
	e.Transition("shop", "Home", "Cart")
	e.GuardEvaluated("shop", "Home", "Cart", true)
	e.GuardEvaluated("shop", "Home", "Cart", false)
	e.GuardEvaluated("shop", "Home", "Cart", false)
	e.ThinkTime("shop", 250*time.Millisecond)
	e.AdmissionWait("shop", 2*time.Second)
	e.RecordRequest(Request{Workload: "shop", State: "Cart", StatusCode: 200, Latency: 10 * time.Millisecond})
	e.RecordRequest(Request{Workload: "shop", State: "Cart", StatusCode: 503, Latency: 20 * time.Millisecond})
	e.UpdateGate("shop", 3, 10)

	tests := []struct {
		name   string
		metric string
		labels map[string]string
		value  func(*dto.Metric) float64
		want   float64
	}{
		{"started", "markov_sessions_started_total", map[string]string{"behavior": "buyer"}, counter, 2},
		{"ended", "markov_sessions_ended_total", map[string]string{"workload": "shop"}, counter, 1},
		{"steps", "markov_session_steps", nil, histogramSum, 4},
		{"transitions", "markov_transitions_total", map[string]string{"from": "Home", "to": "Cart"}, counter, 2},
		{"guard true", "markov_guard_evaluations_total", map[string]string{"result": "true"}, counter, 1},
		{"guard false", "markov_guard_evaluations_total", map[string]string{"result": "false"}, counter, 2},
		{"think time", "markov_think_time_seconds", nil, histogramSum, 0.25},
		{"admission wait", "markov_admission_wait_seconds", nil, histogramSum, 2},
		{"request ok", "markov_requests_total", map[string]string{"state": "Cart", "success": "true"}, counter, 1},
		{"request failed", "markov_requests_total", map[string]string{"success": "false"}, counter, 1},
		{"request duration", "markov_request_duration_seconds", map[string]string{"state": "Cart"}, histogramSum, 0.03},
		{"active", "markov_active_sessions", map[string]string{"workload": "shop"}, gauge, 3},
		{"capacity", "markov_session_capacity", map[string]string{"workload": "shop"}, gauge, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := findMetric(t, e, tt.metric, tt.labels)
			require.NotNil(t, m, "metric %s %v", tt.metric, tt.labels)
			assert.InDelta(t, tt.want, tt.value(m), 1e-9)
		})
	}
}

func counter(m *dto.Metric) float64      { return m.GetCounter().GetValue() }
func gauge(m *dto.Metric) float64        { return m.GetGauge().GetValue() }
func histogramSum(m *dto.Metric) float64 { return m.GetHistogram().GetSampleSum() }

func TestRequest_Success(t *testing.T) {
	assert.True(t, Request{}.Success())
	assert.True(t, Request{StatusCode: 302}.Success())
	assert.False(t, Request{StatusCode: 404}.Success())
	assert.False(t, Request{Err: errors.New("refused")}.Success())
}
