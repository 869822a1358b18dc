package metrics

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// SafeHistogram is a mutex-guarded HDR histogram. Values outside
// [1, highest] are clamped into range.
type SafeHistogram struct {
	mu      sync.Mutex
	hist    *hdrhistogram.Histogram
	highest int64
}

// NewSafeHistogram tracks values from 1 to highest with 3 significant figures.
func NewSafeHistogram(highest int64) *SafeHistogram {
	return &SafeHistogram{hist: hdrhistogram.New(1, highest, 3), highest: highest}
}

// Record adds v.
func (h *SafeHistogram) Record(v int64) {
	v = min(max(v, 1), h.highest)
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(v)
}

// Stats summarizes the recorded values.
func (h *SafeHistogram) Stats() HistogramStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return HistogramStats{}
	}
	return HistogramStats{
		Count: h.hist.TotalCount(),
		Mean:  h.hist.Mean(),
		P50:   h.hist.ValueAtQuantile(50),
		P95:   h.hist.ValueAtQuantile(95),
		P99:   h.hist.ValueAtQuantile(99),
		Max:   h.hist.Max(),
	}
}

// Reset drops every recorded value.
func (h *SafeHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Reset()
}

// HistogramStats is a snapshot of a SafeHistogram.
type HistogramStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	P50   int64   `json:"p50"`
	P95   int64   `json:"p95"`
	P99   int64   `json:"p99"`
	Max   int64   `json:"max"`
}
