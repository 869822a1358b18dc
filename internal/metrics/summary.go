package metrics

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Summary aggregates a whole run in memory for the final report.
//
// Thread Safety: Safe for concurrent use.
type Summary struct {
	start time.Time
	now   func() time.Time

	admission *SafeHistogram // microseconds
	think     *SafeHistogram // milliseconds
	steps     *SafeHistogram
	latency   *SafeHistogram // microseconds

	mu          sync.Mutex
	behaviors   map[behaviorKey]*BehaviorCount
	transitions map[transitionKey]int64
	guards      map[transitionKey]*GuardCount
	requests    map[stateKey]*RequestCount
	peakActive  map[string]int
}

var _ Observer = (*Summary)(nil)

type behaviorKey struct{ workload, behavior string }

type transitionKey struct{ workload, from, to string }

type stateKey struct{ workload, state string }

// NewSummary creates a summary whose run starts now.
func NewSummary() *Summary {
	return newSummary(time.Now)
}

func newSummary(now func() time.Time) *Summary {
	return &Summary{
		start:       now(),
		now:         now,
		admission:   NewSafeHistogram(int64(time.Hour / time.Microsecond)),
		think:       NewSafeHistogram(int64(time.Hour / time.Millisecond)),
		steps:       NewSafeHistogram(10_000_000),
		latency:     NewSafeHistogram(int64(10 * time.Minute / time.Microsecond)),
		behaviors:   make(map[behaviorKey]*BehaviorCount),
		transitions: make(map[transitionKey]int64),
		guards:      make(map[transitionKey]*GuardCount),
		requests:    make(map[stateKey]*RequestCount),
		peakActive:  make(map[string]int),
	}
}

func (s *Summary) behavior(workload, behavior string) *BehaviorCount {
	k := behaviorKey{workload, behavior}
	b, ok := s.behaviors[k]
	if !ok {
		b = &BehaviorCount{Workload: workload, Behavior: behavior}
		s.behaviors[k] = b
	}
	return b
}

func (s *Summary) SessionStarted(workload, behavior string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior(workload, behavior).Started++
}

func (s *Summary) SessionEnded(workload, behavior string, steps int) {
	s.steps.Record(int64(steps))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior(workload, behavior).Ended++
}

func (s *Summary) Transition(workload, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[transitionKey{workload, from, to}]++
}

func (s *Summary) GuardEvaluated(workload, from, to string, result bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := transitionKey{workload, from, to}
	g, ok := s.guards[k]
	if !ok {
		g = &GuardCount{Workload: workload, From: from, To: to}
		s.guards[k] = g
	}
	g.Evaluations++
	if result {
		g.True++
	}
}

func (s *Summary) ThinkTime(_ string, d time.Duration) {
	s.think.Record(d.Milliseconds())
}

func (s *Summary) AdmissionWait(_ string, d time.Duration) {
	s.admission.Record(d.Microseconds())
}

// RecordRequest counts a state request and its latency.
func (s *Summary) RecordRequest(r Request) {
	s.latency.Record(r.Latency.Microseconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stateKey{r.Workload, r.State}
	c, ok := s.requests[k]
	if !ok {
		c = &RequestCount{Workload: r.Workload, State: r.State}
		s.requests[k] = c
	}
	c.Total++
	if !r.Success() {
		c.Failed++
	}
}

// UpdateGate tracks the peak number of active sessions per workload.
func (s *Summary) UpdateGate(workload string, active, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peakActive[workload] = max(s.peakActive[workload], active)
}

// BehaviorCount counts the sessions of one behavior model.
type BehaviorCount struct {
	Workload string `json:"workload"`
	Behavior string `json:"behavior"`
	Started  int64  `json:"started"`
	Ended    int64  `json:"ended"`
}

// TransitionCount counts one transition.
type TransitionCount struct {
	Workload string `json:"workload"`
	From     string `json:"from"`
	To       string `json:"to"`
	Count    int64  `json:"count"`
}

// GuardCount counts the evaluations of one guard.
type GuardCount struct {
	Workload    string `json:"workload"`
	From        string `json:"from"`
	To          string `json:"to"`
	Evaluations int64  `json:"evaluations"`
	True        int64  `json:"true"`
}

// RequestCount counts the requests of one state.
type RequestCount struct {
	Workload string `json:"workload"`
	State    string `json:"state"`
	Total    int64  `json:"total"`
	Failed   int64  `json:"failed"`
}

// SummarySnapshot is the content of the final report.
type SummarySnapshot struct {
	Duration        time.Duration     `json:"duration"`
	SessionsStarted int64             `json:"sessionsStarted"`
	SessionsEnded   int64             `json:"sessionsEnded"`
	Behaviors       []BehaviorCount   `json:"behaviors"`
	Transitions     []TransitionCount `json:"transitions"`
	Guards          []GuardCount      `json:"guards,omitempty"`
	Requests        []RequestCount    `json:"requests"`
	PeakActive      map[string]int    `json:"peakActive"`

	// Units: microseconds for AdmissionWait and RequestLatency,
	// milliseconds for ThinkTime.
	AdmissionWait  HistogramStats `json:"admissionWaitMicros"`
	ThinkTime      HistogramStats `json:"thinkTimeMillis"`
	Steps          HistogramStats `json:"stepsPerSession"`
	RequestLatency HistogramStats `json:"requestLatencyMicros"`
}

// Snapshot returns a consistent copy of the summary, with transitions
// ordered by descending count.
func (s *Summary) Snapshot() SummarySnapshot {
	snap := SummarySnapshot{
		Duration:       s.now().Sub(s.start),
		AdmissionWait:  s.admission.Stats(),
		ThinkTime:      s.think.Stats(),
		Steps:          s.steps.Stats(),
		RequestLatency: s.latency.Stats(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.behaviors {
		snap.Behaviors = append(snap.Behaviors, *b)
		snap.SessionsStarted += b.Started
		snap.SessionsEnded += b.Ended
	}
	slices.SortFunc(snap.Behaviors, func(a, b BehaviorCount) int {
		return cmp.Or(cmp.Compare(a.Workload, b.Workload), cmp.Compare(a.Behavior, b.Behavior))
	})

	for k, n := range s.transitions {
		snap.Transitions = append(snap.Transitions, TransitionCount{Workload: k.workload, From: k.from, To: k.to, Count: n})
	}
	slices.SortFunc(snap.Transitions, func(a, b TransitionCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Workload, b.Workload),
			cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})

	for _, g := range s.guards {
		snap.Guards = append(snap.Guards, *g)
	}
	slices.SortFunc(snap.Guards, func(a, b GuardCount) int {
		return cmp.Or(cmp.Compare(a.Workload, b.Workload), cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})

	for _, r := range s.requests {
		snap.Requests = append(snap.Requests, *r)
	}
	slices.SortFunc(snap.Requests, func(a, b RequestCount) int {
		return cmp.Or(cmp.Compare(a.Workload, b.Workload), cmp.Compare(a.State, b.State))
	})

	snap.PeakActive = maps.Clone(s.peakActive)
	return snap
}

// maxReportedTransitions bounds the transition table of Print.
const maxReportedTransitions = 15

// Print writes a human-readable report of snap.
func Print(w io.Writer, snap SummarySnapshot) {
	line := strings.Repeat("=", 64)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "  MARKOV WORKLOAD SUMMARY")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  Duration:          %s\n", formatDuration(snap.Duration))
	fmt.Fprintf(w, "  Sessions started:  %d\n", snap.SessionsStarted)
	fmt.Fprintf(w, "  Sessions ended:    %d\n", snap.SessionsEnded)
	for _, wl := range slices.Sorted(maps.Keys(snap.PeakActive)) {
		fmt.Fprintf(w, "  Peak active [%s]: %d\n", wl, snap.PeakActive[wl])
	}

	if len(snap.Behaviors) > 0 {
		fmt.Fprintln(w, "\n  Behaviors")
		for _, b := range snap.Behaviors {
			fmt.Fprintf(w, "    %-12s %-20s started %-8d ended %d\n", b.Workload, b.Behavior, b.Started, b.Ended)
		}
	}

	if len(snap.Transitions) > 0 {
		fmt.Fprintln(w, "\n  Top transitions")
		for i, t := range snap.Transitions {
			if i == maxReportedTransitions {
				fmt.Fprintf(w, "    ... %d more\n", len(snap.Transitions)-i)
				break
			}
			fmt.Fprintf(w, "    %-12s %s -> %s: %d\n", t.Workload, t.From, t.To, t.Count)
		}
	}

	if len(snap.Requests) > 0 {
		fmt.Fprintln(w, "\n  Requests")
		for _, r := range snap.Requests {
			fmt.Fprintf(w, "    %-12s %-24s total %-8d failed %d\n", r.Workload, r.State, r.Total, r.Failed)
		}
		l := snap.RequestLatency
		fmt.Fprintf(w, "    latency p50 %s  p95 %s  p99 %s  max %s\n",
			formatLatency(micros(l.P50)), formatLatency(micros(l.P95)),
			formatLatency(micros(l.P99)), formatLatency(micros(l.Max)))
	}

	fmt.Fprintln(w, "\n  Sessions")
	fmt.Fprintf(w, "    steps p50 %d  p95 %d  max %d\n", snap.Steps.P50, snap.Steps.P95, snap.Steps.Max)
	a := snap.AdmissionWait
	fmt.Fprintf(w, "    admission wait p50 %s  p95 %s  max %s\n",
		formatLatency(micros(a.P50)), formatLatency(micros(a.P95)), formatLatency(micros(a.Max)))
	th := snap.ThinkTime
	fmt.Fprintf(w, "    think time p50 %dms  p95 %dms  max %dms\n", th.P50, th.P95, th.Max)
	fmt.Fprintln(w, line)
}

// WriteJSON writes snap as indented JSON. The path supports the
// {{.Timestamp}}, {{.Date}} and {{.Time}} placeholders.
func WriteJSON(path string, snap SummarySnapshot) error {
	path = filepath.Clean(expandPathTemplate(path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary to JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing summary file: %w", err)
	}
	return nil
}

func expandPathTemplate(path string) string {
	now := time.Now()
	return strings.NewReplacer(
		"{{.Timestamp}}", now.Format("20060102-150405"),
		"{{.Date}}", now.Format("2006-01-02"),
		"{{.Time}}", now.Format("150405"),
	).Replace(path)
}

func micros(v int64) time.Duration { return time.Duration(v) * time.Microsecond }

func formatLatency(d time.Duration) string {
	switch {
	case d == 0:
		return "0ms"
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
