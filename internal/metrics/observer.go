// Package metrics records what sessions do, exports it to Prometheus and
// summarizes it at the end of a run.
package metrics

import (
	"time"

	"github.com/example/erp/tools/markovgen/internal/session"
)

// Request is the outcome of executing the request of a state.
type Request struct {
	Workload   string
	State      string
	StatusCode int
	Latency    time.Duration
	Bytes      int64
	Err        error
}

// Success reports whether the request completed without error and, for
// HTTP requests, with a status below 400.
func (r Request) Success() bool {
	return r.Err == nil && r.StatusCode < 400
}

// Observer receives session events, request outcomes and gate samples.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Observer interface {
	session.Recorder
	RecordRequest(r Request)
	UpdateGate(workload string, active, capacity int)
}

// Multi forwards every event to each of its observers.
type Multi []Observer

var _ Observer = Multi(nil)

func (m Multi) SessionStarted(workload, behavior string) {
	for _, o := range m {
		o.SessionStarted(workload, behavior)
	}
}

func (m Multi) SessionEnded(workload, behavior string, steps int) {
	for _, o := range m {
		o.SessionEnded(workload, behavior, steps)
	}
}

func (m Multi) Transition(workload, from, to string) {
	for _, o := range m {
		o.Transition(workload, from, to)
	}
}

func (m Multi) GuardEvaluated(workload, from, to string, result bool) {
	for _, o := range m {
		o.GuardEvaluated(workload, from, to, result)
	}
}

func (m Multi) ThinkTime(workload string, d time.Duration) {
	for _, o := range m {
		o.ThinkTime(workload, d)
	}
}

func (m Multi) AdmissionWait(workload string, d time.Duration) {
	for _, o := range m {
		o.AdmissionWait(workload, d)
	}
}

func (m Multi) RecordRequest(r Request) {
	for _, o := range m {
		o.RecordRequest(r)
	}
}

func (m Multi) UpdateGate(workload string, active, capacity int) {
	for _, o := range m {
		o.UpdateGate(workload, active, capacity)
	}
}
