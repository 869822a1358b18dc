// Package session implements the per-user Markov state machine: it admits a
// session through the workload's arrival gate, draws a behavior model from
// the mix and picks each next state from the model's probabilities, the
// authored transitions and their guards.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/erp/tools/markovgen/internal/behavior"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/rng"
	"github.com/example/erp/tools/markovgen/internal/thinktime"
	"github.com/example/erp/tools/markovgen/internal/workload"
)

// ErrStopped is returned when a session start is interrupted while waiting
// for admission. It also wraps arrival.ErrStopped and the context error.
var ErrStopped = errors.New("session: stopped")

// Evaluator runs the guard and action expressions of transitions.
type Evaluator interface {
	// EvaluateBoolean evaluates a guard.
	EvaluateBoolean(expr string) (bool, error)
	// ExecuteStatement runs an action.
	ExecuteStatement(stmt string) error
}

// Recorder receives session events, e.g. for metrics.
type Recorder interface {
	SessionStarted(workload, behavior string)
	SessionEnded(workload, behavior string, steps int)
	Transition(workload, from, to string)
	GuardEvaluated(workload, from, to string, result bool)
	ThinkTime(workload string, d time.Duration)
	AdmissionWait(workload string, d time.Duration)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) SessionStarted(string, string) {}
func (NopRecorder) SessionEnded(string, string, int) {}
func (NopRecorder) Transition(string, string, string) {}
func (NopRecorder) GuardEvaluated(string, string, string, bool) {}
func (NopRecorder) ThinkTime(string, time.Duration) {}
func (NopRecorder) AdmissionWait(string, time.Duration) {}

// Options configures a Session.
type Options struct {
	// ID identifies the session in logs. A random UUID is used when empty.
	ID string
	// Evaluator runs guards and actions. Without one every guard is true and
	// actions are ignored.
	Evaluator Evaluator
	// Rand drives behavior, transition and think time draws. A session uses it
	// from one goroutine at a time.
	Rand rng.Source
	// Capacity returns the current admission limit. It is evaluated afresh on
	// every admission; nil disables admission control.
	Capacity func() int
	// ThinkTimeScale multiplies every think time. Zero means 1.
	ThinkTimeScale float64
	// MaxSteps ends a session after this many transitions. Zero means no limit.
	MaxSteps int
	// GuardStats, when set, counts guard results.
	GuardStats *GuardStats
	Recorder   Recorder
	Logger     *zap.Logger
}

// Result is the outcome of one Step.
type Result struct {
	// From is the state the step started in.
	From *graph.State
	// Next is the state to execute next; nil when the session ended.
	Next *graph.State
	// Delay is the think time to wait before executing Next.
	Delay time.Duration
	// Ended reports that the exit was chosen and the session is over.
	Ended bool
}

// Session is one virtual user walking the state graph.
//
// Thread Safety: A Session is not safe for concurrent use; each worker owns
// its own.
type Session struct {
	opts     Options
	workload *workload.Workload
	graph    *graph.Graph
	logger   *zap.Logger
	recorder Recorder

	behavior    string
	model       *behavior.Model
	current     *graph.State
	steps       int
	inAdmission bool

	// candidates[0] is the exit and stays nil.
	candidates []*graph.Transition
	cumulative []float64
}

// New creates a session for w and starts it as by Reinitialize.
func New(ctx context.Context, w *workload.Workload, opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Rand == nil {
		opts.Rand = rng.New(0)
	}
	if opts.ThinkTimeScale <= 0 {
		opts.ThinkTimeScale = 1
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		opts:     opts,
		workload: w,
		graph:    w.Graph(),
		logger:   logger.With(zap.String("workload", w.ID()), zap.String("session_id", opts.ID)),
		recorder: opts.Recorder,
	}
	if err := s.Reinitialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.opts.ID }

// Reinitialize starts a new session: it waits for admission, draws a new
// behavior from the mix and moves to that behavior's entry state. A session
// still in progress is ended first.
func (s *Session) Reinitialize(ctx context.Context) error {
	if s.current != nil {
		s.end()
	}

	if gate := s.workload.Gate(); gate != nil && s.opts.Capacity != nil {
		start := time.Now()
		if err := gate.Enter(ctx, s.opts.Capacity()); err != nil {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		s.inAdmission = true
		s.recorder.AdmissionWait(s.workload.ID(), time.Since(start))
	}

	entry, err := s.workload.SelectBehavior(s.opts.Rand)
	if err != nil {
		s.release()
		return err
	}
	state, ok := s.graph.State(entry.Model.EntryState)
	if !ok {
		s.release()
		return fmt.Errorf("session: behavior %q: entry state %d is not in the graph", entry.Name, entry.Model.EntryState)
	}

	s.behavior = entry.Name
	s.model = entry.Model
	s.current = state
	s.steps = 0
	s.recorder.SessionStarted(s.workload.ID(), entry.Name)
	s.logger.Debug("session started", zap.String("behavior", entry.Name), zap.String("state", state.Name))
	return nil
}

// Current returns the current state, or nil once the session ended.
func (s *Session) Current() *graph.State { return s.current }

// Behavior returns the name of the behavior drawn for the current session.
func (s *Session) Behavior() string { return s.behavior }

// Model returns the behavior model drawn for the current session. It stays
// the same until the next Reinitialize.
func (s *Session) Model() *behavior.Model { return s.model }

// Ended reports whether the session reached the exit.
func (s *Session) Ended() bool { return s.current == nil }

// Steps returns the transitions taken since the last (re)initialization.
func (s *Session) Steps() int { return s.steps }

// Step chooses the next state. The exit is always a candidate with the
// model's exit weight; every enabled transition with a positive weight whose
// guard holds is a candidate with its weight. Candidates are drawn in the
// order exit, then declaration order.
func (s *Session) Step() Result {
	cur := s.current
	if cur == nil {
		return Result{Ended: true}
	}
	if s.opts.MaxSteps > 0 && s.steps >= s.opts.MaxSteps {
		s.logger.Warn("session reached step limit", zap.Int("steps", s.steps), zap.String("state", cur.Name))
		s.end()
		return Result{From: cur, Ended: true}
	}

	model := s.model
	dist := model.Distribution(cur.ID)

	s.candidates = append(s.candidates[:0], nil)
	total := dist[graph.ExitID]
	s.cumulative = append(s.cumulative[:0], total)

	for _, t := range cur.Transitions {
		if t.Disabled {
			continue
		}
		p := dist[t.Destination]
		if !(p > 0) {
			continue
		}
		if !s.guard(cur, t) {
			continue
		}
		total += p
		s.candidates = append(s.candidates, t)
		s.cumulative = append(s.cumulative, total)
	}

	i := rng.Pick(s.opts.Rand, s.cumulative)
	if i < 0 {
		s.logger.Warn("no transition has weight, exiting", zap.String("state", cur.Name))
	}
	if i <= 0 {
		s.recorder.Transition(s.workload.ID(), cur.Name, s.graph.Name(graph.ExitID))
		s.end()
		return Result{From: cur, Ended: true}
	}

	t := s.candidates[i]
	s.execute(cur, t)

	next, ok := s.graph.State(t.Destination)
	if !ok {
		s.logger.Error("transition targets unknown state, exiting",
			zap.String("state", cur.Name), zap.Int("destination", t.Destination))
		s.end()
		return Result{From: cur, Ended: true}
	}

	var delay time.Duration
	if tt, ok := model.ThinkTime(cur.ID, t.Destination); ok {
		delay = s.scale(thinktime.Delay(tt, s.opts.Rand))
		s.recorder.ThinkTime(s.workload.ID(), delay)
	}

	s.current = next
	s.steps++
	s.recorder.Transition(s.workload.ID(), cur.Name, next.Name)
	return Result{From: cur, Next: next, Delay: delay}
}

// Close ends the session, releasing its admission slot if it still holds one.
// It is safe to call more than once.
func (s *Session) Close() {
	if s.current != nil {
		s.end()
		return
	}
	s.release()
}

func (s *Session) guard(from *graph.State, t *graph.Transition) bool {
	if t.Guard == "" {
		return true
	}
	if s.opts.Evaluator == nil {
		return true
	}

	to := s.graph.Name(t.Destination)
	ok, err := s.opts.Evaluator.EvaluateBoolean(t.Guard)
	if err != nil {
		s.logger.Warn("guard evaluation failed, treating as false",
			zap.String("state", from.Name), zap.String("to", to),
			zap.String("guard", t.Guard), zap.Error(err))
		ok = false
	}
	if s.opts.GuardStats != nil {
		s.opts.GuardStats.Record(from.Name, to, ok)
	}
	s.recorder.GuardEvaluated(s.workload.ID(), from.Name, to, ok)
	return ok
}

func (s *Session) execute(from *graph.State, t *graph.Transition) {
	if t.Action == "" || s.opts.Evaluator == nil {
		return
	}
	if err := s.opts.Evaluator.ExecuteStatement(t.Action); err != nil {
		s.logger.Warn("transition action failed",
			zap.String("state", from.Name), zap.String("to", s.graph.Name(t.Destination)),
			zap.String("action", t.Action), zap.Error(err))
	}
}

func (s *Session) scale(d time.Duration) time.Duration {
	if s.opts.ThinkTimeScale == 1 {
		return d
	}
	return time.Duration(float64(d) * s.opts.ThinkTimeScale)
}

func (s *Session) end() {
	s.recorder.SessionEnded(s.workload.ID(), s.behavior, s.steps)
	s.logger.Debug("session ended", zap.String("behavior", s.behavior), zap.Int("steps", s.steps))
	s.current = nil
	s.release()
}

func (s *Session) release() {
	if !s.inAdmission {
		return
	}
	s.inAdmission = false
	if gate := s.workload.Gate(); gate != nil {
		gate.Exit()
	}
}
