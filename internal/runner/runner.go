// Package runner drives a markovgen run: it builds the workload from the
// configuration and runs one goroutine per virtual user, each walking the
// state graph session after session until the run ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/erp/tools/markovgen/internal/arrival"
	"github.com/example/erp/tools/markovgen/internal/behavior"
	"github.com/example/erp/tools/markovgen/internal/config"
	"github.com/example/erp/tools/markovgen/internal/expr"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/loadctrl"
	"github.com/example/erp/tools/markovgen/internal/metrics"
	"github.com/example/erp/tools/markovgen/internal/rng"
	"github.com/example/erp/tools/markovgen/internal/session"
	"github.com/example/erp/tools/markovgen/internal/workload"
)

// Default reporting intervals.
const (
	DefaultSampleInterval   = time.Second
	DefaultProgressInterval = 5 * time.Second
)

// Options configures a Runner beyond the file configuration.
type Options struct {
	Logger *zap.Logger
	// Observer receives session events, requests and gate samples.
	Observer metrics.Observer
	// Executor replaces the executor selected by the configuration.
	Executor StateExecutor
	// Loader replaces the default behavior loader.
	Loader *behavior.Loader
	// SampleInterval is the period of gate samples sent to the observer.
	SampleInterval time.Duration
	// ProgressInterval is the period of progress log lines.
	ProgressInterval time.Duration
}

// Stats summarizes a run.
type Stats struct {
	Sessions  int64
	Completed int64
	Steps     int64
	Requests  int64
	Failed    int64
}

// Runner runs the sessions of one workload.
type Runner struct {
	cfg      *config.Config
	opts     Options
	logger   *zap.Logger
	observer metrics.Observer
	executor StateExecutor

	registry   *workload.Registry
	workload   *workload.Workload
	profile    loadctrl.CapacityProfile
	limiter    *loadctrl.StartLimiter
	guardStats *session.GuardStats

	running   atomic.Bool
	startTime atomic.Int64

	sessions  atomic.Int64
	completed atomic.Int64
	steps     atomic.Int64
	requests  atomic.Int64
	failed    atomic.Int64
}

// New creates a runner for cfg. It builds the state graph and the behavior
// mix; behavior models are loaded when the run starts.
func New(cfg *config.Config, opts Options) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.Multi(nil)
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}

	executor := opts.Executor
	if executor == nil {
		var err error
		executor, err = NewStateExecutor(cfg.Executor, logger.Named("executor"))
		if err != nil {
			return nil, err
		}
	}

	g, err := BuildGraph(cfg)
	if err != nil {
		return nil, fmt.Errorf("building state graph: %w", err)
	}
	mix, err := BuildMix(cfg)
	if err != nil {
		return nil, fmt.Errorf("building behavior mix: %w", err)
	}

	r := &Runner{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		observer:   opts.Observer,
		executor:   executor,
		limiter:    loadctrl.NewStartLimiter(cfg.Sessions.StartRate, cfg.Sessions.StartBurst),
		guardStats: session.NewGuardStats(logger.Named("guards"), session.DefaultGuardReportEvery),
	}

	var gate *arrival.Gate
	if cfg.Arrival.Enabled {
		r.profile, err = loadctrl.NewProfile(cfg.Arrival.Capacity)
		if err != nil {
			return nil, fmt.Errorf("creating capacity profile: %w", err)
		}
		gate = arrival.New(r.gateConfig())
	}

	loader := opts.Loader
	if loader == nil {
		loader = behavior.NewLoader(logger.Named("behavior"))
	}
	r.registry = workload.NewRegistry(loader, logger)
	r.workload, err = r.registry.Register(workload.Definition{
		ID:    cfg.Workload,
		Graph: g,
		Mix:   mix,
		Gate:  gate,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) gateConfig() arrival.Config {
	gc := arrival.Config{
		PollInterval: r.cfg.Arrival.PollInterval,
		PollJitter:   r.cfg.Arrival.PollJitter,
		Rand:         rng.NewLocked(rng.Derive(r.cfg.Seed, r.cfg.Sessions.Users)),
		Logger:       r.logger.Named("arrival"),
	}
	if r.cfg.Arrival.Log.Enabled {
		path := r.cfg.Arrival.Log.File
		gc.OpenSink = func() (arrival.Sink, error) {
			return arrival.OpenFileSink(path)
		}
	}
	return gc
}

// BuildGraph builds the state graph of cfg: the states imported from the
// OpenAPI document, if any, followed by the configured states.
func BuildGraph(cfg *config.Config) (*graph.Graph, error) {
	g := graph.New()
	if cfg.OpenAPI != "" {
		imported, err := graph.FromOpenAPI(cfg.OpenAPI)
		if err != nil {
			return nil, err
		}
		g = imported
	}

	for _, sc := range cfg.States {
		st, ok := g.StateByName(sc.Name)
		if !ok {
			var err error
			if st, err = g.AddState(sc.Name); err != nil {
				return nil, err
			}
		}
		if sc.Request != nil {
			st.Request = &graph.Request{
				Method:  sc.Request.Method,
				URL:     sc.Request.URL,
				Headers: sc.Request.Headers,
				Body:    sc.Request.Body,
			}
		}
	}

	for _, sc := range cfg.States {
		for _, tc := range sc.Transitions {
			_, err := g.AddTransition(sc.Name, tc.To, graph.Transition{
				Guard:    tc.Guard,
				Action:   tc.Action,
				Disabled: tc.Disabled,
			})
			if err != nil {
				return nil, fmt.Errorf("state %s: %w", sc.Name, err)
			}
		}
	}

	if cfg.AutoTransitions {
		g.CompleteTransitions()
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildMix creates the behavior mix of cfg.
func BuildMix(cfg *config.Config) (*behavior.Mix, error) {
	mix := behavior.NewMix()
	for _, b := range cfg.BehaviorMix {
		if err := mix.Add(b.Name, b.Frequency, b.File); err != nil {
			return nil, err
		}
	}
	return mix, nil
}

// Workload returns the workload driven by the runner.
func (r *Runner) Workload() *workload.Workload { return r.workload }

// GuardStats returns the guard counters shared by all sessions.
func (r *Runner) GuardStats() *session.GuardStats { return r.guardStats }

// Stats returns the counters of the current or last run.
func (r *Runner) Stats() Stats {
	return Stats{
		Sessions:  r.sessions.Load(),
		Completed: r.completed.Load(),
		Steps:     r.steps.Load(),
		Requests:  r.requests.Load(),
		Failed:    r.failed.Load(),
	}
}

// Run runs sessions until the configured duration elapses or ctx ends.
// It returns an error when the workload cannot start, e.g. for a malformed
// behavior model; an interrupted run is not an error.
func (r *Runner) Run(ctx context.Context) error {
	if r.running.Swap(true) {
		return fmt.Errorf("runner is already running")
	}
	defer r.running.Store(false)

	id := r.workload.ID()
	if err := r.registry.TestStarted(id); err != nil {
		return err
	}
	defer func() {
		if err := r.registry.TestEnded(id); err != nil {
			r.logger.Error("ending workload failed", zap.Error(err))
		}
		r.guardStats.Log()
	}()

	// Fail fast on models that cannot be loaded.
	if _, err := r.workload.Mix(); err != nil {
		return fmt.Errorf("workload %q: %w", id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	r.startTime.Store(time.Now().UnixNano())
	r.logger.Info("run started",
		zap.String("workload", id),
		zap.Int("users", r.cfg.Sessions.Users),
		zap.Duration("duration", r.cfg.Duration),
		zap.Bool("admission_control", r.profile != nil))

	reporterCtx, stopReporter := context.WithCancel(ctx)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		r.report(reporterCtx)
	}()

	group, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Sessions.Users {
		group.Go(func() error {
			return r.worker(gctx, i)
		})
	}
	err := group.Wait()

	stopReporter()
	<-reporterDone
	r.sample()

	st := r.Stats()
	r.logger.Info("run finished",
		zap.Duration("elapsed", r.Elapsed()),
		zap.Int64("sessions", st.Sessions),
		zap.Int64("completed", st.Completed),
		zap.Int64("steps", st.Steps),
		zap.Int64("requests", st.Requests),
		zap.Int64("failed", st.Failed))
	return err
}

// Elapsed returns the time since the run started.
func (r *Runner) Elapsed() time.Duration {
	start := r.startTime.Load()
	if start == 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - start)
}

// Capacity returns the admission limit at the current point of the run;
// 0 means unlimited.
func (r *Runner) Capacity() int {
	if r.profile == nil {
		return 0
	}
	return r.profile.Capacity(r.Elapsed())
}

// worker runs sessions back to back for virtual user n.
func (r *Runner) worker(ctx context.Context, n int) error {
	src := rng.Derive(r.cfg.Seed, n)
	logger := r.logger.With(zap.Int("worker", n))

	opts := session.Options{
		Rand:           src,
		ThinkTimeScale: r.cfg.Sessions.ThinkTimeScale,
		MaxSteps:       r.cfg.Sessions.MaxSteps,
		GuardStats:     r.guardStats,
		Recorder:       r.observer,
		Logger:         logger,
	}
	if r.profile != nil {
		opts.Capacity = r.Capacity
	}

	for ctx.Err() == nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}

		engine := expr.New(expr.Options{Vars: r.cfg.Variables, Rand: src, Seed: src.Uint64()})
		opts.Evaluator = engine
		sess, err := session.New(ctx, r.workload, opts)
		if err != nil {
			if errors.Is(err, session.ErrStopped) {
				return nil
			}
			if behavior.IsSetupError(err) {
				logger.Error("workload setup failed", zap.Error(err))
			}
			return fmt.Errorf("worker %d: %w", n, err)
		}
		r.sessions.Add(1)

		if r.walk(ctx, sess, engine) {
			r.completed.Add(1)
		}
		sess.Close()
	}
	return nil
}

// walk executes states until the session exits or ctx ends. It reports
// whether the session reached the exit.
func (r *Runner) walk(ctx context.Context, sess *session.Session, vars Vars) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		r.execute(ctx, sess.Current(), vars)

		res := sess.Step()
		if res.Ended {
			return true
		}
		r.steps.Add(1)
		if !sleep(ctx, res.Delay) {
			return false
		}
	}
}

func (r *Runner) execute(ctx context.Context, st *graph.State, vars Vars) {
	req := r.executor.Execute(ctx, st, vars)
	if req == nil {
		return
	}
	if ctx.Err() != nil && req.Err != nil {
		return
	}
	req.Workload = r.workload.ID()
	r.requests.Add(1)
	if !req.Success() {
		r.failed.Add(1)
	}
	r.observer.RecordRequest(*req)
}

// report samples the gate and logs progress until ctx ends.
func (r *Runner) report(ctx context.Context) {
	sample := time.NewTicker(r.opts.SampleInterval)
	defer sample.Stop()
	progress := time.NewTicker(r.opts.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			r.sample()
		case <-progress.C:
			r.logProgress()
		}
	}
}

func (r *Runner) sample() {
	gate := r.workload.Gate()
	if gate == nil {
		return
	}
	st := gate.Stats()
	r.observer.UpdateGate(r.workload.ID(), st.Active, st.Capacity)
}

func (r *Runner) logProgress() {
	elapsed := r.Elapsed()
	st := r.Stats()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed.Round(time.Second)),
		zap.Int64("sessions", st.Sessions),
		zap.Int64("steps", st.Steps),
		zap.Int64("requests", st.Requests),
		zap.Int64("failed", st.Failed),
	}
	if gate := r.workload.Gate(); gate != nil {
		gs := gate.Stats()
		fields = append(fields,
			zap.Int("active", gs.Active),
			zap.Int("waiting", gs.Waiting),
			zap.Int("capacity", gs.Capacity))
	}
	if r.profile != nil {
		fields = append(fields, zap.String("phase", r.profile.Phase(elapsed)))
	}
	r.logger.Info("progress", fields...)
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
