// Package workload holds the state shared by all sessions of a workload: the
// state graph, the lazily initialized behavior mix and the arrival gate.
// A Registry keys workloads by id and drives their test lifecycle.
package workload

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/example/erp/tools/markovgen/internal/arrival"
	"github.com/example/erp/tools/markovgen/internal/behavior"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/rng"
)

// Errors returned by the workload package.
var (
	// ErrNotFound is returned for an unregistered workload id.
	ErrNotFound = errors.New("workload: not found")
	// ErrDuplicate is returned when a workload id is registered twice.
	ErrDuplicate = errors.New("workload: duplicate id")
	// ErrInvalid is returned for an incomplete definition.
	ErrInvalid = errors.New("workload: invalid definition")
)

// Definition describes a workload to register.
type Definition struct {
	ID    string
	Graph *graph.Graph
	Mix   *behavior.Mix
	// Gate is optional; without one sessions are admitted immediately.
	Gate *arrival.Gate
}

// Workload is the shared context of one workload.
//
// Thread Safety: Safe for concurrent use. The graph and the initialized
// models are read-only; the mix cache and the gate synchronize internally.
type Workload struct {
	id     string
	graph  *graph.Graph
	mix    *behavior.Mix
	gate   *arrival.Gate
	loader *behavior.Loader
	logger *zap.Logger

	initMu      sync.Mutex
	initialized bool
	initErr     error
	inits       int
}

// ID returns the workload id.
func (w *Workload) ID() string { return w.id }

// Graph returns the shared state graph.
func (w *Workload) Graph() *graph.Graph { return w.graph }

// Gate returns the arrival gate, or nil.
func (w *Workload) Gate() *arrival.Gate { return w.gate }

// Mix returns the behavior mix, initializing it on first use. Concurrent
// first callers wait for a single initialization; its error, if any, is
// returned to every caller until the cache is cleared.
func (w *Workload) Mix() (*behavior.Mix, error) {
	w.initMu.Lock()
	defer w.initMu.Unlock()

	if !w.initialized {
		w.inits++
		w.initErr = w.mix.Initialize(w.loader, w.graph.NameToID())
		w.initialized = true
		if w.initErr != nil {
			w.logger.Error("behavior mix initialization failed", zap.Error(w.initErr))
		} else {
			w.logger.Info("behavior mix initialized",
				zap.Int("entries", w.mix.Len()),
				zap.Bool("think_times", w.mix.UsesThinkTimes()))
		}
	}
	if w.initErr != nil {
		return nil, w.initErr
	}
	return w.mix, nil
}

// SelectBehavior initializes the mix if needed and draws an entry from it.
func (w *Workload) SelectBehavior(src rng.Source) (*behavior.Entry, error) {
	mix, err := w.Mix()
	if err != nil {
		return nil, err
	}
	return mix.Select(src)
}

// clearCache forces the next Mix call to reload every model.
func (w *Workload) clearCache() {
	w.initMu.Lock()
	defer w.initMu.Unlock()
	w.initialized = false
	w.initErr = nil
}

// Registry is the process-wide table of workloads.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	loader *behavior.Loader
	logger *zap.Logger

	mu        sync.RWMutex
	workloads map[string]*Workload
}

// NewRegistry creates a registry whose workloads load models with loader.
func NewRegistry(loader *behavior.Loader, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = behavior.NewLoader(logger)
	}
	return &Registry{
		loader:    loader,
		logger:    logger,
		workloads: make(map[string]*Workload),
	}
}

// Register adds a workload.
func (r *Registry) Register(def Definition) (*Workload, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if def.Graph == nil {
		return nil, fmt.Errorf("%w: %q has no state graph", ErrInvalid, def.ID)
	}
	if def.Mix == nil {
		return nil, fmt.Errorf("%w: %q has no behavior mix", ErrInvalid, def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workloads[def.ID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, def.ID)
	}
	w := &Workload{
		id:     def.ID,
		graph:  def.Graph,
		mix:    def.Mix,
		gate:   def.Gate,
		loader: r.loader,
		logger: r.logger.With(zap.String("workload", def.ID)),
	}
	r.workloads[def.ID] = w
	return w, nil
}

// Get returns a registered workload.
func (r *Registry) Get(id string) (*Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workloads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return w, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workloads))
	for id := range r.workloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TestStarted resets the workload's gate and opens its log.
func (r *Registry) TestStarted(id string) error {
	w, err := r.Get(id)
	if err != nil {
		return err
	}
	if w.gate != nil {
		if err := w.gate.Start(); err != nil {
			return fmt.Errorf("workload %q: %w", id, err)
		}
	}
	w.logger.Info("test started")
	return nil
}

// TestEnded writes the gate's final sample, closes its log and drops the
// cached behavior models.
func (r *Registry) TestEnded(id string) error {
	w, err := r.Get(id)
	if err != nil {
		return err
	}
	w.clearCache()

	var gateErr error
	if w.gate != nil {
		gateErr = w.gate.End()
	}
	w.logger.Info("test ended")
	return gateErr
}

// Reset releases the per-workload caches without a test-end notification.
func (r *Registry) Reset(id string) error {
	w, err := r.Get(id)
	if err != nil {
		return err
	}
	w.clearCache()
	return nil
}
