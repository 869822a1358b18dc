// Package arrival implements session admission control: a gate that bounds
// how many sessions of a workload may be active at the same time.
package arrival

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/erp/tools/markovgen/internal/rng"
)

// Unlimited is the capacity value meaning "admit everyone".
const Unlimited = -1

// Default polling parameters: waiters retry every 1000-1999 ms.
const (
	DefaultPollInterval = time.Second
	DefaultPollJitter   = time.Second
)

// ErrStopped is returned by Enter when the context ends while waiting.
// The returned error also wraps the context's error.
var ErrStopped = errors.New("arrival: stopped while waiting for admission")

// Config configures a Gate.
type Config struct {
	// PollInterval is the minimum pause between admission retries.
	PollInterval time.Duration
	// PollJitter is the upper bound of the random delay added to PollInterval.
	PollJitter time.Duration
	// OpenSink, when set, is called by Start to open the time-series log.
	OpenSink func() (Sink, error)
	// Now replaces time.Now, for tests.
	Now func() time.Time
	// Rand draws the poll jitter. It must be safe for concurrent use.
	Rand rng.Source
	// Logger receives sink failures and per-second samples at debug level.
	Logger *zap.Logger
}

// Stats is a snapshot of a gate.
type Stats struct {
	Active   int
	Capacity int
	Admitted int64
	Waiting  int
}

// Gate admits sessions while the number of active ones is below the capacity
// passed by the most recent Enter call. Waiters poll with jitter and are also
// woken whenever a slot is released; no ordering among waiters is guaranteed.
//
// Thread Safety: All methods are safe for concurrent use.
type Gate struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	active     int
	capacity   int
	admitted   int64
	waiting    int
	epoch      int64
	released   chan struct{}
	start      time.Time
	lastSecond int64
	sink       Sink
}

// New creates a gate. It is ready for use; Start resets it and opens the log.
func New(cfg Config) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollJitter < 0 {
		cfg.PollJitter = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rng.NewLocked(rng.New(0))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gate{
		cfg:        cfg,
		logger:     logger,
		capacity:   Unlimited,
		released:   make(chan struct{}),
		start:      cfg.Now(),
		lastSecond: -1,
	}
}

// Start resets the gate to zero active sessions and unlimited capacity and
// opens the configured log sink.
func (g *Gate) Start() error {
	var sink Sink
	if g.cfg.OpenSink != nil {
		s, err := g.cfg.OpenSink()
		if err != nil {
			return fmt.Errorf("arrival: start: %w", err)
		}
		sink = s
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sink != nil {
		g.closeSinkLocked()
	}
	g.resetLocked()
	g.admitted = 0
	g.start = g.cfg.Now()
	g.lastSecond = -1
	g.sink = sink
	return nil
}

// End writes a final sample regardless of the one-second throttle, closes
// the log sink and resets the gate to zero active sessions and unlimited
// capacity. Sessions admitted before End must not call Exit afterwards.
func (g *Gate) End() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	if g.sink != nil {
		g.dumpLocked(true)
		err = g.closeSinkLocked()
	}
	g.resetLocked()
	return err
}

// resetLocked drops every admission and wakes waiters. Waiters counted
// before the reset are no longer counted.
func (g *Gate) resetLocked() {
	g.active = 0
	g.capacity = Unlimited
	g.waiting = 0
	g.epoch++
	g.broadcastLocked()
}

// Enter blocks until the caller may start a session. capacity is the freshly
// evaluated admission limit; values <= 0 mean unlimited. It replaces the
// limit set by earlier callers.
//
// If ctx ends first, Enter returns an error matching ErrStopped and the
// caller has not been admitted.
func (g *Gate) Enter(ctx context.Context, capacity int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	if capacity <= 0 {
		capacity = Unlimited
	}

	g.mu.Lock()
	if capacity == Unlimited || (g.capacity != Unlimited && capacity > g.capacity) {
		g.broadcastLocked()
	}
	g.capacity = capacity

	counted := false
	var epoch int64
	for {
		if g.capacity == Unlimited || g.active < g.capacity {
			g.active++
			g.admitted++
			if counted && g.epoch == epoch {
				g.waiting--
			}
			g.dumpLocked(false)
			g.mu.Unlock()
			return nil
		}
		if !counted || g.epoch != epoch {
			g.waiting++
			counted, epoch = true, g.epoch
		}
		wake := g.released
		g.mu.Unlock()

		timer := time.NewTimer(g.pollDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			g.mu.Lock()
			if g.epoch == epoch {
				g.waiting--
			}
			g.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		g.mu.Lock()
	}
}

// Exit releases a slot taken by a successful Enter. It never blocks.
func (g *Gate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == 0 {
		g.logger.Warn("arrival gate exit without matching enter")
		return
	}
	g.active--
	g.broadcastLocked()
}

// Active returns the number of admitted sessions that have not exited.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Capacity returns the current limit, Unlimited if none.
func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// Stats returns a consistent snapshot of the gate.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Active: g.active, Capacity: g.capacity, Admitted: g.admitted, Waiting: g.waiting}
}

func (g *Gate) pollDelay() time.Duration {
	d := g.cfg.PollInterval
	if g.cfg.PollJitter > 0 {
		d += time.Duration(g.cfg.Rand.Float64() * float64(g.cfg.PollJitter))
	}
	return d
}

// broadcastLocked wakes every waiter so it re-checks the limit.
func (g *Gate) broadcastLocked() {
	close(g.released)
	g.released = make(chan struct{})
}

// dumpLocked appends "elapsedMinutes,active" to the sink, at most once per
// elapsed second unless forced.
func (g *Gate) dumpLocked(force bool) {
	if g.sink == nil {
		return
	}
	second := int64(math.Floor(g.cfg.Now().Sub(g.start).Seconds()))
	if !force && second <= g.lastSecond {
		return
	}
	g.lastSecond = second

	minutes := float64(second) / 60
	line := strconv.FormatFloat(minutes, 'f', -1, 64) + "," + strconv.Itoa(g.active)
	g.logger.Debug("active sessions",
		zap.Int64("second", second), zap.Int("active", g.active), zap.Int("capacity", g.capacity))

	if err := g.sink.AppendLine(line); err != nil {
		g.logger.Error("arrival log write failed", zap.Error(err))
		return
	}
	if err := g.sink.Flush(); err != nil {
		g.logger.Error("arrival log flush failed", zap.Error(err))
	}
}

func (g *Gate) closeSinkLocked() error {
	err := g.sink.Close()
	g.sink = nil
	if err != nil {
		g.logger.Error("arrival log close failed", zap.Error(err))
		return fmt.Errorf("arrival: close log: %w", err)
	}
	return nil
}
