package session

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultGuardReportEvery is how many guard evaluations pass between two
// automatic GuardStats reports.
const DefaultGuardReportEvery = 10000

// GuardStat is the evaluation record of one guarded transition.
type GuardStat struct {
	From        string
	To          string
	Evaluations int64
	True        int64
}

// Ratio returns the share of evaluations that returned true.
func (s GuardStat) Ratio() float64 {
	if s.Evaluations == 0 {
		return 0
	}
	return float64(s.True) / float64(s.Evaluations)
}

type guardKey struct {
	from, to string
}

// GuardStats counts guard results per transition and periodically logs the
// true ratio of each.
//
// Thread Safety: Safe for concurrent use.
type GuardStats struct {
	logger *zap.Logger
	every  int64

	mu    sync.Mutex
	stats map[guardKey]*GuardStat
	total int64
}

// NewGuardStats creates a collector that logs a report every `every`
// evaluations; every <= 0 disables periodic reports.
func NewGuardStats(logger *zap.Logger, every int) *GuardStats {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardStats{
		logger: logger,
		every:  int64(every),
		stats:  make(map[guardKey]*GuardStat),
	}
}

// Record adds one evaluation of the guard on from -> to.
func (g *GuardStats) Record(from, to string, result bool) {
	g.mu.Lock()
	k := guardKey{from, to}
	s, ok := g.stats[k]
	if !ok {
		s = &GuardStat{From: from, To: to}
		g.stats[k] = s
	}
	s.Evaluations++
	if result {
		s.True++
	}
	g.total++
	report := g.every > 0 && g.total%g.every == 0
	g.mu.Unlock()

	if report {
		g.Log()
	}
}

// Total returns the number of recorded evaluations.
func (g *GuardStats) Total() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Snapshot returns the per-transition records ordered by from, then to.
func (g *GuardStats) Snapshot() []GuardStat {
	g.mu.Lock()
	out := make([]GuardStat, 0, len(g.stats))
	for _, s := range g.stats {
		out = append(out, *s)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Log writes one info entry per guarded transition.
func (g *GuardStats) Log() {
	for _, s := range g.Snapshot() {
		g.logger.Info("guard statistics",
			zap.String("from", s.From),
			zap.String("to", s.To),
			zap.Int64("evaluations", s.Evaluations),
			zap.Float64("true_ratio", s.Ratio()))
	}
}
