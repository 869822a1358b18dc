// Package rng provides the injectable random source shared by the
// selection, transition and think-time code.
package rng

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// Source is the subset of *rand.Rand used by the workload engine.
// Implementations returned by New are not safe for concurrent use; give each
// session its own Source or wrap one with NewLocked.
type Source interface {
	// Float64 returns a pseudo-random number in [0.0, 1.0).
	Float64() float64
	// NormFloat64 returns a standard normally distributed value.
	NormFloat64() float64
	// IntN returns a pseudo-random number in [0, n).
	IntN(n int) int
}

// New returns a deterministic source for the given seed.
// A zero seed draws a seed from the wall clock.
func New(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Derive returns a child source for the n-th consumer of a base seed, so that
// every worker gets a distinct but reproducible stream.
func Derive(seed uint64, n int) *rand.Rand {
	if seed == 0 {
		return New(0)
	}
	return New(seed + uint64(n)*0x2545f4914f6cdd1d)
}

// Locked wraps a Source with a mutex.
//
// Thread Safety: Safe for concurrent use.
type Locked struct {
	mu  sync.Mutex
	src Source
}

// NewLocked wraps src for concurrent use.
func NewLocked(src Source) *Locked {
	return &Locked{src: src}
}

// Float64 implements Source.
func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// NormFloat64 implements Source.
func (l *Locked) NormFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.NormFloat64()
}

// IntN implements Source.
func (l *Locked) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

// Pick draws an index from a table of cumulative weights: with total the last
// element, it draws r uniformly from [0, total) and returns the first index
// whose cumulative weight is strictly greater than r, so zero-weight entries
// are never chosen. It returns -1 when the table is empty or the total is not
// positive.
func Pick(src Source, cumulative []float64) int {
	n := len(cumulative)
	if n == 0 || !(cumulative[n-1] > 0) {
		return -1
	}
	total := cumulative[n-1]
	r := src.Float64() * total
	i := sort.Search(n, func(i int) bool { return r < cumulative[i] })
	if i == n {
		// r rounded up to total; fall back to the last entry with weight.
		i = n - 1
		for i > 0 && cumulative[i-1] == total {
			i--
		}
	}
	return i
}
