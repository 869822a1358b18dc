// Package behavior loads the probabilistic user behavior models that drive
// sessions, and combines several of them into a weighted behavior mix.
//
// A behavior model is a matrix file: the header names the destination states
// (with "$" for exit) and each row gives, for one source state, the relative
// weight of every destination, optionally followed by a think time:
//
//	,Home,Search,$
//	Home*,0.2,0.7;norm(3000 500),0.1
//	Search,0.4,0.4;rand(2000),0.2
//
// The row marked with '*' is the entry state.
package behavior

import (
	"sort"

	"github.com/example/erp/tools/markovgen/internal/thinktime"
)

// ExitID is the destination id of the exit column.
const ExitID = 0

// Model is a parsed behavior model.
//
// Thread Safety: A Model is immutable after loading and safe for concurrent use.
type Model struct {
	// Name identifies the model in logs and errors, usually its file.
	Name string
	// EntryState is the id of the state sessions start in.
	EntryState int

	distributions map[int]map[int]float64
	thinkTimes    map[int]map[int]thinktime.ThinkTime
}

// Distribution returns the destination weights for a source state. Weights are
// returned exactly as written in the file; they are relative and need not sum
// to 1. The map must not be modified. A source with no row yields nil.
func (m *Model) Distribution(source int) map[int]float64 {
	return m.distributions[source]
}

// Probability returns the weight of source -> destination, 0 if undefined.
func (m *Model) Probability(source, destination int) float64 {
	return m.distributions[source][destination]
}

// ThinkTime returns the think time attached to source -> destination.
func (m *Model) ThinkTime(source, destination int) (thinktime.ThinkTime, bool) {
	tt, ok := m.thinkTimes[source][destination]
	return tt, ok
}

// ThinkTimes returns the think times for a source state, or nil.
// The map must not be modified.
func (m *Model) ThinkTimes(source int) map[int]thinktime.ThinkTime {
	return m.thinkTimes[source]
}

// UsesThinkTimes reports whether the model defines think times for any
// transition to a state. Think times on the exit column do not count.
func (m *Model) UsesThinkTimes() bool {
	for _, row := range m.thinkTimes {
		for destination := range row {
			if destination != ExitID {
				return true
			}
		}
	}
	return false
}

// Sources returns the ids of all source states with a row, ascending.
func (m *Model) Sources() []int {
	ids := make([]int, 0, len(m.distributions))
	for id := range m.distributions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
