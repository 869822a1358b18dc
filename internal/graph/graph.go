// Package graph holds the authored navigation model of a workload: the named
// states a virtual user can be in and the transitions between them.
//
// A Graph is built once during setup and is read-only afterwards, so a single
// instance can be shared by every session without locking.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ExitID is the reserved destination id for leaving the model.
const ExitID = 0

// Errors returned by the graph package.
var (
	// ErrEmptyName is returned when a state is registered without a name.
	ErrEmptyName = errors.New("graph: state name is empty")
	// ErrDuplicateState is returned when a state name is registered twice.
	ErrDuplicateState = errors.New("graph: duplicate state")
	// ErrUnknownState is returned when a name or id does not refer to a state.
	ErrUnknownState = errors.New("graph: unknown state")
)

// Request is the unit of work bound to a state, executed by the host each
// time a session enters it.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Transition is an authored edge out of a state.
type Transition struct {
	// Destination is the id of the target state. It is never ExitID.
	Destination int
	// Guard is a boolean expression; empty means always true.
	Guard string
	// Action is a statement run when the transition is taken; empty means no-op.
	Action string
	// Disabled transitions are never candidates.
	Disabled bool
}

// State is a node of the graph.
type State struct {
	ID          int
	Name        string
	Request     *Request
	Transitions []*Transition
}

// TransitionTo returns the transition targeting dst, if any.
func (s *State) TransitionTo(dst int) (*Transition, bool) {
	for _, t := range s.Transitions {
		if t.Destination == dst {
			return t, true
		}
	}
	return nil, false
}

// Graph is an ordered set of uniquely named states.
//
// Thread Safety: Mutating methods are not safe for concurrent use. Once
// construction is finished a Graph may be read from any number of goroutines.
type Graph struct {
	states []*State
	byID   map[int]*State
	byName map[string]*State
	nextID int
}

// New creates an empty graph. State ids start at 1.
func New() *Graph {
	return &Graph{
		byID:   make(map[int]*State),
		byName: make(map[string]*State),
		nextID: ExitID + 1,
	}
}

// AddState registers a new state and assigns it the next free id.
// Ids are never reused within a graph.
func (g *Graph) AddState(name string) (*State, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if _, ok := g.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateState, name)
	}
	return g.insert(&State{ID: g.nextID, Name: name}), nil
}

// AddStateWithID registers a state under a fixed id, used when a graph is
// rebuilt from a previous version. The id must be positive and unused.
func (g *Graph) AddStateWithID(id int, name string) (*State, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if id <= ExitID {
		return nil, fmt.Errorf("graph: invalid state id %d", id)
	}
	if _, ok := g.byID[id]; ok {
		return nil, fmt.Errorf("%w: id %d", ErrDuplicateState, id)
	}
	if _, ok := g.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateState, name)
	}
	return g.insert(&State{ID: id, Name: name}), nil
}

func (g *Graph) insert(s *State) *State {
	g.states = append(g.states, s)
	g.byID[s.ID] = s
	g.byName[s.Name] = s
	if s.ID >= g.nextID {
		g.nextID = s.ID + 1
	}
	return s
}

// AddTransition appends a transition between two named states.
func (g *Graph) AddTransition(from, to string, t Transition) (*Transition, error) {
	src, ok := g.byName[from]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, from)
	}
	dst, ok := g.byName[to]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, to)
	}
	if _, exists := src.TransitionTo(dst.ID); exists {
		return nil, fmt.Errorf("graph: duplicate transition %q -> %q", from, to)
	}
	t.Destination = dst.ID
	tr := &t
	src.Transitions = append(src.Transitions, tr)
	return tr, nil
}

// State returns the state with the given id.
func (g *Graph) State(id int) (*State, bool) {
	s, ok := g.byID[id]
	return s, ok
}

// StateByName returns the state with the given name.
func (g *Graph) StateByName(name string) (*State, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// States returns the states in registration order.
func (g *Graph) States() []*State {
	out := make([]*State, len(g.states))
	copy(out, g.states)
	return out
}

// Len returns the number of states.
func (g *Graph) Len() int {
	return len(g.states)
}

// NameToID returns a fresh name to id index, as consumed by behavior loaders.
func (g *Graph) NameToID() map[string]int {
	m := make(map[string]int, len(g.states))
	for _, s := range g.states {
		m[s.Name] = s.ID
	}
	return m
}

// Name returns the name of the state with the given id, or "$" for ExitID.
func (g *Graph) Name(id int) string {
	if id == ExitID {
		return "$"
	}
	if s, ok := g.byID[id]; ok {
		return s.Name
	}
	return fmt.Sprintf("#%d", id)
}

// Validate checks that every transition targets a registered state.
func (g *Graph) Validate() error {
	var errs []error
	for _, s := range g.states {
		for _, t := range s.Transitions {
			if _, ok := g.byID[t.Destination]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s -> id %d", ErrUnknownState, s.Name, t.Destination))
			}
		}
	}
	return errors.Join(errs...)
}
