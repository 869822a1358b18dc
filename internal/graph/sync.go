package graph

// CompleteTransitions gives every state a transition to every state,
// appending default transitions (empty guard and action) where none exists.
// It returns the number of transitions created.
func (g *Graph) CompleteTransitions() int {
	return g.SyncTransitions(nil)
}

// SyncTransitions rebuilds each state's transition list so that it holds
// exactly one transition per registered state, ordered by registration.
//
// For every (source, destination) pair the transition is taken from, in order:
// the current graph; prev, matched by state ids, which restores guard and
// action text authored before a destination was removed and added back; or a
// new default transition. Transitions to unregistered destinations are dropped.
// prev may be nil. The number of newly created default transitions is returned.
func (g *Graph) SyncTransitions(prev *Graph) int {
	created := 0
	for _, src := range g.states {
		var old *State
		if prev != nil {
			old, _ = prev.State(src.ID)
		}

		rebuilt := make([]*Transition, 0, len(g.states))
		for _, dst := range g.states {
			if t, ok := src.TransitionTo(dst.ID); ok {
				rebuilt = append(rebuilt, t)
				continue
			}
			if old != nil {
				if t, ok := old.TransitionTo(dst.ID); ok {
					restored := *t
					rebuilt = append(rebuilt, &restored)
					continue
				}
			}
			rebuilt = append(rebuilt, &Transition{Destination: dst.ID})
			created++
		}
		src.Transitions = rebuilt
	}
	return created
}
