package loadctrl

import (
	"fmt"
	"sort"
	"time"
)

// stepProfile walks a staircase of levels, optionally ramping linearly into
// each one. Without Loop the last level holds forever.
//
//	       ____
//	      /
//	 ____/
//	/
type stepProfile struct {
	config ProfileConfig
	total  time.Duration
	ends   []time.Duration // cumulative end time of each step
	from   []float64       // level each step ramps from
}

func newStepProfile(config ProfileConfig) *stepProfile {
	steps := config.Step.Steps
	p := &stepProfile{
		config: config,
		ends:   make([]time.Duration, len(steps)),
		from:   make([]float64, len(steps)),
	}
	for i, step := range steps {
		p.total += step.Duration
		p.ends[i] = p.total
		if i == 0 {
			p.from[i] = config.Base
		} else {
			p.from[i] = steps[i-1].Capacity
		}
	}
	return p
}

func (p *stepProfile) Capacity(elapsed time.Duration) int {
	i, pos := p.locate(elapsed)
	step := p.config.Step.Steps[i]

	v := step.Capacity
	if step.Ramp > 0 && pos < step.Ramp {
		v = p.from[i] + (step.Capacity-p.from[i])*float64(pos)/float64(step.Ramp)
	}
	return toCapacity(v, p.config.Min, p.config.Max)
}

func (p *stepProfile) Phase(elapsed time.Duration) string {
	i, pos := p.locate(elapsed)
	step := p.config.Step.Steps[i]

	cycle := 1
	if p.config.Step.Loop {
		cycle = int(elapsed/p.total) + 1
	}
	if step.Ramp > 0 && pos < step.Ramp {
		return fmt.Sprintf("cycle %d, step %d/%d: ramping (%.1f%% ramp)",
			cycle, i+1, len(p.ends), float64(pos)/float64(step.Ramp)*100)
	}
	return fmt.Sprintf("cycle %d, step %d/%d: holding at %.0f", cycle, i+1, len(p.ends), step.Capacity)
}

func (p *stepProfile) Name() string { return TypeStep }

// locate returns the step index for elapsed and the position inside it.
func (p *stepProfile) locate(elapsed time.Duration) (int, time.Duration) {
	last := len(p.ends) - 1
	switch {
	case elapsed < 0:
		elapsed = 0
	case p.config.Step.Loop:
		elapsed %= p.total
	case elapsed >= p.total:
		return last, p.config.Step.Steps[last].Duration
	}

	i := sort.Search(len(p.ends), func(i int) bool { return elapsed < p.ends[i] })
	if i > last {
		return last, p.config.Step.Steps[last].Duration
	}
	start := time.Duration(0)
	if i > 0 {
		start = p.ends[i-1]
	}
	return i, elapsed - start
}
