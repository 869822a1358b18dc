package loadctrl

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// customProfile interpolates linearly between user points. Before the first
// point it holds the first capacity, after the last point the last one.
//
//	Time: 0s,  Capacity: 10
//	Time: 30s, Capacity: 100
//	Time: 60s, Capacity: 50
type customProfile struct {
	config ProfileConfig
	points []CustomPoint
}

func newCustomProfile(config ProfileConfig) *customProfile {
	points := slices.Clone(config.Points)
	slices.SortFunc(points, func(a, b CustomPoint) int { return cmp.Compare(a.Time, b.Time) })
	return &customProfile{config: config, points: points}
}

func (p *customProfile) Capacity(elapsed time.Duration) int {
	return toCapacity(p.value(elapsed), p.config.Min, p.config.Max)
}

func (p *customProfile) value(elapsed time.Duration) float64 {
	first, last := p.points[0], p.points[len(p.points)-1]
	if elapsed <= first.Time {
		return first.Capacity
	}
	if elapsed >= last.Time {
		return last.Capacity
	}
	i := p.segment(elapsed)
	a, b := p.points[i-1], p.points[i]
	t := float64(elapsed-a.Time) / float64(b.Time-a.Time)
	return a.Capacity + t*(b.Capacity-a.Capacity)
}

// segment returns the index of the first point at or after elapsed.
func (p *customProfile) segment(elapsed time.Duration) int {
	i, _ := slices.BinarySearchFunc(p.points, elapsed, func(pt CustomPoint, t time.Duration) int {
		return cmp.Compare(pt.Time, t)
	})
	return i
}

func (p *customProfile) Phase(elapsed time.Duration) string {
	first, last := p.points[0], p.points[len(p.points)-1]
	if elapsed <= first.Time {
		return fmt.Sprintf("before curve start (%.1fs until point 1)", (first.Time - elapsed).Seconds())
	}
	if elapsed >= last.Time {
		return fmt.Sprintf("curve complete, holding at %.0f", last.Capacity)
	}

	i := p.segment(elapsed)
	a, b := p.points[i-1], p.points[i]
	direction := "ramping up"
	switch {
	case b.Capacity < a.Capacity:
		direction = "ramping down"
	case b.Capacity == a.Capacity:
		direction = "holding steady"
	}
	progress := float64(elapsed-a.Time) / float64(b.Time-a.Time) * 100
	return fmt.Sprintf("segment %d/%d: %s from %.0f to %.0f (%.1f%%)",
		i, len(p.points)-1, direction, a.Capacity, b.Capacity, progress)
}

func (p *customProfile) Name() string { return TypeCustom }
