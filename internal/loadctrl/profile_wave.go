package loadctrl

import (
	"fmt"
	"math"
	"time"
)

// sineProfile oscillates around Base:
//
//	capacity = Base + Amplitude * sin(2π * elapsed / Period)
type sineProfile struct {
	config ProfileConfig
}

func (s *sineProfile) Capacity(elapsed time.Duration) int {
	phase := 2 * math.Pi * float64(elapsed) / float64(s.config.Period)
	v := s.config.Base + s.amplitude()*math.Sin(phase)
	return toCapacity(max(v, 0), s.config.Min, s.config.Max)
}

func (s *sineProfile) Phase(elapsed time.Duration) string {
	period := int(elapsed / s.config.Period)
	pos := float64(elapsed%s.config.Period) / float64(s.config.Period)

	var name string
	switch {
	case pos < 0.25:
		name = "rising to peak"
	case pos < 0.5:
		name = "falling from peak"
	case pos < 0.75:
		name = "falling to trough"
	default:
		name = "rising from trough"
	}
	return fmt.Sprintf("period %d: %s (%.1f%% through period)", period+1, name, pos*100)
}

func (s *sineProfile) Name() string { return TypeSine }

// amplitude treats values in (0, 1] as a fraction of Base.
func (s *sineProfile) amplitude() float64 {
	a := s.config.Amplitude
	if a > 0 && a <= 1 {
		a *= s.config.Base
	}
	return a
}

// spikeProfile raises capacity to Spike.Capacity for Spike.Duration at the
// start of every Spike.Interval and holds Base otherwise.
type spikeProfile struct {
	config ProfileConfig
}

func (s *spikeProfile) Capacity(elapsed time.Duration) int {
	if s.inSpike(elapsed) {
		return toCapacity(s.config.Spike.Capacity, s.config.Min, s.config.Max)
	}
	return toCapacity(s.config.Base, s.config.Min, s.config.Max)
}

func (s *spikeProfile) Phase(elapsed time.Duration) string {
	spike := s.config.Spike
	n := int(elapsed/spike.Interval) + 1
	pos := elapsed % spike.Interval
	if pos < spike.Duration {
		return fmt.Sprintf("spike %d: active (%.1f%% through spike)", n, float64(pos)/float64(spike.Duration)*100)
	}
	return fmt.Sprintf("spike %d: normal (%.1fs until next spike)", n, (spike.Interval - pos).Seconds())
}

func (s *spikeProfile) Name() string { return TypeSpike }

func (s *spikeProfile) inSpike(elapsed time.Duration) bool {
	return elapsed%s.config.Spike.Interval < s.config.Spike.Duration
}
