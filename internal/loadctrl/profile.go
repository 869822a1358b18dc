// Package loadctrl computes the time-varying admission capacity handed to the
// session arrival gate and bounds the rate at which new sessions start.
package loadctrl

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Profile types.
const (
	TypeConstant = "constant"
	TypeStep     = "step"
	TypeSine     = "sine"
	TypeSpike    = "spike"
	TypeCustom   = "custom"
	TypeFormula  = "formula"
)

// ErrInvalidProfile is returned for a profile configuration that cannot be built.
var ErrInvalidProfile = errors.New("loadctrl: invalid capacity profile")

// CapacityProfile yields the number of sessions allowed to be active at a
// point of the run. A value <= 0 means unlimited.
//
// Thread Safety: Implementations are safe for concurrent use (read-only after creation).
type CapacityProfile interface {
	// Capacity returns the admission capacity for the time elapsed since
	// the run started.
	Capacity(elapsed time.Duration) int

	// Phase describes where in the profile elapsed falls.
	Phase(elapsed time.Duration) string

	// Name returns the profile type.
	Name() string
}

// ProfileConfig is the configuration of every profile type. Each type reads
// only the fields it needs.
type ProfileConfig struct {
	// Type is one of constant, step, sine, spike, custom, formula.
	Type string `yaml:"type" json:"type"`

	// Base is the constant capacity, the sine midline, the capacity
	// outside spikes, or the level a first step ramps from.
	Base float64 `yaml:"base,omitempty" json:"base,omitempty"`

	// Min and Max clamp the result when positive.
	Min float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Amplitude of the sine wave. Values in (0, 1] are relative to Base.
	Amplitude float64 `yaml:"amplitude,omitempty" json:"amplitude,omitempty"`

	// Period of the sine wave.
	Period time.Duration `yaml:"period,omitempty" json:"period,omitempty"`

	Spike *SpikeConfig `yaml:"spike,omitempty" json:"spike,omitempty"`

	Step *StepConfig `yaml:"step,omitempty" json:"step,omitempty"`

	// Points are interpolated linearly by the custom profile.
	Points []CustomPoint `yaml:"points,omitempty" json:"points,omitempty"`

	// Formula is an expression over elapsedMinutes and elapsedSeconds.
	Formula string `yaml:"formula,omitempty" json:"formula,omitempty"`
}

// SpikeConfig configures periodic bursts of capacity.
type SpikeConfig struct {
	Capacity float64       `yaml:"capacity" json:"capacity"`
	Duration time.Duration `yaml:"duration" json:"duration"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// StepConfig configures a staircase of capacity levels.
type StepConfig struct {
	Steps []StepLevel `yaml:"steps" json:"steps"`

	// Loop repeats the steps after the last one ends.
	Loop bool `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// StepLevel is one stair of a step profile.
type StepLevel struct {
	Capacity float64       `yaml:"capacity" json:"capacity"`
	Duration time.Duration `yaml:"duration" json:"duration"`

	// Ramp is the time spent moving linearly from the previous level.
	Ramp time.Duration `yaml:"ramp,omitempty" json:"ramp,omitempty"`
}

// CustomPoint is a (time, capacity) point of a custom profile.
type CustomPoint struct {
	Time     time.Duration `yaml:"time" json:"time"`
	Capacity float64       `yaml:"capacity" json:"capacity"`
}

// Validate checks the configuration of the selected type.
func (c *ProfileConfig) Validate() error {
	if c.Min < 0 {
		return fmt.Errorf("%w: min cannot be negative: %v", ErrInvalidProfile, c.Min)
	}
	if c.Max > 0 && c.Min > c.Max {
		return fmt.Errorf("%w: min (%v) cannot exceed max (%v)", ErrInvalidProfile, c.Min, c.Max)
	}

	switch c.Type {
	case TypeConstant:
	case TypeSine:
		if c.Period <= 0 {
			return fmt.Errorf("%w: sine requires a positive period, got %v", ErrInvalidProfile, c.Period)
		}
		if c.Amplitude < 0 {
			return fmt.Errorf("%w: sine amplitude cannot be negative: %v", ErrInvalidProfile, c.Amplitude)
		}

	case TypeSpike:
		s := c.Spike
		if s == nil {
			return fmt.Errorf("%w: spike requires spike configuration", ErrInvalidProfile)
		}
		if s.Duration <= 0 || s.Interval <= 0 {
			return fmt.Errorf("%w: spike duration and interval must be positive", ErrInvalidProfile)
		}
		if s.Duration >= s.Interval {
			return fmt.Errorf("%w: spike duration (%v) must be less than interval (%v)",
				ErrInvalidProfile, s.Duration, s.Interval)
		}

	case TypeStep:
		if c.Step == nil || len(c.Step.Steps) == 0 {
			return fmt.Errorf("%w: step requires at least one step", ErrInvalidProfile)
		}
		for i, step := range c.Step.Steps {
			if step.Duration <= 0 {
				return fmt.Errorf("%w: step %d: duration must be positive: %v", ErrInvalidProfile, i, step.Duration)
			}
			if step.Ramp < 0 || step.Ramp > step.Duration {
				return fmt.Errorf("%w: step %d: ramp (%v) must be within [0, %v]",
					ErrInvalidProfile, i, step.Ramp, step.Duration)
			}
		}

	case TypeCustom:
		if len(c.Points) < 2 {
			return fmt.Errorf("%w: custom requires at least 2 points, got %d", ErrInvalidProfile, len(c.Points))
		}
		for i := 1; i < len(c.Points); i++ {
			if c.Points[i].Time <= c.Points[i-1].Time {
				return fmt.Errorf("%w: custom points must be in chronological order: point %d (%v) <= point %d (%v)",
					ErrInvalidProfile, i, c.Points[i].Time, i-1, c.Points[i-1].Time)
			}
		}

	case TypeFormula:
		if c.Formula == "" {
			return fmt.Errorf("%w: formula is empty", ErrInvalidProfile)
		}

	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidProfile)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProfile, c.Type)
	}
	return nil
}

// NewProfile builds the profile described by config.
func NewProfile(config ProfileConfig) (CapacityProfile, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case TypeConstant:
		return Constant(config.Base), nil
	case TypeSine:
		return &sineProfile{config: config}, nil
	case TypeSpike:
		return &spikeProfile{config: config}, nil
	case TypeStep:
		return newStepProfile(config), nil
	case TypeCustom:
		return newCustomProfile(config), nil
	default:
		return NewFormula(config.Formula, config.Min, config.Max)
	}
}

// Constant is a profile whose capacity never changes.
type Constant float64

// Capacity returns the constant rounded to the nearest integer.
func (c Constant) Capacity(time.Duration) int { return toCapacity(float64(c), 0, 0) }

// Phase describes the constant.
func (c Constant) Phase(time.Duration) string {
	if n := c.Capacity(0); n > 0 {
		return fmt.Sprintf("constant at %d", n)
	}
	return "unlimited"
}

// Name returns "constant".
func (Constant) Name() string { return TypeConstant }

// toCapacity clamps v to the positive bounds and rounds it to the nearest
// integer. NaN maps to 0 (unlimited).
func toCapacity(v, lo, hi float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if lo > 0 && v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	v = math.Round(v)
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= 0 {
		return 0
	}
	return int(v)
}
