// Package thinktime provides the delay generators a behavior model attaches
// to its transitions, and the parser for their textual form.
package thinktime

import (
	"fmt"
	"math"
	"time"

	"github.com/example/erp/tools/markovgen/internal/rng"
)

// Function descriptors understood by Parse.
const (
	DescriptorNormal  = "norm"
	DescriptorUniform = "rand"
)

// ThinkTime produces the pause a virtual user takes before entering the next state.
//
// Thread Safety: Implementations are immutable; the random source passed to
// Millis decides whether a call is safe to make concurrently.
type ThinkTime interface {
	// Descriptor returns the function name used in behavior files (e.g. "norm").
	Descriptor() string

	// Millis draws a delay in whole milliseconds. The result is never negative.
	Millis(src rng.Source) int64

	// String returns a human-readable form of the distribution.
	String() string
}

// Delay draws from t and converts the result to a time.Duration.
func Delay(t ThinkTime, src rng.Source) time.Duration {
	return time.Duration(t.Millis(src)) * time.Millisecond
}

// Normal is a normally distributed think time.
type Normal struct {
	Mean      float64
	Deviation float64
	// Factor scales the deviation. Zero is treated as 1.
	Factor float64
}

// NewNormal creates a normal think time with a deviation factor of 1.
func NewNormal(mean, deviation float64) Normal {
	return Normal{Mean: mean, Deviation: deviation, Factor: 1}
}

// Descriptor implements ThinkTime.
func (n Normal) Descriptor() string { return DescriptorNormal }

// Millis implements ThinkTime.
func (n Normal) Millis(src rng.Source) int64 {
	factor := n.Factor
	if factor == 0 {
		factor = 1
	}
	value := n.Mean
	if n.Deviation != 0 {
		value += src.NormFloat64() * n.Deviation * factor
	}
	return clampMillis(value)
}

func (n Normal) String() string {
	return fmt.Sprintf("%s(mean: %g, deviation: %g)", DescriptorNormal, n.Mean, n.Deviation)
}

// Uniform is a think time drawn uniformly from [0, 2*Mean].
type Uniform struct {
	Mean float64
}

// NewUniform creates a uniform think time.
func NewUniform(mean float64) Uniform {
	return Uniform{Mean: mean}
}

// Descriptor implements ThinkTime.
func (u Uniform) Descriptor() string { return DescriptorUniform }

// Millis implements ThinkTime.
func (u Uniform) Millis(src rng.Source) int64 {
	return clampMillis(src.Float64() * 2 * u.Mean)
}

func (u Uniform) String() string {
	return fmt.Sprintf("%s(mean: %g)", DescriptorUniform, u.Mean)
}

func clampMillis(value float64) int64 {
	if value < 0 || math.IsNaN(value) {
		return 0
	}
	if value >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Round(value))
}
