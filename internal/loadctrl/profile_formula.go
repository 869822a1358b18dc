package loadctrl

import (
	"fmt"
	"math"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// formulaEnv is the environment a capacity formula is evaluated in.
type formulaEnv struct {
	ElapsedMinutes float64 `expr:"elapsedMinutes"`
	ElapsedSeconds float64 `expr:"elapsedSeconds"`
}

// Formula is a profile computed by an expression, for example
//
//	10 + 5 * floor(elapsedMinutes)
//
// Built-ins of the expression language such as min, max, abs and floor are
// available. An evaluation error yields 0 (unlimited).
type Formula struct {
	source   string
	program  *vm.Program
	min, max float64
}

// NewFormula compiles source. Positive lo and hi clamp the result.
func NewFormula(source string, lo, hi float64) (*Formula, error) {
	program, err := expr.Compile(source, expr.Env(formulaEnv{}), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("%w: formula %q: %v", ErrInvalidProfile, source, err)
	}
	return &Formula{source: source, program: program, min: lo, max: hi}, nil
}

// Capacity evaluates the formula.
func (f *Formula) Capacity(elapsed time.Duration) int {
	v, err := f.Eval(elapsed)
	if err != nil {
		return 0
	}
	return toCapacity(v, f.min, f.max)
}

// Eval returns the raw value of the formula.
func (f *Formula) Eval(elapsed time.Duration) (float64, error) {
	out, err := expr.Run(f.program, formulaEnv{
		ElapsedMinutes: elapsed.Minutes(),
		ElapsedSeconds: elapsed.Seconds(),
	})
	if err != nil {
		return math.NaN(), fmt.Errorf("loadctrl: formula %q: %w", f.source, err)
	}
	v, ok := out.(float64)
	if !ok {
		return math.NaN(), fmt.Errorf("loadctrl: formula %q yields %T", f.source, out)
	}
	return v, nil
}

// Phase reports the formula and its current value.
func (f *Formula) Phase(elapsed time.Duration) string {
	return fmt.Sprintf("%s = %d", f.source, f.Capacity(elapsed))
}

// Name returns "formula".
func (f *Formula) Name() string { return TypeFormula }

// Source returns the expression text.
func (f *Formula) Source() string { return f.source }
