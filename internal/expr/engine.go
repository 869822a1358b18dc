// Package expr evaluates transition guards and actions with expr-lang.
//
// Each session owns an Engine holding that session's variables. Guards are
// boolean expressions over the variables; actions are statements separated
// by ';', each either an assignment `name = expression` or a bare expression:
//
//	items = randomString("book,pen,lamp", ","); count = count + 1
package expr

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"

	"github.com/brianvoe/gofakeit/v7"
	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/example/erp/tools/markovgen/internal/rng"
)

// Errors returned by the expr package.
var (
	// ErrCompile is returned for an expression that does not compile.
	ErrCompile = errors.New("expr: compile error")
	// ErrRun is returned when a compiled expression fails at runtime.
	ErrRun = errors.New("expr: runtime error")
	// ErrNotBoolean is returned when a guard yields a non-boolean value.
	ErrNotBoolean = errors.New("expr: guard is not boolean")
	// ErrReadOnly is returned when an action assigns to a built-in function.
	ErrReadOnly = errors.New("expr: cannot assign to built-in")
)

var assignment = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)

// programs caches compiled programs process-wide, keyed by kind and source.
var programs sync.Map

type programKey struct {
	guard bool
	code  string
}

// Options configures an Engine.
type Options struct {
	// Vars are the initial session variables. They are copied.
	Vars map[string]any
	// Rand drives randomString and randInt.
	Rand rng.Source
	// Seed seeds the fake data generator; 0 picks a random seed.
	Seed uint64
}

// Engine is the expression evaluator of one session.
//
// Thread Safety: Not safe for concurrent use.
type Engine struct {
	rand  rng.Source
	faker *gofakeit.Faker
	env   map[string]any
}

// New creates an engine.
func New(opts Options) *Engine {
	src := opts.Rand
	if src == nil {
		src = rng.New(opts.Seed)
	}
	e := &Engine{
		rand:  src,
		faker: gofakeit.New(opts.Seed),
		env:   make(map[string]any, len(opts.Vars)+len(builtinNames)),
	}
	maps.Copy(e.env, opts.Vars)
	e.installBuiltins()
	return e
}

// EvaluateBoolean evaluates a guard. An empty guard is true.
func (e *Engine) EvaluateBoolean(code string) (bool, error) {
	if strings.TrimSpace(code) == "" {
		return true, nil
	}
	out, err := e.run(code, true)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q yields %T", ErrNotBoolean, code, out)
	}
	return b, nil
}

// ExecuteStatement runs every ';'-separated part of stmt in order and stops at
// the first failure.
func (e *Engine) ExecuteStatement(stmt string) error {
	for _, part := range splitStatements(stmt) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if m := assignment.FindStringSubmatch(part); m != nil {
			name := m[1]
			if _, builtin := builtinNames[name]; builtin {
				return fmt.Errorf("%w: %s", ErrReadOnly, name)
			}
			value, err := e.run(m[2], false)
			if err != nil {
				return err
			}
			e.env[name] = value
			continue
		}
		if _, err := e.run(part, false); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates an expression and returns its value.
func (e *Engine) Eval(code string) (any, error) {
	return e.run(code, false)
}

// Get returns a session variable.
func (e *Engine) Get(name string) (any, bool) {
	if _, builtin := builtinNames[name]; builtin {
		return nil, false
	}
	v, ok := e.env[name]
	return v, ok
}

// Set assigns a session variable.
func (e *Engine) Set(name string, value any) error {
	if _, builtin := builtinNames[name]; builtin {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	e.env[name] = value
	return nil
}

// Vars returns a copy of the session variables.
func (e *Engine) Vars() map[string]any {
	out := make(map[string]any, len(e.env))
	for k, v := range e.env {
		if _, builtin := builtinNames[k]; !builtin {
			out[k] = v
		}
	}
	return out
}

func (e *Engine) run(code string, guard bool) (any, error) {
	program, err := compile(code, guard)
	if err != nil {
		return nil, err
	}
	out, err := exprlang.Run(program, e.env)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrRun, strings.TrimSpace(code), err)
	}
	return out, nil
}

func compile(code string, guard bool) (*vm.Program, error) {
	key := programKey{guard: guard, code: strings.TrimSpace(code)}
	if p, ok := programs.Load(key); ok {
		return p.(*vm.Program), nil
	}

	opts := []exprlang.Option{exprlang.Env(builtinEnv), exprlang.AllowUndefinedVariables()}
	if guard {
		opts = append(opts, exprlang.AsBool())
	}
	program, err := exprlang.Compile(key.code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCompile, key.code, err)
	}
	actual, _ := programs.LoadOrStore(key, program)
	return actual.(*vm.Program), nil
}

// splitStatements splits on ';' outside of quoted strings.
func splitStatements(s string) []string {
	var (
		parts []string
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == ';':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
