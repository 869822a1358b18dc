package thinktime

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalid is returned when a think time specification cannot be parsed.
var ErrInvalid = errors.New("thinktime: invalid specification")

// variant describes one parseable think time function.
type variant struct {
	params int
	build  func(params []float64) (ThinkTime, error)
}

var variants = map[string]variant{
	DescriptorNormal: {
		params: 2,
		build: func(p []float64) (ThinkTime, error) {
			if p[0] < 0 || p[1] < 0 {
				return nil, fmt.Errorf("%w: mean and deviation must be non-negative", ErrInvalid)
			}
			return NewNormal(p[0], p[1]), nil
		},
	},
	DescriptorUniform: {
		params: 1,
		build: func(p []float64) (ThinkTime, error) {
			if p[0] < 0 {
				return nil, fmt.Errorf("%w: mean must be non-negative", ErrInvalid)
			}
			return NewUniform(p[0]), nil
		},
	},
}

// Parse reads a specification of the form `name(param param ...)`, e.g.
// "norm(86 40.5)" or "rand(500)". Surrounding whitespace is ignored and the
// name is matched case-insensitively.
func Parse(text string) (ThinkTime, error) {
	s := strings.TrimSpace(text)

	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("%w: %q: expected name(params)", ErrInvalid, text)
	}

	name := strings.ToLower(strings.TrimSpace(s[:open]))
	v, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q: unknown function %q", ErrInvalid, text, name)
	}

	fields := strings.Fields(s[open+1 : len(s)-1])
	if len(fields) != v.params {
		return nil, fmt.Errorf("%w: %q: %s expects %d parameters, got %d",
			ErrInvalid, text, name, v.params, len(fields))
	}

	params := make([]float64, len(fields))
	for i, f := range fields {
		n, err := parseNumber(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: parameter %d: %v", ErrInvalid, text, i+1, err)
		}
		params[i] = n
	}

	return v.build(params)
}

// parseNumber accepts decimal numbers with an optional f/d type suffix.
func parseNumber(s string) (float64, error) {
	trimmed := strings.TrimRight(s, "fFdD")
	if trimmed == "" || len(s)-len(trimmed) > 1 {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return n, nil
}
