package expr

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
)

// builtinEnv declares the built-in functions for compilation. Engines bind
// their own implementations of the same signatures at run time.
var builtinEnv = map[string]any{
	"randomString":       func(list, delim string) string { return "" },
	"randomStringRemove": func(name, delim string) string { return "" },
	"randomStringAdd":    func(name, value, delim string) string { return "" },
	"randInt":            func(lo, hi int) int { return 0 },
	"fake":               func(kind string) (string, error) { return "", nil },
}

var builtinNames = func() map[string]struct{} {
	m := make(map[string]struct{}, len(builtinEnv))
	for k := range builtinEnv {
		m[k] = struct{}{}
	}
	return m
}()

func (e *Engine) installBuiltins() {
	e.env["randomString"] = e.randomString
	e.env["randomStringRemove"] = e.randomStringRemove
	e.env["randomStringAdd"] = e.randomStringAdd
	e.env["randInt"] = e.randInt
	e.env["fake"] = e.fake
}

// randomString returns a random token of a delimited list, "" for an empty list.
func (e *Engine) randomString(list, delim string) string {
	tokens := splitTokens(list, delim)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[e.rand.IntN(len(tokens))]
}

// randomStringRemove takes a random token out of the list stored in the
// variable name and returns it.
func (e *Engine) randomStringRemove(name, delim string) string {
	list, _ := e.env[name].(string)
	tokens := splitTokens(list, delim)
	if len(tokens) == 0 {
		return ""
	}
	i := e.rand.IntN(len(tokens))
	picked := tokens[i]
	rest := append(tokens[:i:i], tokens[i+1:]...)
	e.env[name] = joinTokens(rest, delim)
	return picked
}

// randomStringAdd appends value to the list stored in the variable name and
// returns the new list.
func (e *Engine) randomStringAdd(name, value, delim string) string {
	list, _ := e.env[name].(string)
	tokens := append(splitTokens(list, delim), strings.TrimSpace(value))
	joined := joinTokens(tokens, delim)
	e.env[name] = joined
	return joined
}

// randInt returns a number in [lo, hi].
func (e *Engine) randInt(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + e.rand.IntN(hi-lo+1)
}

func (e *Engine) fake(kind string) (string, error) {
	fn, ok := fakers[kind]
	if !ok {
		return "", fmt.Errorf("unknown fake kind %q", kind)
	}
	return fn(e.faker), nil
}

var fakers = map[string]func(*gofakeit.Faker) string{
	"name":      func(f *gofakeit.Faker) string { return f.Name() },
	"firstName": func(f *gofakeit.Faker) string { return f.FirstName() },
	"lastName":  func(f *gofakeit.Faker) string { return f.LastName() },
	"email":     func(f *gofakeit.Faker) string { return f.Email() },
	"phone":     func(f *gofakeit.Faker) string { return f.Phone() },
	"username":  func(f *gofakeit.Faker) string { return f.Username() },
	"city":      func(f *gofakeit.Faker) string { return f.City() },
	"street":    func(f *gofakeit.Faker) string { return f.Street() },
	"zipCode":   func(f *gofakeit.Faker) string { return f.Zip() },
	"country":   func(f *gofakeit.Faker) string { return f.Country() },
	"company":   func(f *gofakeit.Faker) string { return f.Company() },
	"product":   func(f *gofakeit.Faker) string { return f.ProductName() },
	"word":      func(f *gofakeit.Faker) string { return f.Word() },
	"sentence":  func(f *gofakeit.Faker) string { return f.Sentence(8) },
	"uuid":      func(f *gofakeit.Faker) string { return f.UUID() },
	"url":       func(f *gofakeit.Faker) string { return f.URL() },
}

func splitTokens(list, delim string) []string {
	if delim == "" {
		delim = ","
	}
	var tokens []string
	for _, t := range strings.Split(list, delim) {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func joinTokens(tokens []string, delim string) string {
	if delim == "" {
		delim = ","
	}
	return strings.Join(tokens, delim)
}
