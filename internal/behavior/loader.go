package behavior

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/erp/tools/markovgen/internal/thinktime"
)

const (
	exitToken     = "$"
	entryMarker   = "*"
	cellSeparator = ";"
)

// Loader parses behavior model files against the state names of a graph.
//
// Thread Safety: Safe for concurrent use.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a loader that reports non-fatal findings (duplicate rows,
// several entry rows) to logger. A nil logger discards them.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// Load reads the behavior model at path. names maps every state name of the
// graph to its id. Malformed content is reported as a *ParseError.
func (l *Loader) Load(path string, names map[string]int) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("behavior: open model: %w", err)
	}
	defer f.Close()

	return l.Parse(f, path, names)
}

// Parse reads a behavior model from r. file names the model in errors and logs.
func (l *Loader) Parse(r io.Reader, file string, names map[string]int) (*Model, error) {
	p := &matrixParser{
		file:   file,
		names:  names,
		logger: l.logger.With(zap.String("file", file)),
		dist:   make(map[int]map[int]float64),
		tts:    make(map[int]map[int]thinktime.ThinkTime),
		rows:   make(map[int]int),
	}

	sc := bufio.NewScanner(r)
	sawHeader := false
	line := 0
	for sc.Scan() {
		line++
		// Every comma separates cells, including commas inside quotes.
		tokens := tokenize(strings.Split(sc.Text(), ","))
		if len(tokens) == 0 {
			continue
		}
		if !sawHeader {
			if err := p.header(line, tokens); err != nil {
				return nil, err
			}
			sawHeader = true
			continue
		}
		if err := p.row(line, tokens); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, file, err)
	}

	if !sawHeader {
		return nil, p.fail(0, ErrHeaderCountMismatch, "missing header line")
	}
	return p.finish()
}

// Load parses a behavior model with a loader that discards warnings.
func Load(path string, names map[string]int) (*Model, error) {
	return NewLoader(nil).Load(path, names)
}

type matrixParser struct {
	file   string
	names  map[string]int
	logger *zap.Logger

	columns []int

	dist map[int]map[int]float64
	tts  map[int]map[int]thinktime.ThinkTime
	// rows maps a source id to the line of its last row.
	rows map[int]int

	entry     int
	entryLine int
}

func (p *matrixParser) fail(line int, kind error, format string, args ...any) error {
	return &ParseError{File: p.file, Line: line, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (p *matrixParser) header(line int, tokens []string) error {
	seen := make(map[int]bool, len(tokens))
	p.columns = make([]int, 0, len(tokens))

	for _, tok := range tokens {
		id := ExitID
		if tok != exitToken {
			var ok bool
			if id, ok = p.names[tok]; !ok {
				return p.fail(line, ErrUnknownState, "header column %q", tok)
			}
		}
		if seen[id] {
			return p.fail(line, ErrHeaderCountMismatch, "duplicate column %q", tok)
		}
		seen[id] = true
		p.columns = append(p.columns, id)
	}

	if want := len(p.names) + 1; len(p.columns) != want {
		return p.fail(line, ErrHeaderCountMismatch,
			"got %d columns, want %d (every state plus %q)", len(p.columns), want, exitToken)
	}
	return nil
}

func (p *matrixParser) row(line int, tokens []string) error {
	if want := len(p.columns) + 1; len(tokens) != want {
		return p.fail(line, ErrRowCountMismatch, "got %d cells, want %d", len(tokens), want)
	}

	name := tokens[0]
	isEntry := strings.HasSuffix(name, entryMarker)
	if isEntry {
		name = strings.TrimSpace(strings.TrimSuffix(name, entryMarker))
	}
	source, ok := p.names[name]
	if !ok {
		return p.fail(line, ErrUnknownState, "row %q", name)
	}

	dist := make(map[int]float64, len(p.columns))
	var tts map[int]thinktime.ThinkTime
	for i, cell := range tokens[1:] {
		dst := p.columns[i]
		probText, ttText, _ := strings.Cut(cell, cellSeparator)

		prob, err := parseProbability(clean(probText))
		if err != nil {
			return p.fail(line, ErrInvalidProbability, "row %q column %d: %v", name, i+1, err)
		}
		dist[dst] = prob

		if ttText = clean(ttText); ttText != "" {
			tt, err := thinktime.Parse(ttText)
			if err != nil {
				return p.fail(line, ErrInvalidThinkTime, "row %q column %d: %v", name, i+1, err)
			}
			if tts == nil {
				tts = make(map[int]thinktime.ThinkTime)
			}
			tts[dst] = tt
		}
	}

	if prev, dup := p.rows[source]; dup {
		p.logger.Warn("duplicate row for state, last one wins",
			zap.String("state", name), zap.Int("row", line), zap.Int("previous_row", prev))
	}
	p.rows[source] = line
	p.dist[source] = dist
	if tts != nil {
		p.tts[source] = tts
	} else {
		delete(p.tts, source)
	}

	if isEntry {
		if p.entryLine > 0 {
			p.logger.Warn("multiple entry states, last one wins",
				zap.String("state", name), zap.Int("row", line), zap.Int("previous_row", p.entryLine))
		}
		p.entry = source
		p.entryLine = line
	}
	return nil
}

func (p *matrixParser) finish() (*Model, error) {
	if err := p.checkThinkTimes(); err != nil {
		return nil, err
	}
	if p.entryLine == 0 {
		return nil, p.fail(0, ErrNoEntryState, "no row is marked with %q", entryMarker)
	}
	return &Model{
		Name:          p.file,
		EntryState:    p.entry,
		distributions: p.dist,
		thinkTimes:    p.tts,
	}, nil
}

// checkThinkTimes enforces that either every non-exit cell has a think time
// or none has.
func (p *matrixParser) checkThinkTimes() error {
	sources := make([]int, 0, len(p.dist))
	for id := range p.dist {
		sources = append(sources, id)
	}
	sort.Ints(sources)

	var with, without int
	missing := -1
	missingSource := 0
	for _, src := range sources {
		for _, dst := range p.columns {
			if dst == ExitID {
				continue
			}
			if _, ok := p.tts[src][dst]; ok {
				with++
				continue
			}
			without++
			if missing < 0 {
				missing, missingSource = dst, src
			}
		}
	}

	if with > 0 && without > 0 {
		return p.fail(p.rows[missingSource], ErrInconsistentThinkTimeUsage,
			"%d cells define a think time and %d do not (first missing: %s -> %s)",
			with, without, p.stateName(missingSource), p.stateName(missing))
	}
	return nil
}

func (p *matrixParser) stateName(id int) string {
	for name, v := range p.names {
		if v == id {
			return name
		}
	}
	return strconv.Itoa(id)
}

func parseProbability(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("must be a finite non-negative number: %q", s)
	}
	return v, nil
}

// tokenize cleans every cell of a line and drops the empty ones.
func tokenize(record []string) []string {
	tokens := make([]string, 0, len(record))
	for _, field := range record {
		if tok := clean(field); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func clean(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
}
