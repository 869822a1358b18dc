package behavior

import (
	"errors"
	"fmt"
)

// Errors returned by the behavior package.
var (
	// ErrParse matches every *ParseError.
	ErrParse = errors.New("behavior: parse error")

	// ErrUnknownState is reported for a state name missing from the graph.
	ErrUnknownState = errors.New("behavior: unknown state")
	// ErrHeaderCountMismatch is reported when the header does not list every
	// state plus the exit column exactly once.
	ErrHeaderCountMismatch = errors.New("behavior: header column count mismatch")
	// ErrRowCountMismatch is reported when a row has the wrong number of cells.
	ErrRowCountMismatch = errors.New("behavior: row column count mismatch")
	// ErrInvalidProbability is reported for a cell that is not a finite,
	// non-negative number.
	ErrInvalidProbability = errors.New("behavior: invalid probability")
	// ErrInvalidThinkTime is reported for an unparseable think time.
	ErrInvalidThinkTime = errors.New("behavior: invalid think time")
	// ErrInconsistentThinkTimeUsage is reported when some transitions carry a
	// think time and others do not.
	ErrInconsistentThinkTimeUsage = errors.New("behavior: inconsistent think time usage")
	// ErrNoEntryState is reported when no row is marked with '*'.
	ErrNoEntryState = errors.New("behavior: no entry state")

	// ErrInconsistentMixThinkTimeUsage is returned by Mix.Initialize when some
	// but not all models use think times.
	ErrInconsistentMixThinkTimeUsage = errors.New("behavior: inconsistent think time usage across behavior mix")
	// ErrNoBehaviorAvailable is returned by Mix.Select when the mix is empty
	// or its total frequency is zero.
	ErrNoBehaviorAvailable = errors.New("behavior: no behavior available")
	// ErrInvalidEntry is returned when a mix entry is malformed.
	ErrInvalidEntry = errors.New("behavior: invalid mix entry")
)

// ParseError describes why a behavior file was rejected.
type ParseError struct {
	// File is the path or name of the behavior model.
	File string
	// Line is the 1-based line number, or 0 when the error concerns the whole file.
	Line int
	// Kind is one of the kind sentinels, e.g. ErrUnknownState.
	Kind error
	// Msg adds detail.
	Msg string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v: %s", e.File, e.Line, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.File, e.Kind, e.Msg)
}

// Unwrap makes a ParseError match both ErrParse and its Kind.
func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Kind}
}
