package behavior

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/example/erp/tools/markovgen/internal/rng"
)

// Entry is one weighted behavior of a mix.
type Entry struct {
	// Name is unique within the mix.
	Name string
	// Frequency is the relative selection weight, >= 0.
	Frequency float64
	// File is the behavior model to load. It may be empty when Model is set.
	File string
	// Model is set once the entry is initialized.
	Model *Model
}

// Mix is an ordered, weighted collection of behavior models.
//
// Thread Safety: Add, AddModel and Initialize must not run concurrently with
// each other. Select, Entries and UsesThinkTimes are safe for concurrent use
// and see either the previous or the next initialization, never a mix of both.
type Mix struct {
	entries []*Entry
	current atomic.Pointer[mixSnapshot]
}

// mixSnapshot is one published initialization. It is never modified.
type mixSnapshot struct {
	all            []Entry
	selectable     []*Entry
	cumulative     []float64
	usesThinkTimes bool
}

// NewMix creates an empty mix.
func NewMix() *Mix {
	return &Mix{}
}

// Add appends an entry whose model is loaded by Initialize.
func (m *Mix) Add(name string, frequency float64, file string) error {
	if strings.TrimSpace(file) == "" {
		return fmt.Errorf("%w: %q has no file", ErrInvalidEntry, name)
	}
	return m.add(&Entry{Name: name, Frequency: frequency, File: file})
}

// AddModel appends an entry backed by an already loaded model.
func (m *Mix) AddModel(name string, frequency float64, model *Model) error {
	if model == nil {
		return fmt.Errorf("%w: %q has no model", ErrInvalidEntry, name)
	}
	if err := m.add(&Entry{Name: name, Frequency: frequency, Model: model}); err != nil {
		return err
	}
	m.publish(m.loadedModels())
	return nil
}

func (m *Mix) add(e *Entry) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEntry)
	}
	if e.Frequency < 0 || math.IsNaN(e.Frequency) || math.IsInf(e.Frequency, 0) {
		return fmt.Errorf("%w: %q has frequency %v", ErrInvalidEntry, e.Name, e.Frequency)
	}
	for _, existing := range m.entries {
		if existing.Name == e.Name {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidEntry, e.Name)
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns copies of the entries in insertion order, with the models
// of the current initialization.
func (m *Mix) Entries() []Entry {
	models := m.loadedModels()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
		out[i].Model = models[e.Name]
	}
	return out
}

// Len returns the number of entries.
func (m *Mix) Len() int {
	return len(m.entries)
}

// Initialize loads the model of every file-backed entry using loader and
// checks that either all models use think times or none does. Errors name
// the offending entry; the mix is left unusable on failure.
//
// Every call loads fresh models and publishes them as a whole. Entries and
// models returned by earlier Select calls keep their previous values.
func (m *Mix) Initialize(loader *Loader, names map[string]int) error {
	if loader == nil {
		loader = NewLoader(nil)
	}

	models := make(map[string]*Model, len(m.entries))
	for _, e := range m.entries {
		if e.File == "" {
			models[e.Name] = e.Model
			continue
		}
		model, err := loader.Load(e.File, names)
		if err != nil {
			m.current.Store(&mixSnapshot{})
			return fmt.Errorf("behavior mix entry %q: %w", e.Name, err)
		}
		models[e.Name] = model
	}

	var with, without []string
	for _, e := range m.entries {
		model := models[e.Name]
		if model == nil {
			continue
		}
		if model.UsesThinkTimes() {
			with = append(with, e.Name)
		} else {
			without = append(without, e.Name)
		}
	}
	if len(with) > 0 && len(without) > 0 {
		m.current.Store(&mixSnapshot{})
		return fmt.Errorf("%w: with think times %v, without %v", ErrInconsistentMixThinkTimeUsage, with, without)
	}

	m.publish(models)
	return nil
}

// loadedModels returns the models of the current initialization by entry
// name, plus those of model-backed entries.
func (m *Mix) loadedModels() map[string]*Model {
	models := make(map[string]*Model, len(m.entries))
	if snap := m.current.Load(); snap != nil {
		for _, e := range snap.all {
			models[e.Name] = e.Model
		}
	}
	for _, e := range m.entries {
		if e.File == "" {
			models[e.Name] = e.Model
		}
	}
	return models
}

func (m *Mix) publish(models map[string]*Model) {
	snap := &mixSnapshot{all: make([]Entry, len(m.entries))}
	total := 0.0
	for i, e := range m.entries {
		snap.all[i] = Entry{Name: e.Name, Frequency: e.Frequency, File: e.File, Model: models[e.Name]}
	}
	for i := range snap.all {
		e := &snap.all[i]
		if e.Model == nil {
			continue
		}
		if e.Model.UsesThinkTimes() {
			snap.usesThinkTimes = true
		}
		total += e.Frequency
		snap.selectable = append(snap.selectable, e)
		snap.cumulative = append(snap.cumulative, total)
	}
	m.current.Store(snap)
}

// UsesThinkTimes reports whether the initialized models use think times.
func (m *Mix) UsesThinkTimes() bool {
	snap := m.current.Load()
	return snap != nil && snap.usesThinkTimes
}

// Select draws an initialized entry with probability proportional to its
// frequency. Entries with frequency 0 are never chosen. The returned entry
// is never modified, even if the mix is initialized again.
func (m *Mix) Select(src rng.Source) (*Entry, error) {
	snap := m.current.Load()
	if snap == nil {
		snap = &mixSnapshot{}
	}
	i := rng.Pick(src, snap.cumulative)
	if i < 0 {
		if len(snap.selectable) == 0 {
			return nil, fmt.Errorf("%w: mix is empty", ErrNoBehaviorAvailable)
		}
		return nil, fmt.Errorf("%w: total frequency is zero", ErrNoBehaviorAvailable)
	}
	return snap.selectable[i], nil
}

// IsSetupError reports whether err is fatal to starting a workload: a
// malformed model, an inconsistent mix or an unusable mix.
func IsSetupError(err error) bool {
	return errors.Is(err, ErrParse) ||
		errors.Is(err, ErrInconsistentMixThinkTimeUsage) ||
		errors.Is(err, ErrNoBehaviorAvailable) ||
		errors.Is(err, ErrInvalidEntry)
}
