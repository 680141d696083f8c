// Package devstate mirrors the configurable register fields of a chip and
// tracks its conversion mode, so a controller only sends the writes a new
// configuration actually needs.
//
// A State is not safe for concurrent use. Its owner mutates it only while
// holding the bus lock of the device it mirrors, so that a commit stays atomic
// with the write it records.
package devstate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrIncompleteConfig is returned when conversions are started before the
	// required fields were ever written.
	ErrIncompleteConfig = errors.New("incomplete configuration")
	// ErrNotConverting is returned when stopping a device that is idle.
	ErrNotConverting = errors.New("no conversion in progress")
)

// Field is the logical name of a register field, e.g. "adc1.data_rate".
type Field string

// Values maps fields to their numeric register value.
type Values map[Field]int

// Clone returns a copy of v.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for f, val := range v {
		out[f] = val
	}
	return out
}

// Fields returns the field names of v in sorted order.
func (v Values) Fields() []Field {
	out := make([]Field, 0, len(v))
	for f := range v {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mode is the conversion state of a converter.
type Mode int

const (
	Idle Mode = iota
	Configuring
	Converting
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Converting:
		return "converting"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State is the last-written view of a chip's configuration. It reflects what
// was sent, not what the hardware holds; nothing is read back implicitly.
type State struct {
	current  Values
	asserted map[Field]bool
	required []Field

	// suspect holds fields whose hardware value is unknown since a failed
	// write.
	suspect map[Field]bool

	mode       Mode
	continuous bool
}

// New seeds a State with the chip's power-on defaults. Fields listed in
// required must be committed at least once before Start succeeds.
func New(defaults Values, required ...Field) *State {
	return &State{
		current:  defaults.Clone(),
		asserted: make(map[Field]bool),
		suspect:  make(map[Field]bool),
		required: required,
	}
}

// Get returns the current value of f.
func (s *State) Get(f Field) (int, bool) {
	v, ok := s.current[f]
	return v, ok
}

// Snapshot returns a copy of every mirrored field.
func (s *State) Snapshot() Values {
	return s.current.Clone()
}

// Diff returns the subset of requested whose values differ from the mirror.
// Fields the mirror has never seen are always included.
func (s *State) Diff(requested Values) Values {
	out := make(Values)
	for f, v := range requested {
		if cur, ok := s.current[f]; !ok || cur != v {
			out[f] = v
		}
	}
	return out
}

// Commit records applied as written. Call it only after the write carrying
// these values went out on the bus.
func (s *State) Commit(applied Values) {
	for f, v := range applied {
		s.current[f] = v
		s.asserted[f] = true
		delete(s.suspect, f)
	}
}

// Assert marks fields as explicitly configured without changing their value,
// used when a requested value already matches the mirror.
func (s *State) Assert(fields ...Field) {
	for _, f := range fields {
		if _, ok := s.current[f]; ok {
			s.asserted[f] = true
		}
	}
}

// Invalidate flags fields as unknown after a failed transfer. With no fields
// every mirrored field becomes unknown. A field stays unknown until it is
// committed again or resynced.
func (s *State) Invalidate(fields ...Field) {
	if len(fields) == 0 {
		for f := range s.current {
			s.suspect[f] = true
		}
		return
	}
	for _, f := range fields {
		s.suspect[f] = true
	}
}

// Stale reports whether any field is unknown.
func (s *State) Stale() bool {
	return len(s.suspect) > 0
}

// Suspect reports whether any of fields is unknown.
func (s *State) Suspect(fields ...Field) bool {
	for _, f := range fields {
		if s.suspect[f] {
			return true
		}
	}
	return false
}

// Resync replaces mirrored values with ones read back from the hardware and
// clears their unknown flag.
func (s *State) Resync(values Values) {
	for f, v := range values {
		s.current[f] = v
		delete(s.suspect, f)
	}
}

// Reset returns the mirror to defaults, as after a chip reset command.
func (s *State) Reset(defaults Values) {
	s.current = defaults.Clone()
	s.asserted = make(map[Field]bool)
	s.mode = Idle
	s.continuous = false
	s.suspect = make(map[Field]bool)
}

// Missing lists required fields that were never committed.
func (s *State) Missing() []Field {
	var out []Field
	for _, f := range s.required {
		if !s.asserted[f] {
			out = append(out, f)
		}
	}
	return out
}

// Mode returns the conversion state.
func (s *State) Mode() Mode { return s.mode }

// Continuous reports whether the running (or last started) conversion
// was continuous rather than a single pulse.
func (s *State) Continuous() bool { return s.continuous }

// Configure moves an idle device into Configuring. A converting device keeps
// converting; register writes restart its conversion in hardware.
func (s *State) Configure() {
	if s.mode == Idle {
		s.mode = Configuring
	}
}

// Start checks the required fields and enters Converting.
func (s *State) Start(continuous bool) error {
	if missing := s.Missing(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return fmt.Errorf("%w: never set: %s", ErrIncompleteConfig, strings.Join(names, ", "))
	}
	s.mode = Converting
	s.continuous = continuous
	return nil
}

// Complete ends a pulse conversion once its result has been read.
func (s *State) Complete() {
	if s.mode == Converting && !s.continuous {
		s.mode = Idle
	}
}

// Stop leaves Converting.
func (s *State) Stop() error {
	if s.mode != Converting {
		return ErrNotConverting
	}
	s.mode = Idle
	s.continuous = false
	return nil
}
