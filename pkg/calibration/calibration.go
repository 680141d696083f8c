// Package calibration holds the per-channel gain/offset corrections of the
// board and the stores they persist in.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrCalibKeyMissing is returned when no parameters exist for a channel.
	ErrCalibKeyMissing = errors.New("calibration key missing")
	// ErrInvalidDifferentialPair is returned when calibration is requested
	// for a pair the board does not route.
	ErrInvalidDifferentialPair = errors.New("invalid differential pair")
)

// Param is a linear correction: corrected = raw*Gain + Offset.
type Param struct {
	Gain   float64 `yaml:"gain" json:"gain"`
	Offset float64 `yaml:"offset" json:"offset"`
}

// Identity leaves values unchanged.
var Identity = Param{Gain: 1}

// Module names the converter a channel belongs to.
type Module string

const (
	ADC Module = "adc"
	DAC Module = "dac"
	TC  Module = "tc"
)

// Key addresses one channel's parameters.
type Key struct {
	Module  Module
	Channel string
}

func (k Key) String() string {
	return string(k.Module) + "/" + k.Channel
}

// Channel names as printed on the board.
var (
	ADCChannels = []string{"AIN0", "AIN1", "AIN2", "AIN3", "AIN4", "AIN5", "AIN6", "AIN7"}
	ADCPairs    = []string{"DIFF_1", "DIFF_2", "DIFF_3", "DIFF_4"}
	DACChannels = []string{"AOUT0", "AOUT1", "AOUT2", "AOUT3", "AOUT4", "AOUT5", "AOUT6", "AOUT7"}
	TCChannels  = []string{"TC"}
)

// Channels returns the calibratable channel names of m.
func Channels(m Module) []string {
	switch m {
	case ADC:
		out := append([]string{}, ADCChannels...)
		return append(out, ADCPairs...)
	case DAC:
		return DACChannels
	case TC:
		return TCChannels
	default:
		return nil
	}
}

// Defaults returns identity parameters for every board channel.
func Defaults() map[Key]Param {
	out := make(map[Key]Param)
	for _, m := range []Module{ADC, DAC, TC} {
		for _, ch := range Channels(m) {
			out[Key{m, ch}] = Identity
		}
	}
	return out
}

// Store persists calibration parameters.
type Store interface {
	Get(ctx context.Context, m Module, channel string) (Param, error)
	Set(ctx context.Context, m Module, channel string, p Param) error
}

// Table is the in-memory snapshot a controller works from. It is loaded once
// and only changes through Replace.
type Table struct {
	mu     sync.RWMutex
	params map[Key]Param
}

// NewTable builds a Table from params.
func NewTable(params map[Key]Param) *Table {
	t := &Table{params: make(map[Key]Param, len(params))}
	for k, p := range params {
		t.params[k] = p
	}
	return t
}

// Load reads every channel of the given modules from s. Channels the store
// has no entry for are left out of the table, so looking them up fails later.
func Load(ctx context.Context, s Store, modules ...Module) (*Table, error) {
	t := NewTable(nil)
	for _, m := range modules {
		for _, ch := range Channels(m) {
			p, err := s.Get(ctx, m, ch)
			switch {
			case errors.Is(err, ErrCalibKeyMissing):
				continue
			case err != nil:
				return nil, fmt.Errorf("loading %s/%s: %w", m, ch, err)
			}
			t.params[Key{m, ch}] = p
		}
	}
	return t, nil
}

// Lookup returns the parameters for channel.
func (t *Table) Lookup(m Module, channel string) (Param, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.params[Key{m, channel}]
	if !ok {
		return Param{}, fmt.Errorf("%w: %s/%s", ErrCalibKeyMissing, m, channel)
	}
	return p, nil
}

// Pair returns the parameters of a differential pair. Pairs are calibrated
// on their own, never from their single-ended inputs.
func (t *Table) Pair(pair string) (Param, error) {
	for _, p := range ADCPairs {
		if p == pair {
			return t.Lookup(ADC, pair)
		}
	}
	return Param{}, fmt.Errorf("%w: %q", ErrInvalidDifferentialPair, pair)
}

// Replace swaps in new parameters for one channel.
func (t *Table) Replace(m Module, channel string, p Param) {
	t.mu.Lock()
	t.params[Key{m, channel}] = p
	t.mu.Unlock()
}

// Keys lists every key in the table, sorted.
func (t *Table) Keys() []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Key, 0, len(t.params))
	for k := range t.params {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Save writes every entry of params to s.
func Save(ctx context.Context, s Store, params map[Key]Param) error {
	keys := make([]Key, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		if err := s.Set(ctx, k.Module, k.Channel, params[k]); err != nil {
			return fmt.Errorf("saving %s: %w", k, err)
		}
	}
	return nil
}

// MemStore keeps parameters in memory.
type MemStore struct {
	mu     sync.Mutex
	params map[Key]Param
}

// NewMemStore returns a MemStore seeded with params.
func NewMemStore(params map[Key]Param) *MemStore {
	s := &MemStore{params: make(map[Key]Param, len(params))}
	for k, p := range params {
		s.params[k] = p
	}
	return s
}

func (s *MemStore) Get(_ context.Context, m Module, channel string) (Param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[Key{m, channel}]
	if !ok {
		return Param{}, fmt.Errorf("%w: %s/%s", ErrCalibKeyMissing, m, channel)
	}
	return p, nil
}

func (s *MemStore) Set(_ context.Context, m Module, channel string, p Param) error {
	s.mu.Lock()
	s.params[Key{m, channel}] = p
	s.mu.Unlock()
	return nil
}
