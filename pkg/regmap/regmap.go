// Package regmap describes chip registers as typed bit-fields with a pure
// pack/unpack pair, and groups field changes into register write frames.
package regmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yunginnanet/sensorboard/pkg/devstate"
)

// ErrFieldRange is returned when a value does not fit its field width.
var ErrFieldRange = errors.New("value does not fit register field")

// Field is a run of Width bits starting at bit Shift of an 8-bit register.
type Field struct {
	Name  devstate.Field
	Shift uint
	Width uint
}

func (f Field) mask() byte {
	return byte((1<<f.Width)-1) << f.Shift
}

// Max is the largest value the field holds.
func (f Field) Max() int {
	return (1 << f.Width) - 1
}

// Pack places v into reg and returns the new register byte.
func (f Field) Pack(reg byte, v int) (byte, error) {
	if v < 0 || v > f.Max() {
		return reg, fmt.Errorf("%w: %s=%d (max %d)", ErrFieldRange, f.Name, v, f.Max())
	}
	return reg&^f.mask() | byte(v)<<f.Shift&f.mask(), nil
}

// Unpack extracts the field from reg.
func (f Field) Unpack(reg byte) int {
	return int(reg&f.mask()) >> f.Shift
}

// Register is one 8-bit register and the fields it carries. Bits not covered
// by a field keep their Default value.
type Register struct {
	Name    string
	Addr    byte
	Default byte
	Fields  []Field
}

// Pack builds the register byte from values. Fields absent from values keep
// their power-on default.
func (r Register) Pack(values devstate.Values) (byte, error) {
	b := r.Default
	for _, f := range r.Fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		var err error
		if b, err = f.Pack(b, v); err != nil {
			return r.Default, fmt.Errorf("%s: %w", r.Name, err)
		}
	}
	return b, nil
}

// Unpack decodes every field of the register byte b.
func (r Register) Unpack(b byte) devstate.Values {
	out := make(devstate.Values, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Unpack(b)
	}
	return out
}

// Map is a chip's set of configurable registers.
type Map []Register

// Defaults returns the power-on value of every field in the map.
func (m Map) Defaults() devstate.Values {
	out := make(devstate.Values)
	for _, r := range m {
		for f, v := range r.Unpack(r.Default) {
			out[f] = v
		}
	}
	return out
}

// Lookup finds the register and field descriptor for name.
func (m Map) Lookup(name devstate.Field) (Register, Field, bool) {
	for _, r := range m {
		for _, f := range r.Fields {
			if f.Name == name {
				return r, f, true
			}
		}
	}
	return Register{}, Field{}, false
}

// Touched returns, in address order, the registers that hold any of fields.
func (m Map) Touched(fields ...devstate.Field) []Register {
	want := make(map[devstate.Field]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	var out []Register
	for _, r := range m {
		for _, f := range r.Fields {
			if want[f.Name] {
				out = append(out, r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Register returns the register at addr.
func (m Map) Register(addr byte) (Register, bool) {
	for _, r := range m {
		if r.Addr == addr {
			return r, true
		}
	}
	return Register{}, false
}

// Validate checks that every field in values exists and fits its width.
func (m Map) Validate(values devstate.Values) error {
	for _, name := range values.Fields() {
		_, f, ok := m.Lookup(name)
		if !ok {
			return fmt.Errorf("unknown register field %q", name)
		}
		if v := values[name]; v < 0 || v > f.Max() {
			return fmt.Errorf("%w: %s=%d (max %d)", ErrFieldRange, name, v, f.Max())
		}
	}
	return nil
}

// Frame is a run of consecutive registers to write in one transaction.
type Frame struct {
	Addr   byte
	Values []int
}

// Frames packs every register touched by diff, overlaying diff on current,
// and merges registers with consecutive addresses into a single frame.
func (m Map) Frames(current, diff devstate.Values) ([]Frame, error) {
	touched := make(map[byte]Register)
	for name := range diff {
		r, _, ok := m.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown register field %q", name)
		}
		touched[r.Addr] = r
	}
	addrs := make([]int, 0, len(touched))
	for a := range touched {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)

	merged := current.Clone()
	for f, v := range diff {
		merged[f] = v
	}

	var frames []Frame
	for _, a := range addrs {
		b, err := touched[byte(a)].Pack(merged)
		if err != nil {
			return nil, err
		}
		if n := len(frames); n > 0 && int(frames[n-1].Addr)+len(frames[n-1].Values) == a {
			frames[n-1].Values = append(frames[n-1].Values, int(b))
			continue
		}
		frames = append(frames, Frame{Addr: byte(a), Values: []int{int(b)}})
	}
	return frames, nil
}
