// Package regcodec builds and parses the byte frames used to talk to the
// register maps of the board's SPI chips. Nothing in here touches a bus; the
// caller owns the transfer.
package regcodec

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrProtocolEncoding = errors.New("protocol encoding error")

	ErrInvalidAddress  = fmt.Errorf("%w: invalid register address", ErrProtocolEncoding)
	ErrInvalidCount    = fmt.Errorf("%w: invalid register count", ErrProtocolEncoding)
	ErrValueOutOfRange = fmt.Errorf("%w: register value out of range", ErrProtocolEncoding)
	ErrNonIntegerValue = fmt.Errorf("%w: register value is not an integer", ErrProtocolEncoding)
	ErrUnknownOpcode   = fmt.Errorf("%w: opcode not supported by chip", ErrProtocolEncoding)

	// ErrShortRead is returned when a response carries fewer bytes than the
	// frame asked for.
	ErrShortRead = errors.New("short read")
)

// Op names a single-byte command.
type Op int

const (
	OpNOP Op = iota
	OpReset
	OpStart
	OpStop
	OpReadData
	OpSelfOffsetCal
	OpSelfGainCal
)

func (o Op) String() string {
	switch o {
	case OpNOP:
		return "NOP"
	case OpReset:
		return "RESET"
	case OpStart:
		return "START"
	case OpStop:
		return "STOP"
	case OpReadData:
		return "RDATA"
	case OpSelfOffsetCal:
		return "SFOCAL"
	case OpSelfGainCal:
		return "SFGCAL"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Protocol is the static description of one chip's register protocol.
type Protocol struct {
	Name string

	// ReadOp and WriteOp are OR'd with the register address to form the
	// first byte of a register frame.
	ReadOp  byte
	WriteOp byte

	// NumRegisters bounds the valid address map: 0 <= addr < NumRegisters.
	NumRegisters int

	// CountByte is set when the second byte of a register frame holds
	// count-1 (ADS126x style). Chips that auto-increment without a count
	// byte leave it unset.
	CountByte bool

	// Ops maps single-byte commands to their opcodes. Commands that exist once
	// per converter unit are listed in unit order, unit 1 first.
	Ops map[Op][]byte
}

// header is the number of frame bytes preceding register data, which is also
// the number of echoed bytes to strip from a full-duplex response.
func (p Protocol) header() int {
	if p.CountByte {
		return 2
	}
	return 1
}

func (p Protocol) checkRange(addr byte, count int) error {
	if int(addr) >= p.NumRegisters {
		return fmt.Errorf("%s: %w: 0x%02X", p.Name, ErrInvalidAddress, addr)
	}
	if count < 1 || (p.CountByte && count > 256) {
		return fmt.Errorf("%s: %w: %d", p.Name, ErrInvalidCount, count)
	}
	if int(addr)+count > p.NumRegisters {
		return fmt.Errorf("%s: %w: 0x%02X+%d runs past end of map", p.Name, ErrInvalidAddress, addr, count)
	}
	return nil
}

// BuildRead returns the frame that reads count registers starting at addr,
// padded with dummy bytes so a full-duplex transfer clocks the data out.
func (p Protocol) BuildRead(addr byte, count int) ([]byte, error) {
	if err := p.checkRange(addr, count); err != nil {
		return nil, err
	}
	frame := make([]byte, p.header()+count)
	frame[0] = p.ReadOp | addr
	if p.CountByte {
		frame[1] = byte(count - 1)
	}
	return frame, nil
}

// BuildWrite returns the frame that writes values to consecutive registers
// starting at addr.
func (p Protocol) BuildWrite(addr byte, values []int) ([]byte, error) {
	if err := p.checkRange(addr, len(values)); err != nil {
		return nil, err
	}
	frame := make([]byte, p.header(), p.header()+len(values))
	frame[0] = p.WriteOp | addr
	if p.CountByte {
		frame[1] = byte(len(values) - 1)
	}
	for i, v := range values {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%s: %w: values[%d]=%d", p.Name, ErrValueOutOfRange, i, v)
		}
		frame = append(frame, byte(v))
	}
	return frame, nil
}

// ParseReadResponse strips the echoed header from a response to a BuildRead
// frame and returns exactly count register values in address order.
func (p Protocol) ParseReadResponse(raw []byte, count int) ([]byte, error) {
	if count < 1 {
		return nil, fmt.Errorf("%s: %w: %d", p.Name, ErrInvalidCount, count)
	}
	want := p.header() + count
	if len(raw) < want {
		return nil, fmt.Errorf("%s: %w: got %d bytes, want %d", p.Name, ErrShortRead, len(raw), want)
	}
	out := make([]byte, count)
	copy(out, raw[p.header():want])
	return out, nil
}

// BuildCommand returns the single-byte frame for op on the given converter
// unit (1-based). Chips with a single converter use unit 1.
func (p Protocol) BuildCommand(op Op, unit int) ([]byte, error) {
	codes, ok := p.Ops[op]
	if !ok || unit < 1 || unit > len(codes) {
		return nil, fmt.Errorf("%s: %w: %s unit %d", p.Name, ErrUnknownOpcode, op, unit)
	}
	return []byte{codes[unit-1]}, nil
}

func (p Protocol) BuildStart(unit int) ([]byte, error) { return p.BuildCommand(OpStart, unit) }

func (p Protocol) BuildStop(unit int) ([]byte, error) { return p.BuildCommand(OpStop, unit) }

func (p Protocol) BuildReset() ([]byte, error) { return p.BuildCommand(OpReset, 1) }

// IntegerValues converts parsed numeric register values to ints, rejecting
// anything with a fractional part.
func IntegerValues(values []float64) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: values[%d]=%v", ErrNonIntegerValue, i, v)
		}
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%w: values[%d]=%v", ErrValueOutOfRange, i, v)
		}
		out[i] = int(v)
	}
	return out, nil
}
