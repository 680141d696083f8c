// Package ad5675 drives the board's AD5675 octal 16-bit DAC.
package ad5675

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yunginnanet/sensorboard/pkg/bus"
	"github.com/yunginnanet/sensorboard/pkg/calibration"
	"github.com/yunginnanet/sensorboard/pkg/convert"
	"github.com/yunginnanet/sensorboard/pkg/devstate"
)

var ErrInvalidChannel = errors.New("invalid DAC channel")

const (
	NumChannels = 8
	Bits        = 16
	// VRef is the internal reference voltage.
	VRef = 2.5
)

// Channel is one of the outputs AOUT0..AOUT7.
type Channel int

func (c Channel) valid() bool { return c >= 0 && c < NumChannels }

func (c Channel) String() string {
	return "AOUT" + strconv.Itoa(int(c))
}

// ParseChannel accepts "AOUT3" or "3".
func ParseChannel(s string) (Channel, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AOUT"))
	if err != nil || !Channel(n).valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return Channel(n), nil
}

// Power is a channel power state.
type Power int

const (
	PowerNormal Power = iota
	// Power1kToGND powers the channel down with a 1 kΩ pull-down.
	Power1kToGND
	_
	PowerTristate
)

func (p Power) String() string {
	switch p {
	case PowerNormal:
		return "normal"
	case Power1kToGND:
		return "1k-to-gnd"
	case PowerTristate:
		return "tristate"
	default:
		return "Power(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePower matches a power state name.
func ParsePower(s string) (Power, error) {
	for _, p := range []Power{PowerNormal, Power1kToGND, PowerTristate} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown power mode %q", s)
}

func codeField(ch Channel) devstate.Field  { return devstate.Field(ch.String() + ".code") }
func inputField(ch Channel) devstate.Field { return devstate.Field(ch.String() + ".input") }
func powerField(ch Channel) devstate.Field { return devstate.Field(ch.String() + ".power") }

const ldacField devstate.Field = "ldac.mask"

func defaults() devstate.Values {
	v := make(devstate.Values, 3*NumChannels+1)
	v[ldacField] = 0
	for ch := Channel(0); ch < NumChannels; ch++ {
		v[codeField(ch)] = 0
		v[inputField(ch)] = 0
		v[powerField(ch)] = int(PowerNormal)
	}
	return v
}

// ChannelState is what the controller last wrote to a channel.
type ChannelState struct {
	Channel Channel
	Code    uint16
	Volts   float64
	Power   Power
}

// AD5675 is the output controller. Every output voltage passes through the
// channel's inverse calibration before it is turned into a code.
type AD5675 struct {
	mu    sync.Mutex
	t     bus.Transport
	calib *calibration.Table
	log   zerolog.Logger
	vref  float64
	state *devstate.State
}

type Option func(*AD5675)

func WithLogger(l zerolog.Logger) Option {
	return func(d *AD5675) { d.log = l.With().Str("chip", "ad5675").Logger() }
}

func WithVRef(v float64) Option {
	return func(d *AD5675) { d.vref = v }
}

// New assumes the chip is at power-on state.
func New(t bus.Transport, calib *calibration.Table, opts ...Option) *AD5675 {
	d := &AD5675{
		t:     t,
		calib: calib,
		log:   zerolog.Nop(),
		vref:  VRef,
		state: devstate.New(defaults()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *AD5675) xfer(t bus.Transport, op string, tx []byte) ([]byte, error) {
	rx, err := bus.Exchange(t, tx)
	if err != nil {
		d.log.Debug().Str("op", op).Hex("tx", tx).Err(err).Msg("transfer failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	d.log.Debug().Str("op", op).Hex("tx", tx).Hex("rx", rx).Send()
	return rx, nil
}

// write sends tx unless every field in vals already matches, then commits.
func (d *AD5675) write(op string, vals devstate.Values, tx []byte) error {
	diff := d.state.Diff(vals)
	if len(diff) == 0 && !d.state.Suspect(vals.Fields()...) {
		d.state.Assert(vals.Fields()...)
		return nil
	}
	err := d.t.Transact(func(t bus.Transport) error {
		_, err := d.xfer(t, op, tx)
		return err
	})
	if err != nil {
		d.state.Invalidate(vals.Fields()...)
		return err
	}
	d.state.Commit(vals)
	return nil
}

func (d *AD5675) code(ch Channel, v float64) (uint16, error) {
	if !ch.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	p, err := d.calib.Lookup(calibration.DAC, ch.String())
	if err != nil {
		return 0, err
	}
	code, err := convert.VoltageToCode(convert.UncalibrateVoltage(v, p), d.vref, Bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ch, err)
	}
	return uint16(code), nil
}

// WriteVoltage drives a channel to v volts and returns the code written.
// Nothing is sent when the channel already holds that code.
func (d *AD5675) WriteVoltage(ch Channel, v float64) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	code, err := d.code(ch, v)
	if err != nil {
		return 0, err
	}
	vals := devstate.Values{codeField(ch): int(code), inputField(ch): int(code)}
	return code, d.write("WRITE_UPDATE "+ch.String(), vals, CombineWriteAndUpdate(ch, code))
}

// StageVoltage loads v into a channel's input register; the output changes on
// Update.
func (d *AD5675) StageVoltage(ch Channel, v float64) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	code, err := d.code(ch, v)
	if err != nil {
		return 0, err
	}
	return code, d.write("WRITE_INPUT "+ch.String(), devstate.Values{inputField(ch): int(code)}, WriteInput(ch, code))
}

// Update moves a channel's staged input code to its output.
func (d *AD5675) Update(ch Channel) error {
	if !ch.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	staged, _ := d.state.Get(inputField(ch))
	return d.write("UPDATE "+ch.String(), devstate.Values{codeField(ch): staged}, UpdateChannel(ch))
}

// ReadVoltage reads back a channel's input register and returns it as a
// calibrated voltage.
func (d *AD5675) ReadVoltage(ch Channel) (float64, error) {
	if !ch.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.calib.Lookup(calibration.DAC, ch.String())
	if err != nil {
		return 0, err
	}

	var code uint16
	err = d.t.Transact(func(t bus.Transport) error {
		if _, err := d.xfer(t, "READBACK "+ch.String(), ReadbackSetup(ch)); err != nil {
			return err
		}
		rx, err := d.xfer(t, "NOP", NOP())
		if err != nil {
			return err
		}
		code = uint16(rx[1])<<8 | uint16(rx[2])
		return nil
	})
	if err != nil {
		return 0, err
	}
	return convert.Calibrate(convert.CodeToUnipolarVoltage(code, d.vref), p), nil
}

// SetPowerMode changes one channel's power state, leaving the others as last
// written.
func (d *AD5675) SetPowerMode(ch Channel, mode Power) error {
	if !ch.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	switch mode {
	case PowerNormal, Power1kToGND, PowerTristate:
	default:
		return fmt.Errorf("invalid power mode %d", mode)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var modes [NumChannels]Power
	for c := Channel(0); c < NumChannels; c++ {
		m, _ := d.state.Get(powerField(c))
		modes[c] = Power(m)
	}
	modes[ch] = mode
	return d.write("POWER", devstate.Values{powerField(ch): int(mode)}, PowerMode(modes))
}

// SetLDACMask selects the channels that ignore the LDAC pin, bit n for AOUTn.
// Masked channels only change on a software update.
func (d *AD5675) SetLDACMask(mask uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write("LDAC_MASK", devstate.Values{ldacField: int(mask)}, LDACMask(mask))
}

// Reset issues a software reset; every channel returns to 0 V, powered up.
func (d *AD5675) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.t.Transact(func(t bus.Transport) error {
		_, err := d.xfer(t, "SOFT_RESET", SoftReset())
		return err
	})
	if err != nil {
		d.state.Invalidate()
		return err
	}
	d.state.Reset(defaults())
	return nil
}

// State returns what was last written to a channel. Volts is the calibrated
// voltage the code produces.
func (d *AD5675) State(ch Channel) (ChannelState, error) {
	if !ch.valid() {
		return ChannelState{}, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	p, err := d.calib.Lookup(calibration.DAC, ch.String())
	if err != nil {
		return ChannelState{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	code, _ := d.state.Get(codeField(ch))
	power, _ := d.state.Get(powerField(ch))
	return ChannelState{
		Channel: ch,
		Code:    uint16(code),
		Volts:   convert.Calibrate(convert.CodeToUnipolarVoltage(uint16(code), d.vref), p),
		Power:   Power(power),
	}, nil
}
