// Package max31856 drives the board's MAX31856 thermocouple front end.
package max31856

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"

	"github.com/yunginnanet/sensorboard/pkg/bus"
	"github.com/yunginnanet/sensorboard/pkg/calibration"
	"github.com/yunginnanet/sensorboard/pkg/convert"
	"github.com/yunginnanet/sensorboard/pkg/devstate"
	"github.com/yunginnanet/sensorboard/pkg/regmap"
)

var (
	ErrInvalidConfig = errors.New("invalid thermocouple configuration")
	// ErrFault wraps the decoded fault status register.
	ErrFault = errors.New("thermocouple fault")
)

// Channel is the calibration key of the single thermocouple input.
const Channel = "TC"

// Fault is the fault status register.
type Fault uint8

var faultNames = []struct {
	f    Fault
	name string
}{
	{FaultCJRange, "cold junction out of range"},
	{FaultTCRange, "thermocouple out of range"},
	{FaultCJHigh, "cold junction high"},
	{FaultCJLow, "cold junction low"},
	{FaultTCHigh, "thermocouple high"},
	{FaultTCLow, "thermocouple low"},
	{FaultOVUV, "over/under voltage"},
	{FaultOpen, "open circuit"},
}

// Has reports whether every bit of f2 is set.
func (f Fault) Has(f2 Fault) bool { return f&f2 == f2 }

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range faultNames {
		if f.Has(n.f) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ", ")
}

// Err returns nil when no fault is set.
func (f Fault) Err() error {
	if f == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFault, f)
}

// MAX31856 is the thermocouple controller.
type MAX31856 struct {
	mu    sync.Mutex
	t     bus.Transport
	calib *calibration.Table
	log   zerolog.Logger
	drdy  gpio.PinIn
	state *devstate.State
}

type Option func(*MAX31856)

func WithLogger(l zerolog.Logger) Option {
	return func(tc *MAX31856) { tc.log = l.With().Str("chip", "max31856").Logger() }
}

// WithDRDY waits on the active-low DRDY pin after a single-shot trigger.
func WithDRDY(pin gpio.PinIn) Option {
	return func(tc *MAX31856) { tc.drdy = pin }
}

func New(t bus.Transport, calib *calibration.Table, opts ...Option) *MAX31856 {
	tc := &MAX31856{
		t:     t,
		calib: calib,
		log:   zerolog.Nop(),
		state: devstate.New(regMap.Defaults()),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

func (tc *MAX31856) field(f devstate.Field) int {
	v, _ := tc.state.Get(f)
	return v
}

func (tc *MAX31856) xfer(t bus.Transport, op string, tx []byte) ([]byte, error) {
	rx, err := bus.Exchange(t, tx)
	if err != nil {
		tc.log.Debug().Str("op", op).Hex("tx", tx).Err(err).Msg("transfer failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tc.log.Debug().Str("op", op).Hex("tx", tx).Hex("rx", rx).Send()
	return rx, nil
}

// apply writes only the registers whose fields differ from the mirror.
func (tc *MAX31856) apply(t bus.Transport, vals devstate.Values) error {
	if len(vals) == 0 {
		return nil
	}
	if err := regMap.Validate(vals); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	diff := tc.state.Diff(vals)
	if tc.state.Stale() {
		diff = vals.Clone()
	}
	frames, err := regMap.Frames(tc.state.Snapshot(), diff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, f := range frames {
		tx, err := Protocol.BuildWrite(f.Addr, f.Values)
		if err != nil {
			return err
		}
		if _, err = tc.xfer(t, "WRITE "+RegisterName(f.Addr), tx); err != nil {
			tc.state.Invalidate(diff.Fields()...)
			return fmt.Errorf("writing %s: %w", RegisterName(f.Addr), err)
		}
	}
	tc.state.Commit(diff)
	tc.state.Assert(vals.Fields()...)

	if mode, ok := vals[FieldConvMode]; ok {
		if mode == 1 {
			_ = tc.state.Start(true)
		} else if tc.state.Mode() == devstate.Converting {
			_ = tc.state.Stop()
		}
	}
	return nil
}

// SetConfig validates cfg and writes the registers that change.
func (tc *MAX31856) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	vals := make(devstate.Values)
	if cfg.Mode != 0 {
		vals[FieldConvMode] = cfg.Mode.code()
	}
	if cfg.Averaging != 0 {
		vals[FieldAveraging], _ = averagingCode(cfg.Averaging)
	}
	if cfg.Type != 0 {
		vals[FieldTCType] = cfg.Type.code()
	}
	switch cfg.Filter {
	case Reject60Hz:
		vals[FieldFilter50Hz] = 0
	case Reject50Hz:
		vals[FieldFilter50Hz] = 1
	}
	switch cfg.ColdJunction {
	case On:
		vals[FieldCJDisable] = 0
	case Off:
		vals[FieldCJDisable] = 1
	}
	if cfg.OpenCircuit != 0 {
		vals[FieldOCFault] = cfg.OpenCircuit.code()
	}
	switch cfg.FaultInterrupt {
	case On:
		vals[FieldFaultMode] = 1
	case Off:
		vals[FieldFaultMode] = 0
	}
	if cfg.FaultMask != nil {
		vals[FieldFaultMask] = int(*cfg.FaultMask)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.t.Transact(func(t bus.Transport) error {
		return tc.apply(t, vals)
	})
}

// SetFaultThresholds writes the cold-junction and thermocouple fault limits.
func (tc *MAX31856) SetFaultThresholds(th Thresholds) error {
	cjHigh, err1 := fixed(th.CJHigh, cjThreshLSB, 8)
	cjLow, err2 := fixed(th.CJLow, cjThreshLSB, 8)
	tcHigh, err3 := fixed(th.TCHigh, tcThreshLSB, 16)
	tcLow, err4 := fixed(th.TCLow, tcThreshLSB, 16)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return err
	}

	vals := devstate.Values{
		FieldCJHigh:    cjHigh,
		FieldCJLow:     cjLow,
		FieldTCHighMSB: tcHigh >> 8,
		FieldTCHighLSB: tcHigh & 0xFF,
		FieldTCLowMSB:  tcLow >> 8,
		FieldTCLowLSB:  tcLow & 0xFF,
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.t.Transact(func(t bus.Transport) error {
		return tc.apply(t, vals)
	})
}

// SetColdJunctionOffset adds an offset, in °C, to the cold-junction reading
// the chip compensates with.
func (tc *MAX31856) SetColdJunctionOffset(celsius float64) error {
	code, err := fixed(celsius, cjOffsetLSB, 8)
	if err != nil {
		return err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.t.Transact(func(t bus.Transport) error {
		return tc.apply(t, devstate.Values{FieldCJOffset: code})
	})
}

// fixed encodes v as a two's complement count of lsb in a bits-wide field.
func fixed(v, lsb float64, bits int) (int, error) {
	n := math.Round(v / lsb)
	lim := math.Ldexp(1, bits-1)
	if math.IsNaN(n) || n < -lim || n > lim-1 {
		return 0, fmt.Errorf("%w: %v °C does not fit %d bits at %v °C/LSB", ErrInvalidConfig, v, bits, lsb)
	}
	return int(n) & (1<<bits - 1), nil
}

// cr0 is the CR0 byte as last written, for OR-ing in self-clearing bits.
func (tc *MAX31856) cr0() (byte, error) {
	r, _ := regMap.Register(RegCR0)
	return r.Pack(tc.state.Snapshot())
}

// ReadTemperatures returns the cold-junction and linearized thermocouple
// temperatures in °C. The thermocouple reading carries the TC calibration. In
// single-shot mode a conversion is triggered and waited for first.
func (tc *MAX31856) ReadTemperatures() (coldJunction, linearized float64, err error) {
	p, err := tc.calib.Lookup(calibration.TC, Channel)
	if err != nil {
		return 0, 0, err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	err = tc.t.Transact(func(t bus.Transport) error {
		if tc.field(FieldConvMode) == 0 {
			if err := tc.oneShot(t); err != nil {
				return err
			}
		}
		tx, err := Protocol.BuildRead(RegCJTH, 5)
		if err != nil {
			return err
		}
		rx, err := tc.xfer(t, "READ "+RegisterName(RegCJTH), tx)
		if err != nil {
			return err
		}
		if coldJunction, linearized, err = convert.DecodeTemperatures(rx); err != nil {
			return err
		}
		tc.state.Complete()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	linearized = convert.Calibrate(linearized, p)
	tc.log.Debug().Float64("cold_junction", coldJunction).Float64("linearized", linearized).Msg("temperatures")
	return coldJunction, linearized, nil
}

func (tc *MAX31856) oneShot(t bus.Transport) error {
	b, err := tc.cr0()
	if err != nil {
		return err
	}
	tc.state.Configure()
	if err = tc.state.Start(false); err != nil {
		return err
	}
	if _, err = tc.xfer(t, "1SHOT", []byte{Protocol.WriteOp | RegCR0, b | cr0OneShot}); err != nil {
		_ = tc.state.Stop()
		return err
	}
	d := conversionTime(tc.field(FieldFilter50Hz) == 1, tc.field(FieldAveraging))
	if tc.drdy == nil {
		time.Sleep(d)
		return nil
	}
	if err = bus.WaitDRDY(tc.drdy, d+d/4); err != nil {
		_ = tc.state.Stop()
		return err
	}
	return nil
}

func (tc *MAX31856) readRegister(t bus.Transport, addr byte) (byte, error) {
	tx, err := Protocol.BuildRead(addr, 1)
	if err != nil {
		return 0, err
	}
	rx, err := tc.xfer(t, "READ "+RegisterName(addr), tx)
	if err != nil {
		return 0, err
	}
	v, err := Protocol.ParseReadResponse(rx, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Faults reads the fault status register.
func (tc *MAX31856) Faults() (Fault, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var f Fault
	err := tc.t.Transact(func(t bus.Transport) error {
		b, err := tc.readRegister(t, RegSR)
		f = Fault(b)
		return err
	})
	if err != nil {
		return 0, err
	}
	if f != 0 {
		tc.log.Warn().Stringer("faults", f).Msg("fault status")
	}
	return f, nil
}

// ClearFaults clears latched faults in interrupt fault mode.
func (tc *MAX31856) ClearFaults() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	b, err := tc.cr0()
	if err != nil {
		return err
	}
	return tc.t.Transact(func(t bus.Transport) error {
		_, err := tc.xfer(t, "FAULTCLR", []byte{Protocol.WriteOp | RegCR0, b | cr0FaultClear})
		return err
	})
}

func (tc *MAX31856) readAll(t bus.Transport) ([]byte, error) {
	tx, err := Protocol.BuildRead(0, NumRegisters)
	if err != nil {
		return nil, err
	}
	rx, err := tc.xfer(t, "READ ALL", tx)
	if err != nil {
		return nil, err
	}
	return Protocol.ParseReadResponse(rx, NumRegisters)
}

// ReadRegisters reads the whole register map and resyncs the mirror.
func (tc *MAX31856) ReadRegisters() ([]byte, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var regs []byte
	err := tc.t.Transact(func(t bus.Transport) (err error) {
		regs, err = tc.readAll(t)
		return err
	})
	if err != nil {
		return nil, err
	}
	tc.state.Resync(unpackAll(regMap, regs))
	return regs, nil
}

// WriteRegisters writes raw values starting at addr and resyncs the mirror
// from a full read in the same transaction.
func (tc *MAX31856) WriteRegisters(addr byte, values []int) error {
	tx, err := Protocol.BuildWrite(addr, values)
	if err != nil {
		return err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.t.Transact(func(t bus.Transport) error {
		if _, err := tc.xfer(t, "WRITE "+RegisterName(addr), tx); err != nil {
			tc.state.Invalidate()
			return err
		}
		regs, err := tc.readAll(t)
		if err != nil {
			tc.state.Invalidate()
			return err
		}
		tc.state.Resync(unpackAll(regMap, regs))
		return nil
	})
}

// Settings returns the mirrored register fields.
func (tc *MAX31856) Settings() devstate.Values {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state.Snapshot()
}

func unpackAll(m regmap.Map, regs []byte) devstate.Values {
	out := make(devstate.Values)
	for _, r := range m {
		if int(r.Addr) >= len(regs) {
			continue
		}
		for f, v := range r.Unpack(regs[r.Addr]) {
			out[f] = v
		}
	}
	return out
}
