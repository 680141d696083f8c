package ads1263

import (
	"fmt"

	"github.com/yunginnanet/sensorboard/pkg/bus"
	"github.com/yunginnanet/sensorboard/pkg/devstate"
	"github.com/yunginnanet/sensorboard/pkg/regmap"
)

// LastReadRegister returns the value of reg from the last ReadRegisters.
func (adc *ADS1263) LastReadRegister(reg byte) byte {
	if int(reg) >= NumRegisters {
		return 0
	}
	adc.mu.Lock()
	defer adc.mu.Unlock()
	return adc.regLR[reg]
}

// apply writes the registers needed to bring st to vals. Fields that already
// match are asserted without a write. A failed write marks the fields it
// carried unknown, and while any field is unknown every requested field is
// written again. Rewriting a field clears its unknown flag.
func (adc *ADS1263) apply(t bus.Transport, st *devstate.State, m regmap.Map, vals devstate.Values) error {
	if len(vals) == 0 {
		return nil
	}
	if err := m.Validate(vals); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	diff := st.Diff(vals)
	if st.Stale() {
		diff = vals.Clone()
	}
	frames, err := m.Frames(st.Snapshot(), diff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for _, f := range frames {
		tx, err := Protocol.BuildWrite(f.Addr, f.Values)
		if err != nil {
			return err
		}
		if _, err = adc.xfer(t, "WREG "+RegisterName(f.Addr), tx); err != nil {
			st.Invalidate(diff.Fields()...)
			return fmt.Errorf("writing %s: %w", RegisterName(f.Addr), err)
		}
	}

	st.Commit(diff)
	st.Assert(vals.Fields()...)
	st.Configure()
	return nil
}

func (adc *ADS1263) readRegisters(t bus.Transport, addr byte, count int) ([]byte, error) {
	tx, err := Protocol.BuildRead(addr, count)
	if err != nil {
		return nil, err
	}
	rx, err := adc.xfer(t, "RREG "+RegisterName(addr), tx)
	if err != nil {
		return nil, err
	}
	vals, err := Protocol.ParseReadResponse(rx, count)
	if err != nil {
		return nil, err
	}
	copy(adc.regLR[addr:], vals)
	return vals, nil
}

// resync rebuilds both mirrors from a full register dump.
func (adc *ADS1263) resync(regs []byte) {
	for _, pair := range []struct {
		st *devstate.State
		m  regmap.Map
	}{{adc.adc1, adc1Map}, {adc.adc2, adc2Map}} {
		vals := make(devstate.Values)
		for _, r := range pair.m {
			for f, v := range r.Unpack(regs[r.Addr]) {
				vals[f] = v
			}
		}
		pair.st.Resync(vals)
	}
}

// ReadRegisters reads the whole register map, returns it in address order and
// brings both mirrors back in line with the chip.
func (adc *ADS1263) ReadRegisters() ([]byte, error) {
	adc.mu.Lock()
	defer adc.mu.Unlock()

	var regs []byte
	err := adc.t.Transact(func(t bus.Transport) (err error) {
		regs, err = adc.readRegisters(t, RegID, NumRegisters)
		return err
	})
	if err != nil {
		return nil, err
	}
	adc.resync(regs)
	return regs, nil
}

// WriteRegisters writes raw values to consecutive registers starting at addr,
// then reads the map back so the mirrors reflect what the chip now holds.
func (adc *ADS1263) WriteRegisters(addr byte, values []int) error {
	tx, err := Protocol.BuildWrite(addr, values)
	if err != nil {
		return err
	}

	adc.mu.Lock()
	defer adc.mu.Unlock()

	return adc.t.Transact(func(t bus.Transport) error {
		if _, err := adc.xfer(t, "WREG "+RegisterName(addr), tx); err != nil {
			adc.adc1.Invalidate()
			adc.adc2.Invalidate()
			return err
		}
		regs, err := adc.readRegisters(t, RegID, NumRegisters)
		if err != nil {
			adc.adc1.Invalidate()
			adc.adc2.Invalidate()
			return err
		}
		adc.resync(regs)
		return nil
	})
}
