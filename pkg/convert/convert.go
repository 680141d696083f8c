// Package convert holds the pure code <-> physical unit math shared by the
// board's converters. Every function is deterministic and safe for
// concurrent use.
package convert

import (
	"errors"
	"fmt"
	"math"

	"github.com/yunginnanet/sensorboard/pkg/calibration"
)

// ErrVoltageOutOfRange is returned when a voltage, after inverse calibration,
// maps outside the DAC's code range.
var ErrVoltageOutOfRange = errors.New("voltage out of range")

// SignExtend interprets the low bits of code as a two's complement value.
func SignExtend(code uint32, bits int) int32 {
	shift := 32 - bits
	return int32(code<<shift) >> shift
}

// Code24 interprets a 3-byte, 24-bit signed value
// in two's complement form, MSB first.
func Code24(data []byte) int32 {
	var u32 uint32
	u32 |= uint32(data[0]) << 16
	u32 |= uint32(data[1]) << 8
	u32 |= uint32(data[2])
	return SignExtend(u32, 24)
}

// Code32 interprets 4 bytes, MSB first, as a two's complement value.
func Code32(data []byte) int32 {
	return int32(uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]))
}

// CodeToVoltage scales a signed bipolar code to volts:
// code/2^(bits-1) * vref / pga.
func CodeToVoltage(code int32, bits int, vref float64, pga int) float64 {
	if pga < 1 {
		pga = 1
	}
	fullScale := math.Ldexp(1, bits-1)
	return float64(code) / fullScale * vref / float64(pga)
}

// CodeToUnipolarVoltage scales an unsigned DAC code to volts.
func CodeToUnipolarVoltage(code uint16, vref float64) float64 {
	return float64(code) / 65536 * vref
}

// Calibrate applies a gain/offset correction to a measured value.
func Calibrate(v float64, p calibration.Param) float64 {
	return v*p.Gain + p.Offset
}

// UncalibrateVoltage inverts Calibrate, producing the uncorrected value that a
// calibrated output of v needs.
func UncalibrateVoltage(v float64, p calibration.Param) float64 {
	if p.Gain == 0 {
		return math.Inf(1)
	}
	return (v - p.Offset) / p.Gain
}

// VoltageToCode maps v to an unsigned code of the given width. Values within
// half an LSB outside the range are clamped; anything further fails.
func VoltageToCode(v, vref float64, bits int) (uint32, error) {
	fullScale := math.Ldexp(1, bits)
	raw := v / vref * fullScale
	if math.IsNaN(raw) || raw < -0.5 || raw > fullScale {
		return 0, fmt.Errorf("%w: %.6fV with vref %.4fV", ErrVoltageOutOfRange, v, vref)
	}
	code := math.Round(raw)
	switch {
	case code < 0:
		code = 0
	case code > fullScale-1:
		code = fullScale - 1
	}
	return uint32(code), nil
}

// SignMagnitude reads the top bit of a bits-wide field as a sign and the
// rest as magnitude.
func SignMagnitude(code uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mag := int32(code & (sign - 1))
	if code&sign != 0 {
		return -mag
	}
	return mag
}

const (
	// ColdJunctionLSB is the weight of one cold-junction count in °C.
	ColdJunctionLSB = 1.0 / 64
	// LinearizedLSB is the weight of one linearized thermocouple count in °C.
	LinearizedLSB = 1.0 / 128
)

// ColdJunction decodes the 14-bit cold-junction count held left-justified in
// CJTH:CJTL.
func ColdJunction(b []byte) int32 {
	raw := uint32(b[0])<<8 | uint32(b[1])
	return SignMagnitude(raw>>2, 14)
}

// Linearized decodes the 19-bit thermocouple count held left-justified in
// LTCBH:LTCBM:LTCBL.
func Linearized(b []byte) int32 {
	raw := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return SignMagnitude(raw>>5, 19)
}

// DecodeTemperatures converts a CJTH..LTCBL register block, led by the byte
// clocked out while the address went in, into °C.
func DecodeTemperatures(raw []byte) (coldJunction, linearized float64, err error) {
	if len(raw) < 6 {
		return 0, 0, fmt.Errorf("temperature block: need 6 bytes, got %d", len(raw))
	}
	cj := ColdJunction(raw[1:3])
	lin := Linearized(raw[3:6])
	return float64(cj) * ColdJunctionLSB, float64(lin) * LinearizedLSB, nil
}

// Callendar-Van Dusen coefficients for platinum RTDs.
const (
	rtdA = 3.9083e-3
	rtdB = -5.775e-7
)

// RTDResistance converts a ratiometric RTD code to ohms. The ADC measures the
// RTD against a reference resistor driven by the same excitation current, so
// the code is the fraction of rRef across the element.
func RTDResistance(code int32, bits, pga int, rRef float64) float64 {
	if pga < 1 {
		pga = 1
	}
	return float64(code) / math.Ldexp(1, bits-1) * rRef / float64(pga)
}

// RTDTemperature converts an RTD resistance to °C for an element with the
// given nominal resistance at 0 °C (100 for PT100, 1000 for PT1000).
func RTDTemperature(rt, nominal float64) float64 {
	z1 := -rtdA
	z2 := rtdA*rtdA - 4*rtdB
	z3 := 4 * rtdB / nominal
	z4 := 2 * rtdB

	temp := z2 + z3*rt
	temp = (math.Sqrt(temp) + z1) / z4
	if temp >= 0 {
		return temp
	}

	// below 0 °C the quadratic no longer holds; use the polynomial fit
	rt = rt * 100 / nominal
	rpoly := rt
	temp = -242.02
	temp += 2.2228 * rpoly
	rpoly *= rt
	temp += 2.5859e-3 * rpoly
	rpoly *= rt
	temp -= 4.8260e-6 * rpoly
	rpoly *= rt
	temp -= 2.8183e-8 * rpoly
	rpoly *= rt
	temp += 1.5243e-10 * rpoly
	return temp
}
