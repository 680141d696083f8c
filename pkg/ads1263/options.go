package ads1263

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit selects one of the chip's two converters.
type Unit int

const (
	ADC1 Unit = 1
	ADC2 Unit = 2
)

func (u Unit) String() string {
	switch u {
	case ADC1:
		return "ADC1"
	case ADC2:
		return "ADC2"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

func (u Unit) valid() bool { return u == ADC1 || u == ADC2 }

// codeBits is the width of a conversion result.
func (u Unit) codeBits() int {
	if u == ADC2 {
		return 24
	}
	return 32
}

// The zero value of every option type below means "leave unchanged".

// ConvMode selects continuous or pulse (one-shot) conversions on ADC1.
type ConvMode int

const (
	_ ConvMode = iota
	Continuous
	Pulse
)

func (m ConvMode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case Pulse:
		return "pulse"
	default:
		return "(unchanged)"
	}
}

func (m ConvMode) code() int {
	if m == Pulse {
		return runPulse
	}
	return runContinuous
}

// DataRate is an ADC1 output data rate.
type DataRate int

//goland:noinspection GoSnakeCaseUsage
const (
	_ DataRate = iota
	DR_2_5_SPS
	DR_5_SPS
	DR_10_SPS
	DR_16_6_SPS
	DR_20_SPS
	DR_50_SPS
	DR_60_SPS
	DR_100_SPS
	DR_400_SPS
	DR_1200_SPS
	DR_2400_SPS
	DR_4800_SPS
	DR_7200_SPS
	DR_14400_SPS
	DR_19200_SPS
	DR_38400_SPS
)

var dataRateHz = [...]float64{0, 2.5, 5, 10, 16.6, 20, 50, 60, 100, 400, 1200, 2400, 4800, 7200, 14400, 19200, 38400}

func (r DataRate) valid() bool { return r >= DR_2_5_SPS && r <= DR_38400_SPS }

func (r DataRate) code() int { return int(r) - 1 }

// Hz returns the nominal rate.
func (r DataRate) Hz() float64 {
	if !r.valid() {
		return 0
	}
	return dataRateHz[r]
}

func (r DataRate) String() string {
	if !r.valid() {
		return "(unchanged)"
	}
	return strconv.FormatFloat(r.Hz(), 'f', -1, 64) + " SPS"
}

// ParseDataRate matches a rate in samples per second to an ADC1 data rate.
func ParseDataRate(sps float64) (DataRate, error) {
	for r := DR_2_5_SPS; r <= DR_38400_SPS; r++ {
		if dataRateHz[r] == sps {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: ADC1 data rate %v SPS", ErrInvalidConfig, sps)
}

// ADC2Rate is an ADC2 output data rate.
type ADC2Rate int

//goland:noinspection GoSnakeCaseUsage
const (
	_ ADC2Rate = iota
	ADC2_10_SPS
	ADC2_100_SPS
	ADC2_400_SPS
	ADC2_800_SPS
)

var adc2RateHz = [...]float64{0, 10, 100, 400, 800}

func (r ADC2Rate) valid() bool { return r >= ADC2_10_SPS && r <= ADC2_800_SPS }

func (r ADC2Rate) code() int { return int(r) - 1 }

// Hz returns the nominal rate.
func (r ADC2Rate) Hz() float64 {
	if !r.valid() {
		return 0
	}
	return adc2RateHz[r]
}

// ParseADC2Rate matches a rate in samples per second to an ADC2 data rate.
func ParseADC2Rate(sps float64) (ADC2Rate, error) {
	for r := ADC2_10_SPS; r <= ADC2_800_SPS; r++ {
		if adc2RateHz[r] == sps {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: ADC2 data rate %v SPS", ErrInvalidConfig, sps)
}

// Gain is the PGA gain.
type Gain int

const (
	_ Gain = iota
	Gain1
	Gain2
	Gain4
	Gain8
	Gain16
	Gain32
)

func (g Gain) valid() bool { return g >= Gain1 && g <= Gain32 }

func (g Gain) code() int { return int(g) - 1 }

// Value returns the amplification factor.
func (g Gain) Value() int {
	if !g.valid() {
		return 1
	}
	return 1 << g.code()
}

// ParseGain matches an amplification factor to a Gain.
func ParseGain(v int) (Gain, error) {
	for g := Gain1; g <= Gain32; g++ {
		if g.Value() == v {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: gain %d", ErrInvalidConfig, v)
}

// Filter is the ADC1 digital filter.
type Filter int

const (
	_ Filter = iota
	Sinc1
	Sinc2
	Sinc3
	Sinc4
	FIR
)

func (f Filter) valid() bool { return f >= Sinc1 && f <= FIR }

func (f Filter) code() int { return int(f) - 1 }

// settlingCycles is the number of conversion periods the filter needs for a
// fully settled first result.
func (f Filter) settlingCycles() int {
	switch f {
	case Sinc2:
		return 2
	case Sinc3:
		return 3
	case Sinc4:
		return 4
	default:
		return 1
	}
}

// AnalogIn is a single-ended input, measured against AINCOM.
type AnalogIn int

const (
	_ AnalogIn = iota
	AIN0
	AIN1
	AIN2
	AIN3
	AIN4
	AIN5
	AIN6
	AIN7
)

func (c AnalogIn) valid() bool { return c >= AIN0 && c <= AIN7 }

func (c AnalogIn) mux() int { return int(c) - 1 }

func (c AnalogIn) String() string {
	if !c.valid() {
		return "(invalid channel)"
	}
	return "AIN" + strconv.Itoa(c.mux())
}

// ParseAnalogIn accepts "AIN3" or "3".
func ParseAnalogIn(s string) (AnalogIn, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AIN"))
	if err != nil || n < 0 || n > 7 {
		return 0, fmt.Errorf("%w: analog input %q", ErrInvalidConfig, s)
	}
	return AnalogIn(n + 1), nil
}

// DiffPair is one of the board's routed differential inputs.
type DiffPair int

//goland:noinspection GoSnakeCaseUsage
const (
	_ DiffPair = iota
	DIFF_1
	DIFF_2
	DIFF_3
	DIFF_4
)

func (p DiffPair) valid() bool { return p >= DIFF_1 && p <= DIFF_4 }

// Inputs returns the positive and negative input of the pair.
func (p DiffPair) Inputs() (pos, neg AnalogIn) {
	base := AnalogIn(2*(int(p)-1) + 1)
	return base, base + 1
}

func (p DiffPair) String() string {
	if !p.valid() {
		return "(invalid pair)"
	}
	return "DIFF_" + strconv.Itoa(int(p))
}

// ParseDiffPair accepts "DIFF_2" or "2".
func ParseDiffPair(s string) (DiffPair, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "DIFF_"))
	if err != nil || n < 1 || n > 4 {
		return 0, fmt.Errorf("%w: differential pair %q", ErrInvalidConfig, s)
	}
	return DiffPair(n), nil
}

// Toggle is an on/off option.
type Toggle int

const (
	_ Toggle = iota
	On
	Off
)

func (t Toggle) bit() int {
	if t == On {
		return 1
	}
	return 0
}

// ToggleOf converts a bool to a Toggle.
func ToggleOf(b bool) Toggle {
	if b {
		return On
	}
	return Off
}

// Config enumerates every setting SetConfig accepts. Zero-valued fields are
// left as they are on the chip.
type Config struct {
	ConvMode ConvMode
	DataRate DataRate
	Gain     Gain
	Filter   Filter

	// Channel and Pair select the ADC1 input; at most one may be set.
	Channel AnalogIn
	Pair    DiffPair

	ADC2Rate    ADC2Rate
	ADC2Gain    Gain
	ADC2Channel AnalogIn
	ADC2Pair    DiffPair

	Checksum   Toggle
	StatusByte Toggle

	// RTD routes IDAC1 excitation and the RTD inputs to ADC2. While enabled,
	// AIN4..AIN7 and the pairs built from them are reserved.
	RTD Toggle
}

// validate checks every field's domain without looking at chip state.
func (c Config) validate() error {
	switch {
	case c.ConvMode != 0 && c.ConvMode != Continuous && c.ConvMode != Pulse:
		return fmt.Errorf("%w: conversion mode %d", ErrInvalidConfig, c.ConvMode)
	case c.DataRate != 0 && !c.DataRate.valid():
		return fmt.Errorf("%w: data rate %d", ErrInvalidConfig, c.DataRate)
	case c.Gain != 0 && !c.Gain.valid():
		return fmt.Errorf("%w: gain %d", ErrInvalidConfig, c.Gain)
	case c.Filter != 0 && !c.Filter.valid():
		return fmt.Errorf("%w: filter %d", ErrInvalidConfig, c.Filter)
	case c.Channel != 0 && !c.Channel.valid():
		return fmt.Errorf("%w: channel %d", ErrInvalidConfig, c.Channel)
	case c.Pair != 0 && !c.Pair.valid():
		return fmt.Errorf("%w: pair %d", ErrInvalidConfig, c.Pair)
	case c.Channel != 0 && c.Pair != 0:
		return fmt.Errorf("%w: both %s and %s requested for ADC1", ErrInvalidConfig, c.Channel, c.Pair)
	case c.ADC2Rate != 0 && !c.ADC2Rate.valid():
		return fmt.Errorf("%w: ADC2 data rate %d", ErrInvalidConfig, c.ADC2Rate)
	case c.ADC2Gain != 0 && !c.ADC2Gain.valid():
		return fmt.Errorf("%w: ADC2 gain %d", ErrInvalidConfig, c.ADC2Gain)
	case c.ADC2Channel != 0 && !c.ADC2Channel.valid():
		return fmt.Errorf("%w: ADC2 channel %d", ErrInvalidConfig, c.ADC2Channel)
	case c.ADC2Pair != 0 && !c.ADC2Pair.valid():
		return fmt.Errorf("%w: ADC2 pair %d", ErrInvalidConfig, c.ADC2Pair)
	case c.ADC2Channel != 0 && c.ADC2Pair != 0:
		return fmt.Errorf("%w: both %s and %s requested for ADC2", ErrInvalidConfig, c.ADC2Channel, c.ADC2Pair)
	case c.Checksum > Off, c.StatusByte > Off, c.RTD > Off, c.Checksum < 0, c.StatusByte < 0, c.RTD < 0:
		return fmt.Errorf("%w: toggle out of range", ErrInvalidConfig)
	}
	return nil
}

// rtdReserved reports whether an input is used by the RTD circuit.
func rtdReserved(c AnalogIn) bool {
	return c >= AIN4 && c <= AIN7
}

func pairReserved(p DiffPair) bool {
	pos, neg := p.Inputs()
	return rtdReserved(pos) || rtdReserved(neg)
}

// settleTime is how long a pulse conversion takes to produce a settled result.
func settleTime(r DataRate, f Filter) time.Duration {
	hz := r.Hz()
	if hz == 0 {
		hz = dataRateHz[DR_20_SPS]
	}
	period := time.Duration(float64(time.Second) / hz)
	return period*time.Duration(f.settlingCycles()) + 200*time.Microsecond
}

func adc2SettleTime(r ADC2Rate) time.Duration {
	hz := r.Hz()
	if hz == 0 {
		hz = adc2RateHz[ADC2_10_SPS]
	}
	// sinc3 filter
	return 3*time.Duration(float64(time.Second)/hz) + 200*time.Microsecond
}
