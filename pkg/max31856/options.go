package max31856

import (
	"fmt"
	"strings"
	"time"
)

// The zero value of every option type means "leave unchanged".

// ConvMode selects automatic or single-shot conversions.
type ConvMode int

const (
	_ ConvMode = iota
	AutoConvert
	SingleShot
)

func (m ConvMode) code() int {
	if m == AutoConvert {
		return 1
	}
	return 0
}

func (m ConvMode) String() string {
	switch m {
	case AutoConvert:
		return "auto"
	case SingleShot:
		return "single"
	default:
		return "(unchanged)"
	}
}

// TCType is the thermocouple type the chip linearizes for.
type TCType int

const (
	_ TCType = iota
	TypeB
	TypeE
	TypeJ
	TypeK
	TypeN
	TypeR
	TypeS
	TypeT
)

const tcTypeLetters = "BEJKNRST"

func (t TCType) valid() bool { return t >= TypeB && t <= TypeT }

func (t TCType) code() int { return int(t) - 1 }

func (t TCType) String() string {
	if !t.valid() {
		return "(unchanged)"
	}
	return "Type " + tcTypeLetters[t-1:t]
}

// ParseTCType accepts a type letter such as "K".
func ParseTCType(s string) (TCType, error) {
	s = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "Type "))
	if len(s) == 1 {
		if i := strings.Index(tcTypeLetters, s); i >= 0 {
			return TCType(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: thermocouple type %q", ErrInvalidConfig, s)
}

// NoiseFilter selects the mains frequency the chip rejects.
type NoiseFilter int

const (
	_ NoiseFilter = iota
	Reject60Hz
	Reject50Hz
)

// OCMode is the open-circuit detection mode, OCDisabled or one of the three
// detection timings from the datasheet.
type OCMode int

const (
	_ OCMode = iota
	OCDisabled
	OCMode1
	OCMode2
	OCMode3
)

func (m OCMode) code() int { return int(m) - 1 }

// Toggle is an on/off option.
type Toggle int

const (
	_ Toggle = iota
	On
	Off
)

// Config enumerates every setting SetConfig accepts.
type Config struct {
	Mode ConvMode
	// Averaging is the number of samples averaged per result: 1, 2, 4, 8 or
	// 16. Zero leaves it unchanged.
	Averaging    int
	Type         TCType
	Filter       NoiseFilter
	ColdJunction Toggle
	OpenCircuit  OCMode
	// FaultInterrupt latches faults until cleared instead of following the
	// fault condition.
	FaultInterrupt Toggle
	// FaultMask masks FAULT pin assertion, one bit per fault in the layout of
	// the status register. Nil leaves it unchanged.
	FaultMask *uint8
}

func averagingCode(n int) (int, bool) {
	for code := 0; code <= 4; code++ {
		if 1<<code == n {
			return code, true
		}
	}
	return 0, false
}

func (c Config) validate() error {
	switch {
	case c.Mode < 0 || c.Mode > SingleShot:
		return fmt.Errorf("%w: conversion mode %d", ErrInvalidConfig, c.Mode)
	case c.Type != 0 && !c.Type.valid():
		return fmt.Errorf("%w: thermocouple type %d", ErrInvalidConfig, c.Type)
	case c.Filter < 0 || c.Filter > Reject50Hz:
		return fmt.Errorf("%w: noise filter %d", ErrInvalidConfig, c.Filter)
	case c.OpenCircuit < 0 || c.OpenCircuit > OCMode3:
		return fmt.Errorf("%w: open-circuit mode %d", ErrInvalidConfig, c.OpenCircuit)
	case c.ColdJunction < 0 || c.ColdJunction > Off, c.FaultInterrupt < 0 || c.FaultInterrupt > Off:
		return fmt.Errorf("%w: toggle out of range", ErrInvalidConfig)
	}
	if c.Averaging != 0 {
		if _, ok := averagingCode(c.Averaging); !ok {
			return fmt.Errorf("%w: averaging %d (want 1, 2, 4, 8 or 16)", ErrInvalidConfig, c.Averaging)
		}
	}
	return nil
}

// conversionTime is the worst-case single-shot conversion time.
func conversionTime(filter50Hz bool, avgCode int) time.Duration {
	base, extra := 143*time.Millisecond, 33333*time.Microsecond
	if filter50Hz {
		base, extra = 169*time.Millisecond, 40*time.Millisecond
	}
	return base + time.Duration((1<<avgCode)-1)*extra
}

// Thresholds are the fault limits in °C. Cold-junction limits have 1 °C
// resolution; thermocouple limits 0.0625 °C.
type Thresholds struct {
	CJHigh float64
	CJLow  float64
	TCHigh float64
	TCLow  float64
}
