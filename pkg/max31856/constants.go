package max31856

import (
	"github.com/yunginnanet/sensorboard/pkg/devstate"
	"github.com/yunginnanet/sensorboard/pkg/regcodec"
	"github.com/yunginnanet/sensorboard/pkg/regmap"
)

// Register Addresses
const (
	RegCR0    = 0x00
	RegCR1    = 0x01
	RegMASK   = 0x02
	RegCJHF   = 0x03
	RegCJLF   = 0x04
	RegLTHFTH = 0x05
	RegLTHFTL = 0x06
	RegLTLFTH = 0x07
	RegLTLFTL = 0x08
	RegCJTO   = 0x09
	RegCJTH   = 0x0A
	RegCJTL   = 0x0B
	RegLTCBH  = 0x0C
	RegLTCBM  = 0x0D
	RegLTCBL  = 0x0E
	RegSR     = 0x0F

	NumRegisters = 0x10
)

var registerNames = [NumRegisters]string{
	"CR0", "CR1", "MASK", "CJHF", "CJLF", "LTHFTH", "LTHFTL", "LTLFTH",
	"LTLFTL", "CJTO", "CJTH", "CJTL", "LTCBH", "LTCBM", "LTCBL", "SR",
}

// RegisterName returns the datasheet name of a register address.
func RegisterName(addr byte) string {
	if int(addr) >= NumRegisters {
		return "(invalid register)"
	}
	return registerNames[addr]
}

// Protocol is the MAX31856 register frame layout: the address with bit 7 set
// for writes, no count byte, auto-incrementing.
var Protocol = regcodec.Protocol{
	Name:         "max31856",
	ReadOp:       0x00,
	WriteOp:      0x80,
	NumRegisters: NumRegisters,
}

// CR0 bits
const (
	cr0OneShot    = 0x40
	cr0FaultClear = 0x02
)

// Logical register fields.
const (
	FieldConvMode   devstate.Field = "cr0.cmode"
	FieldOCFault    devstate.Field = "cr0.ocfault"
	FieldCJDisable  devstate.Field = "cr0.cj_disable"
	FieldFaultMode  devstate.Field = "cr0.fault_mode"
	FieldFilter50Hz devstate.Field = "cr0.filter_50hz"
	FieldAveraging  devstate.Field = "cr1.avgsel"
	FieldTCType     devstate.Field = "cr1.tc_type"
	FieldFaultMask  devstate.Field = "mask"
	FieldCJHigh     devstate.Field = "cj.high"
	FieldCJLow      devstate.Field = "cj.low"
	FieldTCHighMSB  devstate.Field = "tc.high_msb"
	FieldTCHighLSB  devstate.Field = "tc.high_lsb"
	FieldTCLowMSB   devstate.Field = "tc.low_msb"
	FieldTCLowLSB   devstate.Field = "tc.low_lsb"
	FieldCJOffset   devstate.Field = "cj.offset"
)

// regMap omits the self-clearing 1SHOT and FAULTCLR bits; they are OR'd into
// a CR0 write when needed and never mirrored.
var regMap = regmap.Map{
	{Name: "CR0", Addr: RegCR0, Default: 0x00, Fields: []regmap.Field{
		{Name: FieldConvMode, Shift: 7, Width: 1},
		{Name: FieldOCFault, Shift: 4, Width: 2},
		{Name: FieldCJDisable, Shift: 3, Width: 1},
		{Name: FieldFaultMode, Shift: 2, Width: 1},
		{Name: FieldFilter50Hz, Shift: 0, Width: 1},
	}},
	{Name: "CR1", Addr: RegCR1, Default: 0x03, Fields: []regmap.Field{
		{Name: FieldAveraging, Shift: 4, Width: 3},
		{Name: FieldTCType, Shift: 0, Width: 4},
	}},
	{Name: "MASK", Addr: RegMASK, Default: 0xFF, Fields: []regmap.Field{
		{Name: FieldFaultMask, Shift: 0, Width: 8},
	}},
	{Name: "CJHF", Addr: RegCJHF, Default: 0x7F, Fields: []regmap.Field{{Name: FieldCJHigh, Shift: 0, Width: 8}}},
	{Name: "CJLF", Addr: RegCJLF, Default: 0xC0, Fields: []regmap.Field{{Name: FieldCJLow, Shift: 0, Width: 8}}},
	{Name: "LTHFTH", Addr: RegLTHFTH, Default: 0x7F, Fields: []regmap.Field{{Name: FieldTCHighMSB, Shift: 0, Width: 8}}},
	{Name: "LTHFTL", Addr: RegLTHFTL, Default: 0xFF, Fields: []regmap.Field{{Name: FieldTCHighLSB, Shift: 0, Width: 8}}},
	{Name: "LTLFTH", Addr: RegLTLFTH, Default: 0x80, Fields: []regmap.Field{{Name: FieldTCLowMSB, Shift: 0, Width: 8}}},
	{Name: "LTLFTL", Addr: RegLTLFTL, Default: 0x00, Fields: []regmap.Field{{Name: FieldTCLowLSB, Shift: 0, Width: 8}}},
	{Name: "CJTO", Addr: RegCJTO, Default: 0x00, Fields: []regmap.Field{{Name: FieldCJOffset, Shift: 0, Width: 8}}},
}

// Fault status register bits
const (
	FaultCJRange Fault = 0x80
	FaultTCRange Fault = 0x40
	FaultCJHigh  Fault = 0x20
	FaultCJLow   Fault = 0x10
	FaultTCHigh  Fault = 0x08
	FaultTCLow   Fault = 0x04
	FaultOVUV    Fault = 0x02
	FaultOpen    Fault = 0x01
)

// Temperature register weights in °C per LSB.
const (
	cjOffsetLSB = 1.0 / 16
	tcThreshLSB = 1.0 / 16
	cjThreshLSB = 1.0
)
