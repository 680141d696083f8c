package ads1263

import (
	"github.com/yunginnanet/sensorboard/pkg/devstate"
	"github.com/yunginnanet/sensorboard/pkg/regcodec"
	"github.com/yunginnanet/sensorboard/pkg/regmap"
)

// Constants from the datasheet

// Register Addresses
const (
	RegID        = 0x00
	RegPOWER     = 0x01
	RegINTERFACE = 0x02
	RegMODE0     = 0x03
	RegMODE1     = 0x04
	RegMODE2     = 0x05
	RegINPMUX    = 0x06
	RegOFCAL0    = 0x07
	RegOFCAL1    = 0x08
	RegOFCAL2    = 0x09
	RegFSCAL0    = 0x0A
	RegFSCAL1    = 0x0B
	RegFSCAL2    = 0x0C
	RegIDACMUX   = 0x0D
	RegIDACMAG   = 0x0E
	RegREFMUX    = 0x0F
	RegTDACP     = 0x10
	RegTDACN     = 0x11
	RegGPIOCON   = 0x12
	RegGPIODIR   = 0x13
	RegGPIODAT   = 0x14
	RegADC2CFG   = 0x15
	RegADC2MUX   = 0x16
	RegADC2OFC0  = 0x17
	RegADC2OFC1  = 0x18
	RegADC2FSC0  = 0x19
	RegADC2FSC1  = 0x1A

	// NumRegisters is the total number of registers.
	NumRegisters = 0x1B
)

var registerNames = [NumRegisters]string{
	"ID", "POWER", "INTERFACE", "MODE0", "MODE1", "MODE2", "INPMUX",
	"OFCAL0", "OFCAL1", "OFCAL2", "FSCAL0", "FSCAL1", "FSCAL2",
	"IDACMUX", "IDACMAG", "REFMUX", "TDACP", "TDACN",
	"GPIOCON", "GPIODIR", "GPIODAT",
	"ADC2CFG", "ADC2MUX", "ADC2OFC0", "ADC2OFC1", "ADC2FSC0", "ADC2FSC1",
}

// RegisterName returns the datasheet name of a register address.
func RegisterName(addr byte) string {
	if int(addr) >= NumRegisters {
		return "(invalid register)"
	}
	return registerNames[addr]
}

// Command Opcodes
const (
	CMDNOP     = 0x00
	CMDRESET   = 0x06
	CMDSTART1  = 0x08
	CMDSTOP1   = 0x0A
	CMDSTART2  = 0x0C
	CMDSTOP2   = 0x0E
	CMDRDATA1  = 0x12
	CMDRDATA2  = 0x14
	CMDSYOCAL1 = 0x16
	CMDSYGCAL1 = 0x17
	CMDSFOCAL1 = 0x19
	CMDSYOCAL2 = 0x1B
	CMDSYGCAL2 = 0x1C
	CMDSFOCAL2 = 0x1E
	CMDRREG    = 0x20 // 0x20 + reg
	CMDWREG    = 0x40 // 0x40 + reg
)

// Protocol is the ADS1263 register frame layout.
var Protocol = regcodec.Protocol{
	Name:         "ads1263",
	ReadOp:       CMDRREG,
	WriteOp:      CMDWREG,
	NumRegisters: NumRegisters,
	CountByte:    true,
	Ops: map[regcodec.Op][]byte{
		regcodec.OpNOP:           {CMDNOP},
		regcodec.OpReset:         {CMDRESET},
		regcodec.OpStart:         {CMDSTART1, CMDSTART2},
		regcodec.OpStop:          {CMDSTOP1, CMDSTOP2},
		regcodec.OpReadData:      {CMDRDATA1, CMDRDATA2},
		regcodec.OpSelfOffsetCal: {CMDSFOCAL1, CMDSFOCAL2},
	},
}

// Logical register fields.
const (
	FieldStatusByte devstate.Field = "iface.status"
	FieldCRC        devstate.Field = "iface.crc"

	FieldConvMode  devstate.Field = "adc1.conv_mode"
	FieldChop      devstate.Field = "adc1.chop"
	FieldDelay     devstate.Field = "adc1.delay"
	FieldFilter    devstate.Field = "adc1.filter"
	FieldPGABypass devstate.Field = "adc1.pga_bypass"
	FieldGain      devstate.Field = "adc1.gain"
	FieldDataRate  devstate.Field = "adc1.data_rate"
	FieldMuxP      devstate.Field = "adc1.mux_p"
	FieldMuxN      devstate.Field = "adc1.mux_n"
	FieldIDAC2Mux  devstate.Field = "idac.mux2"
	FieldIDAC1Mux  devstate.Field = "idac.mux1"
	FieldIDAC2Mag  devstate.Field = "idac.mag2"
	FieldIDAC1Mag  devstate.Field = "idac.mag1"
	FieldRefMuxP   devstate.Field = "ref.mux_p"
	FieldRefMuxN   devstate.Field = "ref.mux_n"
	FieldADC2Rate  devstate.Field = "adc2.data_rate"
	FieldADC2Ref   devstate.Field = "adc2.ref"
	FieldADC2Gain  devstate.Field = "adc2.gain"
	FieldADC2MuxP  devstate.Field = "adc2.mux_p"
	FieldADC2MuxN  devstate.Field = "adc2.mux_n"
)

// adc1Map holds the registers ADC1 conversions depend on, plus the shared
// interface, excitation and reference registers.
var adc1Map = regmap.Map{
	{Name: "INTERFACE", Addr: RegINTERFACE, Default: 0x05, Fields: []regmap.Field{
		{Name: FieldStatusByte, Shift: 2, Width: 1},
		{Name: FieldCRC, Shift: 0, Width: 2},
	}},
	{Name: "MODE0", Addr: RegMODE0, Default: 0x00, Fields: []regmap.Field{
		{Name: FieldConvMode, Shift: 6, Width: 1},
		{Name: FieldChop, Shift: 4, Width: 2},
		{Name: FieldDelay, Shift: 0, Width: 4},
	}},
	{Name: "MODE1", Addr: RegMODE1, Default: 0x80, Fields: []regmap.Field{
		{Name: FieldFilter, Shift: 5, Width: 3},
	}},
	{Name: "MODE2", Addr: RegMODE2, Default: 0x04, Fields: []regmap.Field{
		{Name: FieldPGABypass, Shift: 7, Width: 1},
		{Name: FieldGain, Shift: 4, Width: 3},
		{Name: FieldDataRate, Shift: 0, Width: 4},
	}},
	{Name: "INPMUX", Addr: RegINPMUX, Default: 0x01, Fields: []regmap.Field{
		{Name: FieldMuxP, Shift: 4, Width: 4},
		{Name: FieldMuxN, Shift: 0, Width: 4},
	}},
	{Name: "IDACMUX", Addr: RegIDACMUX, Default: 0xBB, Fields: []regmap.Field{
		{Name: FieldIDAC2Mux, Shift: 4, Width: 4},
		{Name: FieldIDAC1Mux, Shift: 0, Width: 4},
	}},
	{Name: "IDACMAG", Addr: RegIDACMAG, Default: 0x00, Fields: []regmap.Field{
		{Name: FieldIDAC2Mag, Shift: 4, Width: 4},
		{Name: FieldIDAC1Mag, Shift: 0, Width: 4},
	}},
	{Name: "REFMUX", Addr: RegREFMUX, Default: 0x00, Fields: []regmap.Field{
		{Name: FieldRefMuxP, Shift: 3, Width: 3},
		{Name: FieldRefMuxN, Shift: 0, Width: 3},
	}},
}

var adc2Map = regmap.Map{
	{Name: "ADC2CFG", Addr: RegADC2CFG, Default: 0x00, Fields: []regmap.Field{
		{Name: FieldADC2Rate, Shift: 6, Width: 2},
		{Name: FieldADC2Ref, Shift: 3, Width: 3},
		{Name: FieldADC2Gain, Shift: 0, Width: 3},
	}},
	{Name: "ADC2MUX", Addr: RegADC2MUX, Default: 0x01, Fields: []regmap.Field{
		{Name: FieldADC2MuxP, Shift: 4, Width: 4},
		{Name: FieldADC2MuxN, Shift: 0, Width: 4},
	}},
}

// MODE0 RUNMODE values
const (
	runContinuous = 0
	runPulse      = 1
)

// INTERFACE CRC values
const (
	crcOff      = 0
	crcChecksum = 1
)

// Input multiplexer codes beyond AIN0..AIN7.
const (
	muxAIN8   = 0x08
	muxAIN9   = 0x09
	muxAINCOM = 0x0A
	idacOff   = 0x0B
)

// IDACMAG magnitude codes
const (
	IDACOff   = 0x00
	IDAC50uA  = 0x01
	IDAC100uA = 0x02
	IDAC250uA = 0x03
	IDAC500uA = 0x04
	IDAC750uA = 0x05
	IDAC1mA   = 0x06
)

// ADC2CFG REF2 codes
const (
	ref2Internal = 0x00
	ref2AIN4AIN5 = 0x03
)

// Bits for the STATUS byte prefixed to conversion data
const (
	StatusADC2bit    = 0x80
	StatusADC1bit    = 0x40
	StatusEXTCLKbit  = 0x20
	StatusREFALMbit  = 0x10
	StatusPGALALMbit = 0x08
	StatusPGAHALMbit = 0x04
	StatusPGADALMbit = 0x02
	StatusRESETbit   = 0x01
)

// checksumSeed is added to the data byte sum in checksum mode.
const checksumSeed = 0x9B

// InternalVRef is the internal reference voltage.
const InternalVRef = 2.5
