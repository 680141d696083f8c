package ad5675

// Commands from the datasheet. A frame is three bytes: the command in the
// high nibble of the first byte, the channel address in its low nibble, then
// the 16-bit data word MSB first.
const (
	CmdNOP            = 0x0
	CmdWriteInput     = 0x1
	CmdUpdate         = 0x2
	CmdWriteAndUpdate = 0x3
	CmdPower          = 0x4
	CmdLDACMask       = 0x5
	CmdSoftReset      = 0x6
	CmdReadback       = 0x9
)

// softResetCode must accompany the software reset command.
const softResetCode = 0x1234

func build(cmd byte, ch Channel, data uint16) []byte {
	return []byte{cmd<<4 | byte(ch)&0x0F, byte(data >> 8), byte(data)}
}

// CombineWriteAndUpdate loads code into a channel's input register and moves
// it to the output in one frame.
func CombineWriteAndUpdate(ch Channel, code uint16) []byte {
	return build(CmdWriteAndUpdate, ch, code)
}

// WriteInput loads a channel's input register without changing its output.
func WriteInput(ch Channel, code uint16) []byte {
	return build(CmdWriteInput, ch, code)
}

// UpdateChannel copies a channel's input register to its output.
func UpdateChannel(ch Channel) []byte {
	return build(CmdUpdate, ch, 0)
}

// PowerMode sets the power state of every channel at once, two bits per
// channel with AOUT0 in the low bits.
func PowerMode(modes [NumChannels]Power) []byte {
	var word uint16
	for ch, m := range modes {
		word |= uint16(m&0x3) << (2 * ch)
	}
	return build(CmdPower, 0, word)
}

// LDACMask sets which channels ignore the LDAC pin.
func LDACMask(mask uint8) []byte {
	return build(CmdLDACMask, 0, uint16(mask))
}

// SoftReset returns the chip to power-on state.
func SoftReset() []byte {
	return build(CmdSoftReset, 0, softResetCode)
}

// ReadbackSetup selects a channel for readback; its input register is clocked
// out during the following frame.
func ReadbackSetup(ch Channel) []byte {
	return build(CmdReadback, ch, 0)
}

// NOP clocks a frame through without effect.
func NOP() []byte {
	return build(CmdNOP, 0, 0)
}
