package ads1263

import (
	"fmt"
	"strings"

	"github.com/yunginnanet/sensorboard/pkg/bus"
	"github.com/yunginnanet/sensorboard/pkg/convert"
	"github.com/yunginnanet/sensorboard/pkg/regcodec"
)

// Status is the byte the chip prefixes to conversion data when the status
// byte is enabled.
type Status byte

// Alarms lists the alarm bits that are set.
func (s Status) Alarms() []string {
	var out []string
	for _, a := range []struct {
		bit  byte
		name string
	}{
		{StatusREFALMbit, "reference low"},
		{StatusPGALALMbit, "PGA output low"},
		{StatusPGAHALMbit, "PGA output high"},
		{StatusPGADALMbit, "PGA differential out of range"},
		{StatusRESETbit, "reset"},
	} {
		if byte(s)&a.bit != 0 {
			out = append(out, a.name)
		}
	}
	return out
}

// NewData reports whether the unit had a new conversion since the last read.
func (s Status) NewData(u Unit) bool {
	if u == ADC2 {
		return byte(s)&StatusADC2bit != 0
	}
	return byte(s)&StatusADC1bit != 0
}

func (s Status) String() string {
	alarms := s.Alarms()
	if len(alarms) == 0 {
		return fmt.Sprintf("0x%02X", byte(s))
	}
	return fmt.Sprintf("0x%02X (%s)", byte(s), strings.Join(alarms, ", "))
}

// LastStatus returns the status byte of the most recent data read. It is zero
// when the status byte is disabled.
func (adc *ADS1263) LastStatus() Status {
	adc.mu.Lock()
	defer adc.mu.Unlock()
	return adc.status
}

// xfer runs one frame and logs it with the operation it belongs to.
func (adc *ADS1263) xfer(t bus.Transport, op string, tx []byte) ([]byte, error) {
	rx, err := bus.Exchange(t, tx)
	if err != nil {
		adc.log.Debug().Str("op", op).Hex("tx", tx).Err(err).Msg("transfer failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	adc.log.Debug().Str("op", op).Hex("tx", tx).Hex("rx", rx).Send()
	return rx, nil
}

func (adc *ADS1263) sendCommand(t bus.Transport, op regcodec.Op, u Unit) error {
	cmd, err := Protocol.BuildCommand(op, int(u))
	if err != nil {
		return err
	}
	name := op.String()
	if op != regcodec.OpReset {
		name += fmt.Sprintf("%d", int(u))
	}
	_, err = adc.xfer(t, name, cmd)
	return err
}

func checksum(data []byte) byte {
	sum := byte(checksumSeed)
	for _, b := range data {
		sum += b
	}
	return sum
}

// readData issues RDATA for a unit and decodes the signed conversion code.
// The frame layout follows the INTERFACE register: an optional status byte,
// four data bytes (ADC2 pads its three with a zero) and an optional checksum.
func (adc *ADS1263) readData(t bus.Transport, u Unit) (int32, error) {
	withStatus := adc.field(adc.adc1, FieldStatusByte) == 1
	withCRC := adc.field(adc.adc1, FieldCRC) == crcChecksum

	n := 1 + 4
	if withStatus {
		n++
	}
	if withCRC {
		n++
	}

	cmd, err := Protocol.BuildCommand(regcodec.OpReadData, int(u))
	if err != nil {
		return 0, err
	}
	tx := getDataFrame(n)
	defer putDataFrame(tx)
	tx[0] = cmd[0]

	rx, err := adc.xfer(t, fmt.Sprintf("RDATA%d", int(u)), tx)
	if err != nil {
		return 0, err
	}

	i := 1
	if withStatus {
		adc.status = Status(rx[i])
		i++
		if alarms := adc.status.Alarms(); len(alarms) > 0 {
			adc.log.Warn().Str("unit", u.String()).Strs("alarms", alarms).Msg("status alarm")
		}
	}
	data := rx[i : i+4]
	if withCRC {
		if want, got := checksum(data), rx[i+4]; want != got {
			return 0, fmt.Errorf("%s: %w: computed 0x%02X, received 0x%02X", u, ErrChecksum, want, got)
		}
	}

	if u == ADC2 {
		return convert.Code24(data[:3]), nil
	}
	return convert.Code32(data), nil
}
