package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yunginnanet/sensorboard/pkg/ad5675"
	"github.com/yunginnanet/sensorboard/pkg/ads1263"
	"github.com/yunginnanet/sensorboard/pkg/calibration"
	"github.com/yunginnanet/sensorboard/pkg/max31856"
	"github.com/yunginnanet/sensorboard/pkg/regcodec"
)

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// adcInput parses an input name into either a channel or a pair.
func adcInput(s string) (ads1263.AnalogIn, ads1263.DiffPair, error) {
	if strings.HasPrefix(strings.ToUpper(s), "DIFF") {
		p, err := ads1263.ParseDiffPair(s)
		return 0, p, err
	}
	c, err := ads1263.ParseAnalogIn(s)
	return c, 0, err
}

func cmdADC(ctx context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("adc", flag.ContinueOnError)
	input := fs.String("input", "AIN0", "input to read: AIN0..AIN7 or DIFF_1..DIFF_4")
	rate := fs.Float64("rate", 20, "data rate in samples per second")
	gain := fs.Int("gain", 1, "PGA gain: 1, 2, 4, 8, 16 or 32")
	count := fs.Int("n", 1, "number of readings")
	continuous := fs.Bool("continuous", false, "run continuous conversions instead of pulse reads")
	checksum := fs.Bool("checksum", true, "verify the data checksum")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ch, pair, err := adcInput(*input)
	if err != nil {
		return err
	}
	dr, err := ads1263.ParseDataRate(*rate)
	if err != nil {
		return err
	}
	g, err := ads1263.ParseGain(*gain)
	if err != nil {
		return err
	}

	adc, err := b.ADC()
	if err != nil {
		return err
	}

	cfg := ads1263.Config{
		ConvMode:   ads1263.Pulse,
		DataRate:   dr,
		Gain:       g,
		Channel:    ch,
		Pair:       pair,
		Checksum:   ads1263.ToggleOf(*checksum),
		StatusByte: ads1263.On,
	}
	if *continuous {
		cfg.ConvMode = ads1263.Continuous
	}
	if err = adc.SetConfig(cfg); err != nil {
		return err
	}

	read := adc.SingleSample
	if *continuous {
		if err = adc.StartConversions(ads1263.ADC1); err != nil {
			return err
		}
		defer func() {
			if err := adc.StopConversions(ads1263.ADC1); err != nil {
				log.Warn().Err(err).Msg("failed to stop conversions")
			}
		}()
		period := time.Duration(float64(time.Second) / dr.Hz())
		read = func() (float64, error) {
			time.Sleep(period)
			return adc.ReadVoltage(ads1263.ADC1)
		}
	}

	for i := 0; i < *count && ctx.Err() == nil; i++ {
		v, err := read()
		if err != nil {
			return err
		}
		log.Info().Str("input", *input).Float64("volts", v).Int("n", i).Stringer("status", adc.LastStatus()).Msg("sample")
	}
	return nil
}

func cmdBatch(ctx context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	rate := fs.Float64("rate", 400, "data rate in samples per second")
	chans := fs.String("channels", "AIN0", "comma separated single-ended inputs")
	pairs := fs.String("pairs", "", "comma separated differential pairs")
	every := fs.Duration("every", 0, "repeat the batch at this interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dr, err := ads1263.ParseDataRate(*rate)
	if err != nil {
		return err
	}
	var (
		channels []ads1263.AnalogIn
		diffs    []ads1263.DiffPair
	)
	for _, s := range splitList(*chans) {
		c, err := ads1263.ParseAnalogIn(s)
		if err != nil {
			return err
		}
		channels = append(channels, c)
	}
	for _, s := range splitList(*pairs) {
		p, err := ads1263.ParseDiffPair(s)
		if err != nil {
			return err
		}
		diffs = append(diffs, p)
	}

	adc, err := b.ADC()
	if err != nil {
		return err
	}

	if *every == 0 {
		volts, err := adc.ReadSamplesBatch(dr, channels, diffs)
		if err != nil {
			return err
		}
		log.Info().Floats64("volts", volts).Msg("batch")
		return nil
	}

	scan, err := adc.ScanChannels(ctx, *every, dr, func(s ads1263.Sample) {
		log.Info().Str("input", s.Input).Float64("volts", s.Volts).Time("at", s.Time).Msg("sample")
	}, channels, diffs)
	if err != nil {
		return err
	}
	<-scan.Done()
	return scan.Err()
}

func cmdRTD(_ context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("rtd", flag.ContinueOnError)
	rate := fs.Float64("rate", 10, "ADC2 data rate: 10, 100, 400 or 800")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := ads1263.ParseADC2Rate(*rate)
	if err != nil {
		return err
	}
	adc, err := b.ADC()
	if err != nil {
		return err
	}
	// ADC1 powers up routed to AIN0/AIN1, clear of the RTD inputs
	if err = adc.SetConfig(ads1263.Config{RTD: ads1263.On, ADC2Rate: r, StatusByte: ads1263.On}); err != nil {
		return err
	}
	temp, err := adc.ReadRTD()
	if err != nil {
		return err
	}
	log.Info().Float64("celsius", temp).Msg("rtd")
	return adc.SetConfig(ads1263.Config{RTD: ads1263.Off})
}

func cmdSelfCal(_ context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("selfcal", flag.ContinueOnError)
	unit := fs.Int("unit", 1, "converter: 1 or 2")
	input := fs.String("input", "AIN0", "input to route while calibrating")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u := ads1263.Unit(*unit)
	ch, pair, err := adcInput(*input)
	if err != nil {
		return err
	}

	adc, err := b.ADC()
	if err != nil {
		return err
	}

	cfg := ads1263.Config{ConvMode: ads1263.Continuous, DataRate: ads1263.DR_20_SPS, Channel: ch, Pair: pair}
	if u == ads1263.ADC2 {
		cfg = ads1263.Config{ADC2Rate: ads1263.ADC2_10_SPS, ADC2Channel: ch, ADC2Pair: pair}
	}
	if err = adc.SetConfig(cfg); err != nil {
		return err
	}
	if err = adc.StartConversions(u); err != nil {
		return err
	}
	offset, err := adc.SelfCalibrate(u)
	err = errors.Join(err, adc.StopConversions(u))
	if err != nil {
		return err
	}
	log.Info().Stringer("unit", u).Int32("offset", offset).Msg("self calibration done")
	return nil
}

func cmdDAC(_ context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("dac", flag.ContinueOnError)
	chName := fs.String("channel", "AOUT0", "output channel AOUT0..AOUT7")
	volts := fs.Float64("volts", -1, "drive the output to this voltage")
	read := fs.Bool("read", false, "read back the output")
	power := fs.String("power", "", "set power mode: normal, 1k-to-gnd or tristate")
	reset := fs.Bool("reset", false, "software reset the DAC first")
	ldac := fs.Int("ldac-mask", -1, "channels that ignore the LDAC pin, bit n for AOUTn")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ch, err := ad5675.ParseChannel(*chName)
	if err != nil {
		return err
	}

	dac, err := b.DAC()
	if err != nil {
		return err
	}
	if *reset {
		if err = dac.Reset(); err != nil {
			return err
		}
	}
	if *ldac >= 0 {
		if *ldac > 0xFF {
			return fmt.Errorf("ldac mask 0x%X has more than %d bits", *ldac, ad5675.NumChannels)
		}
		if err = dac.SetLDACMask(uint8(*ldac)); err != nil {
			return err
		}
	}
	if *power != "" {
		p, err := ad5675.ParsePower(*power)
		if err != nil {
			return err
		}
		if err = dac.SetPowerMode(ch, p); err != nil {
			return err
		}
	}
	if *volts >= 0 {
		code, err := dac.WriteVoltage(ch, *volts)
		if err != nil {
			return err
		}
		log.Info().Stringer("channel", ch).Float64("volts", *volts).Uint16("code", code).Msg("output set")
	}
	if *read {
		v, err := dac.ReadVoltage(ch)
		if err != nil {
			return err
		}
		log.Info().Stringer("channel", ch).Float64("volts", v).Msg("readback")
	}
	st, err := dac.State(ch)
	if err != nil {
		return err
	}
	log.Debug().Any("state", st).Msg("channel state")
	return nil
}

func cmdTC(ctx context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("tc", flag.ContinueOnError)
	typ := fs.String("type", "", "thermocouple type letter, e.g. K")
	avg := fs.Int("avg", 0, "samples averaged per reading: 1, 2, 4, 8 or 16")
	hz50 := fs.Bool("50hz", false, "reject 50 Hz mains instead of 60 Hz")
	auto := fs.Bool("auto", false, "let the chip convert continuously")
	cjOffset := fs.Float64("cj-offset", 0, "cold-junction offset in °C")
	count := fs.Int("n", 1, "number of readings")
	clearFaults := fs.Bool("clear", false, "clear latched faults first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := max31856.Config{Averaging: *avg, Filter: max31856.Reject60Hz, Mode: max31856.SingleShot}
	if *typ != "" {
		t, err := max31856.ParseTCType(*typ)
		if err != nil {
			return err
		}
		cfg.Type = t
	}
	if *hz50 {
		cfg.Filter = max31856.Reject50Hz
	}
	if *auto {
		cfg.Mode = max31856.AutoConvert
	}

	tc, err := b.TC()
	if err != nil {
		return err
	}
	if *clearFaults {
		if err = tc.ClearFaults(); err != nil {
			return err
		}
	}
	if err = tc.SetConfig(cfg); err != nil {
		return err
	}
	if err = tc.SetColdJunctionOffset(*cjOffset); err != nil {
		return err
	}

	for i := 0; i < *count && ctx.Err() == nil; i++ {
		if i > 0 && *auto {
			time.Sleep(100 * time.Millisecond)
		}
		cj, lin, err := tc.ReadTemperatures()
		if err != nil {
			return err
		}
		log.Info().Float64("cold_junction", cj).Float64("thermocouple", lin).Int("n", i).Msg("temperatures")
	}

	f, err := tc.Faults()
	if err != nil {
		return err
	}
	return f.Err()
}

func cmdRegs(_ context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("regs", flag.ContinueOnError)
	chip := fs.String("chip", "adc", "chip: adc or tc")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		regs []byte
		name func(byte) string
		err  error
	)
	switch *chip {
	case "adc":
		var adc *ads1263.ADS1263
		if adc, err = b.ADC(); err != nil {
			return err
		}
		regs, err = adc.ReadRegisters()
		name = ads1263.RegisterName
	case "tc":
		var tc *max31856.MAX31856
		if tc, err = b.TC(); err != nil {
			return err
		}
		regs, err = tc.ReadRegisters()
		name = max31856.RegisterName
	default:
		return fmt.Errorf("unknown chip %q", *chip)
	}
	if err != nil {
		return err
	}

	values := make(map[string]string, len(regs))
	for addr, v := range regs {
		values[name(byte(addr))] = fmt.Sprintf("0x%02X", v)
	}
	log.Info().Any("values", values).Msgf("%s registers", *chip)
	return nil
}

func cmdRegWrite(_ context.Context, b *board, args []string) error {
	fs := flag.NewFlagSet("regwrite", flag.ContinueOnError)
	chip := fs.String("chip", "adc", "chip: adc or tc")
	addr := fs.Uint("addr", 0, "first register address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("no values to write")
	}
	if *addr > 0xFF {
		return fmt.Errorf("%w: 0x%X", regcodec.ErrInvalidAddress, *addr)
	}

	raw := make([]float64, fs.NArg())
	for i, s := range fs.Args() {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if u, uerr := strconv.ParseUint(s, 0, 8); uerr == nil {
				v, err = float64(u), nil
			}
		}
		if err != nil {
			return fmt.Errorf("value %q: %w", s, err)
		}
		raw[i] = v
	}
	values, err := regcodec.IntegerValues(raw)
	if err != nil {
		return err
	}

	switch *chip {
	case "adc":
		adc, err := b.ADC()
		if err != nil {
			return err
		}
		return adc.WriteRegisters(byte(*addr), values)
	case "tc":
		tc, err := b.TC()
		if err != nil {
			return err
		}
		return tc.WriteRegisters(byte(*addr), values)
	default:
		return fmt.Errorf("unknown chip %q", *chip)
	}
}

func cmdCalib(ctx context.Context, b *board, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		for _, k := range b.table.Keys() {
			p, _ := b.table.Lookup(k.Module, k.Channel)
			log.Info().Stringer("key", k).Float64("gain", p.Gain).Float64("offset", p.Offset).Send()
		}
		return nil
	case "init":
		// fill in identity parameters for channels the store lacks
		params := make(map[calibration.Key]calibration.Param)
		for k, p := range calibration.Defaults() {
			if _, err := b.table.Lookup(k.Module, k.Channel); errors.Is(err, calibration.ErrCalibKeyMissing) {
				params[k] = p
			}
		}
		if err := calibration.Save(ctx, b.store, params); err != nil {
			return err
		}
		log.Info().Int("added", len(params)).Msg("calibration initialized")
		return nil
	case "set":
		if len(args) != 5 {
			return errors.New("usage: calib set <adc|dac|tc> <channel> <gain> <offset>")
		}
		m := calibration.Module(strings.ToLower(args[1]))
		known := false
		for _, ch := range calibration.Channels(m) {
			known = known || ch == args[2]
		}
		if !known {
			return fmt.Errorf("no %s channel %q", m, args[2])
		}
		gain, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("gain: %w", err)
		}
		offset, err := strconv.ParseFloat(args[4], 64)
		if err != nil {
			return fmt.Errorf("offset: %w", err)
		}
		p := calibration.Param{Gain: gain, Offset: offset}
		if err = b.store.Set(ctx, m, args[2], p); err != nil {
			return err
		}
		b.table.Replace(m, args[2], p)
		log.Info().Str("module", string(m)).Str("channel", args[2]).Float64("gain", gain).Float64("offset", offset).Msg("calibration updated")
		return nil
	default:
		return fmt.Errorf("unknown calib action %q (want list, init or set)", args[0])
	}
}
