package ads1263

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/conntest"

	"github.com/yunginnanet/sensorboard/pkg/bus"
	"github.com/yunginnanet/sensorboard/pkg/calibration"
	"github.com/yunginnanet/sensorboard/pkg/devstate"
)

func frame(w ...byte) conntest.IO {
	return conntest.IO{W: w, R: make([]byte, len(w))}
}

func reply(w []byte, r ...byte) conntest.IO {
	return conntest.IO{W: w, R: r}
}

// rdata1 is an RDATA1 frame with the default status and checksum bytes.
var rdata1 = []byte{CMDRDATA1, 0, 0, 0, 0, 0, 0}

func newTestADC(t *testing.T, ops ...conntest.IO) (*ADS1263, *conntest.Playback, *calibration.Table) {
	t.Helper()
	pb := &conntest.Playback{Ops: ops, DontPanic: true}
	table := calibration.NewTable(calibration.Defaults())
	return New(bus.NewDevice("adc", pb, zerolog.Nop()), table), pb, table
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSetConfig(t *testing.T) {
	t.Run("WritesOnlyDiff", func(t *testing.T) {
		adc, pb, _ := newTestADC(t,
			// MODE2 and INPMUX share one frame
			frame(0x45, 0x01, 0x28, 0x1A),
			frame(0x45, 0x00, 0x38),
		)
		cfg := Config{DataRate: DR_400_SPS, Gain: Gain4, Channel: AIN1}
		if err := adc.SetConfig(cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.SetConfig(cfg); err != nil {
			t.Fatalf("repeated config should be a no-op: %v", err)
		}
		if err := adc.SetConfig(Config{Gain: Gain8}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
		if got := adc.Settings(ADC1)[FieldGain]; got != Gain8.code() {
			t.Errorf("gain field = %d, want %d", got, Gain8.code())
		}
		if adc.Mode(ADC1) != devstate.Configuring {
			t.Errorf("mode = %s, want configuring", adc.Mode(ADC1))
		}
	})

	t.Run("InvalidConfigSendsNothing", func(t *testing.T) {
		adc, pb, _ := newTestADC(t)
		err := adc.SetConfig(Config{Channel: AIN0, Pair: DIFF_1})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
		if err = adc.SetConfig(Config{DataRate: 42}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("WriteFailureInvalidates", func(t *testing.T) {
		adc, _, _ := newTestADC(t)
		if err := adc.SetConfig(Config{Gain: Gain2}); err == nil {
			t.Fatal("expected error from empty playback")
		}
		if !adc.adc1.Stale() {
			t.Error("mirror should be stale after a failed write")
		}
		if _, ok := adc.Settings(ADC1)[FieldGain]; !ok {
			t.Error("gain field missing from mirror")
		}
		if got := adc.Settings(ADC1)[FieldGain]; got != 0 {
			t.Errorf("failed write was committed: gain field = %d", got)
		}
	})
}

func TestRTD(t *testing.T) {
	adc, pb, _ := newTestADC(t,
		frame(0x46, 0x00, 0x0A),
		frame(0x4D, 0x01, 0xB8, 0x04),
		frame(0x55, 0x01, 0x18, 0x67),
		frame(CMDSTART2),
		reply([]byte{CMDRDATA2, 0, 0, 0, 0, 0, 0}, 0xFF, 0x80, 0x06, 0x66, 0x66, 0x00, 0x6D),
		frame(CMDSTOP2),
	)

	t.Run("Disabled", func(t *testing.T) {
		if _, err := adc.ReadRTD(); !errors.Is(err, ErrRTDDisabled) {
			t.Errorf("expected ErrRTDDisabled, got %v", err)
		}
	})

	t.Run("ConflictSendsNothing", func(t *testing.T) {
		for _, cfg := range []Config{
			{RTD: On, Channel: AIN5},
			{RTD: On, Pair: DIFF_3},
			{RTD: On, ADC2Channel: AIN0},
		} {
			if err := adc.SetConfig(cfg); !errors.Is(err, ErrRTDEnabled) {
				t.Errorf("%+v: expected ErrRTDEnabled, got %v", cfg, err)
			}
		}
		if pb.Count != 0 {
			t.Errorf("conflicting config sent %d frames", pb.Count)
		}
	})

	t.Run("Enable", func(t *testing.T) {
		if err := adc.SetConfig(Config{RTD: On, Channel: AIN0}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !adc.RTDEnabled() {
			t.Fatal("RTD should be enabled")
		}
	})

	t.Run("ReservedWhileEnabled", func(t *testing.T) {
		for _, cfg := range []Config{{Channel: AIN6}, {Pair: DIFF_4}, {ADC2Pair: DIFF_1}, {ADC2Gain: Gain2}} {
			if err := adc.SetConfig(cfg); !errors.Is(err, ErrRTDEnabled) {
				t.Errorf("%+v: expected ErrRTDEnabled, got %v", cfg, err)
			}
		}
		if _, err := adc.ReadSamplesBatch(DR_38400_SPS, []AnalogIn{AIN0, AIN7}, nil); !errors.Is(err, ErrRTDEnabled) {
			t.Errorf("batch: expected ErrRTDEnabled, got %v", err)
		}
	})

	t.Run("Read", func(t *testing.T) {
		temp, err := adc.ReadRTD()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(temp) > 0.01 {
			t.Errorf("temperature = %v, want about 0", temp)
		}
		if s := adc.LastStatus(); !s.NewData(ADC2) {
			t.Errorf("status %s should flag new ADC2 data", s)
		}
	})

	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestConversions(t *testing.T) {
	t.Run("IncompleteConfig", func(t *testing.T) {
		adc, pb, _ := newTestADC(t, frame(0x45, 0x00, 0x0F))
		if err := adc.StartConversions(ADC1); !errors.Is(err, devstate.ErrIncompleteConfig) {
			t.Errorf("expected ErrIncompleteConfig, got %v", err)
		}
		if err := adc.SetConfig(Config{DataRate: DR_38400_SPS}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.StartConversions(ADC1); !errors.Is(err, devstate.ErrIncompleteConfig) {
			t.Errorf("input never set: expected ErrIncompleteConfig, got %v", err)
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("NotConverting", func(t *testing.T) {
		adc, _, _ := newTestADC(t)
		if _, err := adc.ReadVoltage(ADC1); !errors.Is(err, ErrContinuousMode) {
			t.Errorf("expected ErrContinuousMode, got %v", err)
		}
		if err := adc.StopConversions(ADC2); !errors.Is(err, devstate.ErrNotConverting) {
			t.Errorf("expected ErrNotConverting, got %v", err)
		}
		if _, err := adc.SelfCalibrate(ADC1); !errors.Is(err, devstate.ErrNotConverting) {
			t.Errorf("expected ErrNotConverting, got %v", err)
		}
		if _, err := adc.SingleSample(); !errors.Is(err, ErrContinuousMode) {
			t.Errorf("continuous mode: expected ErrContinuousMode, got %v", err)
		}
		if _, err := adc.ReadVoltage(3); !errors.Is(err, ErrInvalidUnit) {
			t.Errorf("expected ErrInvalidUnit, got %v", err)
		}
	})

	t.Run("ContinuousRead", func(t *testing.T) {
		adc, pb, table := newTestADC(t,
			frame(0x45, 0x01, 0x2F, 0x1A),
			frame(CMDSTART1),
			// 2^29 with status byte and checksum
			reply(rdata1, 0xFF, 0x40, 0x20, 0x00, 0x00, 0x00, 0xBB),
			frame(CMDSTOP1),
		)
		table.Replace(calibration.ADC, "AIN1", calibration.Param{Gain: 2, Offset: 0.1})

		if err := adc.SetConfig(Config{DataRate: DR_38400_SPS, Gain: Gain4, Channel: AIN1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.StartConversions(ADC1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		v, err := adc.ReadVoltage(ADC1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// 0.25 * 2.5 / 4 = 0.15625, calibrated: 0.15625*2 + 0.1
		if !near(v, 0.4125) {
			t.Errorf("voltage = %v, want 0.4125", v)
		}
		if adc.Mode(ADC1) != devstate.Converting {
			t.Errorf("continuous conversion should keep converting, mode = %s", adc.Mode(ADC1))
		}
		if err = adc.StopConversions(ADC1); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if adc.Mode(ADC1) != devstate.Idle {
			t.Errorf("mode = %s after stop", adc.Mode(ADC1))
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("Checksum", func(t *testing.T) {
		adc, pb, _ := newTestADC(t,
			frame(0x45, 0x01, 0x0F, 0x0A),
			frame(CMDSTART1),
			reply(rdata1, 0xFF, 0x40, 0x20, 0x00, 0x00, 0x00, 0xBC),
		)
		if err := adc.SetConfig(Config{DataRate: DR_38400_SPS, Channel: AIN0}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.StartConversions(ADC1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := adc.ReadVoltage(ADC1); !errors.Is(err, ErrChecksum) {
			t.Errorf("expected ErrChecksum, got %v", err)
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("SingleSample", func(t *testing.T) {
		adc, pb, _ := newTestADC(t,
			frame(0x43, 0x00, 0x40),
			frame(0x45, 0x01, 0x0F, 0x0A),
			frame(CMDSTART1),
			reply(rdata1, 0xFF, 0x40, 0xE0, 0x00, 0x00, 0x00, 0x7B),
		)
		if err := adc.SetConfig(Config{ConvMode: Pulse, DataRate: DR_38400_SPS, Channel: AIN0}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		v, err := adc.SingleSample()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !near(v, -0.625) {
			t.Errorf("voltage = %v, want -0.625", v)
		}
		if adc.Mode(ADC1) != devstate.Idle {
			t.Errorf("pulse conversion should end idle, mode = %s", adc.Mode(ADC1))
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})
}

func TestReadSamplesBatch(t *testing.T) {
	adc, pb, table := newTestADC(t,
		frame(0x43, 0x00, 0x40),
		frame(0x45, 0x00, 0x0F),
		frame(0x46, 0x00, 0x0A),
		frame(CMDSTART1),
		reply(rdata1, 0xFF, 0x40, 0x40, 0x00, 0x00, 0x00, 0xDB),
		frame(0x46, 0x00, 0x23),
		frame(CMDSTART1),
		reply(rdata1, 0xFF, 0x40, 0xC0, 0x00, 0x00, 0x00, 0x5B),
	)
	// DIFF_2 is AIN2/AIN3 and must not pick up either input's calibration
	table.Replace(calibration.ADC, "AIN2", calibration.Param{Gain: 10})
	table.Replace(calibration.ADC, "DIFF_2", calibration.Param{Gain: 2})

	got, err := adc.ReadSamplesBatch(DR_38400_SPS, []AnalogIn{AIN0}, []DiffPair{DIFF_2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{1.25, -2.5}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if !near(got[i], want[i]) {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
	if err = pb.Close(); err != nil {
		t.Error(err)
	}

	t.Run("InvalidRate", func(t *testing.T) {
		if _, err := adc.ReadSamplesBatch(0, []AnalogIn{AIN0}, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("SettlesAfterStart", func(t *testing.T) {
		ops := []conntest.IO{frame(0x43, 0x00, 0x40), frame(0x45, 0x00, 0x08)}
		for _, mux := range []byte{0x0A, 0x1A, 0x2A, 0x3A} {
			ops = append(ops,
				frame(0x46, 0x00, mux),
				frame(CMDSTART1),
				reply(rdata1, 0xFF, 0x40, 0x00, 0x00, 0x00, 0x00, 0x9B),
			)
		}
		c := &slowConn{Playback: &conntest.Playback{Ops: ops, DontPanic: true}, delay: 700 * time.Microsecond}
		adc := New(bus.NewDevice("adc", c, zerolog.Nop()), calibration.NewTable(calibration.Defaults()))

		if _, err := adc.ReadSamplesBatch(DR_400_SPS, []AnalogIn{AIN0, AIN1, AIN2, AIN3}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(c.startDone) != 4 || len(c.readBegin) != 4 {
			t.Fatalf("saw %d starts and %d reads, want 4 each", len(c.startDone), len(c.readBegin))
		}
		settle := settleTime(DR_400_SPS, FIR)
		for i := range c.startDone {
			if gap := c.readBegin[i].Sub(c.startDone[i]); gap < settle {
				t.Errorf("entry %d: read %s after START, want at least %s", i, gap, settle)
			}
		}
		if err := c.Close(); err != nil {
			t.Error(err)
		}
	})
}

// slowConn replays a Playback with a fixed delay per transfer and notes when
// each START1 finished and each RDATA1 began.
type slowConn struct {
	*conntest.Playback
	delay time.Duration

	mu        sync.Mutex
	startDone []time.Time
	readBegin []time.Time
}

func (c *slowConn) Tx(w, r []byte) error {
	begin := time.Now()
	time.Sleep(c.delay)
	err := c.Playback.Tx(w, r)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch w[0] {
	case CMDSTART1:
		c.startDone = append(c.startDone, time.Now())
	case CMDRDATA1:
		c.readBegin = append(c.readBegin, begin)
	}
	return err
}

func TestSelfCalibrate(t *testing.T) {
	t.Run("ADC1", func(t *testing.T) {
		adc, pb, _ := newTestADC(t,
			frame(0x45, 0x01, 0x0F, 0x0A),
			frame(CMDSTART1),
			frame(CMDSFOCAL1),
			// OFCAL0..OFCAL2, least significant byte first
			reply([]byte{0x27, 0x02, 0x00, 0x00, 0x00}, 0xFF, 0xFF, 0x10, 0x32, 0xFE),
		)
		if err := adc.SetConfig(Config{DataRate: DR_38400_SPS, Channel: AIN0}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.StartConversions(ADC1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		offset, err := adc.SelfCalibrate(ADC1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if offset != -0x01CDF0 {
			t.Errorf("offset = %d, want %d", offset, -0x01CDF0)
		}
		if adc.LastReadRegister(RegOFCAL2) != 0xFE {
			t.Errorf("OFCAL2 = 0x%02X, want 0xFE", adc.LastReadRegister(RegOFCAL2))
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("ADC2", func(t *testing.T) {
		adc, pb, _ := newTestADC(t,
			frame(0x55, 0x01, 0xC0, 0x0A),
			frame(CMDSTART2),
			frame(CMDSFOCAL2),
			reply([]byte{0x37, 0x01, 0x00, 0x00}, 0xFF, 0xFF, 0x38, 0xFF),
		)
		if err := adc.SetConfig(Config{ADC2Rate: ADC2_800_SPS, ADC2Channel: AIN0}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.StartConversions(ADC2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		offset, err := adc.SelfCalibrate(ADC2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if offset != -200 {
			t.Errorf("offset = %d, want -200", offset)
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("InvalidUnit", func(t *testing.T) {
		adc, _, _ := newTestADC(t)
		if _, err := adc.SelfCalibrate(3); !errors.Is(err, ErrInvalidUnit) {
			t.Errorf("expected ErrInvalidUnit, got %v", err)
		}
	})
}

func TestRegisters(t *testing.T) {
	regs := make([]byte, NumRegisters)
	regs[RegID] = 0x23
	regs[RegINTERFACE] = 0x05
	regs[RegMODE1] = 0x80
	regs[RegMODE2] = 0x38
	regs[RegINPMUX] = 0x23
	regs[RegIDACMUX] = 0xBB

	read := make([]byte, 2+NumRegisters)
	read[0], read[1] = CMDRREG, NumRegisters-1
	resp := append([]byte{0xFF, 0xFF}, regs...)

	adc, pb, _ := newTestADC(t,
		reply(read, resp...),
		frame(0x43, 0x00, 0x40),
		reply(read, resp...),
		frame(CMDRESET),
	)

	t.Run("ReadResyncs", func(t *testing.T) {
		got, err := adc.ReadRegisters()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got[RegMODE2] != 0x38 || adc.LastReadRegister(RegID) != 0x23 {
			t.Errorf("unexpected registers % X", got)
		}
		// already on the chip, so nothing is written
		if err = adc.SetConfig(Config{Gain: Gain8, Pair: DIFF_2}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Write", func(t *testing.T) {
		if err := adc.WriteRegisters(RegMODE0, []int{0x40}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := adc.WriteRegisters(RegADC2FSC1, []int{0, 0}); err == nil {
			t.Error("expected error writing past the register map")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		if err := adc.Reset(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := adc.Settings(ADC1)[FieldGain]; got != 0 {
			t.Errorf("gain field = %d after reset", got)
		}
		if err := adc.StartConversions(ADC1); !errors.Is(err, devstate.ErrIncompleteConfig) {
			t.Errorf("expected ErrIncompleteConfig after reset, got %v", err)
		}
	})

	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestRecalibrate(t *testing.T) {
	store := calibration.NewMemStore(nil)
	pb := &conntest.Playback{DontPanic: true}
	table := calibration.NewTable(calibration.Defaults())
	adc := New(bus.NewDevice("adc", pb, zerolog.Nop()), table, WithStore(store))

	ctx := context.Background()
	p := calibration.Param{Gain: 1.01, Offset: -0.002}
	if err := adc.Recalibrate(ctx, "DIFF_3", p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, err := table.Pair("DIFF_3"); err != nil || got != p {
		t.Errorf("table holds %+v (%v), want %+v", got, err, p)
	}
	if got, err := store.Get(ctx, calibration.ADC, "DIFF_3"); err != nil || got != p {
		t.Errorf("store holds %+v (%v), want %+v", got, err, p)
	}

	if err := adc.Recalibrate(ctx, "DIFF_9", p); !errors.Is(err, calibration.ErrInvalidDifferentialPair) {
		t.Errorf("expected ErrInvalidDifferentialPair, got %v", err)
	}
	if err := adc.Recalibrate(ctx, "AIN12", p); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestOptions(t *testing.T) {
	t.Run("ParseDataRate", func(t *testing.T) {
		r, err := ParseDataRate(16.6)
		if err != nil || r != DR_16_6_SPS {
			t.Errorf("got %v, %v", r, err)
		}
		if _, err = ParseDataRate(17); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
	t.Run("ParseInputs", func(t *testing.T) {
		if c, err := ParseAnalogIn("ain7"); err != nil || c != AIN7 {
			t.Errorf("got %v, %v", c, err)
		}
		if _, err := ParseAnalogIn("AIN8"); err == nil {
			t.Error("expected error for AIN8")
		}
		if p, err := ParseDiffPair("DIFF_4"); err != nil || p != DIFF_4 {
			t.Errorf("got %v, %v", p, err)
		}
		pos, neg := DIFF_4.Inputs()
		if pos != AIN6 || neg != AIN7 {
			t.Errorf("DIFF_4 inputs = %s/%s", pos, neg)
		}
	})
	t.Run("Gain", func(t *testing.T) {
		if g, err := ParseGain(16); err != nil || g != Gain16 || g.Value() != 16 {
			t.Errorf("got %v, %v", g, err)
		}
	})
}
