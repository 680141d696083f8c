package regmap

import (
	"errors"
	"testing"

	"github.com/yunginnanet/sensorboard/pkg/devstate"
)

// mode2 follows the ADS1263 MODE2 bit table: BYPASS[7], GAIN[6:4], DR[3:0].
var mode2 = Register{
	Name:    "MODE2",
	Addr:    0x05,
	Default: 0x04,
	Fields: []Field{
		{Name: "bypass", Shift: 7, Width: 1},
		{Name: "gain", Shift: 4, Width: 3},
		{Name: "rate", Shift: 0, Width: 4},
	},
}

var inpmux = Register{
	Name:    "INPMUX",
	Addr:    0x06,
	Default: 0x01,
	Fields: []Field{
		{Name: "muxp", Shift: 4, Width: 4},
		{Name: "muxn", Shift: 0, Width: 4},
	},
}

var mode0 = Register{
	Name:    "MODE0",
	Addr:    0x03,
	Default: 0x00,
	Fields: []Field{
		{Name: "runmode", Shift: 6, Width: 1},
	},
}

var testMap = Map{mode0, mode2, inpmux}

func TestRegisterPack(t *testing.T) {
	t.Run("Datasheet", func(t *testing.T) {
		// gain 8 (code 3) at 400 SPS (code 8)
		b, err := mode2.Pack(devstate.Values{"gain": 3, "rate": 8})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b != 0x38 {
			t.Errorf("expected 0x38, got 0x%02X", b)
		}
	})
	t.Run("DefaultsKept", func(t *testing.T) {
		b, err := mode2.Pack(devstate.Values{"bypass": 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b != 0x84 {
			t.Errorf("expected 0x84, got 0x%02X", b)
		}
	})
	t.Run("Overflow", func(t *testing.T) {
		if _, err := mode2.Pack(devstate.Values{"rate": 16}); !errors.Is(err, ErrFieldRange) {
			t.Errorf("expected ErrFieldRange, got %v", err)
		}
		if _, err := mode2.Pack(devstate.Values{"gain": -1}); !errors.Is(err, ErrFieldRange) {
			t.Errorf("expected ErrFieldRange, got %v", err)
		}
	})
}

func TestRegisterUnpack(t *testing.T) {
	for b := 0; b < 256; b++ {
		v := inpmux.Unpack(byte(b))
		if v["muxp"] != b>>4 || v["muxn"] != b&0x0F {
			t.Fatalf("0x%02X: unexpected fields %v", b, v)
		}
		back, err := inpmux.Pack(v)
		if err != nil || back != byte(b) {
			t.Fatalf("0x%02X: repacked to 0x%02X, %v", b, back, err)
		}
	}
}

func TestMap(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		d := testMap.Defaults()
		if d["rate"] != 4 || d["muxp"] != 0 || d["muxn"] != 1 || d["runmode"] != 0 {
			t.Errorf("unexpected defaults %v", d)
		}
	})
	t.Run("Touched", func(t *testing.T) {
		regs := testMap.Touched("muxp", "gain", "rate")
		if len(regs) != 2 || regs[0].Addr != 0x05 || regs[1].Addr != 0x06 {
			t.Errorf("unexpected registers %v", regs)
		}
	})
	t.Run("FramesMergeContiguous", func(t *testing.T) {
		cur := testMap.Defaults()
		frames, err := testMap.Frames(cur, devstate.Values{"rate": 8, "muxp": 2, "muxn": 10})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(frames) != 1 || frames[0].Addr != 0x05 {
			t.Fatalf("expected one frame at 0x05, got %v", frames)
		}
		if got := frames[0].Values; len(got) != 2 || got[0] != 0x08 || got[1] != 0x2A {
			t.Errorf("unexpected frame values %v", got)
		}
	})
	t.Run("FramesSplitGap", func(t *testing.T) {
		frames, err := testMap.Frames(testMap.Defaults(), devstate.Values{"runmode": 1, "muxp": 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(frames) != 2 || frames[0].Addr != 0x03 || frames[1].Addr != 0x06 {
			t.Errorf("unexpected frames %v", frames)
		}
		if frames[0].Values[0] != 0x40 || frames[1].Values[0] != 0x31 {
			t.Errorf("unexpected frame values %v", frames)
		}
	})
	t.Run("FramesKeepOtherFields", func(t *testing.T) {
		cur := testMap.Defaults()
		cur["gain"] = 5
		frames, err := testMap.Frames(cur, devstate.Values{"rate": 2})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frames[0].Values[0] != 0x52 {
			t.Errorf("expected 0x52, got 0x%02X", frames[0].Values[0])
		}
	})
	t.Run("Unknown", func(t *testing.T) {
		if _, err := testMap.Frames(nil, devstate.Values{"nope": 1}); err == nil {
			t.Error("expected error for unknown field")
		}
		if err := testMap.Validate(devstate.Values{"nope": 1}); err == nil {
			t.Error("expected error for unknown field")
		}
	})
}
