package ads1263

import (
	"context"
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/conntest"
)

// scanRound is one batch of AIN0 then DIFF_2 at 38400 SPS, after the first
// round has set pulse mode and the rate.
func scanRound() []conntest.IO {
	return []conntest.IO{
		frame(0x46, 0x00, 0x0A),
		frame(CMDSTART1),
		reply(rdata1, 0xFF, 0x40, 0x40, 0x00, 0x00, 0x00, 0xDB),
		frame(0x46, 0x00, 0x23),
		frame(CMDSTART1),
		reply(rdata1, 0xFF, 0x40, 0xC0, 0x00, 0x00, 0x00, 0x5B),
	}
}

func firstScanRound() []conntest.IO {
	return append([]conntest.IO{frame(0x43, 0x00, 0x40), frame(0x45, 0x00, 0x0F)}, scanRound()...)
}

func waitDone(t *testing.T, s *Scan) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not exit")
	}
}

func TestScanChannels(t *testing.T) {
	t.Run("Rounds", func(t *testing.T) {
		adc, pb, _ := newTestADC(t, append(firstScanRound(), scanRound()...)...)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var got []Sample
		scan, err := adc.ScanChannels(ctx, 50*time.Millisecond, DR_38400_SPS, func(s Sample) {
			got = append(got, s)
			if len(got) == 4 {
				cancel()
			}
		}, []AnalogIn{AIN0}, []DiffPair{DIFF_2})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitDone(t, scan)

		if err = scan.Err(); err != nil {
			t.Errorf("unexpected scan error: %v", err)
		}
		want := []struct {
			input string
			volts float64
		}{{"AIN0", 1.25}, {"DIFF_2", -1.25}, {"AIN0", 1.25}, {"DIFF_2", -1.25}}
		if len(got) != len(want) {
			t.Fatalf("got %d samples, want %d", len(got), len(want))
		}
		for i, w := range want {
			if got[i].Input != w.input || !near(got[i].Volts, w.volts) {
				t.Errorf("sample %d = %s %v, want %s %v", i, got[i].Input, got[i].Volts, w.input, w.volts)
			}
		}
		if got[2].Time.Before(got[1].Time) {
			t.Error("second round stamped before the first")
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		adc, pb, _ := newTestADC(t, firstScanRound()...)
		first := make(chan struct{}, 1)
		n := 0
		scan, err := adc.ScanChannels(context.Background(), time.Hour, DR_38400_SPS, func(Sample) {
			if n++; n == 2 {
				first <- struct{}{}
			}
		}, []AnalogIn{AIN0}, []DiffPair{DIFF_2})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		select {
		case <-first:
		case <-time.After(5 * time.Second):
			t.Fatal("first round never finished")
		}
		scan.Stop()
		if err = scan.Wait(context.Background()); err != nil {
			t.Errorf("unexpected scan error: %v", err)
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("GivesUp", func(t *testing.T) {
		adc, _, _ := newTestADC(t)
		called := false
		scan, err := adc.ScanChannels(context.Background(), time.Millisecond, DR_38400_SPS, func(Sample) {
			called = true
		}, []AnalogIn{AIN0}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitDone(t, scan)
		if called {
			t.Error("callback ran without a successful round")
		}
		if scan.Err() == nil {
			t.Fatal("expected accumulated errors")
		}
		if n := len(scan.err); n != maxScanErrors {
			t.Errorf("gave up after %d errors, want %d", n, maxScanErrors)
		}
	})

	t.Run("InvalidConfigStops", func(t *testing.T) {
		adc, pb, _ := newTestADC(t)
		scan, err := adc.ScanChannels(context.Background(), time.Millisecond, 0, func(Sample) {}, []AnalogIn{AIN0}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitDone(t, scan)
		if err = scan.Err(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
		if len(scan.err) != 1 {
			t.Errorf("expected one error, got %d", len(scan.err))
		}
		if pb.Count != 0 {
			t.Errorf("sent %d frames for an invalid rate", pb.Count)
		}
	})

	t.Run("Arguments", func(t *testing.T) {
		adc, _, _ := newTestADC(t)
		cb := func(Sample) {}
		if _, err := adc.ScanChannels(context.Background(), time.Second, DR_20_SPS, cb, nil, nil); err == nil {
			t.Error("expected error for an empty scan")
		}
		if _, err := adc.ScanChannels(context.Background(), time.Second, DR_20_SPS, nil, []AnalogIn{AIN0}, nil); err == nil {
			t.Error("expected error for a nil callback")
		}
		if _, err := adc.ScanChannels(context.Background(), 0, DR_20_SPS, cb, []AnalogIn{AIN0}, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
