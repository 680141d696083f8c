package bus

import (
	"bytes"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
	"periph.io/x/host/v3"
)

type shortTransport struct{}

func (shortTransport) Transfer(tx []byte) ([]byte, error) { return tx[:len(tx)-1], nil }

func (s shortTransport) Transact(fn func(Transport) error) error { return fn(s) }

func TestDevice(t *testing.T) {
	t.Run("Transfer", func(t *testing.T) {
		var logs bytes.Buffer
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
		defer zerolog.SetGlobalLevel(zerolog.DebugLevel)
		pb := &conntest.Playback{
			Ops:       []conntest.IO{{W: []byte{0x21, 0x00, 0x00}, R: []byte{0xFF, 0xFF, 0x11}}},
			DontPanic: true,
		}
		d := NewDevice("adc", pb, zerolog.New(&logs).Level(zerolog.TraceLevel))
		rx, err := d.Transfer([]byte{0x21, 0x00, 0x00})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rx[2] != 0x11 {
			t.Errorf("unexpected response % X", rx)
		}
		if err = pb.Close(); err != nil {
			t.Error(err)
		}
		if !strings.Contains(logs.String(), `"tx":"210000"`) {
			t.Errorf("expected hex frame in trace log, got %s", logs.String())
		}
	})

	t.Run("TransferError", func(t *testing.T) {
		pb := &conntest.Playback{DontPanic: true}
		d := NewDevice("tc", pb, zerolog.Nop())
		if _, err := d.Transfer([]byte{0x0C}); err == nil {
			t.Error("expected error from empty playback")
		}
	})

	t.Run("TransactSerializes", func(t *testing.T) {
		var ops []conntest.IO
		for i := 0; i < 20; i++ {
			ops = append(ops, conntest.IO{W: []byte{0xA0}, R: []byte{0}}, conntest.IO{W: []byte{0xB0}, R: []byte{0}})
		}
		pb := &conntest.Playback{Ops: ops, DontPanic: true}
		d := NewDevice("dac", pb, zerolog.Nop())

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- d.Transact(func(t Transport) error {
					if _, err := t.Transfer([]byte{0xA0}); err != nil {
						return err
					}
					_, err := t.Transfer([]byte{0xB0})
					return err
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("interleaved transaction: %v", err)
			}
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
	})

	t.Run("Open", func(t *testing.T) {
		port := &spitest.Playback{
			Playback: conntest.Playback{
				Ops:       []conntest.IO{{W: []byte{0x06}, R: []byte{0x00}}},
				DontPanic: true,
			},
		}
		d, err := Open(port, Options{Name: "adc", Speed: physic.MegaHertz, Mode: spi.Mode1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err = d.Transfer([]byte{0x06}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err = port.Close(); err != nil {
			t.Error(err)
		}
		if _, err = Open(port, Options{Name: "adc"}); err == nil {
			t.Error("expected second connect to fail")
		}
	})
}

func TestExchange(t *testing.T) {
	if _, err := Exchange(shortTransport{}, []byte{1, 2, 3}); !errors.Is(err, ErrShortTransfer) {
		t.Errorf("expected ErrShortTransfer, got %v", err)
	}
}

func TestWaitDRDY(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		pin := &gpiotest.Pin{N: "DRDY", L: gpio.Low}
		if err := WaitDRDY(pin, time.Millisecond); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("Timeout", func(t *testing.T) {
		pin := &gpiotest.Pin{N: "DRDY", L: gpio.High}
		if err := WaitDRDY(pin, 2*time.Millisecond); !errors.Is(err, ErrDRDYTimeout) {
			t.Errorf("expected ErrDRDYTimeout, got %v", err)
		}
	})
}

func TestFTDIDescriptor(t *testing.T) {
	t.Run("ByIndex", func(t *testing.T) {
		desc := ByIndex(0)
		if err := desc.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if !desc.Matches(0, "FT123") || desc.Matches(1, "FT123") {
			t.Error("unexpected index match")
		}
		t.Run("Invalid", func(t *testing.T) {
			desc = ByIndex(-1)
			if err := desc.Validate(); !errors.Is(err, ErrBadDescriptor) {
				t.Errorf("expected ErrBadDescriptor, got %v", err)
			}
		})
	})
	t.Run("BySerial", func(t *testing.T) {
		desc := BySerial("FT4UZ9A1")
		if err := desc.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if !desc.Matches(3, "ft4uz9a1") || desc.Matches(0, "FT000000") {
			t.Error("unexpected serial match")
		}
		t.Run("Invalid", func(t *testing.T) {
			desc = BySerial("")
			if err := desc.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	})
}

func TestOpenFTDI(t *testing.T) {
	if os.Getenv("TEST_SENSORBOARD_FT232H") == "" {
		t.Skip("set 'TEST_SENSORBOARD_FT232H' in environment to run this test")
	}
	if _, err := host.Init(); err != nil {
		t.Fatalf("host init: %v", err)
	}

	desc := ByIndex(0)
	if s := os.Getenv("TEST_SENSORBOARD_FT232H_INDEX"); s != "" {
		idx, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			t.Fatalf("bad 'TEST_SENSORBOARD_FT232H_INDEX' environment variable: %v\nvalue: %s", err, s)
		}
		desc = ByIndex(idx)
	}
	if s := os.Getenv("TEST_SENSORBOARD_FT232H_SERIAL"); s != "" {
		desc = BySerial(strings.TrimSpace(s))
	}

	f, err := OpenFTDI(desc)
	if err != nil {
		t.Fatalf("failed to open FT232H: %v (found %v)", err, ListFTDI())
	}
	t.Logf("opened %s", f.Info())

	port, err := f.Port()
	if err != nil {
		t.Fatalf("failed to open SPI port: %v", err)
	}
	if err = port.Close(); err != nil {
		t.Errorf("failed to close SPI port: %v", err)
	}
}
