package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const boardYAML = `
log:
  level: debug
ftdi:
  serial: FT4UZ9A1
adc:
  port: ft232h
  speed: 4MHz
  drdy: D7
  rtd_ref: 430
dac:
  vref: 5
calibration:
  backend: postgres
  postgres:
    dsn: postgres://board@localhost/board
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.ADC.Port != "/dev/spidev0.0" || cfg.ADC.VRef != 2.5 || cfg.ADC.RTDNominal != 100 {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
		if cfg.Calibration.Backend != "file" || cfg.Calibration.Postgres.MaxConnections != 4 {
			t.Errorf("unexpected calibration defaults: %+v", cfg.Calibration)
		}
		if lvl, _ := cfg.Log.LogLevel(); lvl != zerolog.InfoLevel {
			t.Errorf("log level = %s", lvl)
		}
	})

	t.Run("File", func(t *testing.T) {
		cfg, err := Load(writeFile(t, boardYAML))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.FTDI.Serial != "FT4UZ9A1" {
			t.Errorf("unexpected ftdi: %+v", cfg.FTDI)
		}
		f, err := cfg.ADC.Frequency()
		if err != nil || f != 4*physic.MegaHertz {
			t.Errorf("adc speed = %s, %v", f, err)
		}
		if cfg.ADC.Port != FTDIPort || cfg.ADC.DRDY != "D7" || cfg.ADC.RTDRef != 430 {
			t.Errorf("unexpected adc: %+v", cfg.ADC)
		}
		// untouched keys keep their defaults
		if cfg.ADC.VRef != 2.5 || cfg.DAC.VRef != 5 || cfg.TC.SPIMode() != spi.Mode1 {
			t.Errorf("unexpected chips: %+v %+v %+v", cfg.ADC, cfg.DAC, cfg.TC)
		}
		if cfg.Calibration.Postgres.DSN == "" {
			t.Error("postgres dsn not loaded")
		}
	})

	t.Run("Env", func(t *testing.T) {
		t.Setenv("SENSORBOARD_ADC_VREF", "4.096")
		t.Setenv("SENSORBOARD_LOG_LEVEL", "trace")
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.ADC.VRef != 4.096 {
			t.Errorf("adc vref = %v, want 4.096", cfg.ADC.VRef)
		}
		if lvl, _ := cfg.Log.LogLevel(); lvl != zerolog.TraceLevel {
			t.Errorf("log level = %s", lvl)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := Load(writeFile(t, "adc:\n  port: ft232h\ndac:\n  port: ft232h\ncalibration:\n  backend: postgres\n"))
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})
}
