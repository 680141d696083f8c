// Package config loads the board description: which SPI ports the chips sit
// on, reference voltages, where calibration lives and how loud to log.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// EnvPrefix prefixes environment overrides, e.g. SENSORBOARD_ADC_VREF.
const EnvPrefix = "SENSORBOARD"

var ErrInvalid = errors.New("invalid board configuration")

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	FTDI        FTDIConfig        `mapstructure:"ftdi"`
	ADC         ADCConfig         `mapstructure:"adc"`
	DAC         ChipConfig        `mapstructure:"dac"`
	TC          ChipConfig        `mapstructure:"tc"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// FTDIPort as a chip's port puts it on the SPI port of an FT232H adapter
// instead of a host SPI bus. The adapter has a single chip select.
const FTDIPort = "ft232h"

// FTDIConfig picks the FT232H adapter; a serial wins over an index.
type FTDIConfig struct {
	Index  int    `mapstructure:"index"`
	Serial string `mapstructure:"serial"`
}

// ChipConfig is one chip's SPI connection.
type ChipConfig struct {
	// Port is a host SPI port name as known to spireg, or FTDIPort.
	Port  string  `mapstructure:"port"`
	Speed string  `mapstructure:"speed"`
	Mode  int     `mapstructure:"mode"`
	VRef  float64 `mapstructure:"vref"`
	// DRDY names the gpio pin wired to the chip's data-ready output, if any.
	DRDY string `mapstructure:"drdy"`
}

type ADCConfig struct {
	ChipConfig `mapstructure:",squash"`
	RTDRef     float64 `mapstructure:"rtd_ref"`
	RTDNominal float64 `mapstructure:"rtd_nominal"`
}

type CalibrationConfig struct {
	// Backend is "file", "postgres" or "memory".
	Backend  string         `mapstructure:"backend"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Frequency parses the SPI clock, e.g. "1MHz".
func (c ChipConfig) Frequency() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(c.Speed); err != nil {
		return 0, fmt.Errorf("%w: speed %q: %v", ErrInvalid, c.Speed, err)
	}
	return f, nil
}

// SPIMode returns the clock polarity/phase mode.
func (c ChipConfig) SPIMode() spi.Mode {
	return spi.Mode(c.Mode)
}

// LogLevel parses the configured level.
func (c LogConfig) LogLevel() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: log level %q", ErrInvalid, c.Level)
	}
	return lvl, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)

	v.SetDefault("ftdi.index", 0)
	v.SetDefault("ftdi.serial", "")

	v.SetDefault("adc.port", "/dev/spidev0.0")
	v.SetDefault("adc.speed", "2MHz")
	v.SetDefault("adc.mode", 1)
	v.SetDefault("adc.vref", 2.5)
	v.SetDefault("adc.drdy", "")
	v.SetDefault("adc.rtd_ref", 2000.0)
	v.SetDefault("adc.rtd_nominal", 100.0)

	v.SetDefault("dac.port", "/dev/spidev0.1")
	v.SetDefault("dac.speed", "10MHz")
	v.SetDefault("dac.mode", 1)
	v.SetDefault("dac.vref", 2.5)
	v.SetDefault("dac.drdy", "")

	v.SetDefault("tc.port", "/dev/spidev0.2")
	v.SetDefault("tc.speed", "1MHz")
	v.SetDefault("tc.mode", 1)
	v.SetDefault("tc.vref", 0.0)
	v.SetDefault("tc.drdy", "")

	v.SetDefault("calibration.backend", "file")
	v.SetDefault("calibration.path", "calibration.yaml")
	v.SetDefault("calibration.postgres.dsn", "")
	v.SetDefault("calibration.postgres.max_connections", 4)
}

// Load reads the YAML board file at path, if path is not empty, on top of the
// defaults and applies SENSORBOARD_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot check by type alone.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Log.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	onFTDI := 0
	for name, chip := range map[string]ChipConfig{"adc": c.ADC.ChipConfig, "dac": c.DAC, "tc": c.TC} {
		if chip.Port == FTDIPort {
			onFTDI++
		}
		if _, err := chip.Frequency(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if chip.Mode < 0 || chip.Mode > 3 {
			errs = append(errs, fmt.Errorf("%w: %s: SPI mode %d", ErrInvalid, name, chip.Mode))
		}
	}
	if onFTDI > 1 {
		errs = append(errs, fmt.Errorf("%w: %d chips on the single FT232H chip select", ErrInvalid, onFTDI))
	}
	if c.FTDI.Index < 0 && c.FTDI.Serial == "" {
		errs = append(errs, fmt.Errorf("%w: ftdi index %d", ErrInvalid, c.FTDI.Index))
	}
	if c.ADC.VRef <= 0 || c.DAC.VRef <= 0 {
		errs = append(errs, fmt.Errorf("%w: reference voltages must be positive", ErrInvalid))
	}
	switch c.Calibration.Backend {
	case "memory":
	case "file":
		if c.Calibration.Path == "" {
			errs = append(errs, fmt.Errorf("%w: calibration file path is empty", ErrInvalid))
		}
	case "postgres":
		if c.Calibration.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: calibration postgres dsn is empty", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: calibration backend %q", ErrInvalid, c.Calibration.Backend))
	}
	return errors.Join(errs...)
}
