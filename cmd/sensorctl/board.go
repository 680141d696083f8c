package main

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/yunginnanet/sensorboard/internal/config"
	"github.com/yunginnanet/sensorboard/pkg/ad5675"
	"github.com/yunginnanet/sensorboard/pkg/ads1263"
	"github.com/yunginnanet/sensorboard/pkg/bus"
	"github.com/yunginnanet/sensorboard/pkg/calibration"
	"github.com/yunginnanet/sensorboard/pkg/max31856"
)

// board opens chips on first use so a command only needs the ports it talks to.
type board struct {
	cfg   *config.Config
	store calibration.Store
	table *calibration.Table

	ftdi  *bus.FTDI
	ports []spi.PortCloser
	pg    *calibration.PGStore

	adc *ads1263.ADS1263
	dac *ad5675.AD5675
	tc  *max31856.MAX31856
}

func openBoard(ctx context.Context, cfg *config.Config) (*board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	b := &board{cfg: cfg}
	switch cfg.Calibration.Backend {
	case "file":
		fs, err := calibration.NewFileStore(cfg.Calibration.Path)
		if err != nil {
			return nil, err
		}
		b.store = fs
		log.Debug().Str("path", fs.Path()).Msg("using calibration file")
	case "postgres":
		pg, err := calibration.NewPGStore(ctx, cfg.Calibration.Postgres.DSN, cfg.Calibration.Postgres.MaxConnections)
		if err != nil {
			return nil, err
		}
		b.store, b.pg = pg, pg
	default:
		b.store = calibration.NewMemStore(calibration.Defaults())
	}

	table, err := calibration.Load(ctx, b.store, calibration.ADC, calibration.DAC, calibration.TC)
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	b.table = table
	log.Debug().Int("entries", len(table.Keys())).Str("backend", cfg.Calibration.Backend).Msg("calibration loaded")
	return b, nil
}

func (b *board) Close() error {
	var errs []error
	for _, p := range b.ports {
		errs = append(errs, p.Close())
	}
	if b.pg != nil {
		b.pg.Close()
	}
	return errors.Join(errs...)
}

func (b *board) port(name string, c config.ChipConfig) (spi.PortCloser, error) {
	var (
		p   spi.PortCloser
		err error
	)
	if c.Port == config.FTDIPort {
		if b.ftdi == nil {
			desc := bus.ByIndex(b.cfg.FTDI.Index)
			if b.cfg.FTDI.Serial != "" {
				desc = bus.BySerial(b.cfg.FTDI.Serial)
			}
			if b.ftdi, err = bus.OpenFTDI(desc); err != nil {
				for _, fi := range bus.ListFTDI() {
					log.Warn().Stringer("info", fi).Msg("found FT232H")
				}
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			log.Info().Stringer("info", b.ftdi.Info()).Msgf("connected to FT232H: %s", b.ftdi)
		}
		p, err = b.ftdi.Port()
	} else {
		p, err = spireg.Open(c.Port)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: open %s: %w", name, c.Port, err)
	}
	b.ports = append(b.ports, p)
	return p, nil
}

func (b *board) drdy(c config.ChipConfig) (gpio.PinIn, error) {
	if c.DRDY == "" {
		return nil, nil
	}
	var pin gpio.PinIO
	if c.Port == config.FTDIPort && b.ftdi != nil {
		var err error
		if pin, err = b.ftdi.Pin(c.DRDY); err != nil {
			return nil, err
		}
	} else if pin = gpioreg.ByName(c.DRDY); pin == nil {
		return nil, fmt.Errorf("no gpio pin named %q", c.DRDY)
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("DRDY %s: %w", pin, err)
	}
	return pin, nil
}

func (b *board) device(name string, c config.ChipConfig) (*bus.Device, gpio.PinIn, error) {
	p, err := b.port(name, c)
	if err != nil {
		return nil, nil, err
	}
	speed, err := c.Frequency()
	if err != nil {
		return nil, nil, err
	}
	d, err := bus.Open(p, bus.Options{Name: name, Speed: speed, Mode: c.SPIMode(), Log: log})
	if err != nil {
		return nil, nil, err
	}
	pin, err := b.drdy(c)
	if err != nil {
		return nil, nil, err
	}
	return d, pin, nil
}

func (b *board) ADC() (*ads1263.ADS1263, error) {
	if b.adc != nil {
		return b.adc, nil
	}
	d, pin, err := b.device("ads1263", b.cfg.ADC.ChipConfig)
	if err != nil {
		return nil, err
	}
	opts := []ads1263.Option{
		ads1263.WithLogger(log),
		ads1263.WithVRef(b.cfg.ADC.VRef),
		ads1263.WithStore(b.store),
		ads1263.WithRTD(b.cfg.ADC.RTDRef, b.cfg.ADC.RTDNominal),
	}
	if pin != nil {
		opts = append(opts, ads1263.WithDRDY(pin))
	}
	b.adc = ads1263.New(d, b.table, opts...)
	// the chip may hold another process's configuration
	if err = b.adc.Reset(); err != nil {
		return nil, err
	}
	return b.adc, nil
}

func (b *board) DAC() (*ad5675.AD5675, error) {
	if b.dac != nil {
		return b.dac, nil
	}
	d, _, err := b.device("ad5675", b.cfg.DAC)
	if err != nil {
		return nil, err
	}
	b.dac = ad5675.New(d, b.table, ad5675.WithLogger(log), ad5675.WithVRef(b.cfg.DAC.VRef))
	return b.dac, nil
}

func (b *board) TC() (*max31856.MAX31856, error) {
	if b.tc != nil {
		return b.tc, nil
	}
	d, pin, err := b.device("max31856", b.cfg.TC)
	if err != nil {
		return nil, err
	}
	opts := []max31856.Option{max31856.WithLogger(log)}
	if pin != nil {
		opts = append(opts, max31856.WithDRDY(pin))
	}
	b.tc = max31856.New(d, b.table, opts...)
	// pick up whatever configuration the chip holds
	if _, err = b.tc.ReadRegisters(); err != nil {
		return nil, err
	}
	return b.tc, nil
}
