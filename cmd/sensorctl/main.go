package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	"github.com/yunginnanet/sensorboard/internal/config"
)

var log zerolog.Logger

func init() {
	cw := zerolog.ConsoleWriter{Out: os.Stderr}
	log = zerolog.New(cw).With().Timestamp().Logger()
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, b *board, args []string) error
}

var commands = []command{
	{"adc", "read calibrated voltages from one ADC input", cmdADC},
	{"batch", "sample several ADC inputs in one pass, optionally on a schedule", cmdBatch},
	{"rtd", "read the RTD temperature", cmdRTD},
	{"selfcal", "run ADC offset self-calibration", cmdSelfCal},
	{"dac", "drive, read back or power a DAC output", cmdDAC},
	{"tc", "read thermocouple temperatures and faults", cmdTC},
	{"regs", "dump a chip's registers", cmdRegs},
	{"regwrite", "write raw register values", cmdRegWrite},
	{"calib", "list, set or initialize calibration parameters", cmdCalib},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "usage: %s [-config board.yaml] <command> [flags]\n\ncommands:\n", os.Args[0])
	for _, c := range commands {
		_, _ = fmt.Fprintf(out, "  %-9s %s\n", c.name, c.usage)
	}
	_, _ = fmt.Fprintln(out, "\nglobal flags:")
	flag.PrintDefaults()
}

// setupLogging routes logs through a diode so a slow terminal never stalls a
// bus transaction.
func setupLogging(lc config.LogConfig) (io.Closer, error) {
	lvl, err := lc.LogLevel()
	if err != nil {
		return nil, err
	}
	var out io.Writer = os.Stderr
	if lc.Console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	}
	w := diode.NewWriter(out, 1000, 10*time.Millisecond, func(missed int) {
		_, _ = fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
	})
	zerolog.SetGlobalLevel(lvl)
	log = zerolog.New(w).With().Timestamp().Logger()
	return w, nil
}

func main() {
	configPath := flag.String("config", "", "board configuration file (YAML); SENSORBOARD_* variables override it")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	w, err := setupLogging(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == flag.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		_ = w.Close()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	b, err := openBoard(ctx, cfg)
	if err == nil {
		err = cmd.run(ctx, b, flag.Args()[1:])
		err = errors.Join(err, b.Close())
	}
	stop()

	if err != nil {
		log.Error().Err(err).Str("command", cmd.name).Msg("failed")
		_ = w.Close()
		os.Exit(1)
	}
	_ = w.Close()
}
