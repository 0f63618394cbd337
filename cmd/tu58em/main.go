// Command tu58em emulates a DEC TU58 DECtape II cartridge drive speaking
// the Radial Serial Protocol over a serial line. See spec §1/§6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/northbridge-retro/tu58em/internal/config"
	"github.com/northbridge-retro/tu58em/internal/console"
	"github.com/northbridge-retro/tu58em/internal/emulog"
	"github.com/northbridge-retro/tu58em/internal/flags"
	"github.com/northbridge-retro/tu58em/internal/serialport"
	"github.com/northbridge-retro/tu58em/internal/supervisor"
	"github.com/northbridge-retro/tu58em/internal/tape"
	"github.com/spf13/pflag"
)

// unitFlag accumulates repeated -r/-w/-c/-i/-z occurrences in the order
// they appear on the command line, implementing pflag.Value so each
// occurrence calls Set again rather than overwriting a single value.
// Grounded on original_source/main.c's getopt_long loop, which calls
// fileopen() once per occurrence of any of these flags.
type unitFlag struct {
	mode  string
	units *[]config.UnitSpec
}

func (f *unitFlag) String() string { return "" }

func (f *unitFlag) Set(path string) error {
	*f.units = append(*f.units, config.UnitSpec{Path: path, Mode: f.mode})
	return nil
}

func (f *unitFlag) Type() string { return "string" }

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, "tu58em:", err)
		return 1
	}
	if cfg.showVersion {
		fmt.Println("tu58em version", supervisor.Version)
		return 0
	}

	log := emulog.New(os.Stderr, cfg.Background)
	log.SetVerbose(cfg.Debug)

	if len(cfg.Units) == 0 {
		log.Fatal("no tape units specified")
		return 1
	}

	store := tape.New()
	for _, u := range cfg.Units {
		mode, err := tapeMode(u.Mode)
		if err != nil {
			log.Fatal("bad unit mode", "path", u.Path, "err", err)
			return 1
		}
		if _, err := store.Open(u.Path, mode); err != nil {
			log.Fatal("cannot open unit", "path", u.Path, "err", err)
			return 1
		}
	}
	defer store.CloseAll()

	tgl := flags.New(cfg.Verbose, cfg.Debug, cfg.MRSPDetect, !cfg.NoSync)

	var con *console.Console
	if !cfg.Background {
		if c, err := console.Open(os.Stdin.Fd()); err == nil {
			con = c
			defer con.Close()
		}
	}

	portFn := func() (*serialport.Port, error) {
		return serialport.Open(cfg.Port, cfg.Baud, cfg.StopBits)
	}

	sup := supervisor.New(cfg.Config, store, log, tgl, con, portFn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		log.Fatal("supervisor exited", "err", err)
		return 1
	}
	return 0
}

// parsedConfig bundles config.Config with the three flags (showVersion,
// Verbose, Debug) that don't belong in the immutable Config passed on to
// the supervisor. Verbose and Debug, together with Config's MRSPDetect and
// NoSync, seed internal/flags.Toggles.
type parsedConfig struct {
	config.Config
	showVersion bool
	Verbose     bool
	Debug       bool
}

func parseFlags(args []string) (parsedConfig, error) {
	fs := pflag.NewFlagSet("tu58em", pflag.ContinueOnError)

	var pc parsedConfig
	var timing1, timing2 bool
	var timingLevel int
	var portArg string

	fs.BoolVarP(&pc.Debug, "debug", "d", false, "enable debug output")
	fs.BoolVarP(&pc.Verbose, "verbose", "v", false, "enable verbose output")
	fs.BoolVarP(&pc.showVersion, "version", "V", false, "print version")
	fs.BoolVarP(&pc.MRSPDetect, "mrsp", "m", false, "enable MRSP mode detection")
	fs.BoolVarP(&pc.NoSync, "nosync", "n", false, "suppress startup INIT emission")
	fs.BoolVarP(&pc.VAX, "vax", "x", false, "accepted for VAX consoles; no engine delay is changed by it")
	fs.BoolVarP(&pc.Background, "background", "b", false, "no console I/O except errors")
	fs.BoolVarP(&timing1, "timing1", "t", false, "diagnostic-passing timing")
	fs.BoolVarP(&timing2, "timing2", "T", false, "real-hardware timing")
	fs.IntVar(&timingLevel, "timing", -1, "explicit timing level (0..2)")
	fs.IntVarP(&pc.Baud, "speed", "s", 9600, "baud rate")
	fs.IntVarP(&pc.StopBits, "stop", "S", 1, "stop bits (1 or 2)")
	fs.StringVarP(&portArg, "port", "p", "", `serial port; "N" for platform device number N, else a literal path`)

	// Each of the five unit flags shares the same underlying pc.Units
	// slice via a distinct unitFlag.Set, so repeated occurrences across
	// different flags still append in true command-line order — matching
	// original_source/main.c's single getopt_long loop, which calls
	// fileopen() once per occurrence regardless of which flag triggered
	// it. pflag's own StringArray type cannot do this since it tracks
	// each flag's occurrences independently.
	fs.VarP(&unitFlag{mode: "read", units: &pc.Units}, "read", "r", "open unit read-only")
	fs.VarP(&unitFlag{mode: "write", units: &pc.Units}, "write", "w", "open unit read-write")
	fs.VarP(&unitFlag{mode: "create", units: &pc.Units}, "create", "c", "create unit, zero-fill")
	fs.VarP(&unitFlag{mode: "rt11", units: &pc.Units}, "initrt11", "i", "create unit + RT-11 directory")
	fs.VarP(&unitFlag{mode: "xxdp", units: &pc.Units}, "initxxdp", "z", "create unit + XXDP directory")

	if err := fs.Parse(args); err != nil {
		return parsedConfig{}, err
	}

	pc.Port = resolvePort(portArg)

	switch {
	case timingLevel >= 0:
		pc.Timing = timingLevel
	case timing2:
		pc.Timing = 2
	case timing1:
		pc.Timing = 1
	default:
		pc.Timing = 0
	}

	return pc, nil
}

// resolvePort treats a pure-numeric port argument as a platform device
// number (spec §6: `"N"` selects a platform-specific device path), and
// anything else as a literal path.
func resolvePort(arg string) string {
	if n, err := strconv.Atoi(arg); err == nil {
		return fmt.Sprintf("/dev/ttyS%d", n)
	}
	return arg
}

func tapeMode(m string) (tape.Mode, error) {
	switch m {
	case "read":
		return tape.ModeRead, nil
	case "write":
		return tape.ModeWrite, nil
	case "create":
		return tape.ModeCreate, nil
	case "rt11":
		return tape.ModeRT11Init, nil
	case "xxdp":
		return tape.ModeXXDPInit, nil
	default:
		return 0, fmt.Errorf("unknown unit mode %q", m)
	}
}
