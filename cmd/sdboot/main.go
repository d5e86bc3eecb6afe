// Command sdboot talks to an SD card and an SPI flash behind an FT2232H, and
// flashes firmware from the card.
//
// With --sim the card is simulated over a disk image, which is handy for
// trying a card layout before writing it to a real card.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"github.com/gentam/sdboot"
	"github.com/gentam/sdboot/internal/sdsim"
	"github.com/gentam/sdboot/sdcard"
)

// app holds the state shared by all commands.
type app struct {
	configPath string
	verbose    bool
	simImage   string
	simKind    string
	clock      physic.Frequency

	cfg sdboot.Config
	log *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "sdboot",
		Short: "Flash firmware from an SD card over SPI",
		Long: `sdboot drives an FT2232H board carrying an SD card slot and an SPI NOR
flash on one SPI bus.

Examples:
  sdboot info
  sdboot read -b 0 -n 1
  sdboot boot
  sdboot flash id
  sdboot board
  sdboot mkimage card.img firmware.bin
  sdboot boot --sim card.img --out flash.bin`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "board configuration file (YAML)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log SD commands and other details")
	pf.StringVar(&a.simImage, "sim", "", "simulate the card over this disk image instead of using the board")
	pf.StringVar(&a.simKind, "sim-kind", "v2hc", "simulated card kind: v1, v2 or v2hc")
	pf.Var(frequencyValue{&a.clock}, "clock", "SD data clock, overrides the configuration (e.g. 4MHz)")

	root.AddCommand(
		a.infoCmd(),
		a.readCmd(),
		a.writeCmd(),
		a.bootCmd(),
		a.flashCmd(),
		a.mkimageCmd(),
		a.boardCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	a.cfg = sdboot.DefaultConfig()
	if a.configPath != "" {
		cfg, err := sdboot.LoadConfig(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.clock != 0 {
		a.cfg.SD.DataClock.Frequency = a.clock
	}
	return a.cfg.Validate()
}

// openCard returns the card of the board, or a simulated one with --sim.
// The returned function releases it.
func (a *app) openCard() (*sdcard.Card, func() error, error) {
	if a.simImage == "" {
		d, err := sdboot.NewDevice(a.cfg, a.log)
		if err != nil {
			return nil, nil, err
		}
		return d.Card, d.Close, nil
	}

	kind, err := sdsim.ParseKind(a.simKind)
	if err != nil {
		return nil, nil, err
	}
	cs := &gpiotest.Pin{N: "SIM_CS", L: gpio.High}
	sim, err := sdsim.Open(a.simImage, kind, cs)
	if err != nil {
		return nil, nil, err
	}
	sim.Logger = a.log
	card := sdcard.New(sdcard.NewSPITransport(sim), cs, a.cfg.SD.Options(a.log)...)
	return card, sim.Close, nil
}

// openDevice opens the board. The FPGA is held in reset so that it leaves
// the SPI bus to the host until release is called.
func (a *app) openDevice() (d *sdboot.Device, release func(), err error) {
	if a.simImage != "" {
		return nil, nil, errors.New("--sim has no flash; this command needs the board")
	}
	d, err = sdboot.NewDevice(a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	if err := d.HoldFPGAReset(); err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("failed to hold FPGA reset: %w", err)
	}
	release = func() {
		if err := d.ReleaseFPGAReset(); err != nil {
			a.log.Warn("failed to release FPGA reset", "err", err)
		}
		d.Close()
	}
	return d, release, nil
}

func closeLogged(log *slog.Logger, closer func() error) {
	if err := closer(); err != nil {
		log.Warn("close failed", "err", err)
	}
}

// frequencyValue adapts physic.Frequency to pflag.Value.
type frequencyValue struct{ f *physic.Frequency }

var _ pflag.Value = frequencyValue{}

func (v frequencyValue) String() string {
	if v.f == nil || *v.f == 0 {
		return ""
	}
	return v.f.String()
}

func (v frequencyValue) Set(s string) error { return v.f.Set(s) }
func (v frequencyValue) Type() string       { return "frequency" }
