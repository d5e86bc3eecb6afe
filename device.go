package sdboot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/sdboot/sdcard"
)

// Device is a board with an SD card and an SPI flash sharing one SPI bus,
// and an FPGA that boots from the flash.
type Device struct {
	FTDI  *ftdi.FT232H // nil for boards not opened by NewDevice
	Bus   *Bus
	Flash *Flash
	Card  *sdcard.Card

	flashCS gpio.PinIO
	sdCS    gpio.PinIO
	reset   gpio.PinIO
	cdone   gpio.PinIO
}

// PinMap resolves the pin names used in Config.Pins.
type PinMap map[string]gpio.PinIO

var hostInitialized atomic.Bool

// NewDevice finds FT2232H device and opens its MPSSE SPI port.
func NewDevice(cfg Config, log *slog.Logger) (*Device, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	ft, err := findFT2232H()
	if err != nil {
		return nil, err
	}

	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	port, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}

	d, err := Open(port, ftdiPins(ft), cfg, log)
	if err != nil {
		port.Close()
		return nil, err
	}
	d.FTDI = ft
	return d, nil
}

// Open assembles a Device on port. Chip selects are driven high before the
// bus is used.
func Open(port spi.PortCloser, pins PinMap, cfg Config, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var (
		d    = &Device{Bus: NewBus(port)}
		errs []error
	)
	for _, p := range []struct {
		name string
		pin  *gpio.PinIO
	}{
		{cfg.Pins.FlashCS, &d.flashCS},
		{cfg.Pins.SDCS, &d.sdCS},
		{cfg.Pins.FPGAReset, &d.reset},
		{cfg.Pins.FPGADone, &d.cdone},
	} {
		pin, ok := pins[p.name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown pin %q", p.name))
			continue
		}
		*p.pin = pin
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	for _, cs := range []gpio.PinIO{d.flashCS, d.sdCS} {
		if err := cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("failed to deselect %s: %w", cs, err)
		}
	}

	// [N25Q32|Table 7: SPI Modes] mode 0 and mode 3 are supported
	conn, err := d.Bus.Connect(cfg.FlashClock.Frequency, spi.Mode0, 8)
	if err != nil {
		return nil, err
	}
	d.Flash = NewFlash(conn, d.flashCS)
	d.Card = sdcard.New(sdcard.NewSPITransport(d.Bus), d.sdCS, cfg.SD.Options(log)...)

	log.Debug("device opened", "port", port, "flash_cs", d.flashCS, "sd_cs", d.sdCS)
	return d, nil
}

func (d *Device) Close() error {
	return d.Bus.Close()
}

// ResetFPGA asserts (low) or deasserts (high) the FPGA reset line.
func (d *Device) ResetFPGA(l gpio.Level) error {
	return d.reset.Out(l)
}

// HoldFPGAReset keeps the FPGA in reset so that it does not act as an SPI
// master while the host uses the bus.
func (d *Device) HoldFPGAReset() error { return d.ResetFPGA(gpio.Low) }

// ReleaseFPGAReset lets the FPGA configure itself from the flash.
func (d *Device) ReleaseFPGAReset() error { return d.ResetFPGA(gpio.High) }

// FPGADone reports the CDONE line, high once the FPGA is configured.
func (d *Device) FPGADone() (bool, error) {
	if err := d.cdone.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return false, err
	}
	return d.cdone.Read() == gpio.High, nil
}

func findFT2232H() (*ftdi.FT232H, error) {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}

	return nil, errors.New("FT2232H device not found")
}

// ftdiPins names the pins left free by the MPSSE SPI engine.
//
// [EB82|Appendix A. Sheet 2 of 5 (USB to SPI/RS232)] / [icebreaker-sch.pdf]
// ADBUS0 | iCE_SCK
// ADBUS1 | iCE_MOSI / FLASH_MOSI
// ADBUS2 | iCE_MISO / FLASH_MISO
// ADBUS4 | iCE_SS_B
// ADBUS6 | iCE_CDONE
// ADBUS7 | iCE_CRESET / iCE_RESET
func ftdiPins(ft *ftdi.FT232H) PinMap {
	return PinMap{
		"D3": ft.D3, "D4": ft.D4, "D5": ft.D5, "D6": ft.D6, "D7": ft.D7,
		"C0": ft.C0, "C1": ft.C1, "C2": ft.C2, "C3": ft.C3,
		"C4": ft.C4, "C5": ft.C5, "C6": ft.C6, "C7": ft.C7,
	}
}
