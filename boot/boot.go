// Package boot moves firmware from an SD card into flash.
//
// The flow mirrors a classic SD bootloader: wait until a card answers,
// open firmware.bin on its FAT volume, stream it block by block into flash
// erasing each sector as the write address reaches it, then rename the file
// to firmware.cur so the next boot does not flash it again.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gentam/sdboot/sdcard"
)

var (
	// ErrNoFirmware means the volume has no firmware file. The caller
	// should start the existing firmware.
	ErrNoFirmware = errors.New("boot: no firmware file")

	ErrTooLarge  = errors.New("boot: firmware larger than flash")
	ErrAlignment = errors.New("boot: misaligned flash geometry")
	ErrVerify    = errors.New("boot: flash verification failed")
)

// Config holds the boot flow settings. The yaml tags are used by the board
// configuration file.
type Config struct {
	Firmware string `yaml:"firmware"` // file to flash
	Backup   string `yaml:"backup"`   // name firmware is renamed to after flashing

	Base  uint32 `yaml:"base"`  // flash address of the first byte
	Limit int64  `yaml:"limit"` // largest image accepted, 0 for no limit

	ProgressInterval int64         `yaml:"progress_interval"` // bytes between progress reports
	RetryInterval    time.Duration `yaml:"retry_interval"`    // delay between card probes
	Verify           bool          `yaml:"verify"`            // read back every page
}

func DefaultConfig() Config {
	return Config{
		Firmware:         "firmware.bin",
		Backup:           "firmware.cur",
		ProgressInterval: 10240,
		RetryInterval:    time.Second,
	}
}

// Configurer brings a card from power-up to ready. *sdcard.Card
// implements it.
type Configurer interface {
	Configure() error
}

// absent reports whether err looks like an empty slot rather than a broken
// card.
func absent(err error) bool {
	return errors.Is(err, sdcard.ErrInitTimeout) || errors.Is(err, sdcard.ErrBusTimeout)
}

// WaitCard configures card, retrying every interval while no card is
// inserted. Any other failure, such as a device that is not an SD card,
// is returned at once. A nil logger discards.
func WaitCard(ctx context.Context, card Configurer, interval time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	err := card.Configure()
	if err == nil || !absent(err) {
		return err
	}
	log.Info("waiting for card", slog.Any("err", err))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for attempt := 2; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for card: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
		if err = card.Configure(); err == nil || !absent(err) {
			return err
		}
		log.Debug("card still absent", slog.Int("attempt", attempt), slog.Any("err", err))
	}
}
