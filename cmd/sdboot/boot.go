package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gentam/sdboot/boot"
	"github.com/gentam/sdboot/fatfs"
	"github.com/gentam/sdboot/sdcard"
)

func (a *app) bootCmd() *cobra.Command {
	var (
		outFile string
		outSize int64
	)
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Flash firmware.bin from the card",
		Long: `Wait for a card, find the firmware file on its FAT volume and program it
into flash, then rename it to the backup name.

The board flash is used unless --out names a flash image file. With --sim,
--out is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var (
				card  *sdcard.Card
				flash boot.Programmer
				limit int64
			)
			switch {
			case outFile != "":
				c, closer, err := a.openCard()
				if err != nil {
					return err
				}
				defer closeLogged(a.log, closer)
				fp, err := boot.OpenFileProgrammer(outFile, outSize, 4<<10, 256)
				if err != nil {
					return err
				}
				defer closeLogged(a.log, fp.Close)
				card, flash, limit = c, fp, fp.Size()
			case a.simImage != "":
				return errors.New("--out is required with --sim")
			default:
				d, release, err := a.openDevice()
				if err != nil {
					return err
				}
				defer release()
				if err := d.Flash.PowerUp(); err != nil {
					return fmt.Errorf("flash power up failed: %w", err)
				}
				defer d.Flash.PowerDown()
				id, name, err := d.Flash.ReadID()
				if err != nil {
					return fmt.Errorf("read flash ID failed: %w", err)
				}
				if name == "" {
					a.log.Warn("unknown flash ID, size not checked", "id", fmt.Sprintf("%X", id))
				}
				card, flash, limit = d.Card, d.Flash, d.Flash.Size()
			}

			cfg := a.cfg.Boot
			if cfg.Limit == 0 && limit > int64(cfg.Base) {
				cfg.Limit = limit - int64(cfg.Base)
			}
			return a.boot(ctx, cmd.OutOrStdout(), card, flash, cfg)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "program this flash image file instead of the board flash")
	cmd.Flags().Int64Var(&outSize, "out-size", 16<<20, "size of the flash image file")
	return cmd
}

func (a *app) boot(ctx context.Context, w io.Writer, card *sdcard.Card, flash boot.Programmer, cfg boot.Config) error {
	if err := boot.WaitCard(ctx, card, cfg.RetryInterval, a.log); err != nil {
		return fmt.Errorf("card initialization failed: %w", err)
	}
	a.log.Info("card ready", "class", card.Class(), "size", card.Size())

	vol, err := fatfs.Mount(card, a.log)
	if err != nil {
		return err
	}

	l := boot.NewLoader(vol, flash, cfg, a.log)
	tty := isTerminal(w)
	l.Progress = func(done, total int64) {
		if tty {
			fmt.Fprintf(w, "\r%06d/%06d", done, total)
			return
		}
		a.log.Info("programming", "done", done, "total", total)
	}
	n, err := l.Run(ctx)
	if tty && n > 0 {
		fmt.Fprintln(w)
	}
	switch {
	case errors.Is(err, boot.ErrNoFirmware):
		fmt.Fprintf(w, "no %s on the card\n", cfg.Firmware)
		return nil
	case err != nil:
		return err
	case n == 0:
		fmt.Fprintf(w, "%s is empty\n", cfg.Firmware)
		return nil
	}
	fmt.Fprintf(w, "flashed %d bytes at %#x, %s renamed to %s\n", n, cfg.Base, cfg.Firmware, cfg.Backup)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
