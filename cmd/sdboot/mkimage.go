package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gentam/sdboot/fatfs"
	"github.com/gentam/sdboot/sdcard"
)

// fileDisk is a disk image file seen as 512-byte blocks.
type fileDisk struct{ f *os.File }

func (d fileDisk) ReadBlock(n uint32, buf []byte) error {
	_, err := d.f.ReadAt(buf[:sdcard.BlockSize], int64(n)*sdcard.BlockSize)
	return err
}

func (d fileDisk) WriteBlock(n uint32, buf []byte) error {
	_, err := d.f.WriteAt(buf[:sdcard.BlockSize], int64(n)*sdcard.BlockSize)
	return err
}

func (a *app) mkimageCmd() *cobra.Command {
	var (
		sectors uint32
		fat     int
		label   string
	)
	cmd := &cobra.Command{
		Use:   "mkimage [image] [files...]",
		Short: "Create a FAT formatted card image",
		Long: `Create a card image without a partition table, format it and copy files
into its root directory. File names must fit the 8.3 form.

Example:
  sdboot mkimage card.img firmware.bin
  sdboot mkimage --fat 32 --sectors 262144 card.img firmware.bin`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var typ fatfs.Type
			switch fat {
			case 16:
				typ = fatfs.FAT16
			case 32:
				typ = fatfs.FAT32
			default:
				return fmt.Errorf("unsupported FAT type %d", fat)
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := f.Truncate(int64(sectors) * sdcard.BlockSize); err != nil {
				return err
			}

			dev := fileDisk{f}
			if err := fatfs.Format(dev, sectors, typ, label); err != nil {
				return fmt.Errorf("format failed: %w", err)
			}
			vol, err := fatfs.Mount(dev, a.log)
			if err != nil {
				return err
			}
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				fi, err := os.Stat(path)
				if err != nil {
					return err
				}
				if err := vol.WriteFile(filepath.Base(path), data, fi.ModTime()); err != nil {
					return err
				}
				a.log.Debug("copied", "file", path, "size", len(data))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d sectors, %d files\n", args[0], vol.Type(), sectors, len(args)-1)
			return f.Close()
		},
	}
	cmd.Flags().Uint32Var(&sectors, "sectors", 65536, "image size in 512-byte sectors")
	cmd.Flags().IntVar(&fat, "fat", 16, "FAT type: 16 or 32")
	cmd.Flags().StringVar(&label, "label", "SDBOOT", "volume label")
	return cmd
}
