package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gentam/sdboot/sdcard"
)

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Initialize the card and print what it reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			card, closer, err := a.openCard()
			if err != nil {
				return err
			}
			defer closeLogged(a.log, closer)

			if err := card.Configure(); err != nil {
				return fmt.Errorf("card initialization failed: %w", err)
			}
			csd, err := card.ReadCSD()
			if err != nil {
				return fmt.Errorf("read CSD failed: %w", err)
			}
			sectors, err := card.SectorCount()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Class:    %s\n", card.Class())
			fmt.Fprintf(w, "OCR:      %#08x\n", uint32(card.OCR()))
			fmt.Fprintf(w, "CSD:      %X (v%d)\n", csd[:], csd.Structure()+1)
			fmt.Fprintf(w, "Sectors:  %d\n", sectors)
			fmt.Fprintf(w, "Capacity: %d MiB\n", card.Size()>>20)
			fmt.Fprintf(w, "Clock:    %s\n", card.Clock())
			return nil
		},
	}
}

func (a *app) readCmd() *cobra.Command {
	var (
		block   uint32
		count   uint32
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read card blocks",
		Long: `Read count 512-byte blocks starting at block. Without -o the data is
printed as a hex dump.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			card, closer, err := a.openCard()
			if err != nil {
				return err
			}
			defer closeLogged(a.log, closer)

			if err := card.Configure(); err != nil {
				return fmt.Errorf("card initialization failed: %w", err)
			}

			var out io.Writer
			if outFile == "" {
				d := hex.Dumper(cmd.OutOrStdout())
				defer d.Close()
				out = d
			} else {
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			buf := make([]byte, sdcard.BlockSize)
			for n := block; n < block+count; n++ {
				if err := card.ReadBlock(n, buf); err != nil {
					return fmt.Errorf("read block %d failed: %w", n, err)
				}
				if _, err := out.Write(buf); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint32VarP(&block, "block", "b", 0, "first block")
	cmd.Flags().Uint32VarP(&count, "count", "n", 1, "number of blocks to read")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "output file (default: hexdump)")
	return cmd
}

func (a *app) writeCmd() *cobra.Command {
	var (
		block  uint32
		inFile string
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a file to card blocks",
		Long: `Write a file to consecutive 512-byte blocks starting at block. The last
block is padded with zeros.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(inFile)
			if err != nil {
				return err
			}

			card, closer, err := a.openCard()
			if err != nil {
				return err
			}
			defer closeLogged(a.log, closer)

			if err := card.Configure(); err != nil {
				return fmt.Errorf("card initialization failed: %w", err)
			}
			sectors, err := card.SectorCount()
			if err != nil {
				return err
			}
			blocks := uint32((len(data) + sdcard.BlockSize - 1) / sdcard.BlockSize)
			if uint64(block)+uint64(blocks) > uint64(sectors) {
				return fmt.Errorf("%d blocks at %d do not fit a card of %d sectors", blocks, block, sectors)
			}

			buf := make([]byte, sdcard.BlockSize)
			for i := range blocks {
				clear(buf)
				copy(buf, data[int(i)*sdcard.BlockSize:])
				if err := card.WriteBlock(block+i, buf); err != nil {
					return fmt.Errorf("write block %d failed: %w", block+i, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d blocks at %d\n", blocks, block)
			return nil
		},
	}
	cmd.Flags().Uint32VarP(&block, "block", "b", 0, "first block")
	cmd.Flags().StringVarP(&inFile, "file", "f", "", "input file")
	cmd.MarkFlagRequired("file")
	return cmd
}
