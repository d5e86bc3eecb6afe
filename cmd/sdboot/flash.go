package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gentam/sdboot"
)

func (a *app) flashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Access the SPI flash of the board",
		Long: `Access the SPI flash of the board. The FPGA is held in reset while the
command runs so that it does not drive the bus.

Commands:
  id        print the JEDEC ID
  status    print the status register
  read      read flash memory
  erase     erase flash memory
  write     write a file to flash`,
	}
	cmd.AddCommand(
		a.flashIDCmd(),
		a.flashStatusCmd(),
		a.flashReadCmd(),
		a.flashEraseCmd(),
		a.flashWriteCmd(),
	)
	return cmd
}

// withFlash runs fn with the flash powered up.
func (a *app) withFlash(fn func(f *sdboot.Flash) error) error {
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
		a.log.Warn("unknown flash ID", "id", fmt.Sprintf("%X", id))
	}
	return fn(d.Flash)
}

func (a *app) flashIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the flash JEDEC ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFlash(func(f *sdboot.Flash) error {
				id, name, err := f.ReadID()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%X\t%s\n", id, name)
				return nil
			})
		},
	}
}

func (a *app) flashStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the flash status register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFlash(func(f *sdboot.Flash) error {
				sr, err := f.ReadStatusRegister()
				if err != nil {
					return fmt.Errorf("read flash status register failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), sr)
				return nil
			})
		},
	}
}

func (a *app) flashReadCmd() *cobra.Command {
	var (
		addr    uint32
		nread   int
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read flash memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFlash(func(f *sdboot.Flash) error {
				data, err := f.Read(int(addr), nread)
				if err != nil {
					return fmt.Errorf("read flash failed: %w", err)
				}
				if outFile == "" {
					fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
					return nil
				}
				return os.WriteFile(outFile, data, 0o644)
			})
		},
	}
	cmd.Flags().Uint32VarP(&addr, "addr", "a", 0, "start address")
	cmd.Flags().IntVarP(&nread, "count", "n", 256, "number of bytes to read")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "output file (default: hexdump)")
	return cmd
}

func (a *app) flashEraseCmd() *cobra.Command {
	var (
		addr uint32
		size int
		chip bool
	)
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash memory",
		Long: `Erase size bytes from a 4KB aligned address, rounded up to whole 4KB
sectors, or the whole chip with --chip.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !chip && size <= 0 {
				return errors.New("--size or --chip is required")
			}
			return a.withFlash(func(f *sdboot.Flash) error {
				if chip {
					return f.EraseChip()
				}
				return f.Erase(int(addr), size)
			})
		},
	}
	cmd.Flags().Uint32VarP(&addr, "addr", "a", 0, "start address")
	cmd.Flags().IntVarP(&size, "size", "s", 0, "number of bytes to erase")
	cmd.Flags().BoolVar(&chip, "chip", false, "bulk erase the entire chip")
	return cmd
}

func (a *app) flashWriteCmd() *cobra.Command {
	var (
		addr     uint32
		filename string
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Erase and program a file into flash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filename)
			if err != nil {
				return err
			}
			return a.withFlash(func(f *sdboot.Flash) error {
				if err := f.Erase(int(addr), len(data)); err != nil {
					return fmt.Errorf("erase flash failed: %w", err)
				}
				for off := 0; off < len(data); {
					page := int(addr) + off
					n := min(len(data)-off, f.PageSize()-page%f.PageSize())
					if err := f.ProgramPage(uint32(page), data[off:off+n]); err != nil {
						return fmt.Errorf("write flash failed: %w", err)
					}
					off += n
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at %#x\n", len(data), addr)
				return nil
			})
		},
	}
	cmd.Flags().Uint32VarP(&addr, "addr", "a", 0, "start address, 4KB aligned")
	cmd.Flags().StringVarP(&filename, "file", "f", "", "input file")
	cmd.MarkFlagRequired("file")
	return cmd
}
