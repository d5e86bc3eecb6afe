package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"periph.io/x/host/v3/ftdi"
)

func (a *app) boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Print the FT2232H details and pin states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, release, err := a.openDevice()
			if err != nil {
				return err
			}
			defer release()
			ft := d.FTDI
			w := cmd.OutOrStdout()

			// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
			i := ftdi.Info{}
			ft.Info(&i)
			fmt.Fprintf(w, "Type:            %s\n", i.Type)
			fmt.Fprintf(w, "Vendor ID:       %#04x\n", i.VenID)
			fmt.Fprintf(w, "Device ID:       %#04x\n", i.DevID)

			ee := ftdi.EEPROM{}
			if err := ft.EEPROM(&ee); err != nil {
				return fmt.Errorf("failed to read EEPROM: %w", err)
			}
			fmt.Fprintf(w, "Manufacturer:    %s\n", ee.Manufacturer)
			fmt.Fprintf(w, "ManufacturerID:  %s\n", ee.ManufacturerID)
			fmt.Fprintf(w, "Desc:            %s\n", ee.Desc)
			fmt.Fprintf(w, "Serial:          %s\n", ee.Serial)

			h := ee.AsHeader()
			fmt.Fprintf(w, "MaxPower:        %dmA\n", h.MaxPower)
			fmt.Fprintf(w, "SelfPowered:     %x\n", h.SelfPowered)

			done, err := d.FPGADone()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "FPGA done:       %t\n", done)
			fmt.Fprintf(w, "SPI bus:         %s\n", d.Bus)

			for _, p := range ft.Header() {
				fmt.Fprintf(w, "%s: %s\n", p, p.Function())
			}
			return nil
		},
	}
}
