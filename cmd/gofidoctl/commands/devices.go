package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofido/hiddev"
)

func devicesCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List plugged-in FIDO authenticators",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			infos, err := hiddev.SystemEnumerator().Devices()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			if !all {
				infos = hiddev.FIDODevices(infos)
			}

			out, err := formatDevices(infos, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list every HID device, not just FIDO authenticators")

	return cmd
}
