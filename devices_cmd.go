package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devsound/devsound/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Short:   "List audio devices",
	Long:    paragraph(fmt.Sprintf("\n%s the selected backend, what it can do and the devices it sees.", keyword("Show"))),
	Example: paragraph("devsound devices\ndevsound devices --backend malgo"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		backend, err := device.Open(backendName)
		if err != nil {
			return fmt.Errorf("unable to open audio backend: %w", err)
		}
		defer backend.Close() //nolint:errcheck

		caps := backend.Capabilities()
		fmt.Printf("%s %s\n", heading("Backend"), backend.Name())
		fmt.Printf("  %s\n", faint(device.DetectPlatform().String()))
		fmt.Printf("  output %s  input %s  duplex %s\n\n", yesNo(caps.Output), yesNo(caps.Input), yesNo(caps.Duplex))

		lister, ok := backend.(device.Lister)
		if !ok {
			fmt.Println(faint("  this backend cannot enumerate devices"))
			return nil
		}
		for _, dir := range []device.Direction{device.Output, device.Input} {
			infos, err := lister.Devices(dir)
			if errors.Is(err, device.ErrBackendUnavailable) {
				fmt.Println(faint("  this backend cannot enumerate devices"))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(heading(fmt.Sprintf("%s devices", dir)))
			if len(infos) == 0 {
				fmt.Println(faint("  none"))
			}
			for _, info := range infos {
				mark := " "
				if info.Default {
					mark = keyword("*")
				}
				fmt.Printf(" %s %s\n", mark, info.Name)
			}
			fmt.Println()
		}
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return keyword("yes")
	}
	return faint("no")
}
