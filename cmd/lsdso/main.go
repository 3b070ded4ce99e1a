package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/thoas/go-funk"
	"github.com/umputun/go-flags"

	hantek "github.com/go-dso/hantek"
)

var opts struct {
	NeedsFirmware bool `short:"f" long:"needs-firmware" description:"list only devices waiting for a firmware upload"`
}

func main() {
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}

	devices, err := hantek.FindDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsdso: %v\n", err)
		os.Exit(1)
	}

	if opts.NeedsFirmware {
		devices = funk.Filter(devices, func(d *hantek.DeviceInfo) bool {
			return d.NeedsFirmware
		}).([]*hantek.DeviceInfo)
	}
	if len(devices) == 0 {
		color.Yellow("no supported oscilloscopes found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Model", "Bus", "Device", "Serial", "Firmware"})
	for _, d := range devices {
		firmware := color.GreenString("loaded")
		if d.NeedsFirmware {
			firmware = color.RedString("required")
		}
		table.Append([]string{
			d.Model.Name,
			fmt.Sprintf("%03d", d.Bus),
			fmt.Sprintf("%03d", d.Address),
			d.Serial,
			firmware,
		})
	}
	table.Render()
}
