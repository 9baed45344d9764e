package main

import (
	"context"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/cmd/tactile/console"
)

var probeCmd = cli.Command{
	Name:      "probe",
	Usage:     "probe a raw bus address (8-bit wire form, low bit selects read)",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-stop",
			Usage: "leave the bus claimed after probing",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected a single address argument")
		}
		address, err := strconv.ParseUint(c.Args().First(), 0, 8)
		if err != nil {
			return console.Exit(1, "invalid address %q: %s", c.Args().First(), console.Red(err))
		}
		return withDevice(c, false, func(ctx context.Context, d *device) error {
			ack, err := d.array.Probe(ctx, byte(address), !c.Bool("no-stop"))
			if err != nil {
				return console.Exit(1, "probe error: %s", console.Red(err))
			}
			if ack {
				console.PInfof(console.PictoPin, "%#02x %s", address, console.Green("acknowledged"))
			} else {
				console.PInfof(console.PictoGhost, "%#02x %s", address, console.Yellow("no answer"))
			}
			return nil
		})
	},
}
