package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/cmd/tactile/console"
	"github.com/mklimuk/tactile/grid"
)

var calibrationCmd = cli.Command{
	Name:    "calibration",
	Aliases: []string{"cal"},
	Usage:   "print factory calibration of live cells",
	Action: func(c *cli.Context) error {
		return withDevice(c, true, func(ctx context.Context, d *device) error {
			live, err := d.array.Live(ctx)
			if err != nil {
				return console.Exit(1, "array error: %s", console.Red(err))
			}
			w := tabwriter.NewWriter(os.Stdout, 8, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "CELL\tRAW\tA0\tB1\tB2\tC12\tC11\tC22\n")
			for _, cell := range live.Cells() {
				block, err := d.array.Calibration(cell)
				if err != nil {
					return console.Exit(1, "calibration error: %s", console.Red(err))
				}
				if block.IsZero() {
					_, _ = fmt.Fprintf(w, "%s\t%s\t\t\t\t\t\t\n", cell, console.Yellow("missing"))
					continue
				}
				k := block.Decode()
				_, _ = fmt.Fprintf(w, "%s\t% X\t%.3f\t%.5f\t%.5f\t%.6f\t%.6f\t%.8f\n",
					cell, block[:], k.A0, k.B1, k.B2, k.C12, k.C11, k.C22)
			}
			_ = w.Flush()
			if live.Count() == 0 {
				console.Warnf("no live cells out of %d", grid.Cells)
			}
			return nil
		})
	},
}
