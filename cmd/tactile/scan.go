package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/cmd/tactile/console"
	"github.com/mklimuk/tactile/grid"
)

// withDevice opens the configured device, optionally runs discovery and calibration, and
// hands it to fn. The context is cancelled on interrupt.
func withDevice(c *cli.Context, init bool, fn func(ctx context.Context, d *device) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = console.SetVerbose(ctx, c.Bool("verbose"))
	d, err := openDevice(ctx, c)
	if err != nil {
		return console.Exit(1, "device initialization error: %s", console.Red(err))
	}
	defer d.Close()
	if init {
		if err := d.array.Init(ctx); err != nil {
			if ctx.Err() != nil {
				return console.Exit(1, "interrupted")
			}
			console.Warnf("array initialization finished with errors: %s", err)
		}
	}
	return fn(ctx, d)
}

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "discover live cells of the array",
	Action: func(c *cli.Context) error {
		return withDevice(c, false, func(ctx context.Context, d *device) error {
			live, err := d.array.Discover(ctx)
			if err != nil {
				return console.Exit(1, "discovery error: %s", console.Red(err))
			}
			printLiveness(live)
			return nil
		})
	},
}

func printLiveness(live grid.Bitmap) {
	var sb strings.Builder
	sb.WriteString("     ")
	for column := 0; column < grid.Columns; column++ {
		sb.WriteString(console.Faint(column))
		sb.WriteByte(' ')
	}
	console.Print(sb.String())
	for row := 0; row < grid.Rows; row++ {
		sb.Reset()
		sb.WriteString(console.Faint(row))
		sb.WriteString("    ")
		for column := 0; column < grid.Columns; column++ {
			if live.Alive(grid.Coordinate{Row: row, Column: column}) {
				sb.WriteString(console.Green("●"))
			} else {
				sb.WriteString(console.Faint("·"))
			}
			sb.WriteByte(' ')
		}
		console.Print(sb.String())
	}
	console.PInfof(console.PictoHand, "%s of %d cells alive", console.White(live.Count()), grid.Cells)
}
