package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/cmd/tactile/console"
	"github.com/mklimuk/tactile/command"
)

var eepromCmd = cli.Command{
	Name:  "eeprom",
	Usage: "access persistent page storage",
	Subcommands: cli.Commands{
		&eepromReadCmd,
		&eepromWriteCmd,
	},
}

var eepromReadCmd = cli.Command{
	Name:  "read",
	Usage: "read a storage page",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "page", Usage: "page number", Required: true},
		&cli.IntFlag{Name: "length", Usage: "number of bytes to read", Value: command.PageSize},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, false, func(ctx context.Context, d *device) error {
			reply, err := d.handler.Serve(ctx, command.PageReadRequest{Page: c.Int("page"), Length: c.Int("length")})
			if err != nil {
				return console.Exit(1, "page read error: %s", console.Red(err))
			}
			console.Printf("%s", hex.Dump(reply))
			return nil
		})
	},
}

var eepromWriteCmd = cli.Command{
	Name:  "write",
	Usage: "write a storage page",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "page", Usage: "page number", Required: true},
		&cli.StringFlag{Name: "data", Usage: "hex bytes to write (e.g. '01FF23')", Required: true},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		data, err := hex.DecodeString(c.String("data"))
		if err != nil {
			return console.Exit(1, "invalid data hex string: %s", console.Red(err))
		}
		if len(data) > command.PageSize {
			return console.Exit(1, "at most %d bytes fit in a page", command.PageSize)
		}
		if !c.Bool("yes") {
			ok, err := console.Confirm(fmt.Sprintf("overwrite page %d?", c.Int("page")))
			if err != nil {
				return console.Exit(1, "prompt error: %s", console.Red(err))
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		return withDevice(c, false, func(ctx context.Context, d *device) error {
			_, err := d.handler.Serve(ctx, command.PageWriteRequest{Page: c.Int("page"), Data: data})
			if err != nil {
				return console.Exit(1, "page write error: %s", console.Red(err))
			}
			console.PInfof(console.PictoMemory, "wrote %d bytes to page %d", len(data), c.Int("page"))
			return nil
		})
	},
}
