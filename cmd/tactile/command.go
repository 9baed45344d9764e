package main

import (
	"context"
	"encoding/hex"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/cmd/tactile/console"
	"github.com/mklimuk/tactile/command"
)

var commandCmd = cli.Command{
	Name:      "command",
	Aliases:   []string{"cmd"},
	Usage:     "dispatch a raw control request the way the host transport does",
	ArgsUsage: "<opcode>",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "value", Usage: "setup value field"},
		&cli.UintFlag{Name: "index", Usage: "setup index field"},
		&cli.UintFlag{Name: "length", Usage: "setup length field"},
		&cli.StringFlag{Name: "data", Usage: "hex encoded data stage"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected a single opcode argument")
		}
		op, err := strconv.ParseUint(c.Args().First(), 0, 8)
		if err != nil {
			return console.Exit(1, "invalid opcode %q: %s", c.Args().First(), console.Red(err))
		}
		data, err := hex.DecodeString(c.String("data"))
		if err != nil {
			return console.Exit(1, "invalid data: %s", console.Red(err))
		}
		setup := command.Setup{
			Request: command.Opcode(op),
			Value:   uint16(c.Uint("value")),
			Index:   uint16(c.Uint("index")),
			Length:  uint16(c.Uint("length")),
			Data:    data,
		}
		if destructive(setup.Request) && !c.Bool("yes") {
			ok, err := console.Confirm("really send " + setup.Request.String() + "?")
			if err != nil {
				return console.Exit(1, "prompt error: %s", console.Red(err))
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		return withDevice(c, true, func(ctx context.Context, d *device) error {
			console.Debugf("dispatching %s value=%#x index=%#x", setup.Request, setup.Value, setup.Index)
			reply, err := d.handler.Handle(ctx, setup)
			if err != nil {
				return console.Exit(1, "%s failed: %s", setup.Request, console.Red(err))
			}
			console.Printf("%s", hex.Dump(reply))
			return nil
		})
	},
}

func destructive(op command.Opcode) bool {
	return op == command.OpPageWrite || op == command.OpBootloader
}
