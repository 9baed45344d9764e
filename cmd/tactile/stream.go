package main

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/cmd/tactile/console"
)

var streamCmd = cli.Command{
	Name:  "stream",
	Usage: "run continuous sampling and print streamed payloads",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "period",
			Usage: "sampling period, configured period when zero",
		},
		&cli.IntFlag{
			Name:  "count",
			Usage: "stop after receiving that many payloads, 0 runs until interrupted",
		},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, true, func(ctx context.Context, d *device) error {
			if err := d.array.StartSampling(c.Duration("period")); err != nil {
				return console.Exit(1, "could not start sampling: %s", console.Red(err))
			}
			console.PInfof(console.PictoGauge, "sampling every %s, interrupt to stop", d.array.Period())
			received := 0
			count := c.Int("count")
			ch := d.array.Stream()
			for count == 0 || received < count {
				packet, err := ch.Read(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						console.Warnf("stream ended: %s", err)
					}
					break
				}
				received++
				console.Printf("%s %4d  % X\n", console.Faint(time.Now().Format("15:04:05.000")), len(packet.Data)/array.SampleSize, packet.Data)
			}
			d.array.StopSampling()
			// drain until the end-of-burst marker closing the session
			drain, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			for {
				packet, err := ch.Read(drain)
				if err != nil || packet.EndOfBurst {
					break
				}
			}
			console.PInfof(console.PictoFinish, "received %s payloads", console.White(received))
			return nil
		})
	},
}
