package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/cmd/tactile/console"
)

var sampleCmd = cli.Command{
	Name:  "sample",
	Usage: "take a single snapshot and print compensated pressures",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "row",
			Usage: "sample a single row instead of the whole grid",
			Value: -1,
		},
		&cli.BoolFlag{
			Name:  "yaml",
			Usage: "print the frame as yaml",
		},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, true, func(ctx context.Context, d *device) error {
			var frame *array.Frame
			var err error
			if row := c.Int("row"); row >= 0 {
				frame, err = d.array.SnapshotRow(ctx, row)
			} else {
				frame, err = d.array.Snapshot(ctx)
			}
			if frame == nil {
				return console.Exit(1, "snapshot error: %s", console.Red(err))
			}
			if err != nil {
				console.Warnf("some cells failed: %s", err)
			}
			if c.Bool("yaml") {
				return printYAML(frameReport(d.array, frame))
			}
			printFrame(d.array, frame)
			return nil
		})
	},
}

type cellReport struct {
	Cell        string   `yaml:"cell"`
	PressureADC uint16   `yaml:"pressure_adc"`
	TempADC     uint16   `yaml:"temperature_adc"`
	KPa         *float64 `yaml:"kpa,omitempty"`
	Failed      bool     `yaml:"failed,omitempty"`
}

type report struct {
	Seq   uint64       `yaml:"seq"`
	At    time.Time    `yaml:"at"`
	Scope string       `yaml:"scope"`
	Live  string       `yaml:"live"`
	Cells []cellReport `yaml:"cells"`
}

func frameReport(a *array.Array, frame *array.Frame) report {
	r := report{Seq: frame.Seq, At: frame.At, Scope: frame.Scope.String(), Live: frame.Live.String()}
	for _, cell := range frame.Live.Cells() {
		if frame.Scope == array.ScopeRow && cell.Row != frame.Row {
			continue
		}
		cr := cellReport{Cell: cell.String(), Failed: frame.Failed.Alive(cell)}
		if s, err := frame.Sample(cell); err == nil && !cr.Failed {
			cr.PressureADC = s.PressureADC()
			cr.TempADC = s.TemperatureADC()
			if block, err := a.Calibration(cell); err == nil && !block.IsZero() {
				kpa := block.Decode().Compensate(cr.PressureADC, cr.TempADC)
				cr.KPa = &kpa
			}
		}
		r.Cells = append(r.Cells, cr)
	}
	return r
}

func printFrame(a *array.Array, frame *array.Frame) {
	w := tabwriter.NewWriter(os.Stdout, 8, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "CELL\tP ADC\tT ADC\tkPa\n")
	for _, cell := range frame.Live.Cells() {
		if frame.Scope == array.ScopeRow && cell.Row != frame.Row {
			continue
		}
		if frame.Failed.Alive(cell) {
			_, _ = fmt.Fprintf(w, "%s\t%s\t\t\n", cell, console.Red("failed"))
			continue
		}
		s, err := frame.Sample(cell)
		if err != nil {
			continue
		}
		pressure := console.Yellow("uncalibrated")
		if block, err := a.Calibration(cell); err == nil && !block.IsZero() {
			pressure = console.White(fmt.Sprintf("%.2f", block.Decode().Compensate(s.PressureADC(), s.TemperatureADC())))
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", cell, s.PressureADC(), s.TemperatureADC(), pressure)
	}
	_ = w.Flush()
	console.PInfof(console.PictoGauge, "frame %d (%s) at %s", frame.Seq, frame.Scope, frame.At.Format("15:04:05.000"))
}
