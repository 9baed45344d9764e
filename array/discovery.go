package array

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/grid"
)

// Discover walks the grid and rebuilds the liveness bitmap. A cell is alive when both its
// multiplexer and the sensor behind it acknowledge. The bitmap is published only once the
// whole grid has been visited; per-cell bus errors are returned alongside it.
func (a *Array) Discover(ctx context.Context) (grid.Bitmap, error) {
	var live grid.Bitmap
	var errs error
	for row := 0; row < grid.Rows; row++ {
		for column := 0; column < grid.Columns; column++ {
			coord := grid.Coordinate{Row: row, Column: column}
			var alive bool
			err := a.guard.Do(ctx, func(bus tactile.Bus) error {
				var err error
				alive, err = probeCell(ctx, bus, coord)
				return err
			})
			if ctx.Err() != nil {
				return live, ctx.Err()
			}
			if err != nil {
				slog.Warn("cell probe failed", "cell", coord, "error", err)
				errs = multierr.Append(errs, err)
			}
			if alive {
				live = live.With(coord)
			}
		}
	}
	if err := a.guard.publish(ctx, live); err != nil {
		return live, err
	}
	slog.Debug("discovery complete", "alive", live.Count(), "bitmap", live.String())
	return live, errs
}

// probeCell enables the cell, pings the sensor and disables the cell again. The disable is issued
// unless the enable was refused, even if the sensor stayed silent, so that no two cells are ever
// left active together.
func probeCell(ctx context.Context, bus tactile.Bus, coord grid.Coordinate) (bool, error) {
	var alive bool
	_, err := withCell(ctx, bus, coord, func() error {
		var err error
		alive, err = bus.Probe(ctx, grid.SensorWrite, true)
		if err != nil {
			return fmt.Errorf("cell %s sensor: %w", coord, err)
		}
		return nil
	})
	return alive && err == nil, err
}
