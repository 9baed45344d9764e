package array

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/grid"
)

// withCell enables the multiplexer of coord, runs fn while that cell is the only active one
// and disables it again. It reports whether the enable was acknowledged.
//
// Only a confirmed NACK on the enable skips the disable. A failed or interrupted enable may
// still have reached the multiplexer, so the disable goes out even when ctx is already done.
func withCell(ctx context.Context, bus tactile.Bus, coord grid.Coordinate, fn func() error) (bool, error) {
	enabled, err := bus.Probe(ctx, coord.Enable(), true)
	if err == nil && !enabled {
		return false, nil
	}
	if err != nil {
		err = fmt.Errorf("cell %s enable: %w", coord, err)
	} else {
		err = fn()
	}
	_, disableErr := bus.Probe(context.WithoutCancel(ctx), coord.Disable(), true)
	if disableErr != nil {
		disableErr = fmt.Errorf("cell %s disable: %w", coord, disableErr)
	}
	return enabled, multierr.Combine(err, disableErr)
}
