package array

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/grid"
)

// Guard serializes access to the bus and the liveness bitmap between the periodic
// acquisition loop and foreground commands. It is held for one transaction group
// at a time (one cell, one conversion start, one probe), never for a whole cycle.
type Guard struct {
	sem  *semaphore.Weighted
	bus  tactile.Bus
	live grid.Bitmap
}

func NewGuard(bus tactile.Bus) *Guard {
	return &Guard{
		sem: semaphore.NewWeighted(1),
		bus: bus,
	}
}

// Do runs fn with exclusive ownership of the bus.
func (g *Guard) Do(ctx context.Context, fn func(bus tactile.Bus) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return fn(g.bus)
}

// Live returns the current liveness bitmap.
func (g *Guard) Live(ctx context.Context) (grid.Bitmap, error) {
	if err := g.acquire(ctx); err != nil {
		return grid.Bitmap{}, err
	}
	defer g.release()
	return g.live, nil
}

// publish replaces the bitmap wholesale. Only discovery calls it.
func (g *Guard) publish(ctx context.Context, live grid.Bitmap) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	g.live = live
	return nil
}

func (g *Guard) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// release panics when the guard is not held: bus ownership is lost at that point.
func (g *Guard) release() {
	g.sem.Release(1)
}
