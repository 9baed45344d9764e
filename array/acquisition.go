package array

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/grid"
)

// SampleSize is the number of data bytes read from each cell per cycle.
const SampleSize = 4

// Scope selects how much of the grid a single acquisition cycle covers.
type Scope int

const (
	// ScopeGrid acquires every live cell per cycle.
	ScopeGrid Scope = iota
	// ScopeRow acquires one row per cycle, rotating through all rows.
	ScopeRow
)

func (s Scope) String() string {
	switch s {
	case ScopeGrid:
		return "grid"
	case ScopeRow:
		return "row"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope accepts the names returned by Scope.String.
func ParseScope(name string) (Scope, error) {
	switch name {
	case "grid", "":
		return ScopeGrid, nil
	case "row":
		return ScopeRow, nil
	default:
		return 0, fmt.Errorf("unknown acquisition scope %q", name)
	}
}

// Sample holds the raw big-endian pressure and temperature counts of one cell.
type Sample [SampleSize]byte

func (s Sample) Pressure() uint16 {
	return binary.BigEndian.Uint16(s[0:2])
}

func (s Sample) Temperature() uint16 {
	return binary.BigEndian.Uint16(s[2:4])
}

// PressureADC returns the 10-bit pressure conversion result.
func (s Sample) PressureADC() uint16 {
	return s.Pressure() >> 6
}

// TemperatureADC returns the 10-bit temperature conversion result.
func (s Sample) TemperatureADC() uint16 {
	return s.Temperature() >> 6
}

// Frame is the published result of an acquisition cycle. Sample positions are fixed by
// coordinate; frames are never modified once published.
type Frame struct {
	Seq    uint64
	At     time.Time
	Scope  Scope
	Row    int
	Live   grid.Bitmap
	Failed grid.Bitmap
	data   [grid.Cells * SampleSize]byte
}

func (f *Frame) Sample(c grid.Coordinate) (Sample, error) {
	if err := c.Validate(); err != nil {
		return Sample{}, err
	}
	var s Sample
	copy(s[:], f.data[c.Index()*SampleSize:])
	return s, nil
}

// RowBytes returns the samples of a row, one slot per column whether alive or not.
func (f *Frame) RowBytes(row int) ([]byte, error) {
	if row < 0 || row >= grid.Rows {
		return nil, fmt.Errorf("row %d outside of grid: %w", row, grid.ErrInvalidCoordinate)
	}
	out := make([]byte, grid.Columns*SampleSize)
	copy(out, f.data[row*grid.Columns*SampleSize:])
	return out, nil
}

// Bytes returns the whole sample buffer indexed by coordinate.
func (f *Frame) Bytes() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data[:])
	return out
}

// Payload returns the samples of the live cells covered by the cycle, in scan order.
func (f *Frame) Payload() []byte {
	out := make([]byte, 0, f.Live.Count()*SampleSize)
	for _, c := range f.Live.Cells() {
		if !f.covers(c) {
			continue
		}
		offset := c.Index() * SampleSize
		out = append(out, f.data[offset:offset+SampleSize]...)
	}
	return out
}

func (f *Frame) covers(c grid.Coordinate) bool {
	return f.Scope == ScopeGrid || c.Row == f.Row
}

// Cycle runs one acquisition cycle in the configured scope and publishes its frame.
// Row-scoped cycles advance to the next row each call.
func (a *Array) Cycle(ctx context.Context) (*Frame, error) {
	a.cycleMx.Lock()
	defer a.cycleMx.Unlock()
	row := 0
	if a.config.Scope == ScopeRow {
		row = a.nextRow
		a.nextRow = (a.nextRow + 1) % grid.Rows
	}
	return a.cycle(ctx, a.config.Scope, row)
}

// cycleRow acquires a single row regardless of the configured scope.
func (a *Array) cycleRow(ctx context.Context, row int) (*Frame, error) {
	a.cycleMx.Lock()
	defer a.cycleMx.Unlock()
	return a.cycle(ctx, ScopeRow, row)
}

func (a *Array) cycleGrid(ctx context.Context) (*Frame, error) {
	a.cycleMx.Lock()
	defer a.cycleMx.Unlock()
	return a.cycle(ctx, ScopeGrid, 0)
}

func (a *Array) cycle(ctx context.Context, scope Scope, row int) (*Frame, error) {
	live, err := a.guard.Live(ctx)
	if err != nil {
		return nil, err
	}
	next := &Frame{Scope: scope, Row: row, Live: live}
	if prev := a.frame.Load(); prev != nil && scope == ScopeRow {
		next.data = prev.data
		next.Failed = prev.Failed
		next.Failed[row] = 0
	}
	group := grid.GlobalBroadcast
	pending := live.Count()
	if scope == ScopeRow {
		if group, err = grid.RowBroadcast(row); err != nil {
			return nil, err
		}
		pending = live.RowCount(row)
	}

	if pending > 0 {
		err = a.guard.Do(ctx, func(bus tactile.Bus) error {
			return startConversion(ctx, bus, group)
		})
		if err != nil {
			return nil, fmt.Errorf("start conversion on %#02x: %w", group, err)
		}
		timer := time.NewTimer(a.config.ConversionDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	var errs error
	for r := 0; r < grid.Rows; r++ {
		if scope == ScopeRow && r != row {
			continue
		}
		for column := 0; column < grid.Columns; column++ {
			coord := grid.Coordinate{Row: r, Column: column}
			offset := coord.Index() * SampleSize
			var sample Sample
			err := a.guard.Do(ctx, func(bus tactile.Bus) error {
				if !live.Alive(coord) {
					// keep the bus idle in place of a skipped cell
					return bus.Release(ctx)
				}
				return readSample(ctx, bus, coord, &sample)
			})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				slog.Debug("sample read failed", "cell", coord, "error", err)
				errs = multierr.Append(errs, err)
				next.Failed = next.Failed.With(coord)
			}
			copy(next.data[offset:offset+SampleSize], sample[:])
		}
	}

	a.seq++
	next.Seq = a.seq
	next.At = time.Now()
	a.frame.Store(next)
	return next, errs
}

// startConversion enables the broadcast group, starts a conversion on every sensor behind it
// and disables the group again. Only a confirmed NACK on the enable skips the disable.
func startConversion(ctx context.Context, bus tactile.Bus, group byte) error {
	enabled, err := bus.Probe(ctx, group, true)
	if err != nil {
		// the group may have latched the enable anyway
		_, disableErr := bus.Probe(context.WithoutCancel(ctx), group|1, true)
		return multierr.Combine(err, disableErr)
	}
	err = bus.WriteToAddr(ctx, grid.SensorAddress, []byte{regConvert, cmdConvert})
	if !enabled {
		slog.Debug("broadcast enable not acknowledged", "address", group)
		if errors.Is(err, tactile.ErrNotAcknowledged) {
			return nil
		}
		return err
	}
	_, disableErr := bus.Probe(context.WithoutCancel(ctx), group|1, true)
	return multierr.Combine(err, disableErr)
}

func readSample(ctx context.Context, bus tactile.Bus, coord grid.Coordinate, sample *Sample) error {
	var buf Sample
	enabled, err := withCell(ctx, bus, coord, func() error {
		if err := readRegisters(ctx, bus, regData, buf[:]); err != nil {
			return fmt.Errorf("cell %s: %w", coord, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !enabled {
		return fmt.Errorf("cell %s enable: %w", coord, tactile.ErrNotAcknowledged)
	}
	*sample = buf
	return nil
}
