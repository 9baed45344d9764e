package array

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/grid"
)

// CalibrationSize is the size of the factory coefficient block read from every sensor.
// The full 12-byte block is used (a0, b1, b2, c12, c11, c22); the 8-byte variant only
// carries the first four coefficients.
const CalibrationSize = 12

const (
	regData        byte = 0x00
	regCalibration byte = 0x04
	regConvert     byte = 0x12
	cmdConvert     byte = 0x01
)

var ErrCalibrationReadFailed = errors.New("calibration read failed")

// CalibrationReadError reports a cell whose calibration block could not be read.
// The block keeps its previous value.
type CalibrationReadError struct {
	Cell grid.Coordinate
	Err  error
}

func (e *CalibrationReadError) Error() string {
	return fmt.Sprintf("calibration read failed for cell %s: %v", e.Cell, e.Err)
}

func (e *CalibrationReadError) Unwrap() error {
	return e.Err
}

func (e *CalibrationReadError) Is(target error) bool {
	return target == ErrCalibrationReadFailed
}

type Block [CalibrationSize]byte

// CalibrationTable holds one block per cell. Published tables are never modified.
type CalibrationTable struct {
	blocks [grid.Cells]Block
}

func (t *CalibrationTable) Block(c grid.Coordinate) (Block, error) {
	if err := c.Validate(); err != nil {
		return Block{}, err
	}
	if t == nil {
		return Block{}, nil
	}
	return t.blocks[c.Index()], nil
}

// ReadCalibration pulls the calibration block of every live cell into a new table and publishes it.
// Cells that do not acknowledge are left zeroed; a read failing halfway keeps the cell's
// previous block and is reported as a CalibrationReadError.
func (a *Array) ReadCalibration(ctx context.Context) (*CalibrationTable, error) {
	a.calibrationMx.Lock()
	defer a.calibrationMx.Unlock()
	live, err := a.guard.Live(ctx)
	if err != nil {
		return nil, err
	}
	prev := a.calibration.Load()
	next := &CalibrationTable{}
	var errs error
	for _, coord := range live.Cells() {
		if prev != nil {
			next.blocks[coord.Index()] = prev.blocks[coord.Index()]
		}
		var block Block
		var enabled bool
		err := a.guard.Do(ctx, func(bus tactile.Bus) error {
			var err error
			enabled, err = readCalibration(ctx, bus, coord, &block)
			return err
		})
		if ctx.Err() != nil {
			return prev, ctx.Err()
		}
		switch {
		case err != nil:
			slog.Warn("calibration read failed", "cell", coord, "error", err)
			errs = multierr.Append(errs, &CalibrationReadError{Cell: coord, Err: err})
		case !enabled:
			slog.Debug("cell did not acknowledge calibration read", "cell", coord)
			next.blocks[coord.Index()] = Block{}
		default:
			next.blocks[coord.Index()] = block
		}
	}
	a.calibration.Store(next)
	return next, errs
}

// RereadCalibration refreshes the block of a single live cell.
func (a *Array) RereadCalibration(ctx context.Context, coord grid.Coordinate) (Block, error) {
	if err := coord.Validate(); err != nil {
		return Block{}, err
	}
	a.calibrationMx.Lock()
	defer a.calibrationMx.Unlock()
	var block Block
	err := a.guard.Do(ctx, func(bus tactile.Bus) error {
		if !a.guard.live.Alive(coord) {
			return nil
		}
		enabled, err := readCalibration(ctx, bus, coord, &block)
		if err == nil && !enabled {
			block = Block{}
		}
		return err
	})
	if err != nil {
		return Block{}, &CalibrationReadError{Cell: coord, Err: err}
	}
	prev := a.calibration.Load()
	next := &CalibrationTable{}
	if prev != nil {
		next.blocks = prev.blocks
	}
	next.blocks[coord.Index()] = block
	a.calibration.Store(next)
	return block, nil
}

// Calibration returns the block of a cell from the published table.
func (a *Array) Calibration(coord grid.Coordinate) (Block, error) {
	return a.calibration.Load().Block(coord)
}

// readCalibration fills block only when every byte arrived.
func readCalibration(ctx context.Context, bus tactile.Bus, coord grid.Coordinate, block *Block) (bool, error) {
	var buf Block
	enabled, err := withCell(ctx, bus, coord, func() error {
		return readRegisters(ctx, bus, regCalibration, buf[:])
	})
	if err != nil {
		return enabled, err
	}
	if !enabled {
		return false, bus.Release(ctx)
	}
	*block = buf
	return true, nil
}

// readRegisters sets the sensor register pointer and reads len(buf) bytes from it.
func readRegisters(ctx context.Context, bus tactile.Bus, reg byte, buf []byte) error {
	if err := bus.WriteToAddr(ctx, grid.SensorAddress, []byte{reg}); err != nil {
		return fmt.Errorf("set register pointer %#02x: %w", reg, err)
	}
	if err := bus.ReadFromAddr(ctx, grid.SensorAddress, buf); err != nil {
		return fmt.Errorf("read %d bytes from %#02x: %w", len(buf), reg, err)
	}
	return nil
}
