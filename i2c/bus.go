// Package i2c exposes a Linux I2C character device as the sensor array bus.
package i2c

import (
	"context"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/tactile"
)

var _ tactile.Bus = &GenericBus{}

// GenericBus relies on the kernel driver for start, stop and acknowledge handling;
// every transaction ends with a stop condition.
type GenericBus struct {
	bus i2c.BusCloser
}

func NewGenericBus(dev string) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		bus: bus,
	}, nil
}

// SetSpeed changes the bus clock.
func (b *GenericBus) SetSpeed(khz int) error {
	if err := b.bus.SetSpeed(physic.Frequency(khz) * physic.KiloHertz); err != nil {
		return fmt.Errorf("could not set bus speed to %dkHz: %w", khz, err)
	}
	return nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// Probe addresses a raw wire address. The kernel offers no portable quick command,
// so writes carry one zero byte and reads fetch one byte. Any transfer error counts as
// not acknowledged; the kernel already issued the stop, so stop is ignored.
func (b *GenericBus) Probe(ctx context.Context, address byte, stop bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var err error
	if address&1 == 1 {
		err = b.bus.Tx(uint16(address>>1), nil, make([]byte, 1))
	} else {
		err = b.bus.Tx(uint16(address>>1), []byte{0x00}, nil)
	}
	if err != nil {
		slog.Debug("probe not acknowledged", "address", address, "error", err)
		return false, nil
	}
	return true, nil
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}
