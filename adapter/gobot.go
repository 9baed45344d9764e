package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gobot.io/x/gobot/v2/drivers/i2c"
	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
)

var _ tactile.Bus = &GobotBus{}

// GobotBus reaches the array through a gobot board adaptor. Gobot binds a driver to one
// address, so a driver is started lazily for every address the array touches.
type GobotBus struct {
	mx      sync.Mutex
	adaptor i2c.Connector
	bus     int
	drivers map[byte]*i2c.GenericDriver
}

func NewGobotBus(adaptor i2c.Connector, bus int) *GobotBus {
	return &GobotBus{
		adaptor: adaptor,
		bus:     bus,
		drivers: make(map[byte]*i2c.GenericDriver),
	}
}

func (b *GobotBus) driver(address byte) (*i2c.GenericDriver, error) {
	if d, ok := b.drivers[address]; ok {
		return d, nil
	}
	d := i2c.NewGenericDriver(b.adaptor, fmt.Sprintf("tactile-%#02x", address), int(address), func(c i2c.Config) {
		c.SetBus(b.bus)
	})
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("start driver for %#02x: %w", address, err)
	}
	b.drivers[address] = d
	return d, nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	d, err := b.driver(address)
	if err != nil {
		return err
	}
	if err := d.Write(buffer); err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	return nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	d, err := b.driver(address)
	if err != nil {
		return err
	}
	if err := d.Read(buffer); err != nil {
		return fmt.Errorf("read from %x failed: %w", address, err)
	}
	return nil
}

// Probe addresses a raw wire address with a one byte transfer; a failed transfer is a NACK.
func (b *GobotBus) Probe(ctx context.Context, address byte, stop bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	d, err := b.driver(address >> 1)
	if err != nil {
		return false, err
	}
	if address&1 == 1 {
		err = d.Read(make([]byte, 1))
	} else {
		err = d.Write([]byte{0x00})
	}
	if err != nil {
		slog.Debug("probe not acknowledged", "address", address, "error", err)
		return false, nil
	}
	return true, nil
}

// Release is a no-op, the kernel driver ends every transfer with a stop.
func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

// Close halts every driver started so far.
func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var errs error
	for address, d := range b.drivers {
		errs = multierr.Append(errs, d.Halt())
		delete(b.drivers, address)
	}
	return errs
}
