package tactile

import (
	"context"
	"errors"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// ErrBusTimeout is returned when a bus condition flag was not observed within the configured bound.
// It is fatal to the transaction that hit it, never to the bus.
var ErrBusTimeout = errors.New("bus timeout")

// ErrNotAcknowledged is returned by data transactions whose address or data phase was not acknowledged.
// Probes report the same outcome as a plain false instead.
var ErrNotAcknowledged = errors.New("not acknowledged")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// Prober addresses the bus without a data phase. The address is the raw wire byte:
// 7-bit address shifted left with the direction in the low bit.
type Prober interface {
	Probe(ctx context.Context, address byte, stop bool) (bool, error)
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Bus is the transaction primitive every sensor array operation is built from.
// ReadFromAddr and WriteToAddr take 7-bit device addresses and always finish
// with a stop condition; the last byte of a read is not acknowledged.
// Release issues a bare stop, leaving the bus idle.
type Bus interface {
	I2CBus
	Prober
}
