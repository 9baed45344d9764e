// Package eeprom provides a Gobot driver for the Microchip 25AA1024 1‑Mbit SPI EEPROM,
// used as the persistent page storage of the sensor array controller.
//
// Datasheet reference: Microchip 25AA1024 Serial EEPROM (Table 3‑1 Instruction Set, page size 256 bytes).
//
// Example usage:
//
//	adaptor := nanopi.NewNeoAdaptor()
//	e := eeprom.New(adaptor, 0, 0) // bus 0, chip‑select 0
//	if err := e.Start(); err != nil { log.Fatal(err) }
//	buf := make([]byte, command.PageSize)
//	err := e.ReadPage(ctx, 3, buf)
//
//	_ = e.Halt() // optional on shutdown
package eeprom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gobot.io/x/gobot/v2/drivers/spi"

	"github.com/mklimuk/tactile/command"
)

var _ command.PageStore = &EEPROM25AA1024{}

// --- device constants (datasheet Table 3‑1) ---
const (
	cmdRead  = 0x03 // READ
	cmdWrite = 0x02 // WRITE
	cmdWREN  = 0x06 // WREN (Write‑Enable Latch set)
	cmdRDSR  = 0x05 // Read STATUS Register

	statusWIP = 0x01 // STATUS bit 0 – Write‑In‑Progress

	pageSize = 256    // bytes per device page
	capacity = 131072 // 1 Mbit = 128 KiB total bytes

	// Pages is the number of command pages the device holds.
	Pages = capacity / command.PageSize
)

var ErrOutOfRange = errors.New("eeprom access out of range")

// spiOps is the subset of the SPI connection the driver needs.
type spiOps interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// EEPROM25AA1024 implements gobot.Driver for the 25AA1024 device.
type EEPROM25AA1024 struct {
	*spi.Driver
	ops          func() (spiOps, error)
	writeTimeout time.Duration
}

// New returns a new driver bound to a Gobot SPI adaptor. bus and cs are the SPI bus
// number and chip‑select line, matching the board’s numbering.
func New(adaptor spi.Connector, bus, cs int, opts ...func(spi.Config)) *EEPROM25AA1024 {
	opts = append([]func(spi.Config){spi.WithBusNumber(bus), spi.WithChipNumber(cs)}, opts...)
	d := spi.NewDriver(adaptor, "25AA1024", opts...)

	// Ensure we comply with datasheet limits: mode 0 (CPOL=0, CPHA=0) up to 20 MHz.
	d.SetMode(0)

	if d.GetSpeedOrDefault(0) == 0 {
		d.SetSpeed(5_000_000) // conservative default 5 MHz
	}

	e := &EEPROM25AA1024{Driver: d, writeTimeout: 10 * time.Millisecond}
	e.ops = e.connection
	return e
}

func (e *EEPROM25AA1024) connection() (spiOps, error) {
	if e.Driver == nil {
		return nil, fmt.Errorf("spi driver not initialized")
	}
	ops, ok := e.Driver.Connection().(spiOps)
	if !ok {
		return nil, fmt.Errorf("spi connection does not support required operations")
	}
	return ops, nil
}

// Read returns length bytes starting at address.
func (e *EEPROM25AA1024) Read(address uint32, length int) ([]byte, error) {
	if address+uint32(length) > capacity {
		return nil, fmt.Errorf("read of %d bytes at %#x: %w", length, address, ErrOutOfRange)
	}
	ops, err := e.ops()
	if err != nil {
		return nil, err
	}
	// Build command + 24‑bit address (only A16..A0 used, seven MSB are “don’t care”).
	header := []byte{cmdRead, byte(address >> 16), byte(address >> 8), byte(address)}
	data := make([]byte, length)
	if err := ops.ReadCommandData(header, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Write writes data at the given start address. It automatically pages data into
// <=256‑byte chunks, as required by the device, and polls the STATUS register
// until each internal write cycle completes.
func (e *EEPROM25AA1024) Write(ctx context.Context, address uint32, data []byte) error {
	if address+uint32(len(data)) > capacity {
		return fmt.Errorf("write of %d bytes at %#x: %w", len(data), address, ErrOutOfRange)
	}
	offset := 0
	for offset < len(data) {
		pageOffset := address % pageSize
		space := pageSize - pageOffset
		chunk := data[offset:]
		if len(chunk) > int(space) {
			chunk = chunk[:space]
		}
		if err := e.pageWrite(ctx, address, chunk); err != nil {
			return err
		}
		offset += len(chunk)
		address += uint32(len(chunk))
	}
	return nil
}

// ReadPage fills buf from the start of a command page.
func (e *EEPROM25AA1024) ReadPage(ctx context.Context, page int, buf []byte) error {
	address, err := pageAddress(page, len(buf))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := e.Read(address, len(buf))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// WritePage overwrites the first len(data) bytes of a command page.
func (e *EEPROM25AA1024) WritePage(ctx context.Context, page int, data []byte) error {
	address, err := pageAddress(page, len(data))
	if err != nil {
		return err
	}
	return e.Write(ctx, address, data)
}

func pageAddress(page, n int) (uint32, error) {
	if page < 0 || page >= Pages || n > command.PageSize {
		return 0, fmt.Errorf("page %d, %d bytes: %w", page, n, ErrOutOfRange)
	}
	return uint32(page * command.PageSize), nil
}

// --- helpers ---
func (e *EEPROM25AA1024) readStatus(ops spiOps) (byte, error) {
	rx := make([]byte, 1)
	if err := ops.ReadCommandData([]byte{cmdRDSR}, rx); err != nil {
		return 0, err
	}
	return rx[0], nil
}

func (e *EEPROM25AA1024) waitUntilReady(ctx context.Context, ops spiOps) error {
	deadline := time.Now().Add(e.writeTimeout)
	for time.Now().Before(deadline) {
		st, err := e.readStatus(ops)
		if err != nil {
			return err
		}
		if st&statusWIP == 0 {
			return nil // ready
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Microsecond):
		}
	}
	return fmt.Errorf("timeout waiting for write completion")
}

func (e *EEPROM25AA1024) pageWrite(ctx context.Context, address uint32, data []byte) error {
	if len(data) == 0 || len(data) > pageSize {
		return fmt.Errorf("invalid page size")
	}
	ops, err := e.ops()
	if err != nil {
		return err
	}
	if err := ops.WriteBytes([]byte{cmdWREN}); err != nil {
		return err
	}
	tx := append([]byte{cmdWrite, byte(address >> 16), byte(address >> 8), byte(address)}, data...)
	if err := ops.WriteBytes(tx); err != nil {
		return err
	}
	// Internal write cycle (max 6 ms per datasheet). Poll STATUS.WIP.
	return e.waitUntilReady(ctx, ops)
}
