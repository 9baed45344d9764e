package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/tactile"
)

var _ tactile.Bus = &MCP2221{}

const VendorID = 0x04D8
const ProductID = 0x00DD

const reportSize = 64

// MCP2221 HID commands
const (
	cmdStatus       = 0x10
	cmdGetData      = 0x40
	cmdWrite        = 0x90
	cmdRead         = 0x91
	cmdWriteNoStop  = 0x94
	cancelTransfer  = 0x10
	setSpeed        = 0x20
	speedRejected   = 0x21
	getDataFailed   = 0x41
	engineBusy      = 0x01
	addressNackMask = 0x40
	clockHz         = 12_000_000
)

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrDeviceNotFound = errors.New("MCP2221 device not found")

type MCP2221Status struct {
	I2CDataBufferCounter   int    `yaml:"data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"speed_divider"`
	I2CTimeout             int    `yaml:"timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent"`
	ReadPending            int    `yaml:"read_pending"`
	AddressNack            bool   `yaml:"address_nack"`
}

type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

type MCP2221Opts struct {
	// Index selects the adapter when more than one is plugged in.
	Index        int
	ResponseWait time.Duration
	SpeedKHz     int
	open         func(index int) (hidDevice, error)
}

type MCP2221Opt func(*MCP2221Opts)

func WithDeviceIndex(index int) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.Index = index
	}
}

func WithResponseWait(wait time.Duration) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.ResponseWait = wait
	}
}

// WithSpeed sets the I2C clock applied by Init. Zero keeps the adapter setting.
func WithSpeed(khz int) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.SpeedKHz = khz
	}
}

// MCP2221 drives the Microchip USB to I2C bridge through HID reports.
// Every call opens the device, exchanges one or two reports and closes it again.
type MCP2221 struct {
	mx       sync.Mutex
	config   MCP2221Opts
	request  []byte
	response []byte
}

func NewMCP2221(opts ...MCP2221Opt) *MCP2221 {
	config := MCP2221Opts{
		ResponseWait: 50 * time.Millisecond,
		open:         openHID,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &MCP2221{
		config:   config,
		request:  make([]byte, reportSize),
		response: make([]byte, reportSize),
	}
}

func openHID(index int) (hidDevice, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, ErrDeviceNotFound
	}
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("no device with index %d, %d attached", index, len(devs))
	}
	dev, err := devs[index].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

// Init checks the adapter is attached and applies the configured bus speed.
func (d *MCP2221) Init(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	if d.config.SpeedKHz > 0 {
		d.request[3] = setSpeed
		d.request[4] = byte(clockHz/(d.config.SpeedKHz*1000) - 3)
	}
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("adapter init failed: %w", err)
	}
	if d.config.SpeedKHz > 0 && d.response[3] == speedRejected {
		return fmt.Errorf("speed of %dkHz rejected: %w", d.config.SpeedKHz, ErrCommandFailed)
	}
	return nil
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.write(ctx, cmdWrite, address<<1, buffer); err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	return nil
}

func (d *MCP2221) write(ctx context.Context, cmd byte, wire byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = wire
	if len(buffer) > 0 {
		copy(d.request[4:], buffer)
	}
	if err := d.send(ctx); err != nil {
		return err
	}
	// write could not be performed
	if d.response[1] == engineBusy {
		slog.Debug("adapter busy")
		return tactile.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.read(ctx, address<<1|1, buffer); err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	return nil
}

func (d *MCP2221) read(ctx context.Context, wire byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmdRead
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = wire
	if err := d.send(ctx); err != nil {
		return err
	}
	if d.response[1] == engineBusy {
		return tactile.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdGetData
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == getDataFailed {
		return tactile.ErrNotAcknowledged
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

// Probe addresses a raw wire address. Writes carry a single zero byte since the bridge has
// no quick command; the acknowledge is taken from the engine status.
func (d *MCP2221) Probe(ctx context.Context, address byte, stop bool) (bool, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if address&1 == 1 {
		err := d.read(ctx, address, make([]byte, 1))
		if errors.Is(err, tactile.ErrNotAcknowledged) {
			_, err = d.releaseBus(ctx)
			return false, err
		}
		return err == nil, err
	}
	cmd := byte(cmdWrite)
	if !stop {
		cmd = cmdWriteNoStop
	}
	if err := d.write(ctx, cmd, address, []byte{0x00}); err != nil {
		return false, err
	}
	status, err := d.status(ctx)
	if err != nil {
		return false, err
	}
	if status.AddressNack {
		_, err = d.releaseBus(ctx)
		return false, err
	}
	return true, nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.status(ctx)
}

func (d *MCP2221) status(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
		20: bit 6 set when the addressed target did not acknowledge
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
		AddressNack:          buffer[20]&addressNackMask != 0,
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

// Release cancels any transfer in progress, which leaves the bus idle.
func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = cancelTransfer
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

// send writes the request report and reads the response report.
func (d *MCP2221) send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := d.config.open(d.config.Index)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close adapter", "error", err)
		}
	}()
	verbose := IsVerbose(ctx)
	if verbose {
		slog.Debug("sending message to adapter", "report", "\n"+hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	timer := time.NewTimer(d.config.ResponseWait)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		slog.Debug("read message from adapter", "report", "\n"+hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
