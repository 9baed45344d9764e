// Package sim simulates the sensor array at the register level of the bus master:
// per-cell address-translating multiplexers, row broadcast groups and pressure
// sensors sharing one bus address. It implements twi.Controller so the whole
// stack above the register surface runs unchanged against it.
package sim

import (
	"sync"
	"time"

	"github.com/mklimuk/tactile/grid"
	"github.com/mklimuk/tactile/twi"
)

var _ twi.Controller = &Controller{}

const maxEvents = 1 << 16

const (
	regData       = 0x00
	regCalibStart = 0x04
	regCalibEnd   = regCalibStart + CalibrationSize
	regCommand    = 0x12
	cmdConvert    = 0x01
)

// CalibrationSize is the size of the coefficient block exposed by a simulated sensor.
const CalibrationSize = 12

// Event is one observable bus action: an address phase or a stop condition.
type Event struct {
	Address byte
	Quick   bool
	Ack     bool
	Stop    bool
}

// Sensor is the state of one simulated pressure sensor.
type Sensor struct {
	Pressure    uint16
	Temperature uint16
	Calibration [CalibrationSize]byte

	pointer   byte
	pending   bool
	readyAt   time.Time
	converted [4]byte
}

func (s *Sensor) register(reg byte, now time.Time, premature *int) byte {
	switch {
	case reg < regCalibStart:
		if s.pending {
			if now.Before(s.readyAt) {
				*premature++
			} else {
				s.latch()
			}
		}
		return s.converted[reg]
	case reg < regCalibEnd:
		return s.Calibration[reg-regCalibStart]
	default:
		return 0
	}
}

func (s *Sensor) latch() {
	s.pending = false
	s.converted = [4]byte{
		byte(s.Pressure >> 2), byte(s.Pressure << 6),
		byte(s.Temperature >> 2), byte(s.Temperature << 6),
	}
}

type cell struct {
	sensor  *Sensor
	enabled bool
}

type transaction struct {
	address byte
	read    bool
	ack     bool
	sensors []*Sensor
	cells   []grid.Coordinate
	count   int
	done    bool
}

// Controller is a simulated two-wire master with the sensor array attached.
type Controller struct {
	mx         sync.Mutex
	cells      [grid.Rows][grid.Columns]*cell
	stuck      map[byte]bool
	faults     map[grid.Coordinate]int
	latency    time.Duration
	quick      bool
	nack       bool
	status     twi.Status
	data       byte
	tx         *transaction
	events     []Event
	collisions int
	premature  int
	now        func() time.Time
}

type Opt func(*Controller)

// WithLatency sets the conversion time of every sensor.
func WithLatency(d time.Duration) Opt {
	return func(c *Controller) {
		c.latency = d
	}
}

// WithClock replaces the time source used for conversion latency.
func WithClock(now func() time.Time) Opt {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLive attaches a multiplexer and a default sensor to every cell set in the bitmap.
func WithLive(live grid.Bitmap) Opt {
	return func(c *Controller) {
		for _, coord := range live.Cells() {
			c.attach(coord, DefaultSensor(coord))
		}
	}
}

func New(opts ...Opt) *Controller {
	c := &Controller{
		stuck:   make(map[byte]bool),
		faults:  make(map[grid.Coordinate]int),
		latency: 2 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultSensor returns a sensor with readings and coefficients derived from its position.
func DefaultSensor(coord grid.Coordinate) *Sensor {
	idx := coord.Index()
	s := &Sensor{
		Pressure:    uint16(400 + idx),
		Temperature: uint16(500 + idx),
		// coefficients from the sensor application note example, last byte marks the cell
		Calibration: [CalibrationSize]byte{0x3E, 0xCE, 0xB3, 0xF9, 0xC5, 0x17, 0x33, 0xC8, 0x00, 0x00, 0x00, byte(idx)},
	}
	s.latch()
	return s
}

// Attach places a multiplexer at coord with the given sensor behind it; a nil sensor
// leaves the multiplexer answering on its own.
func (c *Controller) Attach(coord grid.Coordinate, s *Sensor) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.attach(coord, s)
}

func (c *Controller) attach(coord grid.Coordinate, s *Sensor) {
	if coord.Validate() != nil {
		return
	}
	c.cells[coord.Row][coord.Column] = &cell{sensor: s}
}

// Detach removes the cell multiplexer and its sensor.
func (c *Controller) Detach(coord grid.Coordinate) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if coord.Validate() != nil {
		return
	}
	c.cells[coord.Row][coord.Column] = nil
}

// SetReading changes the raw 10-bit values the sensor at coord converts next.
func (c *Controller) SetReading(coord grid.Coordinate, pressure, temperature uint16) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if coord.Validate() != nil {
		return
	}
	if cl := c.cells[coord.Row][coord.Column]; cl != nil && cl.sensor != nil {
		cl.sensor.Pressure = pressure
		cl.sensor.Temperature = temperature
	}
}

// Stick makes every address phase on address hang: no condition flag is ever raised.
func (c *Controller) Stick(address byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.stuck[address] = true
}

// FailRead makes reads from the sensor at coord stall after the given number of bytes.
func (c *Controller) FailRead(coord grid.Coordinate, after int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.faults[coord] = after
}

// ClearFaults removes stuck addresses and read faults.
func (c *Controller) ClearFaults() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.stuck = make(map[byte]bool)
	c.faults = make(map[grid.Coordinate]int)
}

func (c *Controller) Events() []Event {
	c.mx.Lock()
	defer c.mx.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Controller) ResetEvents() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.events = nil
}

// Collisions counts sensor data phases answered by more than one enabled cell.
func (c *Controller) Collisions() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.collisions
}

// PrematureReads counts data register reads issued before a conversion completed.
func (c *Controller) PrematureReads() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.premature
}

// Enabled lists cells whose multiplexer is currently active.
func (c *Controller) Enabled() []grid.Coordinate {
	c.mx.Lock()
	defer c.mx.Unlock()
	var out []grid.Coordinate
	for row := range c.cells {
		for column, cl := range c.cells[row] {
			if cl != nil && cl.enabled {
				out = append(out, grid.Coordinate{Row: row, Column: column})
			}
		}
	}
	return out
}

func (c *Controller) SetQuickCommand(enabled bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.quick = enabled
}

func (c *Controller) SetAck(nack bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.nack = nack
}

func (c *Controller) Status() twi.Status {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.status
}

func (c *Controller) Stop() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.tx = nil
	c.status = 0
	c.record(Event{Stop: true})
}

func (c *Controller) SetAddress(address byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.status = 0
	tx := &transaction{address: address, read: address&1 == 1}
	c.tx = tx
	if c.stuck[address] {
		c.record(Event{Address: address, Quick: c.quick})
		return
	}
	target := address >> 1
	switch {
	case target == grid.SensorAddress:
		c.addressSensors(tx)
	case target&0x07 == 6:
		tx.ack = c.switchGroup(int(target>>3), !tx.read)
	default:
		tx.ack = c.switchCell(grid.Coordinate{Row: int(target >> 3), Column: int(target & 0x07)}, !tx.read)
	}
	c.record(Event{Address: address, Quick: c.quick, Ack: tx.ack})
	switch {
	case !tx.read:
		c.status = twi.StatusWriteDone
	case tx.ack && !c.quick && len(tx.sensors) > 0:
		if c.stalled(tx) {
			return
		}
		c.data = c.sensorByte(tx)
		c.status = twi.StatusReadDone
	default:
		c.status = twi.StatusReadDone
	}
	if !tx.ack {
		c.status |= twi.StatusNack
	}
}

func (c *Controller) WriteData(value byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	tx := c.tx
	c.status = 0
	if tx == nil || tx.read || !tx.ack || tx.done {
		c.status = twi.StatusWriteDone | twi.StatusNack
		return
	}
	for _, s := range tx.sensors {
		if tx.count == 0 {
			s.pointer = value
			continue
		}
		if s.pointer == regCommand && value == cmdConvert {
			s.pending = true
			s.readyAt = c.now().Add(c.latency)
		}
		s.pointer++
	}
	tx.count++
	c.status = twi.StatusWriteDone
}

func (c *Controller) ReadData() byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	value := c.data
	c.status &^= twi.StatusReadDone
	tx := c.tx
	if tx == nil || !tx.read || !tx.ack || tx.done {
		return value
	}
	tx.count++
	if c.nack {
		tx.done = true
		return value
	}
	for _, s := range tx.sensors {
		s.pointer++
	}
	if c.stalled(tx) {
		return value
	}
	c.data = c.sensorByte(tx)
	c.status |= twi.StatusReadDone
	return value
}

func (c *Controller) addressSensors(tx *transaction) {
	for row := range c.cells {
		for column, cl := range c.cells[row] {
			if cl == nil || !cl.enabled || cl.sensor == nil {
				continue
			}
			tx.sensors = append(tx.sensors, cl.sensor)
			tx.cells = append(tx.cells, grid.Coordinate{Row: row, Column: column})
		}
	}
	tx.ack = len(tx.sensors) > 0
	if tx.read && len(tx.sensors) > 1 {
		c.collisions++
	}
}

// switchGroup drives every multiplexer of a row, or of the whole array for the global group.
func (c *Controller) switchGroup(row int, enable bool) bool {
	ack := false
	for r := range c.cells {
		if row != 0 && r != row {
			continue
		}
		for _, cl := range c.cells[r] {
			if cl == nil {
				continue
			}
			cl.enabled = enable
			ack = true
		}
	}
	return ack
}

func (c *Controller) switchCell(coord grid.Coordinate, enable bool) bool {
	if coord.Validate() != nil {
		return false
	}
	cl := c.cells[coord.Row][coord.Column]
	if cl == nil {
		return false
	}
	cl.enabled = enable
	return true
}

// sensorByte resolves the byte driven on the bus; simultaneous senders produce a wired AND.
func (c *Controller) sensorByte(tx *transaction) byte {
	now := c.now()
	value := byte(0xFF)
	for _, s := range tx.sensors {
		value &= s.register(s.pointer, now, &c.premature)
	}
	return value
}

func (c *Controller) stalled(tx *transaction) bool {
	for _, coord := range tx.cells {
		if after, ok := c.faults[coord]; ok && tx.count >= after {
			return true
		}
	}
	return false
}

func (c *Controller) record(e Event) {
	if len(c.events) >= maxEvents {
		c.events = c.events[len(c.events)/2:]
	}
	c.events = append(c.events, e)
}
