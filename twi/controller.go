// Package twi implements the bus transaction primitive on top of the register
// surface of a two-wire master peripheral. Every wait on a hardware condition
// flag is bounded by a mandatory timeout.
package twi

// Status mirrors the master status register.
type Status uint8

const (
	// StatusReadDone is set when an address phase for a read completed or a byte was received.
	StatusReadDone Status = 1 << 7
	// StatusWriteDone is set when an address phase for a write completed or a byte was sent.
	StatusWriteDone Status = 1 << 6
	// StatusNack is set when the last address or data byte was not acknowledged.
	StatusNack Status = 1 << 4
	// StatusArbitrationLost is never expected on a single master bus.
	StatusArbitrationLost Status = 1 << 3
	// StatusBusError flags an illegal bus condition.
	StatusBusError Status = 1 << 2
)

// Controller is the register surface of a two-wire master.
//
// SetAddress starts an address phase (start or repeated start). With quick command
// enabled no data phase follows and the done flag only reports the acknowledge.
// Otherwise, after a read address phase the first byte is already received when
// StatusReadDone is raised; every ReadData consumes the current byte and, unless
// SetAck(true) was called before, acknowledges it and clocks in the next one.
type Controller interface {
	SetQuickCommand(enabled bool)
	SetAddress(address byte)
	WriteData(value byte)
	ReadData() byte
	SetAck(nack bool)
	Stop()
	Status() Status
}
