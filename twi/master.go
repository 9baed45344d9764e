package twi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mklimuk/tactile"
)

var _ tactile.Bus = &Master{}

var ErrTimeoutRequired = errors.New("twi: bus timeout must be positive")

// Master issues addressed transactions through a Controller.
type Master struct {
	mx      sync.Mutex
	ctrl    Controller
	timeout time.Duration
}

// NewMaster binds a master to its controller. The timeout bounds every wait on a
// condition flag; a device that never answers turns into tactile.ErrBusTimeout
// instead of a hang, so there is no way to build a master without one.
func NewMaster(ctrl Controller, timeout time.Duration) (*Master, error) {
	if ctrl == nil {
		return nil, errors.New("twi: controller is required")
	}
	if timeout <= 0 {
		return nil, ErrTimeoutRequired
	}
	return &Master{ctrl: ctrl, timeout: timeout}, nil
}

func (m *Master) Timeout() time.Duration {
	return m.timeout
}

// Probe addresses the bus in quick command mode and reports whether the address was acknowledged.
func (m *Master) Probe(ctx context.Context, address byte, stop bool) (bool, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("probe %#02x: %w", address, err)
	}
	m.ctrl.SetQuickCommand(true)
	defer m.ctrl.SetQuickCommand(false)
	m.ctrl.SetAddress(address)
	cond := StatusWriteDone
	if address&1 == 1 {
		cond = StatusReadDone
	}
	status, err := m.await(cond)
	if err != nil {
		m.ctrl.Stop()
		return false, fmt.Errorf("probe %#02x: %w", address, err)
	}
	if stop {
		m.ctrl.Stop()
	}
	return status&StatusNack == 0, nil
}

// WriteToAddr writes buffer to a 7-bit address and ends with a stop condition.
func (m *Master) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write address %#02x: %w", address, err)
	}
	defer m.ctrl.Stop()
	m.ctrl.SetQuickCommand(false)
	m.ctrl.SetAddress(address << 1)
	status, err := m.await(StatusWriteDone)
	if err != nil {
		return fmt.Errorf("write address %#02x: %w", address, err)
	}
	if status&StatusNack != 0 {
		return fmt.Errorf("write address %#02x: %w", address, tactile.ErrNotAcknowledged)
	}
	for i, b := range buffer {
		m.ctrl.WriteData(b)
		status, err = m.await(StatusWriteDone)
		if err != nil {
			return fmt.Errorf("write byte %d to %#02x: %w", i, address, err)
		}
		if status&StatusNack != 0 {
			return fmt.Errorf("write byte %d to %#02x: %w", i, address, tactile.ErrNotAcknowledged)
		}
	}
	return nil
}

// ReadFromAddr fills buffer from a 7-bit address. The last byte is answered with
// a not-acknowledge followed by a stop condition.
func (m *Master) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("read address %#02x: %w", address, err)
	}
	defer m.ctrl.Stop()
	m.ctrl.SetQuickCommand(false)
	m.ctrl.SetAck(len(buffer) <= 1)
	defer m.ctrl.SetAck(false)
	m.ctrl.SetAddress(address<<1 | 1)
	status, err := m.await(StatusReadDone)
	if err != nil {
		return fmt.Errorf("read address %#02x: %w", address, err)
	}
	if status&StatusNack != 0 {
		return fmt.Errorf("read address %#02x: %w", address, tactile.ErrNotAcknowledged)
	}
	last := len(buffer) - 1
	for i := range buffer {
		if i == last {
			m.ctrl.SetAck(true)
		}
		buffer[i] = m.ctrl.ReadData()
		if i == last {
			break
		}
		if _, err = m.await(StatusReadDone); err != nil {
			return fmt.Errorf("read byte %d from %#02x: %w", i+1, address, err)
		}
	}
	return nil
}

// Release issues a stop condition.
func (m *Master) Release(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.ctrl.Stop()
	return nil
}

// await spins on the status register until one of the cond flags is raised. Once an address
// has gone out the transaction runs to completion or to the bus timeout; cancellation is only
// observed before the address phase.
func (m *Master) await(cond Status) (Status, error) {
	deadline := time.Now().Add(m.timeout)
	for {
		status := m.ctrl.Status()
		if status&cond != 0 {
			return status, nil
		}
		if status&(StatusBusError|StatusArbitrationLost) != 0 {
			return status, fmt.Errorf("bus fault (status %#02x)", uint8(status))
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("no flag %#02x after %s: %w", uint8(cond), m.timeout, tactile.ErrBusTimeout)
		}
		runtime.Gosched()
	}
}
