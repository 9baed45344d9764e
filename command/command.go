// Package command implements the vendor command surface of the sensor array. Requests arrive as
// control setups, are decoded into typed values and served by a Handler.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/mklimuk/tactile/grid"
)

type Opcode byte

// Opcode values are part of the host driver contract.
const (
	OpIdentity    Opcode = 0x00
	OpProbe       Opcode = 0xBA
	OpLiveness    Opcode = 0x5C
	OpCalibration Opcode = 0x6C
	OpSnapshot    Opcode = 0x7C
	OpSampling    Opcode = 0xC7
	OpPageRead    Opcode = 0xE0
	OpPageWrite   Opcode = 0xE1
	OpBootloader  Opcode = 0xBB
)

// SnapshotGrid in the Value field of a snapshot request selects the whole grid buffer.
const SnapshotGrid = 0xFF

var ErrUnknownOpcode = errors.New("unknown opcode")

var ErrInvalidRequest = errors.New("invalid request")

func (o Opcode) String() string {
	switch o {
	case OpIdentity:
		return "identity"
	case OpProbe:
		return "probe"
	case OpLiveness:
		return "liveness"
	case OpCalibration:
		return "calibration"
	case OpSnapshot:
		return "snapshot"
	case OpSampling:
		return "sampling"
	case OpPageRead:
		return "page-read"
	case OpPageWrite:
		return "page-write"
	case OpBootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("opcode(%#02x)", byte(o))
	}
}

// Setup mirrors a vendor control transfer: the opcode travels in Request, its arguments in
// Value and Index, and Data carries the host-to-device payload when there is one.
type Setup struct {
	Request Opcode
	Value   uint16
	Index   uint16
	Length  uint16
	Data    []byte
}

type Request interface {
	Opcode() Opcode
}

// IdentityRequest asks for the hardware (0) or firmware (1) revision string.
type IdentityRequest struct {
	Index int
}

// ProbeRequest addresses the bus with a raw wire address.
type ProbeRequest struct {
	Address byte
	Stop    bool
}

type LivenessRequest struct{}

type CalibrationRequest struct {
	Cell grid.Coordinate
}

// SnapshotRequest asks for the samples of one row, or of the whole grid when Grid is set.
type SnapshotRequest struct {
	Row  int
	Grid bool
}

// SamplingRequest starts or stops continuous sampling. A zero period keeps the configured default.
type SamplingRequest struct {
	Enable bool
	Period time.Duration
}

type PageReadRequest struct {
	Page   int
	Length int
}

type PageWriteRequest struct {
	Page int
	Data []byte
}

type BootloaderRequest struct{}

func (IdentityRequest) Opcode() Opcode    { return OpIdentity }
func (ProbeRequest) Opcode() Opcode       { return OpProbe }
func (LivenessRequest) Opcode() Opcode    { return OpLiveness }
func (CalibrationRequest) Opcode() Opcode { return OpCalibration }
func (SnapshotRequest) Opcode() Opcode    { return OpSnapshot }
func (SamplingRequest) Opcode() Opcode    { return OpSampling }
func (PageReadRequest) Opcode() Opcode    { return OpPageRead }
func (PageWriteRequest) Opcode() Opcode   { return OpPageWrite }
func (BootloaderRequest) Opcode() Opcode  { return OpBootloader }

// Decode validates a setup and converts it into its typed request.
func Decode(s Setup) (Request, error) {
	switch s.Request {
	case OpIdentity:
		return IdentityRequest{Index: int(s.Index)}, nil
	case OpProbe:
		if s.Index > 0xFF {
			return nil, fmt.Errorf("%w: probe address %#04x", ErrInvalidRequest, s.Index)
		}
		return ProbeRequest{Address: byte(s.Index), Stop: s.Value != 0}, nil
	case OpLiveness:
		return LivenessRequest{}, nil
	case OpCalibration:
		cell := grid.Coordinate{Row: int(s.Index), Column: int(s.Value)}
		if err := cell.Validate(); err != nil {
			return nil, err
		}
		return CalibrationRequest{Cell: cell}, nil
	case OpSnapshot:
		if s.Value == SnapshotGrid {
			return SnapshotRequest{Grid: true}, nil
		}
		if int(s.Index) >= grid.Rows {
			return nil, fmt.Errorf("snapshot of row %d: %w", s.Index, grid.ErrInvalidCoordinate)
		}
		return SnapshotRequest{Row: int(s.Index)}, nil
	case OpSampling:
		return SamplingRequest{
			Enable: s.Index != 0,
			Period: time.Duration(s.Value) * time.Millisecond,
		}, nil
	case OpPageRead:
		length := int(s.Length)
		if length == 0 || length > PageSize {
			length = PageSize
		}
		return PageReadRequest{Page: int(s.Index), Length: length}, nil
	case OpPageWrite:
		if len(s.Data) > PageSize {
			return nil, fmt.Errorf("%w: %d bytes do not fit a %d byte page", ErrInvalidRequest, len(s.Data), PageSize)
		}
		return PageWriteRequest{Page: int(s.Index), Data: s.Data}, nil
	case OpBootloader:
		return BootloaderRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, s.Request)
	}
}
