package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/grid"
)

var _ Sensors = &array.Array{}

var ErrNotSupported = errors.New("command not supported by this device")

// Sensors is the part of the sensor array the command surface drives.
type Sensors interface {
	Probe(ctx context.Context, address byte, stop bool) (bool, error)
	Live(ctx context.Context) (grid.Bitmap, error)
	Calibration(coord grid.Coordinate) (array.Block, error)
	Snapshot(ctx context.Context) (*array.Frame, error)
	SnapshotRow(ctx context.Context, row int) (*array.Frame, error)
	StartSampling(period time.Duration) error
	StopSampling() bool
}

// Bootloader hands the device over to its maintenance firmware.
type Bootloader interface {
	Enter(ctx context.Context) error
}

type Identity struct {
	Hardware string
	Firmware string
}

type Opts struct {
	Identity   Identity
	Pages      PageStore
	Bootloader Bootloader
}

type Opt func(*Opts)

func WithIdentity(hardware, firmware string) Opt {
	return func(o *Opts) {
		o.Identity = Identity{Hardware: hardware, Firmware: firmware}
	}
}

func WithPageStore(pages PageStore) Opt {
	return func(o *Opts) {
		o.Pages = pages
	}
}

func WithBootloader(b Bootloader) Opt {
	return func(o *Opts) {
		o.Bootloader = b
	}
}

// Handler serves one request at a time per caller; concurrent callers are serialized by the
// sensor array's bus guard, not here.
type Handler struct {
	sensors Sensors
	config  Opts
}

func NewHandler(sensors Sensors, opts ...Opt) *Handler {
	config := Opts{}
	for _, opt := range opts {
		opt(&config)
	}
	return &Handler{sensors: sensors, config: config}
}

// Handle decodes a control setup and serves it.
func (h *Handler) Handle(ctx context.Context, s Setup) ([]byte, error) {
	req, err := Decode(s)
	if err != nil {
		return nil, err
	}
	return h.Serve(ctx, req)
}

// Serve runs a typed request and returns the response bytes.
func (h *Handler) Serve(ctx context.Context, req Request) ([]byte, error) {
	slog.Debug("serving command", "opcode", req.Opcode())
	switch r := req.(type) {
	case IdentityRequest:
		switch r.Index {
		case 0:
			return []byte(h.config.Identity.Hardware), nil
		case 1:
			return []byte(h.config.Identity.Firmware), nil
		default:
			return []byte{}, nil
		}
	case ProbeRequest:
		ack, err := h.sensors.Probe(ctx, r.Address, r.Stop)
		if err != nil {
			return nil, fmt.Errorf("probe %#02x: %w", r.Address, err)
		}
		if ack {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case LivenessRequest:
		live, err := h.sensors.Live(ctx)
		if err != nil {
			return nil, err
		}
		return live.Bytes(), nil
	case CalibrationRequest:
		block, err := h.sensors.Calibration(r.Cell)
		if err != nil {
			return nil, err
		}
		return block[:], nil
	case SnapshotRequest:
		return h.snapshot(ctx, r)
	case SamplingRequest:
		if !r.Enable {
			h.sensors.StopSampling()
			return []byte{1}, nil
		}
		if err := h.sensors.StartSampling(r.Period); err != nil {
			return nil, err
		}
		return []byte{1}, nil
	case PageReadRequest:
		if h.config.Pages == nil {
			return nil, fmt.Errorf("page read: %w", ErrNotSupported)
		}
		if r.Length <= 0 || r.Length > PageSize {
			r.Length = PageSize
		}
		buf := make([]byte, r.Length)
		if err := h.config.Pages.ReadPage(ctx, r.Page, buf); err != nil {
			return nil, fmt.Errorf("page %d read: %w", r.Page, err)
		}
		return buf, nil
	case PageWriteRequest:
		if h.config.Pages == nil {
			return nil, fmt.Errorf("page write: %w", ErrNotSupported)
		}
		if err := h.config.Pages.WritePage(ctx, r.Page, r.Data); err != nil {
			return nil, fmt.Errorf("page %d write: %w", r.Page, err)
		}
		return nil, nil
	case BootloaderRequest:
		if h.config.Bootloader == nil {
			return nil, fmt.Errorf("bootloader: %w", ErrNotSupported)
		}
		h.sensors.StopSampling()
		return nil, h.config.Bootloader.Enter(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, req.Opcode())
	}
}

// snapshot answers with the latest complete cycle. Per-cell read failures are logged and the
// affected slots stay zero.
func (h *Handler) snapshot(ctx context.Context, r SnapshotRequest) ([]byte, error) {
	var frame *array.Frame
	var err error
	if r.Grid {
		frame, err = h.sensors.Snapshot(ctx)
	} else {
		frame, err = h.sensors.SnapshotRow(ctx, r.Row)
	}
	if frame == nil {
		if err == nil {
			err = errors.New("no frame acquired")
		}
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if err != nil {
		slog.Warn("snapshot incomplete", "seq", frame.Seq, "failed", frame.Failed.String(), "error", err)
	}
	if r.Grid {
		return frame.Bytes(), nil
	}
	return frame.RowBytes(r.Row)
}
