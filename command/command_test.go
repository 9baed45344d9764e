package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/command"
	"github.com/mklimuk/tactile/grid"
	"github.com/mklimuk/tactile/sim"
	"github.com/mklimuk/tactile/twi"
)

type MockBootloader struct {
	mock.Mock
}

func (m *MockBootloader) Enter(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var twoRows = grid.Bitmap{0: 0b11111, 2: 0b11111}

func newHandler(t *testing.T, opts ...command.Opt) (*command.Handler, *array.Array) {
	t.Helper()
	m, err := twi.NewMaster(sim.New(sim.WithLive(twoRows)), 5*time.Millisecond)
	require.NoError(t, err)
	a, err := array.New(m, array.WithPeriod(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.Init(context.Background()))
	return command.NewHandler(a, opts...), a
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		setup    command.Setup
		expected command.Request
		err      error
	}{
		{"identity", command.Setup{Request: command.OpIdentity, Index: 1}, command.IdentityRequest{Index: 1}, nil},
		{"probe", command.Setup{Request: command.OpProbe, Index: 0x12, Value: 1}, command.ProbeRequest{Address: 0x12, Stop: true}, nil},
		{"probe address too wide", command.Setup{Request: command.OpProbe, Index: 0x100}, nil, command.ErrInvalidRequest},
		{"liveness", command.Setup{Request: command.OpLiveness}, command.LivenessRequest{}, nil},
		{"calibration", command.Setup{Request: command.OpCalibration, Index: 7, Value: 4}, command.CalibrationRequest{Cell: grid.Coordinate{Row: 7, Column: 4}}, nil},
		{"calibration broadcast column", command.Setup{Request: command.OpCalibration, Index: 0, Value: 6}, nil, grid.ErrInvalidCoordinate},
		{"row snapshot", command.Setup{Request: command.OpSnapshot, Index: 3}, command.SnapshotRequest{Row: 3}, nil},
		{"grid snapshot", command.Setup{Request: command.OpSnapshot, Value: command.SnapshotGrid}, command.SnapshotRequest{Grid: true}, nil},
		{"row out of grid", command.Setup{Request: command.OpSnapshot, Index: 8}, nil, grid.ErrInvalidCoordinate},
		{"start sampling", command.Setup{Request: command.OpSampling, Index: 0xFF, Value: 100}, command.SamplingRequest{Enable: true, Period: 100 * time.Millisecond}, nil},
		{"stop sampling", command.Setup{Request: command.OpSampling}, command.SamplingRequest{}, nil},
		{"page read", command.Setup{Request: command.OpPageRead, Index: 2}, command.PageReadRequest{Page: 2, Length: command.PageSize}, nil},
		{"short page read", command.Setup{Request: command.OpPageRead, Index: 2, Length: 8}, command.PageReadRequest{Page: 2, Length: 8}, nil},
		{"page write", command.Setup{Request: command.OpPageWrite, Index: 1, Data: []byte{1, 2}}, command.PageWriteRequest{Page: 1, Data: []byte{1, 2}}, nil},
		{"page write too long", command.Setup{Request: command.OpPageWrite, Data: make([]byte, command.PageSize+1)}, nil, command.ErrInvalidRequest},
		{"bootloader", command.Setup{Request: command.OpBootloader}, command.BootloaderRequest{}, nil},
		{"unknown", command.Setup{Request: 0x42}, nil, command.ErrUnknownOpcode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := command.Decode(tt.setup)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, req)
			assert.Equal(t, tt.setup.Request, req.Opcode())
		})
	}
}

func TestHandler_Identity(t *testing.T) {
	h, _ := newHandler(t, command.WithIdentity("tactile-hw-2", "1.4.0"))
	ctx := context.Background()

	out, err := h.Handle(ctx, command.Setup{Request: command.OpIdentity, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, "tactile-hw-2", string(out))
	out, err = h.Handle(ctx, command.Setup{Request: command.OpIdentity, Index: 1})
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", string(out))
	out, err = h.Handle(ctx, command.Setup{Request: command.OpIdentity, Index: 9})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHandler_ProbeAndLiveness(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	live := grid.Coordinate{Row: 2, Column: 0}

	out, err := h.Handle(ctx, command.Setup{Request: command.OpProbe, Index: uint16(live.Enable()), Value: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)
	out, err = h.Handle(ctx, command.Setup{Request: command.OpProbe, Index: uint16(live.Disable()), Value: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)
	out, err = h.Handle(ctx, command.Setup{Request: command.OpProbe, Index: uint16(grid.Coordinate{Row: 5}.Enable()), Value: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, out)

	out, err = h.Handle(ctx, command.Setup{Request: command.OpLiveness})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1F, 0, 0x1F, 0, 0, 0, 0, 0}, out)
}

func TestHandler_Calibration(t *testing.T) {
	h, _ := newHandler(t)
	cell := grid.Coordinate{Row: 2, Column: 4}
	out, err := h.Handle(context.Background(), command.Setup{Request: command.OpCalibration, Index: 2, Value: 4})
	require.NoError(t, err)
	expected := sim.DefaultSensor(cell).Calibration
	assert.Equal(t, expected[:], out)
}

func TestHandler_Snapshot(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	out, err := h.Handle(ctx, command.Setup{Request: command.OpSnapshot, Value: command.SnapshotGrid})
	require.NoError(t, err)
	assert.Len(t, out, grid.Cells*array.SampleSize)

	row, err := h.Handle(ctx, command.Setup{Request: command.OpSnapshot, Index: 2})
	require.NoError(t, err)
	assert.Len(t, row, grid.Columns*array.SampleSize)
	assert.Equal(t, out[2*grid.Columns*array.SampleSize:3*grid.Columns*array.SampleSize], row)

	empty, err := h.Handle(ctx, command.Setup{Request: command.OpSnapshot, Index: 1})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, grid.Columns*array.SampleSize), empty)
}

func TestHandler_Sampling(t *testing.T) {
	h, a := newHandler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := h.Handle(ctx, command.Setup{Request: command.OpSampling, Index: 0xFF, Value: 10})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)
	assert.True(t, a.Sampling())
	assert.Equal(t, 10*time.Millisecond, a.Period())

	packet, err := a.Stream().Read(ctx)
	require.NoError(t, err)
	assert.Len(t, packet.Data, 40)

	out, err = h.Handle(ctx, command.Setup{Request: command.OpSampling})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)
	assert.False(t, a.Sampling())

	_, err = h.Handle(ctx, command.Setup{Request: command.OpSampling, Index: 1, Value: 1})
	assert.ErrorIs(t, err, array.ErrInvalidPeriod)
}

func TestHandler_Pages(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t)
	_, err := h.Handle(ctx, command.Setup{Request: command.OpPageRead})
	assert.ErrorIs(t, err, command.ErrNotSupported)

	pages := command.NewMemoryPages(4)
	h, _ = newHandler(t, command.WithPageStore(pages))
	_, err = h.Handle(ctx, command.Setup{Request: command.OpPageWrite, Index: 3, Data: []byte("tactile")})
	require.NoError(t, err)

	out, err := h.Handle(ctx, command.Setup{Request: command.OpPageRead, Index: 3})
	require.NoError(t, err)
	assert.Len(t, out, command.PageSize)
	assert.Equal(t, "tactile", string(out[:7]))
	assert.Zero(t, out[7])

	_, err = h.Handle(ctx, command.Setup{Request: command.OpPageRead, Index: 4})
	assert.ErrorIs(t, err, command.ErrPageOutOfRange)
}

func TestHandler_Bootloader(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t)
	_, err := h.Handle(ctx, command.Setup{Request: command.OpBootloader})
	assert.ErrorIs(t, err, command.ErrNotSupported)

	boot := &MockBootloader{}
	boot.On("Enter", mock.Anything).Return(nil)
	h, a := newHandler(t, command.WithBootloader(boot))
	require.NoError(t, a.StartSampling(0))
	_, err = h.Handle(ctx, command.Setup{Request: command.OpBootloader})
	require.NoError(t, err)
	assert.False(t, a.Sampling(), "sampling stops before handing over")
	boot.AssertExpectations(t)
}

func TestMemoryPages_PartialWrite(t *testing.T) {
	ctx := context.Background()
	pages := command.NewMemoryPages(2)
	full := make([]byte, command.PageSize)
	for i := range full {
		full[i] = byte(i)
	}
	require.NoError(t, pages.WritePage(ctx, 1, full))
	require.NoError(t, pages.WritePage(ctx, 1, []byte{0xAA, 0xBB}))

	buf := make([]byte, command.PageSize)
	require.NoError(t, pages.ReadPage(ctx, 1, buf))
	assert.Equal(t, []byte{0xAA, 0xBB, 2, 3}, buf[:4])
	assert.Equal(t, byte(command.PageSize-1), buf[command.PageSize-1])

	assert.ErrorIs(t, pages.WritePage(ctx, 0, make([]byte, command.PageSize+1)), command.ErrInvalidRequest)
	assert.ErrorIs(t, pages.ReadPage(ctx, -1, buf), command.ErrPageOutOfRange)
}
