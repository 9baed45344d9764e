package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tactile"
)

// fakeHID answers every request report with the next scripted response.
type fakeHID struct {
	mu        sync.Mutex
	requests  [][]byte
	responses [][]byte
	opened    int
	closed    int
}

func (f *fakeHID) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := make([]byte, len(b))
	copy(req, b)
	f.requests = append(f.requests, req)
	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return 0, errors.New("no response scripted")
	}
	copy(b, f.responses[0])
	f.responses = f.responses[1:]
	return reportSize, nil
}

func (f *fakeHID) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeHID) respond(bytes ...map[int]byte) {
	for _, set := range bytes {
		resp := make([]byte, reportSize)
		for i, v := range set {
			resp[i] = v
		}
		f.responses = append(f.responses, resp)
	}
}

func newFake(t *testing.T, opts ...MCP2221Opt) (*MCP2221, *fakeHID) {
	t.Helper()
	fake := &fakeHID{}
	opts = append(opts, WithResponseWait(0), func(o *MCP2221Opts) {
		o.open = func(int) (hidDevice, error) {
			fake.opened++
			return fake, nil
		}
	})
	return NewMCP2221(opts...), fake
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	d, fake := newFake(t)
	fake.respond(map[int]byte{0: cmdWrite})
	require.NoError(t, d.WriteToAddr(context.Background(), 0x60, []byte{0x12, 0x01}))
	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, []byte{cmdWrite, 0x02, 0x00, 0xC0, 0x12, 0x01}, req[:6])
	assert.Equal(t, fake.opened, fake.closed)

	fake.respond(map[int]byte{0: cmdWrite, 1: engineBusy})
	err := d.WriteToAddr(context.Background(), 0x60, []byte{0x00})
	assert.ErrorIs(t, err, tactile.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	d, fake := newFake(t)
	fake.respond(
		map[int]byte{0: cmdRead},
		map[int]byte{0: cmdGetData, 3: 4, 4: 0x66, 5: 0x40, 6: 0x7E, 7: 0xC0},
	)
	buf := make([]byte, 4)
	require.NoError(t, d.ReadFromAddr(context.Background(), 0x60, buf))
	assert.Equal(t, []byte{0x66, 0x40, 0x7E, 0xC0}, buf)
	require.Len(t, fake.requests, 2)
	assert.Equal(t, []byte{cmdRead, 0x04, 0x00, 0xC1}, fake.requests[0][:4])
	assert.Equal(t, byte(cmdGetData), fake.requests[1][0])

	fake.respond(map[int]byte{0: cmdRead}, map[int]byte{0: cmdGetData, 1: getDataFailed})
	err := d.ReadFromAddr(context.Background(), 0x60, buf)
	assert.ErrorIs(t, err, tactile.ErrNotAcknowledged)

	fake.respond(map[int]byte{0: cmdRead}, map[int]byte{0: cmdGetData, 3: 2})
	assert.Error(t, d.ReadFromAddr(context.Background(), 0x60, buf))
}

func TestMCP2221_Probe(t *testing.T) {
	ctx := context.Background()
	d, fake := newFake(t)

	fake.respond(map[int]byte{0: cmdWrite}, map[int]byte{0: cmdStatus})
	ack, err := d.Probe(ctx, 0x22, true)
	require.NoError(t, err)
	assert.True(t, ack)
	assert.Equal(t, []byte{cmdWrite, 0x01, 0x00, 0x22, 0x00}, fake.requests[0][:5])

	fake.requests = nil
	fake.respond(map[int]byte{0: cmdWriteNoStop}, map[int]byte{0: cmdStatus, 20: addressNackMask}, map[int]byte{0: cmdStatus})
	ack, err = d.Probe(ctx, 0x24, false)
	require.NoError(t, err)
	assert.False(t, ack)
	require.Len(t, fake.requests, 3)
	assert.Equal(t, byte(cmdWriteNoStop), fake.requests[0][0])
	assert.Equal(t, byte(cancelTransfer), fake.requests[2][2], "a refused address cancels the transfer")

	fake.requests = nil
	fake.respond(map[int]byte{0: cmdRead}, map[int]byte{0: cmdGetData, 1: getDataFailed}, map[int]byte{0: cmdStatus})
	ack, err = d.Probe(ctx, 0x25, true)
	require.NoError(t, err)
	assert.False(t, ack)
	assert.Equal(t, []byte{cmdRead, 0x01, 0x00, 0x25}, fake.requests[0][:4])
}

func TestMCP2221_InitSetsSpeed(t *testing.T) {
	d, fake := newFake(t, WithSpeed(100))
	fake.respond(map[int]byte{0: cmdStatus})
	require.NoError(t, d.Init(context.Background()))
	assert.Equal(t, byte(setSpeed), fake.requests[0][3])
	assert.Equal(t, byte(117), fake.requests[0][4])

	fake.respond(map[int]byte{0: cmdStatus, 3: speedRejected})
	assert.ErrorIs(t, d.Init(context.Background()), ErrCommandFailed)
}

func TestMCP2221_Status(t *testing.T) {
	d, fake := newFake(t)
	fake.respond(map[int]byte{0: cmdStatus, 9: 0x0C, 11: 0x0A, 13: 3, 14: 117, 15: 9, 16: 0xC0, 20: addressNackMask, 25: 1})
	status, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   3,
		I2CSpeedDivider:        117,
		I2CTimeout:             9,
		CurrentAddress:         "c000",
		LastWriteRequestedSize: 12,
		LastWriteSentSize:      10,
		ReadPending:            1,
		AddressNack:            true,
	}, status)
}

func TestMCP2221_DeviceMissing(t *testing.T) {
	d := NewMCP2221(func(o *MCP2221Opts) {
		o.open = func(int) (hidDevice, error) { return nil, ErrDeviceNotFound }
	})
	assert.ErrorIs(t, d.Init(context.Background()), ErrDeviceNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Release(ctx), context.Canceled)
}
