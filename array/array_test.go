package array_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/array"
	"github.com/mklimuk/tactile/grid"
	"github.com/mklimuk/tactile/sim"
	"github.com/mklimuk/tactile/stream"
	"github.com/mklimuk/tactile/twi"
)

// rows 0 and 2 fully populated
var twoRows = grid.Bitmap{0: 0b11111, 2: 0b11111}

func newArray(t *testing.T, ctrl *sim.Controller, opts ...array.Opt) *array.Array {
	t.Helper()
	m, err := twi.NewMaster(ctrl, 5*time.Millisecond)
	require.NoError(t, err)
	a, err := array.New(m, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func rawSample(coord grid.Coordinate) []byte {
	s := sim.DefaultSensor(coord)
	return []byte{
		byte(s.Pressure >> 2), byte(s.Pressure << 6),
		byte(s.Temperature >> 2), byte(s.Temperature << 6),
	}
}

func TestNew(t *testing.T) {
	m, err := twi.NewMaster(sim.New(), time.Millisecond)
	require.NoError(t, err)

	_, err = array.New(nil)
	assert.Error(t, err)

	_, err = array.New(m, array.WithPeriod(time.Millisecond), array.WithConversionDelay(2*time.Millisecond))
	assert.ErrorIs(t, err, array.ErrInvalidPeriod)

	_, err = array.New(m, array.WithPeriod(0))
	assert.ErrorIs(t, err, array.ErrInvalidPeriod)

	a, err := array.New(m)
	require.NoError(t, err)
	assert.Equal(t, array.ScopeGrid, a.Scope())
	assert.Equal(t, stream.DefaultCapacity, a.Stream().Capacity())
	assert.False(t, a.Sampling())
	assert.Nil(t, a.Frame())
}

func TestDiscover(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()

	live, err := a.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, twoRows, live)
	assert.Equal(t, 10, live.Count())

	again, err := a.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, again, "discovery must be idempotent")

	published, err := a.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, live, published)
	assert.Empty(t, ctrl.Enabled(), "no cell may stay enabled after discovery")
}

func TestDiscover_DisablesOnlyAcknowledgedCells(t *testing.T) {
	lonely := grid.Coordinate{Row: 5, Column: 4}
	ctrl := sim.New(sim.WithLive(twoRows))
	// multiplexer answering without a sensor behind it
	ctrl.Attach(lonely, nil)
	a := newArray(t, ctrl)

	live, err := a.Discover(context.Background())
	require.NoError(t, err)
	assert.False(t, live.Alive(lonely))

	acked := map[byte]bool{}
	disables := 0
	for _, e := range ctrl.Events() {
		if e.Stop || e.Address>>1 == grid.SensorAddress {
			continue
		}
		if e.Address&1 == 0 {
			acked[e.Address] = e.Ack
			continue
		}
		disables++
		assert.True(t, acked[e.Address&^1], "disable %#02x issued without an acknowledged enable", e.Address)
	}
	// ten live cells plus the lonely multiplexer
	assert.Equal(t, 11, disables)
}

func TestDiscover_StuckCellDoesNotHang(t *testing.T) {
	stuck := grid.Coordinate{Row: 0, Column: 2}
	ctrl := sim.New(sim.WithLive(twoRows))
	ctrl.Stick(stuck.Enable())
	a := newArray(t, ctrl)

	live, err := a.Discover(context.Background())
	assert.ErrorIs(t, err, tactile.ErrBusTimeout)
	assert.False(t, live.Alive(stuck))
	assert.Equal(t, 9, live.Count())
}

// laggingController holds back the completion flags of one address for a few polls and
// runs onHold on the first of them.
type laggingController struct {
	*sim.Controller
	address byte
	polls   int
	onHold  func()
	current byte
}

func (l *laggingController) SetAddress(address byte) {
	l.current = address
	l.Controller.SetAddress(address)
}

func (l *laggingController) Status() twi.Status {
	if l.current == l.address && l.polls > 0 {
		l.polls--
		if l.onHold != nil {
			l.onHold()
			l.onHold = nil
		}
		return 0
	}
	return l.Controller.Status()
}

func TestDiscover_CancelledDuringEnableLeavesNoCellActive(t *testing.T) {
	cell := grid.Coordinate{Row: 2, Column: 3}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := sim.New(sim.WithLive(twoRows))
	lag := &laggingController{Controller: ctrl, address: cell.Enable(), polls: 3, onHold: cancel}
	m, err := twi.NewMaster(lag, 5*time.Millisecond)
	require.NoError(t, err)
	a, err := array.New(m)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ctrl.Enabled(), "an interrupted cell must be switched off")

	live, err := a.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, twoRows, live)
	_, err = a.ReadCalibration(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ctrl.Collisions(), "two cells drove the sensor bus at once")
}

func TestDiscover_Cancelled(t *testing.T) {
	a := newArray(t, sim.New(sim.WithLive(twoRows)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadCalibration(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	for _, coord := range twoRows.Cells() {
		block, err := a.Calibration(coord)
		require.NoError(t, err)
		assert.Equal(t, array.Block(sim.DefaultSensor(coord).Calibration), block, coord.String())
	}
	block, err := a.Calibration(grid.Coordinate{Row: 1, Column: 0})
	require.NoError(t, err)
	assert.True(t, block.IsZero(), "dead cells keep a zero block")

	_, err = a.Calibration(grid.Coordinate{Row: 8, Column: 0})
	assert.ErrorIs(t, err, grid.ErrInvalidCoordinate)
}

func TestReadCalibration_MidReadFailureKeepsPreviousBlock(t *testing.T) {
	broken := grid.Coordinate{Row: 2, Column: 1}
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))
	before, err := a.Calibration(broken)
	require.NoError(t, err)
	require.False(t, before.IsZero())

	ctrl.FailRead(broken, 5)
	_, err = a.ReadCalibration(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, array.ErrCalibrationReadFailed)
	assert.ErrorIs(t, err, tactile.ErrBusTimeout)
	var readErr *array.CalibrationReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, broken, readErr.Cell)

	after, err := a.Calibration(broken)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, ctrl.Enabled())

	_, err = a.RereadCalibration(ctx, broken)
	assert.ErrorIs(t, err, array.ErrCalibrationReadFailed)

	ctrl.ClearFaults()
	block, err := a.RereadCalibration(ctx, broken)
	require.NoError(t, err)
	assert.Equal(t, before, block)
}

func TestCycle_GridPayload(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	frame, err := a.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame.Seq)
	assert.Equal(t, array.ScopeGrid, frame.Scope)

	var expected []byte
	for _, coord := range twoRows.Cells() {
		expected = append(expected, rawSample(coord)...)
	}
	payload := frame.Payload()
	assert.Len(t, payload, 40)
	assert.Equal(t, expected, payload)

	sample, err := frame.Sample(grid.Coordinate{Row: 2, Column: 3})
	require.NoError(t, err)
	assert.Equal(t, uint16(400+13), sample.PressureADC())
	assert.Equal(t, uint16(500+13), sample.TemperatureADC())

	dead, err := frame.Sample(grid.Coordinate{Row: 1, Column: 3})
	require.NoError(t, err)
	assert.Equal(t, array.Sample{}, dead)

	row, err := frame.RowBytes(2)
	require.NoError(t, err)
	assert.Equal(t, expected[20:], row)
	assert.Len(t, frame.Bytes(), grid.Cells*array.SampleSize)

	assert.Zero(t, ctrl.Collisions())
	assert.Zero(t, ctrl.PrematureReads())
	assert.Empty(t, ctrl.Enabled())
}

func TestCycle_PicksUpNewReadings(t *testing.T) {
	coord := grid.Coordinate{Row: 0, Column: 4}
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	ctrl.SetReading(coord, 700, 321)
	frame, err := a.Cycle(ctx)
	require.NoError(t, err)
	sample, err := frame.Sample(coord)
	require.NoError(t, err)
	assert.Equal(t, uint16(700), sample.PressureADC())
	assert.Equal(t, uint16(321), sample.TemperatureADC())
	assert.Zero(t, ctrl.PrematureReads())
}

func TestCycle_FailedCellIsZeroed(t *testing.T) {
	broken := grid.Coordinate{Row: 0, Column: 1}
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	ctrl.FailRead(broken, 2)
	frame, err := a.Cycle(ctx)
	assert.ErrorIs(t, err, tactile.ErrBusTimeout)
	require.NotNil(t, frame)
	assert.True(t, frame.Failed.Alive(broken))
	assert.Equal(t, 1, frame.Failed.Count())

	sample, err := frame.Sample(broken)
	require.NoError(t, err)
	assert.Equal(t, array.Sample{}, sample)
	assert.Len(t, frame.Payload(), 40, "failed cells keep their slot")

	neighbour, err := frame.Sample(grid.Coordinate{Row: 0, Column: 2})
	require.NoError(t, err)
	assert.Equal(t, rawSample(grid.Coordinate{Row: 0, Column: 2}), neighbour[:])
	assert.Empty(t, ctrl.Enabled())
}

func TestCycle_RowScopeRotates(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl, array.WithScope(array.ScopeRow))
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	for row := 0; row < grid.Rows*2; row++ {
		frame, err := a.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, row%grid.Rows, frame.Row)
		assert.Equal(t, array.ScopeRow, frame.Scope)
		payload := frame.Payload()
		switch row % grid.Rows {
		case 0, 2:
			assert.Len(t, payload, 20)
		default:
			assert.Empty(t, payload)
		}
	}
	assert.Zero(t, ctrl.Collisions())
	assert.Zero(t, ctrl.PrematureReads())
}

func TestCycle_NothingAlive(t *testing.T) {
	ctrl := sim.New()
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))
	ctrl.ResetEvents()

	frame, err := a.Cycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, frame.Payload())
	assert.Len(t, ctrl.Events(), grid.Cells)
	for _, e := range ctrl.Events() {
		assert.True(t, e.Stop, "an empty grid only idles the bus")
	}
}

func TestSnapshot(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows))
	a := newArray(t, ctrl)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	first, err := a.Snapshot(ctx)
	require.NoError(t, err)
	second, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq, "an idle array acquires on demand")
	assert.Equal(t, first.Payload(), second.Payload())

	row, err := a.SnapshotRow(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, array.ScopeRow, row.Scope)
	assert.Len(t, row.Payload(), 20)

	_, err = a.SnapshotRow(ctx, grid.Rows)
	assert.ErrorIs(t, err, grid.ErrInvalidCoordinate)
}

func TestSampling_StreamsPayloads(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows), sim.WithLatency(time.Millisecond))
	a := newArray(t, ctrl, array.WithConversionDelay(2*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Init(ctx))

	assert.ErrorIs(t, a.StartSampling(time.Millisecond), array.ErrInvalidPeriod)
	require.NoError(t, a.StartSampling(5*time.Millisecond))
	assert.True(t, a.Sampling())
	assert.Equal(t, 5*time.Millisecond, a.Period())

	for i := 0; i < 3; i++ {
		packet, err := a.Stream().Read(ctx)
		require.NoError(t, err)
		assert.False(t, packet.EndOfBurst)
		assert.Len(t, packet.Data, 40)
	}

	snapshot, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snapshot.Seq, uint64(3), "a sampling array serves the published frame")

	assert.True(t, a.StopSampling())
	assert.False(t, a.Sampling())
	assert.False(t, a.StopSampling())

	packet, err := a.Stream().Read(ctx)
	require.NoError(t, err)
	assert.True(t, packet.EndOfBurst, "stopping closes the burst and discards queued payloads")
	assert.Zero(t, ctrl.Collisions())
	assert.Zero(t, ctrl.PrematureReads())
}

func TestSampling_StopReleasesBlockedProducer(t *testing.T) {
	ch := stream.New(stream.WithCapacity(40))
	a := newArray(t, sim.New(sim.WithLive(twoRows)), array.WithStream(ch))
	require.NoError(t, a.Init(context.Background()))
	require.NoError(t, a.StartSampling(5*time.Millisecond))

	// nobody reads, the second push blocks on a full queue
	require.Eventually(t, func() bool {
		return ch.Len() == 40 && a.Frame() != nil && a.Frame().Seq >= 2
	}, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		a.StopSampling()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not release the blocked producer")
	}
	assert.Zero(t, ch.Len())
	assert.False(t, ch.Aborted())
}

func TestSampling_ConsumerTimeoutKeepsAcquiring(t *testing.T) {
	ch := stream.New(stream.WithCapacity(40), stream.WithConsumerTimeout(20*time.Millisecond))
	a := newArray(t, sim.New(sim.WithLive(twoRows)), array.WithStream(ch))
	require.NoError(t, a.Init(context.Background()))
	require.NoError(t, a.StartSampling(5*time.Millisecond))

	require.Eventually(t, ch.Aborted, time.Second, time.Millisecond)
	seq := a.Frame().Seq
	require.Eventually(t, func() bool {
		return a.Frame().Seq > seq
	}, time.Second, time.Millisecond, "acquisition must continue after the consumer is gone")
	assert.True(t, a.Sampling())
}

func TestSampling_RestartResetsStream(t *testing.T) {
	ch := stream.New(stream.WithCapacity(200))
	a := newArray(t, sim.New(sim.WithLive(twoRows)), array.WithStream(ch))
	require.NoError(t, a.Init(context.Background()))

	require.NoError(t, a.StartSampling(5*time.Millisecond))
	require.Eventually(t, func() bool { return ch.Len() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.StartSampling(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, a.Period())
	assert.True(t, a.Sampling())
	a.StopSampling()
}

func TestForegroundCommandsDuringSampling(t *testing.T) {
	ctrl := sim.New(sim.WithLive(twoRows), sim.WithLatency(time.Millisecond))
	a := newArray(t, ctrl, array.WithConversionDelay(2*time.Millisecond), array.WithStream(stream.New(stream.WithCapacity(4096))))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Init(ctx))
	require.NoError(t, a.StartSampling(3*time.Millisecond))

	for i := 0; i < 5; i++ {
		live, err := a.Discover(ctx)
		require.NoError(t, err)
		assert.Equal(t, twoRows, live)
		_, err = a.ReadCalibration(ctx)
		require.NoError(t, err)
		ack, err := a.Probe(ctx, grid.Coordinate{Row: 7, Column: 0}.Enable(), true)
		require.NoError(t, err)
		assert.False(t, ack)
	}
	a.StopSampling()

	assert.Zero(t, ctrl.Collisions(), "foreground and acquisition transactions interleaved")
	assert.Zero(t, ctrl.PrematureReads())
	assert.Empty(t, ctrl.Enabled())
}

func TestParseScope(t *testing.T) {
	for _, scope := range []array.Scope{array.ScopeGrid, array.ScopeRow} {
		parsed, err := array.ParseScope(scope.String())
		require.NoError(t, err)
		assert.Equal(t, scope, parsed)
	}
	_, err := array.ParseScope("column")
	assert.Error(t, err)
}
