// Package array drives a grid of multiplexed pressure sensor cells over a single bus:
// discovery, calibration, periodic acquisition and delivery of samples to a stream.
package array

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/mklimuk/tactile"
	"github.com/mklimuk/tactile/grid"
	"github.com/mklimuk/tactile/stream"
)

const (
	DefaultPeriod          = 100 * time.Millisecond
	DefaultConversionDelay = 3 * time.Millisecond
)

var ErrInvalidPeriod = errors.New("sample period must not be shorter than the conversion delay")

type Opts struct {
	Scope           Scope
	Period          time.Duration
	ConversionDelay time.Duration
	Stream          *stream.Channel
}

type Opt func(*Opts)

func WithScope(scope Scope) Opt {
	return func(o *Opts) {
		o.Scope = scope
	}
}

// WithPeriod sets the default sample period used when sampling is started without one.
func WithPeriod(period time.Duration) Opt {
	return func(o *Opts) {
		o.Period = period
	}
}

// WithConversionDelay sets the settle time between a conversion start and the readback.
func WithConversionDelay(delay time.Duration) Opt {
	return func(o *Opts) {
		o.ConversionDelay = delay
	}
}

func WithStream(ch *stream.Channel) Opt {
	return func(o *Opts) {
		o.Stream = ch
	}
}

// Array owns the bus guard and every piece of state derived from the grid.
// Typical usage:
//
//	a, err := array.New(bus)
//	err = a.Init(ctx)
//	err = a.StartSampling(0)
//	packet, err := a.Stream().Read(ctx)
type Array struct {
	config Opts
	guard  *Guard
	stream *stream.Channel

	calibrationMx sync.Mutex // one table update at a time
	calibration   atomic.Pointer[CalibrationTable]
	frame         atomic.Pointer[Frame]

	cycleMx sync.Mutex // one acquisition cycle at a time
	nextRow int
	seq     uint64

	runMx  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	period time.Duration
}

func New(bus tactile.Bus, opts ...Opt) (*Array, error) {
	if bus == nil {
		return nil, errors.New("array: bus is required")
	}
	config := Opts{
		Scope:           ScopeGrid,
		Period:          DefaultPeriod,
		ConversionDelay: DefaultConversionDelay,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.ConversionDelay < 0 {
		return nil, fmt.Errorf("array: negative conversion delay %s", config.ConversionDelay)
	}
	if err := validatePeriod(config.Period, config.ConversionDelay); err != nil {
		return nil, fmt.Errorf("array: %w", err)
	}
	if config.Stream == nil {
		config.Stream = stream.New()
	}
	return &Array{
		config: config,
		guard:  NewGuard(bus),
		stream: config.Stream,
	}, nil
}

func validatePeriod(period, delay time.Duration) error {
	if period <= 0 || period < delay {
		return fmt.Errorf("%w: period %s, delay %s", ErrInvalidPeriod, period, delay)
	}
	return nil
}

// Init runs discovery followed by a calibration read. Both steps run even if the first
// reports per-cell errors.
func (a *Array) Init(ctx context.Context) error {
	live, err := a.Discover(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Info("sensor array discovered", "alive", live.Count(), "bitmap", live.String())
	_, calErr := a.ReadCalibration(ctx)
	return multierr.Combine(err, calErr)
}

// Probe addresses the bus directly under the guard. The address is the raw wire byte.
func (a *Array) Probe(ctx context.Context, address byte, stop bool) (bool, error) {
	var ack bool
	err := a.guard.Do(ctx, func(bus tactile.Bus) error {
		var err error
		ack, err = bus.Probe(ctx, address, stop)
		return err
	})
	return ack, err
}

func (a *Array) Live(ctx context.Context) (grid.Bitmap, error) {
	return a.guard.Live(ctx)
}

func (a *Array) Scope() Scope {
	return a.config.Scope
}

func (a *Array) ConversionDelay() time.Duration {
	return a.config.ConversionDelay
}

func (a *Array) Stream() *stream.Channel {
	return a.stream
}

// Frame returns the last published frame or nil when nothing was acquired yet.
func (a *Array) Frame() *Frame {
	return a.frame.Load()
}

// Snapshot returns the latest complete frame while sampling. Otherwise it runs a grid cycle on demand.
func (a *Array) Snapshot(ctx context.Context) (*Frame, error) {
	if frame := a.frame.Load(); frame != nil && a.Sampling() {
		return frame, nil
	}
	return a.cycleGrid(ctx)
}

// SnapshotRow behaves like Snapshot but only cycles the requested row when it has to acquire.
func (a *Array) SnapshotRow(ctx context.Context, row int) (*Frame, error) {
	if row < 0 || row >= grid.Rows {
		return nil, fmt.Errorf("row %d outside of grid: %w", row, grid.ErrInvalidCoordinate)
	}
	if frame := a.frame.Load(); frame != nil && a.Sampling() {
		return frame, nil
	}
	return a.cycleRow(ctx, row)
}

// Sampling reports whether the periodic acquisition loop is running.
func (a *Array) Sampling() bool {
	a.runMx.Lock()
	defer a.runMx.Unlock()
	return a.cancel != nil
}

// Period returns the period of the running loop or zero.
func (a *Array) Period() time.Duration {
	a.runMx.Lock()
	defer a.runMx.Unlock()
	return a.period
}

// StartSampling (re)starts periodic acquisition. A zero period selects the configured default.
// The stream and the published frame are reset.
func (a *Array) StartSampling(period time.Duration) error {
	if period == 0 {
		period = a.config.Period
	}
	if err := validatePeriod(period, a.config.ConversionDelay); err != nil {
		return err
	}
	a.runMx.Lock()
	defer a.runMx.Unlock()
	if a.cancel != nil {
		a.stop()
	}
	a.stream.Reset()
	a.frame.Store(nil)
	a.cycleMx.Lock()
	a.nextRow = 0
	a.cycleMx.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.period = period
	go a.run(ctx, period, a.done)
	slog.Info("sampling started", "period", period, "scope", a.config.Scope)
	return nil
}

// StopSampling stops the acquisition loop, discards whatever the stream still holds and
// closes the session with an end-of-burst marker. It reports whether sampling was running.
func (a *Array) StopSampling() bool {
	a.runMx.Lock()
	defer a.runMx.Unlock()
	if a.cancel == nil {
		return false
	}
	a.stop()
	a.stream.Flush()
	slog.Info("sampling stopped")
	return true
}

// stop must be called with runMx held.
func (a *Array) stop() {
	a.cancel()
	// a producer blocked on a full stream is released here
	a.stream.Abort()
	<-a.done
	a.stream.Reset()
	a.cancel = nil
	a.done = nil
	a.period = 0
}

func (a *Array) Close() {
	a.StopSampling()
}

func (a *Array) run(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		started := time.Now()
		a.acquire(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(max(period-time.Since(started), 0))
	}
}

func (a *Array) acquire(ctx context.Context) {
	frame, err := a.Cycle(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("acquisition cycle incomplete", "error", err)
	}
	if frame == nil {
		return
	}
	payload := frame.Payload()
	if len(payload) == 0 {
		return
	}
	err = a.stream.Push(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrAborted), errors.Is(err, context.Canceled):
		slog.Debug("sample push discarded", "seq", frame.Seq, "reason", err)
	default:
		slog.Warn("sample push failed", "seq", frame.Seq, "error", err)
	}
}
