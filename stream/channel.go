// Package stream carries continuous sampling payloads from the acquisition loop to the
// host transport through a bounded byte queue.
//
// A push into a full queue blocks the producer; it is released as soon as the consumer
// frees space, the stream is aborted, or the consumer timeout fires. Aborting is the normal
// way a session ends, callers should treat ErrAborted as a shutdown signal, not a failure.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrAborted = errors.New("streaming aborted")

var ErrConsumerTimeout = fmt.Errorf("consumer timed out: %w", ErrAborted)

var ErrPayloadTooLarge = errors.New("payload exceeds stream capacity")

// DefaultCapacity fits several full-grid payloads.
const DefaultCapacity = 1024

// Packet is one pushed payload or an end-of-burst marker.
type Packet struct {
	Data       []byte
	EndOfBurst bool
}

type Opts struct {
	Capacity        int
	ConsumerTimeout time.Duration
}

type Opt func(*Opts)

// WithCapacity bounds the number of payload bytes held in the queue.
func WithCapacity(n int) Opt {
	return func(o *Opts) {
		o.Capacity = n
	}
}

// WithConsumerTimeout aborts the stream when a producer stays blocked for longer than d.
// Zero disables the timeout.
func WithConsumerTimeout(d time.Duration) Opt {
	return func(o *Opts) {
		o.ConsumerTimeout = d
	}
}

type Channel struct {
	mx      sync.Mutex
	config  Opts
	queue   []Packet
	size    int
	cause   error
	changed chan struct{} // closed and replaced on every state change
}

func New(opts ...Opt) *Channel {
	config := Opts{Capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	return &Channel{
		config:  config,
		changed: make(chan struct{}),
	}
}

func (c *Channel) Capacity() int {
	return c.config.Capacity
}

// Push enqueues a copy of payload, blocking while the queue lacks room for it.
func (c *Channel) Push(ctx context.Context, payload []byte) error {
	if len(payload) > c.config.Capacity {
		return fmt.Errorf("%d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	var deadline <-chan time.Time
	for {
		c.mx.Lock()
		if c.cause != nil {
			err := c.cause
			c.mx.Unlock()
			return err
		}
		if c.size+len(payload) <= c.config.Capacity {
			data := make([]byte, len(payload))
			copy(data, payload)
			c.queue = append(c.queue, Packet{Data: data})
			c.size += len(data)
			c.notify()
			c.mx.Unlock()
			return nil
		}
		wait := c.changed
		c.mx.Unlock()

		if deadline == nil && c.config.ConsumerTimeout > 0 {
			timer := time.NewTimer(c.config.ConsumerTimeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			c.abort(ErrConsumerTimeout)
			return ErrConsumerTimeout
		}
	}
}

// Flush closes the current burst with an end-of-burst marker. The marker takes no capacity.
func (c *Channel) Flush() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.queue = append(c.queue, Packet{EndOfBurst: true})
	c.notify()
}

// Read takes the oldest packet, waiting for one to arrive. Buffered packets are still
// delivered after an abort; once drained, the abort cause is returned.
func (c *Channel) Read(ctx context.Context) (Packet, error) {
	for {
		c.mx.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = Packet{}
			c.queue = c.queue[1:]
			c.size -= len(p.Data)
			c.notify()
			c.mx.Unlock()
			return p, nil
		}
		if c.cause != nil {
			err := c.cause
			c.mx.Unlock()
			return Packet{}, err
		}
		wait := c.changed
		c.mx.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		}
	}
}

// Abort marks the stream disabled and releases any blocked producer without enqueuing its payload.
func (c *Channel) Abort() {
	c.abort(ErrAborted)
}

// Reset discards buffered packets and clears the abort flag for a new session.
func (c *Channel) Reset() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.queue = nil
	c.size = 0
	c.cause = nil
	c.notify()
}

// Len returns the number of payload bytes buffered.
func (c *Channel) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.size
}

func (c *Channel) Aborted() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.cause != nil
}

func (c *Channel) abort(cause error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.cause == nil {
		c.cause = cause
	}
	c.notify()
}

func (c *Channel) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}
