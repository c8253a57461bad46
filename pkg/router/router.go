// Package router binds one channel connection to a decoder and a delivery
// callback. Frames are decoded on the connection goroutine and handed to the
// callback, in order, from a single delivery goroutine.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/dbehnke/fleet-bridge/pkg/channel"
	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/metrics"
)

// State is the router lifecycle state
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var (
	// ErrInvalidState is returned by Start when the router is not idle
	ErrInvalidState = errors.New("invalid router state")
	ErrNilDecoder   = errors.New("decoder is nil")
	ErrNilCallback  = errors.New("delivery callback is nil")
)

// Decoder turns one frame into zero or more typed messages
type Decoder[T any] interface {
	Decode(channel.Frame) ([]T, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc[T any] func(channel.Frame) ([]T, error)

func (f DecoderFunc[T]) Decode(frame channel.Frame) ([]T, error) { return f(frame) }

const (
	defaultBuffer          = 64
	defaultDeliveryTimeout = 5 * time.Second
)

// Options configures a Router. Connection settings are passed through to the
// channel connection; Logger and Metrics are shared with it unless set there.
// A zero DeliveryTimeout takes the default; a negative one blocks the reader
// until the queue has room.
type Options struct {
	Name            string
	Connection      channel.Options
	Buffer          int
	DeliveryTimeout time.Duration
	Logger          *logger.Logger
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = o.Connection.Name
	}
	if o.Name == "" {
		o.Name = "channel"
	}
	o.Connection.Name = o.Name
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if o.DeliveryTimeout == 0 {
		o.DeliveryTimeout = defaultDeliveryTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Connection.Logger == nil {
		o.Connection.Logger = o.Logger
	}
	if o.Connection.Metrics == nil {
		o.Connection.Metrics = o.Metrics
	}
	return o
}

// Router delivers decoded messages of type T from one channel
type Router[T any] struct {
	opts   Options
	logger *logger.Logger

	mu      sync.Mutex
	state   State
	conn    *channel.Connection
	queue   chan T
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	stopErr error
}

// New creates an idle router
func New[T any](opts Options) *Router[T] {
	opts = opts.withDefaults()
	return &Router[T]{
		opts:    opts,
		logger:  opts.Logger.WithComponent("router").WithChannel(opts.Name),
		state:   StateIdle,
		stopped: make(chan struct{}),
	}
}

// Name returns the channel name
func (r *Router[T]) Name() string {
	return r.opts.Name
}

// Start opens the connection and begins delivering to onDecoded. It returns
// immediately; an unreachable endpoint is retried in the background.
func (r *Router[T]) Start(ep endpoint.Endpoint, dec Decoder[T], onDecoded func(T)) error {
	if dec == nil {
		return ErrNilDecoder
	}
	if onDecoded == nil {
		return ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("%w: cannot start %s router from %s", ErrInvalidState, r.opts.Name, r.state)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.queue = make(chan T, r.opts.Buffer)
	r.done = make(chan struct{})

	go r.deliverLoop(onDecoded)
	r.conn = channel.Open(ep, func(f channel.Frame) { r.handleFrame(dec, f) }, r.opts.Connection)
	r.state = StateRunning

	r.logger.Info("Router started",
		logger.String("url", ep.URL()),
		logger.Int("buffer", r.opts.Buffer),
		logger.Duration("delivery_timeout", r.opts.DeliveryTimeout))
	return nil
}

// Stop closes the connection and discards queued messages. When it returns no
// further callbacks will run. It must not be called from the callback itself.
func (r *Router[T]) Stop() error {
	r.mu.Lock()
	switch r.state {
	case StateIdle:
		r.state = StateStopped
		close(r.stopped)
		r.mu.Unlock()
		return nil
	case StateStopped:
		r.mu.Unlock()
		<-r.stopped
		return r.stopErr
	}
	r.state = StateStopped
	conn, cancel, done := r.conn, r.cancel, r.done
	r.mu.Unlock()

	cancel()
	err := conn.Close()
	<-done

	discarded := len(r.queue)
	r.logger.Info("Router stopped", logger.Int("discarded", discarded))

	r.stopErr = err
	close(r.stopped)
	return err
}

// State returns the router lifecycle state
func (r *Router[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ConnectionStatus returns the status of the underlying connection
func (r *Router[T]) ConnectionStatus() channel.Status {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return channel.Status{Channel: r.opts.Name, State: channel.StateDisconnected}
	}
	return conn.Status()
}

// handleFrame runs on the connection goroutine, so blocking here applies
// backpressure to the socket
func (r *Router[T]) handleFrame(dec Decoder[T], f channel.Frame) {
	msgs, err := dec.Decode(f)
	if err != nil {
		r.opts.Metrics.DecodeError(r.opts.Name)
		r.logger.Warn("Dropping undecodable frame",
			logger.Uint64("seq", f.Seq),
			logger.Int("size", len(f.Payload)),
			logger.Error(err))
		return
	}

	for _, m := range msgs {
		if !r.enqueue(m, f.Seq) {
			return
		}
	}
}

// enqueue reports false once the router is stopping
func (r *Router[T]) enqueue(m T, seq uint64) bool {
	select {
	case r.queue <- m:
		return true
	case <-r.ctx.Done():
		return false
	default:
	}

	if r.opts.DeliveryTimeout < 0 {
		select {
		case r.queue <- m:
			return true
		case <-r.ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(r.opts.DeliveryTimeout)
	defer timer.Stop()

	select {
	case r.queue <- m:
		return true
	case <-r.ctx.Done():
		return false
	case <-timer.C:
		r.opts.Metrics.MessageDropped(r.opts.Name)
		r.logger.Warn("Delivery queue full, dropping message",
			logger.Uint64("seq", seq),
			logger.Duration("waited", r.opts.DeliveryTimeout))
		return true
	}
}

func (r *Router[T]) deliverLoop(onDecoded func(T)) {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case m := <-r.queue:
			if r.ctx.Err() != nil {
				return
			}
			r.deliver(onDecoded, m)
		}
	}
}

func (r *Router[T]) deliver(onDecoded func(T), m T) {
	if recovered := panics.Try(func() { onDecoded(m) }); recovered != nil {
		r.opts.Metrics.CallbackPanic(r.opts.Name)
		r.logger.Error("Delivery callback panicked",
			logger.Any("panic", recovered.Value),
			logger.String("stack", string(recovered.Stack)))
		return
	}
	r.opts.Metrics.MessageDelivered(r.opts.Name)
}
