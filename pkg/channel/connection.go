// Package channel manages one live WebSocket connection to a fleet backend
// endpoint, reconnecting with exponential backoff until it is closed.
package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/metrics"
)

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// FrameHandler receives frames in arrival order on the connection goroutine
type FrameHandler func(Frame)

// Options configures a Connection. Zero durations take defaults; a negative
// PingInterval or PongWait disables keepalive pings or the read deadline.
// PingInterval defaults to, and is capped below, 9/10 of PongWait.
type Options struct {
	Name             string
	Dialer           Dialer
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	MaxFrameSize     int64
	Retry            RetryConfig
	Clock            Clock
	Logger           *logger.Logger
	Metrics          *metrics.Metrics
	OnStateChange    func(State)
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "channel"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	// Pings must land inside the read deadline or idle sockets time out
	if o.PongWait > 0 && (o.PingInterval == 0 || o.PingInterval >= o.PongWait) {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Connection owns one socket to one endpoint
type Connection struct {
	endpoint endpoint.Endpoint
	opts     Options
	onFrame  FrameHandler
	logger   *logger.Logger
	retry    *retryPolicy

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu             sync.RWMutex
	state          State
	connectedAt    *time.Time
	disconnectedAt *time.Time
	attempts       int
	reconnects     int
	framesRx       uint64
	bytesRx        uint64
	lastError      string
}

// Open starts connecting to ep in the background and returns immediately.
// A backend that is not reachable yet is retried until Close is called.
func Open(ep endpoint.Endpoint, onFrame FrameHandler, opts Options) *Connection {
	opts = opts.withDefaults()
	if onFrame == nil {
		onFrame = func(Frame) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		endpoint: ep,
		opts:     opts,
		onFrame:  onFrame,
		logger: opts.Logger.WithComponent("channel").WithChannel(opts.Name).
			WithFields(map[string]interface{}{"url": ep.URL()}),
		retry:  newRetryPolicy(opts.Retry),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}

	go c.run()
	return c
}

// Close stops the connection and any pending retry. It is idempotent and
// returns only after the last frame notification has completed, so it must
// not be called from inside the FrameHandler.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("Closing channel connection")
		c.cancel()
	})
	<-c.done
	c.setState(StateClosed)
	return nil
}

// Name returns the channel name
func (c *Connection) Name() string {
	return c.opts.Name
}

// Endpoint returns the endpoint this connection dials
func (c *Connection) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

// State returns the current connection state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns a snapshot of the connection state and counters
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{
		Channel:        c.opts.Name,
		URL:            c.endpoint.URL(),
		State:          c.state,
		ConnectedAt:    c.connectedAt,
		DisconnectedAt: c.disconnectedAt,
		Attempts:       c.attempts,
		Reconnects:     c.reconnects,
		FramesRx:       c.framesRx,
		BytesRx:        c.bytesRx,
		LastError:      c.lastError,
	}
}

func (c *Connection) run() {
	defer close(c.done)

	c.setState(StateConnecting)

	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.recordError(err)
			c.logger.Warn("Channel connection failed", logger.Error(err))
		} else {
			uptime := c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
			c.retry.ConnectionEnded(uptime)
		}

		c.setState(StateReconnecting)
		if !c.sleep(c.retry.Next()) {
			return
		}
	}
}

type dialResult struct {
	conn *websocket.Conn
	resp *http.Response
	err  error
}

// dial performs one handshake. It returns as soon as the connection is
// closed even if the handshake itself is still in flight.
func (c *Connection) dial() (*websocket.Conn, error) {
	c.mu.Lock()
	c.attempts++
	if c.attempts > 1 {
		c.reconnects++
	}
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > 1 {
		c.opts.Metrics.Reconnect(c.opts.Name)
	}

	c.logger.Debug("Dialing channel endpoint", logger.Int("attempt", attempt))

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	results := make(chan dialResult, 1)
	go func() {
		defer cancel()
		conn, resp, err := c.opts.Dialer.DialContext(ctx, c.endpoint.URL(), c.opts.Header)
		results <- dialResult{conn: conn, resp: resp, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			cerr := &ConnectionError{Channel: c.opts.Name, URL: c.endpoint.URL(), Err: r.err}
			if r.resp != nil {
				cerr.StatusCode = r.resp.StatusCode
				if r.resp.Body != nil {
					_ = r.resp.Body.Close()
				}
			}
			return nil, cerr
		}
		return r.conn, nil
	case <-c.ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, c.ctx.Err()
	}
}

// serve reads frames until the socket fails or the connection is closed and
// returns how long the socket stayed up
func (c *Connection) serve(conn *websocket.Conn) time.Duration {
	connectedAt := c.opts.Clock.Now()
	c.setState(StateConnected)
	c.logger.Info("Channel connected", logger.Int("attempt", c.Status().Attempts))

	conn.SetReadLimit(c.opts.MaxFrameSize)
	if c.opts.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			uptime := c.opts.Clock.Now().Sub(connectedAt)
			if c.ctx.Err() == nil {
				c.recordError(&ConnectionError{Channel: c.opts.Name, URL: c.endpoint.URL(), Err: err})
				c.logger.Warn("Channel connection lost",
					logger.Error(err),
					logger.Duration("uptime", uptime))
			}
			return uptime
		}

		if c.ctx.Err() != nil {
			return c.opts.Clock.Now().Sub(connectedAt)
		}

		if c.opts.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		}

		c.onFrame(c.nextFrame(payload))
	}
}

// keepAlive pings the peer and tears the socket down when the connection closes
func (c *Connection) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug("Keepalive ping failed", logger.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Connection) nextFrame(payload []byte) Frame {
	now := c.opts.Clock.Now()

	c.mu.Lock()
	c.framesRx++
	c.bytesRx += uint64(len(payload))
	seq := c.framesRx
	c.mu.Unlock()

	c.opts.Metrics.FrameReceived(c.opts.Name, len(payload))

	return Frame{
		Channel:    c.opts.Name,
		Seq:        seq,
		Payload:    payload,
		ReceivedAt: now,
	}
}

func (c *Connection) sleep(delay time.Duration) bool {
	c.logger.Info("Reconnecting after backoff",
		logger.Duration("delay", delay),
		logger.Int("attempt", c.Status().Attempts+1))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// setState applies a transition; nothing leaves StateClosed
func (c *Connection) setState(state State) {
	c.mu.Lock()
	prev := c.state
	if prev == state || prev == StateClosed {
		c.mu.Unlock()
		return
	}

	c.state = state
	now := c.opts.Clock.Now()
	if state == StateConnected {
		c.connectedAt = &now
		c.disconnectedAt = nil
	} else if prev == StateConnected {
		c.connectedAt = nil
		c.disconnectedAt = &now
	}
	c.mu.Unlock()

	c.logger.Debug("Channel state changed",
		logger.String("from", string(prev)),
		logger.String("to", string(state)))
	c.opts.Metrics.SetState(c.opts.Name, string(state), stateNames())

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}
