// Package stream owns the telemetry channel of one location: it dials the
// endpoint, feeds every inbound frame through a Pipeline and tracks the
// connection lifecycle until Close.
package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crowdwatch/internal/metrics"
	"crowdwatch/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrEmptyLocation = errors.New("location id must not be empty")

// DefaultEndpoint is the route served by the telemetry backend.
func DefaultEndpoint(locationID string) string {
	return "ws://localhost:8000/ws/stream/" + locationID
}

// Options configure Open. Only LocationID is required.
type Options struct {
	LocationID string
	Endpoint   func(locationID string) string
	Dialer     Dialer
	Reconnect  ReconnectPolicy
	Log        *logger.Log
	// OnState is called synchronously after every transition.
	OnState func(State)
}

// Connection is the handle returned by Open. Its methods are safe for
// concurrent use.
type Connection struct {
	id       string
	location string
	url      string

	dialer   Dialer
	policy   ReconnectPolicy
	pipeline *Pipeline
	onState  func(State)
	log      *logger.Entry

	state   atomic.Int32
	lastErr atomic.Pointer[error]

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	transport Transport
	closing   bool
	sessions  int
}

// Open validates the options and starts connecting in the background. It
// fails only on contract violations; an unreachable endpoint is reported
// later through the Errored and Closed states.
func Open(ctx context.Context, opts Options, p *Pipeline) (*Connection, error) {
	location := strings.TrimSpace(opts.LocationID)
	if location == "" {
		return nil, ErrEmptyLocation
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	endpoint := opts.Endpoint
	if endpoint == nil {
		endpoint = DefaultEndpoint
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{Log: log}
	}
	policy := opts.Reconnect
	if policy == nil {
		policy = NoReconnect{}
	}

	c := &Connection{
		id:       uuid.NewString(),
		location: location,
		url:      endpoint(location),
		dialer:   dialer,
		policy:   policy,
		pipeline: p,
		onState:  opts.OnState,
		done:     make(chan struct{}),
	}
	c.log = log.WithComponent("stream").
		WithLocation(location).
		WithConnection(c.id, 0).
		WithFields(logger.Fields{"url": c.url})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.setState(Disconnected)
	c.setState(Connecting)
	go c.run(runCtx)

	return c, nil
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Location() string { return c.location }
func (c *Connection) URL() string      { return c.url }

func (c *Connection) State() State {
	return State(c.state.Load())
}

// LastError returns the most recent transport error, or nil.
func (c *Connection) LastError() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Sessions counts how many times the transport reached Open.
func (c *Connection) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// Done is closed once the event loop has exited and the state is final.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the connection. It is idempotent, aborts a pending dial and
// releases the transport at most once. It does not wait for the event loop;
// use Done for that.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		t := c.transport
		c.transport = nil
		c.mu.Unlock()

		c.cancel()
		if t != nil {
			err = t.Close()
		}
		c.log.Info("stream connection close requested")
	})
	return err
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.cancel()

	attempt := 0
	for {
		t, err := c.dialer.Dial(ctx, c.url)
		switch {
		case err != nil && ctx.Err() != nil:
			c.handleClose()
			return
		case err != nil:
			c.handleError(err)
			c.handleClose()
		default:
			if !c.attach(t) {
				c.handleClose()
				return
			}
			attempt = 0
			stop := context.AfterFunc(ctx, func() { c.release(t) })
			c.setState(StateOpen)
			c.log.WithConnection(c.id, c.Sessions()).Info("stream connection open")
			c.readLoop(ctx, t)
			stop()
			c.release(t)
		}

		if ctx.Err() != nil {
			return
		}
		attempt++
		delay, ok := c.policy.NextDelay(attempt)
		if !ok {
			return
		}
		c.log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Info("reconnecting")
		if !wait(ctx, delay) {
			return
		}
		c.setState(Disconnected)
		c.setState(Connecting)
	}
}

// attach stores t as the live transport unless Close already ran, in which
// case t is released here.
func (c *Connection) attach(t Transport) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = t.Close()
		return false
	}
	c.transport = t
	c.sessions++
	c.mu.Unlock()
	return true
}

// release closes t unless Close already took it.
func (c *Connection) release(t Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.mu.Unlock()
	_ = t.Close()
}

func (c *Connection) readLoop(ctx context.Context, t Transport) {
	for {
		raw, err := t.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !isNormalClose(err) {
				c.handleError(err)
			}
			c.handleClose()
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Connection) handleMessage(raw []byte) {
	// Decode failures are reported by the pipeline's diagnostics.
	_ = c.pipeline.Ingest(raw)
}

func (c *Connection) handleError(err error) {
	c.lastErr.Store(&err)
	c.setState(Errored)
	c.pipeline.diagnostics().TransportError(err)
}

func (c *Connection) handleClose() {
	c.setState(Closed)
}

func (c *Connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	metrics.SetConnectionState(s.String())
	if prev != s {
		c.log.WithFields(logger.Fields{"from": prev.String(), "to": s.String()}).Debug("connection state changed")
	}
	if c.onState != nil {
		c.onState(s)
	}
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
