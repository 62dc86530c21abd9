package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/clock"
	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// State is the lifecycle stage of a connection
type State int

const (
	StateUnidentified State = iota
	StateIdentified
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted client. It moves from Unidentified to
// Identified at most once and ends in Closed, which is terminal.
type Connection struct {
	id         string
	transport  Transport
	broker     *Broker
	logger     *logger.Logger
	acceptedAt time.Time

	mu        sync.Mutex
	state     State
	name      string
	metrics   protocol.Metrics
	authTimer clock.Timer

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(b *Broker, t Transport) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:         id,
		transport:  t,
		broker:     b,
		logger:     b.logger.With("conn_id", id, "remote_addr", t.RemoteAddr()),
		acceptedAt: b.clock.Now(),
		done:       make(chan struct{}),
	}
}

// ID returns the broker-assigned connection identifier
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address
func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }

// Name returns the identified service name, or "" before identification
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identified reports whether the connection has completed identification
func (c *Connection) Identified() bool {
	return c.State() == StateIdentified
}

// Metrics returns the latest metrics snapshot, or nil if none was reported.
// Snapshots are replaced, never mutated, so the result may be shared.
func (c *Connection) Metrics() protocol.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Connection) setMetrics(m protocol.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// AuthDeadline returns when an unidentified connection will be closed. It
// is zero once the connection is identified or closed.
func (c *Connection) AuthDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnidentified {
		return time.Time{}
	}
	return c.acceptedAt.Add(c.broker.cfg.AuthTimeout)
}

// Done is closed after the connection has been cleaned up
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) startAuthTimer() {
	timer := c.broker.clock.AfterFunc(c.broker.cfg.AuthTimeout, c.authExpired)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnidentified {
		timer.Stop()
		return
	}
	c.authTimer = timer
}

func (c *Connection) authExpired() {
	c.mu.Lock()
	if c.state != StateUnidentified {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Warn("Connection did not identify in time", "timeout", c.broker.cfg.AuthTimeout.String())
	c.forceClose(types.NewError(types.ErrCodeAuthTimeout, "identify was not received within "+c.broker.cfg.AuthTimeout.String()))
}

// promote registers the connection under name and marks it identified.
// A closed connection is never registered.
func (c *Connection) promote(name string, metrics protocol.Metrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return types.NewError(types.ErrCodeUnavailable, "connection is closed")
	case StateIdentified:
		return types.NewError(types.ErrCodeAlreadyIdentified, "connection is already identified as "+c.name)
	}
	if err := c.broker.registry.Register(name, c); err != nil {
		return err
	}

	c.state = StateIdentified
	c.name = name
	c.metrics = metrics
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	return nil
}

// Send writes one frame to the peer. Writes are serialized and bounded by
// the broker's write timeout; cancellation of ctx does not abort a write
// already in progress.
func (c *Connection) Send(ctx context.Context, intent string, data any) error {
	frame, err := protocol.Encode(intent, data)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

// SendError writes a debug/error frame
func (c *Connection) SendError(ctx context.Context, payload *protocol.ErrorPayload) error {
	frame, err := protocol.EncodeError(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *Connection) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.broker.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.Write(ctx, frame); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write frame", err)
	}
	return nil
}

// forceClose sends a goodbye error frame derived from err, closes the
// transport, and cleans up. Only the first call has any effect.
func (c *Connection) forceClose(err error) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	payload := protocol.NewErrorPayload(err, true)
	c.logger.Info("Force-closing connection", "code", payload.Code, "reason", payload.Message)
	c.broker.recordForcedClose(payload.Code)

	if werr := c.SendError(context.Background(), payload); werr != nil {
		c.logger.Debug("Failed to deliver goodbye frame", "error", werr)
	}
	if cerr := c.transport.Close(websocket.StatusPolicyViolation, payload.Code); cerr != nil && !isExpectedCloseError(cerr) {
		c.logger.Debug("Failed to close transport", "error", cerr)
	}
	c.cleanup()
}

// Close closes the connection without an error frame
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	if err := c.transport.Close(code, reason); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Failed to close transport", "error", err)
	}
	c.cleanup()
}

// cleanup moves the connection to Closed and releases its name exactly once
func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		name := c.name
		c.state = StateClosed
		if c.authTimer != nil {
			c.authTimer.Stop()
			c.authTimer = nil
		}
		c.mu.Unlock()

		if name != "" {
			c.broker.registry.Unregister(name, c)
		}
		c.broker.forget(c)
		close(c.done)
		c.logger.Info("Connection closed", "service", name)
	})
}

// serve reads frames until the transport fails or the connection closes
func (c *Connection) serve(ctx context.Context) {
	defer c.Close(websocket.StatusNormalClosure, "")

	for {
		frame, err := c.transport.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) && !c.closing.Load() {
				c.logger.Warn("Read failed", "error", err)
			}
			return
		}
		c.broker.dispatcher.Dispatch(ctx, c, frame)
		if c.closing.Load() {
			return
		}
	}
}
