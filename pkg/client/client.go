// Package client implements the service side of the blip protocol: it
// connects to a broker, identifies, exchanges IPC messages with optional
// request/reply correlation, and reports metrics periodically.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/clock"
	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/sysmetrics"
	"github.com/blip/broker/pkg/types"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// State is the client's connection stage
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentified
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	default:
		return "unknown"
	}
}

type result struct {
	data json.RawMessage
	err  error
}

// Client is a connection to a broker under one service name
type Client struct {
	opts   Options
	url    string
	clock  clock.Clock
	logger *logger.Logger

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	done            chan struct{}
	token           string
	connectCh       chan error
	pending         map[string]chan result
	discoverWaiters []chan result
	metricsWaiters  []chan result
	stopMetrics     chan struct{}

	handlersMu    sync.RWMutex
	ipcHandlers   []func(*Message)
	tokenHandlers []func(string)
	errorHandlers []func(*protocol.ErrorPayload)
}

// New creates a disconnected client
func New(opts Options) (*Client, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "client name cannot be empty")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MetricsInterval == 0 {
		opts.MetricsInterval = config.DefaultMetricsInterval
	}

	c := &Client{
		opts:    opts,
		url:     opts.url(),
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "client", "service", opts.Name),
		token:   opts.Token,
		pending: make(map[string]chan result),
	}
	if c.opts.Sampler == nil {
		sampler, err := sysmetrics.New()
		if err != nil {
			c.logger.Warn("Process metrics unavailable", "error", err)
		} else {
			c.opts.Sampler = sampler
		}
	}
	return c, nil
}

// Name returns the service name
func (c *Client) Name() string { return c.opts.Name }

// State returns the connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the latest token issued by the broker, if any
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// OnIPC subscribes fn to inbound messages that do not answer a pending
// request. Each message is delivered on its own goroutine.
func (c *Client) OnIPC(fn func(*Message)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.ipcHandlers = append(c.ipcHandlers, fn)
}

// OnTokenRotated subscribes fn to newly issued tokens
func (c *Client) OnTokenRotated(fn func(token string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.tokenHandlers = append(c.tokenHandlers, fn)
}

// OnError subscribes fn to error frames not tied to a pending request
func (c *Client) OnError(fn func(*protocol.ErrorPayload)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.errorHandlers = append(c.errorHandlers, fn)
}

// Connect dials the broker and identifies. It returns once the broker has
// confirmed the identity, or with the broker's error if it refused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "a connect is already in flight")
	case StateIdentified:
		c.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "client is already connected")
	}
	c.state = StateConnecting
	connectCh := make(chan error, 1)
	c.connectCh = connectCh
	c.mu.Unlock()

	dialOpts := &websocket.DialOptions{}
	if c.opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.opts.TLSConfig}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, dialOpts)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.connectCh = nil
		c.mu.Unlock()
		return types.WrapError(types.ErrCodeUnavailable, "failed to connect to "+c.url, err)
	}
	conn.SetReadLimit(readLimit)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	token := c.token
	c.mu.Unlock()
	go c.readLoop(conn, done)

	identify := protocol.Identify{
		Name:        c.opts.Name,
		BaseMetrics: c.sample(),
		PSK:         c.opts.PSK,
		Token:       token,
	}
	if err := c.write(ctx, conn, protocol.IntentIdentify, identify); err != nil {
		conn.CloseNow()
		<-done
		return err
	}

	select {
	case err := <-connectCh:
		if err != nil {
			conn.CloseNow()
			<-done
			return err
		}
		c.logger.Info("Connected to broker", "url", c.url)
		return nil
	case <-ctx.Done():
		conn.CloseNow()
		<-done
		return types.WrapError(types.ErrCodeCanceled, "connect abandoned", ctx.Err())
	}
}

// Close closes the connection and waits for the read loop to finish
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && websocket.CloseStatus(err) == -1 {
		c.logger.Debug("Close handshake failed", "error", err)
	}
	<-done
	return nil
}

// IPC sends message to the service named to. With WithResponse it waits for
// the reply carrying the request's nonce and returns its body; an error
// frame for that nonce is returned as an error. Without it, IPC returns once
// the message is written.
func (c *Client) IPC(ctx context.Context, to string, message any, opts ...CallOption) (json.RawMessage, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(message)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to encode message", err)
	}

	nonce := o.nonce
	if o.expectResponse && nonce == "" {
		id, err := uuid.NewUUID()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to generate nonce", err)
		}
		nonce = id.String()
	}

	c.mu.Lock()
	conn, err := c.identifiedConnLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	var ch chan result
	if o.expectResponse {
		if _, dup := c.pending[nonce]; dup {
			c.mu.Unlock()
			return nil, types.NewError(types.ErrCodeInvalidArgument, "a request with nonce "+nonce+" is already pending")
		}
		ch = make(chan result, 1)
		c.pending[nonce] = ch
	}
	c.mu.Unlock()

	req := protocol.IPCRequest{To: to, Message: body, Nonce: protocol.OptionalNonce(nonce)}
	if err := c.write(ctx, conn, protocol.IntentIPC, req); err != nil {
		c.removePending(nonce, ch)
		return nil, err
	}
	if !o.expectResponse {
		return nil, nil
	}

	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.removePending(nonce, ch)
		return nil, types.WrapError(types.ErrCodeCanceled, "request to "+to+" abandoned", ctx.Err())
	}
}

// Discover returns the names of the services connected to the broker
func (c *Client) Discover(ctx context.Context) ([]string, error) {
	data, err := c.roundTrip(ctx, protocol.IntentDiscover, &c.discoverWaiters)
	if err != nil {
		return nil, err
	}
	var res protocol.DiscoverResult
	if err := protocol.DecodePayload(data, &res); err != nil {
		return nil, err
	}
	return res.Services, nil
}

// FetchMetrics returns the latest metrics of every connected service
func (c *Client) FetchMetrics(ctx context.Context) (protocol.MetricsAll, error) {
	data, err := c.roundTrip(ctx, protocol.IntentMetricsFetch, &c.metricsWaiters)
	if err != nil {
		return nil, err
	}
	var all protocol.MetricsAll
	if err := protocol.DecodePayload(data, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// ReportMetrics sends a metrics snapshot immediately
func (c *Client) ReportMetrics(ctx context.Context) error {
	c.mu.Lock()
	conn, err := c.identifiedConnLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.write(ctx, conn, protocol.IntentMetricsUpdate, c.sample())
}

// roundTrip sends a payload-less request whose reply is matched by arrival
// order among requests of the same intent
func (c *Client) roundTrip(ctx context.Context, intent string, waiters *[]chan result) (json.RawMessage, error) {
	ch := make(chan result, 1)
	c.mu.Lock()
	conn, err := c.identifiedConnLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	*waiters = append(*waiters, ch)
	c.mu.Unlock()

	if err := c.write(ctx, conn, intent, struct{}{}); err != nil {
		c.mu.Lock()
		*waiters = removeWaiter(*waiters, ch)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		// The waiter stays queued so later replies still pair up in order.
		return nil, types.WrapError(types.ErrCodeCanceled, intent+" abandoned", ctx.Err())
	}
}

func removeWaiter(waiters []chan result, ch chan result) []chan result {
	for i, w := range waiters {
		if w == ch {
			return append(waiters[:i], waiters[i+1:]...)
		}
	}
	return waiters
}

func (c *Client) identifiedConnLocked() (*websocket.Conn, error) {
	if c.state != StateIdentified || c.conn == nil {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "client is not connected")
	}
	return c.conn, nil
}

func (c *Client) removePending(nonce string, ch chan result) {
	if ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[nonce] == ch {
		delete(c.pending, nonce)
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, intent string, data any) error {
	frame, err := protocol.Encode(intent, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to send "+intent, err)
	}
	return nil
}

// sample builds a metrics report from the sampler and custom metrics. The
// required fields always come from the sampler.
func (c *Client) sample() protocol.Metrics {
	m := protocol.Metrics{}
	if c.opts.CustomMetrics != nil {
		for k, v := range c.opts.CustomMetrics() {
			m[k] = v
		}
	}
	m["memory"], m["cpu"] = 0.0, 0.0
	if c.opts.Sampler != nil {
		base, err := c.opts.Sampler.Sample()
		if err != nil {
			c.logger.Debug("Metrics sample failed", "error", err)
		}
		for k, v := range base {
			m[k] = v
		}
	}
	return m
}
