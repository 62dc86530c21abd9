package client

import (
	"context"
	"encoding/json"

	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
	"github.com/coder/websocket"
)

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() { c.handleDisconnect(conn, done, readErr) }()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			readErr = err
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	if protocol.IsBlank(data) {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("Dropping undecodable frame", "error", err)
		return
	}
	if env.Error || env.Intent == protocol.IntentError {
		c.handleError(env.Data)
		return
	}

	switch env.Intent {
	case protocol.IntentConnected:
		c.handleConnected(env.Data)
	case protocol.IntentIPC:
		c.handleIPC(env.Data)
	case protocol.IntentDiscover:
		c.resolveWaiter(&c.discoverWaiters, env.Data)
	case protocol.IntentMetricsAll:
		c.resolveWaiter(&c.metricsWaiters, env.Data)
	default:
		c.logger.Debug("Ignoring unknown intent", "intent", env.Intent)
	}
}

func (c *Client) handleConnected(data json.RawMessage) {
	var payload protocol.Connected
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			c.logger.Warn("Malformed connected frame", "error", err)
		}
	}

	c.mu.Lock()
	c.state = StateIdentified
	ch := c.connectCh
	c.connectCh = nil
	if payload.NewToken != "" {
		c.token = payload.NewToken
	}
	c.mu.Unlock()

	if payload.NewToken != "" {
		c.handlersMu.RLock()
		handlers := append([]func(string){}, c.tokenHandlers...)
		c.handlersMu.RUnlock()
		for _, fn := range handlers {
			fn(payload.NewToken)
		}
	}
	c.startMetrics()
	if ch != nil {
		ch <- nil
	}
}

func (c *Client) handleIPC(data json.RawMessage) {
	var delivery protocol.IPCDelivery
	if err := json.Unmarshal(data, &delivery); err != nil {
		c.logger.Warn("Malformed ipc frame", "error", err)
		return
	}

	nonce := protocol.NonceValue(delivery.Nonce)
	if nonce != "" {
		c.mu.Lock()
		ch, ok := c.pending[nonce]
		if ok {
			delete(c.pending, nonce)
		}
		c.mu.Unlock()
		if ok {
			ch <- result{data: delivery.Message}
			return
		}
	}

	msg := &Message{From: delivery.From, Nonce: nonce, Data: delivery.Message, client: c}
	c.handlersMu.RLock()
	handlers := append([]func(*Message){}, c.ipcHandlers...)
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		c.logger.Debug("No handler for inbound message", "from", delivery.From)
	}
	for _, fn := range handlers {
		go fn(msg)
	}
}

func (c *Client) handleError(data json.RawMessage) {
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("Malformed error frame", "error", err)
		return
	}

	c.mu.Lock()
	if nonce := payload.Nonce(); nonce != "" {
		if ch, ok := c.pending[nonce]; ok {
			delete(c.pending, nonce)
			c.mu.Unlock()
			ch <- result{err: payload.Err()}
			return
		}
	}
	if c.state == StateConnecting && c.connectCh != nil {
		ch := c.connectCh
		c.connectCh = nil
		c.mu.Unlock()
		ch <- payload.Err()
		return
	}
	c.mu.Unlock()

	c.logger.Warn("Broker reported an error", "code", payload.Code, "message", payload.Message, "goodbye", payload.Goodbye)
	c.handlersMu.RLock()
	handlers := append([]func(*protocol.ErrorPayload){}, c.errorHandlers...)
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(&payload)
	}
}

func (c *Client) resolveWaiter(waiters *[]chan result, data json.RawMessage) {
	c.mu.Lock()
	if len(*waiters) == 0 {
		c.mu.Unlock()
		c.logger.Debug("Unsolicited reply dropped")
		return
	}
	ch := (*waiters)[0]
	*waiters = (*waiters)[1:]
	c.mu.Unlock()
	ch <- result{data: data}
}

// handleDisconnect fails everything that was waiting on conn
func (c *Client) handleDisconnect(conn *websocket.Conn, done chan struct{}, readErr error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateDisconnected
	pending := c.pending
	c.pending = make(map[string]chan result)
	waiters := append(c.discoverWaiters, c.metricsWaiters...)
	c.discoverWaiters, c.metricsWaiters = nil, nil
	connectCh := c.connectCh
	c.connectCh = nil
	stop := c.stopMetrics
	c.stopMetrics = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	err := types.WrapError(types.ErrCodeUnavailable, "connection to broker closed", readErr)
	if connectCh != nil {
		connectCh <- err
	}
	for _, ch := range pending {
		ch <- result{err: err}
	}
	for _, ch := range waiters {
		ch <- result{err: err}
	}
	close(done)

	if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure {
		c.logger.Info("Disconnected from broker")
	} else {
		c.logger.Warn("Disconnected from broker", "error", readErr)
	}
}

// startMetrics begins periodic metrics reports for the current connection
func (c *Client) startMetrics() {
	if c.opts.MetricsInterval <= 0 {
		return
	}
	c.mu.Lock()
	if c.stopMetrics != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopMetrics = stop
	c.mu.Unlock()

	ticker := c.clock.NewTicker(c.opts.MetricsInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if err := c.ReportMetrics(context.Background()); err != nil {
					c.logger.Debug("Metrics report failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}
