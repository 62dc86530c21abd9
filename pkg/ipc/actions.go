package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"

	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
)

// actions returns the broker's intent table
func (b *Broker) actions() []Action {
	return []Action{
		{Intent: protocol.IntentIdentify, Guards: []Guard{rejectIdentified}, Handler: b.identify},
		{Intent: protocol.IntentIPC, Handler: b.routeIPC},
		{Intent: protocol.IntentDiscover, Handler: b.discover},
		{Intent: protocol.IntentMetricsUpdate, Handler: b.updateMetrics},
		{Intent: protocol.IntentMetricsFetch, Handler: b.fetchMetrics},
	}
}

// identify authenticates the connection and claims its name. Tokens are
// only issued once every other check has passed and the name is held.
func (b *Broker) identify(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req protocol.Identify
	if err := protocol.DecodePayload(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if b.cfg.PSKEnabled && subtle.ConstantTimeCompare([]byte(req.PSK), []byte(b.psk)) != 1 {
		return types.NewError(types.ErrCodeIncorrectPSK, "pre-shared key does not match")
	}

	if _, taken := b.registry.Lookup(req.Name); taken {
		return types.NewError(types.ErrCodeNameInUse, "a service named "+req.Name+" is already connected")
	}

	hasToken := false
	if b.cfg.TokenEnabled {
		exists, err := b.tokens.Exists(ctx, req.Name)
		if err != nil {
			return types.WrapError(types.ErrCodeIncorrectToken, "token could not be checked", err)
		}
		if exists {
			ok, err := b.tokens.Verify(ctx, req.Name, req.Token)
			if err != nil {
				return types.WrapError(types.ErrCodeIncorrectToken, "token could not be checked", err)
			}
			if !ok {
				return types.NewError(types.ErrCodeIncorrectToken, "token does not match the one issued to "+req.Name)
			}
			hasToken = true
		}
	}

	base := req.BaseMetrics
	if base != nil && base.Validate() != nil {
		b.logger.Debug("Ignoring invalid base metrics", "conn_id", c.ID(), "service", req.Name)
		base = nil
	}
	if err := c.promote(req.Name, base); err != nil {
		return err
	}

	var reply protocol.Connected
	if b.cfg.TokenEnabled && !hasToken {
		token, err := b.tokens.Create(ctx, req.Name)
		if err != nil {
			return types.WrapError(types.ErrCodeIncorrectToken, "token could not be issued", err)
		}
		reply.NewToken = token
	}

	b.logger.Info("Service identified",
		"conn_id", c.ID(),
		"service", req.Name,
		"token_issued", reply.NewToken != "")
	return c.Send(ctx, protocol.IntentConnected, reply)
}

func (b *Broker) routeIPC(ctx context.Context, c *Connection, data json.RawMessage) error {
	var req protocol.IPCRequest
	if err := protocol.DecodePayload(data, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	// An unknown recipient has already been reported to the sender.
	_ = b.router.Route(ctx, c, req)
	return nil
}

func (b *Broker) discover(ctx context.Context, c *Connection, _ json.RawMessage) error {
	return c.Send(ctx, protocol.IntentDiscover, protocol.DiscoverResult{Services: b.router.Discover()})
}

func (b *Broker) updateMetrics(ctx context.Context, c *Connection, data json.RawMessage) error {
	var snapshot protocol.Metrics
	err := json.Unmarshal(data, &snapshot)
	if err == nil {
		err = b.metrics.Update(c, snapshot)
	} else {
		err = types.WrapError(types.ErrCodeInvalidMetrics, "metrics must be an object", err)
	}
	if err != nil {
		if serr := c.SendError(ctx, protocol.NewErrorPayload(err, false)); serr != nil {
			b.logger.Debug("Failed to send metrics error", "conn_id", c.ID(), "error", serr)
		}
	}
	return nil
}

func (b *Broker) fetchMetrics(ctx context.Context, c *Connection, _ json.RawMessage) error {
	return c.Send(ctx, protocol.IntentMetricsAll, b.metrics.Snapshot())
}
