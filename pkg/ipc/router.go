package ipc

import (
	"context"
	"sync/atomic"

	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
)

// Router delivers IPC messages between identified connections by name
type Router struct {
	registry      *Registry
	logger        *logger.Logger
	routed        atomic.Int64
	undeliverable atomic.Int64
}

// NewRouter creates a router over registry
func NewRouter(registry *Registry, log *logger.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   log.With("component", "ipc_router"),
	}
}

// Route forwards req from sender to its recipient, stamping the sender's
// name and echoing the nonce. An unknown recipient is reported to the sender
// with an UNKNOWN_SERVICE error frame and returned as an error; delivery
// failures are logged and not reported to the sender.
func (r *Router) Route(ctx context.Context, from *Connection, req protocol.IPCRequest) error {
	sender := from.Name()

	to, ok := r.registry.Lookup(req.To)
	if !ok {
		r.undeliverable.Add(1)
		r.logger.Debug("Recipient not connected", "from", sender, "to", req.To, "nonce", protocol.NonceValue(req.Nonce))
		if err := from.SendError(ctx, protocol.UnknownServiceError(req.To, req.Nonce)); err != nil {
			r.logger.Debug("Failed to notify sender", "from", sender, "error", err)
		}
		return types.NewError(types.ErrCodeUnknownService, "no service named "+req.To+" is connected")
	}

	delivery := protocol.IPCDelivery{From: sender, Message: req.Message, Nonce: req.Nonce}
	if err := to.Send(ctx, protocol.IntentIPC, delivery); err != nil {
		r.undeliverable.Add(1)
		r.logger.Warn("Failed to deliver message", "from", sender, "to", req.To, "error", err)
		return nil
	}
	r.routed.Add(1)
	return nil
}

// Discover returns the names of all identified services
func (r *Router) Discover() []string {
	return r.registry.Names()
}

// Routed returns the number of delivered messages
func (r *Router) Routed() int64 { return r.routed.Load() }

// Undeliverable returns the number of messages that could not be delivered
func (r *Router) Undeliverable() int64 { return r.undeliverable.Load() }
