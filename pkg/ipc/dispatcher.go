package ipc

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
)

// Guard inspects a frame before its handler runs. Returning false stops
// processing; the guard is responsible for any reply or close.
type Guard func(ctx context.Context, c *Connection, data json.RawMessage) bool

// Handler processes the payload of one intent. A returned error is fatal to
// the connection.
type Handler func(ctx context.Context, c *Connection, data json.RawMessage) error

// Action binds an intent to its guard chain and handler
type Action struct {
	Intent  string
	Guards  []Guard
	Handler Handler
}

// Dispatcher routes decoded frames to actions by intent
type Dispatcher struct {
	actions map[string]Action
	logger  *logger.Logger
}

// NewDispatcher builds a dispatcher over a fixed action table. It panics on
// duplicate or incomplete actions, which are programming errors.
func NewDispatcher(log *logger.Logger, actions ...Action) *Dispatcher {
	table := make(map[string]Action, len(actions))
	for _, action := range actions {
		if action.Intent == "" || action.Handler == nil {
			panic("ipc: action requires an intent and a handler")
		}
		if _, dup := table[action.Intent]; dup {
			panic("ipc: duplicate action for intent " + action.Intent)
		}
		table[action.Intent] = action
	}
	return &Dispatcher{actions: table, logger: log.With("component", "dispatcher")}
}

// Intents returns the registered intents, sorted
func (d *Dispatcher) Intents() []string {
	intents := make([]string, 0, len(d.actions))
	for intent := range d.actions {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	return intents
}

// Dispatch processes one inbound frame for c
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, frame []byte) {
	if protocol.IsBlank(frame) {
		return
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		if protocol.IsIncomplete(err) {
			d.logger.Debug("Dropping frame without intent or payload", "conn_id", c.ID())
			return
		}
		c.forceClose(err)
		return
	}

	if env.Intent != protocol.IntentIdentify && !c.Identified() {
		if err := c.SendError(ctx, protocol.NewErrorPayload(
			types.NewError(types.ErrCodeUnauthenticated, "identify before sending "+env.Intent), false)); err != nil {
			d.logger.Debug("Failed to send unauthenticated error", "conn_id", c.ID(), "error", err)
		}
		return
	}

	action, ok := d.actions[env.Intent]
	if !ok {
		d.logger.Info("Ignoring unknown intent", "conn_id", c.ID(), "intent", env.Intent)
		return
	}

	for _, guard := range action.Guards {
		if !guard(ctx, c, env.Data) {
			return
		}
	}

	if err := action.Handler(ctx, c, env.Data); err != nil {
		c.forceClose(err)
	}
}

// rejectIdentified closes connections that try to identify twice
func rejectIdentified(_ context.Context, c *Connection, _ json.RawMessage) bool {
	if c.Identified() {
		c.forceClose(types.NewError(types.ErrCodeAlreadyIdentified, "connection is already identified as "+c.Name()))
		return false
	}
	return true
}
