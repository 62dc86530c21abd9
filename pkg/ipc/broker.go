package ipc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/clock"
	"github.com/blip/broker/pkg/tokens"
	"github.com/blip/broker/pkg/types"
	"github.com/coder/websocket"
)

// Broker owns the connection registry and serves accepted transports
type Broker struct {
	cfg        config.ServerConfig
	psk        string
	tokens     tokens.Store
	registry   *Registry
	router     *Router
	metrics    *MetricsCollector
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     *logger.Logger

	mu           sync.Mutex
	conns        map[string]*Connection
	closed       bool
	forcedCloses map[string]int64
	accepted     atomic.Int64
}

// Option customizes a Broker
type Option func(*Broker)

// WithClock replaces the clock used for identification deadlines
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// Stats is a point-in-time view of broker activity
type Stats struct {
	Connections   int              `json:"connections"`
	Identified    int              `json:"identified"`
	Accepted      int64            `json:"accepted"`
	Routed        int64            `json:"routed"`
	Undeliverable int64            `json:"undeliverable"`
	ForcedCloses  map[string]int64 `json:"forced_closes"`
}

// New creates a broker from cfg. store may be nil when token
// authentication is disabled.
func New(cfg *config.Config, store tokens.Store, log *logger.Logger, opts ...Option) (*Broker, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.Server.AuthTimeout <= 0 || cfg.Server.WriteTimeout <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "auth and write timeouts must be positive")
	}
	if cfg.Server.TokenEnabled && store == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "token authentication requires a token store")
	}
	if cfg.Server.PSKEnabled && cfg.PSK == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "pre-shared key authentication requires a key")
	}

	b := &Broker{
		cfg:          cfg.Server,
		psk:          cfg.PSK,
		tokens:       store,
		registry:     NewRegistry(),
		clock:        clock.Real(),
		logger:       log.With("component", "ipc_broker"),
		conns:        make(map[string]*Connection),
		forcedCloses: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.router = NewRouter(b.registry, log)
	b.metrics = NewMetricsCollector(b.registry)
	b.dispatcher = NewDispatcher(log, b.actions()...)

	b.logger.Info("IPC broker initialized",
		"psk_enabled", b.cfg.PSKEnabled,
		"token_enabled", b.cfg.TokenEnabled,
		"auth_timeout", b.cfg.AuthTimeout.String())
	return b, nil
}

// Accept registers a new transport as an unidentified connection and starts
// its identification deadline
func (b *Broker) Accept(t Transport) (*Connection, error) {
	c := newConnection(b, t)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	b.conns[c.id] = c
	b.mu.Unlock()

	b.accepted.Add(1)
	c.startAuthTimer()
	c.logger.Debug("Connection accepted")
	return c, nil
}

// Serve accepts t and processes its frames until it closes
func (b *Broker) Serve(ctx context.Context, t Transport) error {
	c, err := b.Accept(t)
	if err != nil {
		t.Close(websocket.StatusTryAgainLater, "broker is closed")
		return err
	}
	c.serve(ctx)
	return nil
}

func (b *Broker) forget(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c.id)
}

func (b *Broker) recordForcedClose(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedCloses[code]++
}

// Registry returns the broker's name registry
func (b *Broker) Registry() *Registry { return b.registry }

// Router returns the broker's IPC router
func (b *Broker) Router() *Router { return b.router }

// Stats returns current broker statistics
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	forced := make(map[string]int64, len(b.forcedCloses))
	for code, n := range b.forcedCloses {
		forced[code] = n
	}
	conns := len(b.conns)
	b.mu.Unlock()

	return Stats{
		Connections:   conns,
		Identified:    b.registry.Len(),
		Accepted:      b.accepted.Load(),
		Routed:        b.router.Routed(),
		Undeliverable: b.router.Undeliverable(),
		ForcedCloses:  forced,
	}
}

// Close stops accepting connections and closes all open ones
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Close(websocket.StatusGoingAway, "broker shutting down")
		}(c)
	}
	wg.Wait()

	b.logger.Info("IPC broker closed", "connections_closed", len(conns))
	return nil
}
