package ipc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/clock"
	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/tokens"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const waitTimeout = 2 * time.Second

// memTransport is an in-memory Transport driven by the test
type memTransport struct {
	remote string
	in     chan []byte
	out    chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

func newMemTransport(remote string) *memTransport {
	return &memTransport{
		remote: remote,
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (m *memTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-m.in:
		return frame, nil
	case <-m.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memTransport) Write(_ context.Context, frame []byte) error {
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	m.out <- frame
	return nil
}

func (m *memTransport) Close(code websocket.StatusCode, reason string) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closeCode = code
		m.closeReason = reason
		m.mu.Unlock()
		close(m.closed)
	})
	return nil
}

func (m *memTransport) RemoteAddr() string { return m.remote }

func (m *memTransport) code() websocket.StatusCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}

type testEnv struct {
	cfg    *config.Config
	broker *Broker
	clock  *clock.FakeClock
	store  tokens.Store
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = config.ModeServer
	cfg.Server.Tokens.Path = t.TempDir() + "/tokens.json"
	if mutate != nil {
		mutate(cfg)
	}

	store, err := tokens.NewFileStore(cfg.Server.Tokens.Path, bcrypt.MinCost, logger.Nop())
	require.NoError(t, err)

	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b, err := New(cfg, store, logger.Nop(), WithClock(fake))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return &testEnv{cfg: cfg, broker: b, clock: fake, store: store}
}

// peer is the test's side of one connection
type peer struct {
	t         *testing.T
	transport *memTransport
	conn      *Connection
}

func (e *testEnv) connect(t *testing.T) *peer {
	t.Helper()
	tr := newMemTransport("10.0.0.1:5000")
	c, err := e.broker.Accept(tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.serve(ctx)
	return &peer{t: t, transport: tr, conn: c}
}

// identified connects and identifies as name, failing the test otherwise
func (e *testEnv) identified(t *testing.T, name string) *peer {
	t.Helper()
	p := e.connect(t)
	p.send(protocol.IntentIdentify, protocol.Identify{Name: name, PSK: e.cfg.PSK})
	p.expect(protocol.IntentConnected)
	return p
}

func (p *peer) send(intent string, data any) {
	p.t.Helper()
	frame, err := protocol.Encode(intent, data)
	require.NoError(p.t, err)
	p.raw(frame)
}

func (p *peer) raw(frame []byte) {
	p.t.Helper()
	select {
	case p.transport.in <- frame:
	case <-time.After(waitTimeout):
		p.t.Fatal("timed out sending frame")
	}
}

func (p *peer) next() *protocol.Envelope {
	p.t.Helper()
	select {
	case frame := <-p.transport.out:
		env, err := protocol.Decode(frame)
		require.NoError(p.t, err)
		return env
	case <-time.After(waitTimeout):
		p.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (p *peer) expect(intent string) *protocol.Envelope {
	p.t.Helper()
	env := p.next()
	require.Equal(p.t, intent, env.Intent, "payload: %s", string(env.Data))
	return env
}

func (p *peer) expectError(code string) *protocol.ErrorPayload {
	p.t.Helper()
	env := p.expect(protocol.IntentError)
	require.True(p.t, env.Error)
	var payload protocol.ErrorPayload
	require.NoError(p.t, json.Unmarshal(env.Data, &payload))
	require.Equal(p.t, code, payload.Code, "message: %s", payload.Message)
	return &payload
}

func (p *peer) expectClosed() {
	p.t.Helper()
	select {
	case <-p.conn.Done():
	case <-time.After(waitTimeout):
		p.t.Fatal("connection was not closed")
	}
}

func (p *peer) expectSilence() {
	p.t.Helper()
	select {
	case frame := <-p.transport.out:
		p.t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}
