package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeConnected(t *testing.T, env *protocol.Envelope) protocol.Connected {
	t.Helper()
	var c protocol.Connected
	require.NoError(t, json.Unmarshal(env.Data, &c))
	return c
}

func TestIdentifySuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)
	assert.False(t, p.conn.AuthDeadline().IsZero())

	p.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	connected := decodeConnected(t, p.expect(protocol.IntentConnected))
	assert.Empty(t, connected.NewToken)

	got, ok := env.broker.Registry().Lookup("svc-a")
	require.True(t, ok)
	assert.Same(t, p.conn, got)
	assert.Equal(t, StateIdentified, p.conn.State())
	assert.True(t, p.conn.AuthDeadline().IsZero())
}

func TestUnauthenticatedIntentIsNotFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)

	p.send(protocol.IntentIPC, protocol.IPCRequest{To: "svc-b", Message: json.RawMessage(`"hi"`)})
	payload := p.expectError(types.ErrCodeUnauthenticated)
	assert.False(t, payload.Goodbye)

	p.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	p.expect(protocol.IntentConnected)
}

func TestIdentifyTwiceIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.identified(t, "svc-a")

	p.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-other"})
	payload := p.expectError(types.ErrCodeAlreadyIdentified)
	assert.True(t, payload.Goodbye)
	p.expectClosed()

	assert.Equal(t, 0, env.broker.Registry().Len())
	assert.Equal(t, websocket.StatusPolicyViolation, p.transport.code())
}

func TestNameInUse(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.identified(t, "svc-a")

	second := env.connect(t)
	second.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	payload := second.expectError(types.ErrCodeNameInUse)
	assert.True(t, payload.Goodbye)
	second.expectClosed()

	got, ok := env.broker.Registry().Lookup("svc-a")
	require.True(t, ok)
	assert.Same(t, first.conn, got)
}

func TestConcurrentIdentifyOneWinner(t *testing.T) {
	env := newTestEnv(t, nil)

	const n = 10
	peers := make([]*peer, n)
	for i := range peers {
		peers[i] = env.connect(t)
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			frame, _ := protocol.Encode(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
			p.transport.in <- frame
		}(p)
	}
	wg.Wait()

	connected := 0
	for _, p := range peers {
		select {
		case frame := <-p.transport.out:
			reply, err := protocol.Decode(frame)
			require.NoError(t, err)
			if reply.Intent == protocol.IntentConnected {
				connected++
			} else {
				var payload protocol.ErrorPayload
				require.NoError(t, json.Unmarshal(reply.Data, &payload))
				assert.Equal(t, types.ErrCodeNameInUse, payload.Code)
			}
		case <-time.After(waitTimeout):
			t.Fatal("no reply to identify")
		}
	}
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, env.broker.Registry().Len())
}

func TestIncorrectPSK(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.PSKEnabled = true
		cfg.PSK = "secret"
	})

	bad := env.connect(t)
	bad.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a", PSK: "guess"})
	bad.expectError(types.ErrCodeIncorrectPSK)
	bad.expectClosed()

	missing := env.connect(t)
	missing.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	missing.expectError(types.ErrCodeIncorrectPSK)

	good := env.connect(t)
	good.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a", PSK: "secret"})
	good.expect(protocol.IntentConnected)
}

func TestTokenLifecycle(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.TokenEnabled = true
	})
	ctx := context.Background()

	first := env.connect(t)
	first.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	token := decodeConnected(t, first.expect(protocol.IntentConnected)).NewToken
	require.NotEmpty(t, token)

	ok, err := env.store.Verify(ctx, "svc-a", token)
	require.NoError(t, err)
	assert.True(t, ok)

	first.transport.Close(websocket.StatusNormalClosure, "")
	first.expectClosed()

	noToken := env.connect(t)
	noToken.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	noToken.expectError(types.ErrCodeIncorrectToken)
	noToken.expectClosed()

	wrong := env.connect(t)
	wrong.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a", Token: "not-it"})
	wrong.expectError(types.ErrCodeIncorrectToken)

	again := env.connect(t)
	again.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a", Token: token})
	assert.Empty(t, decodeConnected(t, again.expect(protocol.IntentConnected)).NewToken)
}

func TestRejectedConnectionsReceiveNoToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.TokenEnabled = true
		cfg.Server.PSKEnabled = true
		cfg.PSK = "secret"
	})
	ctx := context.Background()

	bad := env.connect(t)
	bad.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a", PSK: "guess"})
	bad.expectError(types.ErrCodeIncorrectPSK)
	bad.expectClosed()

	exists, err := env.store.Exists(ctx, "svc-a")
	require.NoError(t, err)
	assert.False(t, exists)

	holder := env.connect(t)
	holder.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-b", PSK: "secret"})
	require.NotEmpty(t, decodeConnected(t, holder.expect(protocol.IntentConnected)).NewToken)

	dup := env.connect(t)
	dup.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-b", PSK: "secret"})
	dup.expectError(types.ErrCodeNameInUse)

	names, err := env.store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-b"}, names)
}

func TestAuthTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)

	env.clock.Advance(59 * time.Second)
	p.expectSilence()

	env.clock.Advance(time.Second)
	payload := p.expectError(types.ErrCodeAuthTimeout)
	assert.True(t, payload.Goodbye)
	p.expectClosed()
	assert.Equal(t, websocket.StatusPolicyViolation, p.transport.code())
	assert.Equal(t, int64(1), env.broker.Stats().ForcedCloses[types.ErrCodeAuthTimeout])
}

func TestIdentifyBeforeDeadlineCancelsTimer(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)

	env.clock.Advance(59 * time.Second)
	p.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	p.expect(protocol.IntentConnected)

	env.clock.Advance(10 * time.Minute)
	p.expectSilence()
	assert.Equal(t, StateIdentified, p.conn.State())
	assert.Equal(t, 0, env.clock.Pending())
}

func TestMalformedFrameIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.identified(t, "svc-a")

	p.raw([]byte(`{"i": "ipc", "d": `))
	payload := p.expectError(types.ErrCodeMalformedPayload)
	assert.True(t, payload.Goodbye)
	p.expectClosed()
	assert.Equal(t, 0, env.broker.Registry().Len())
}

func TestNonObjectFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.identified(t, "svc-a")

	p.raw([]byte(`[1,2]`))
	p.expectSilence()

	p.send(protocol.IntentDiscover, struct{}{})
	p.expect(protocol.IntentDiscover)
	assert.Equal(t, 1, env.broker.Registry().Len())
}

func TestMalformedIdentifyPayloadIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)

	wrongType := env.connect(t)
	wrongType.raw([]byte(`{"i":"connection/identify","d":{"name":5}}`))
	wrongType.expectError(types.ErrCodeMalformedPayload)
	wrongType.expectClosed()

	emptyName := env.connect(t)
	emptyName.send(protocol.IntentIdentify, protocol.Identify{Name: "  "})
	emptyName.expectError(types.ErrCodeMalformedPayload)
	emptyName.expectClosed()
}

func TestBlankAndIncompleteFramesAreIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)

	p.raw([]byte("   "))
	p.raw([]byte(`{"i":"connection/identify"}`))
	p.raw([]byte(`{"d":{"name":"svc-a"}}`))
	p.raw([]byte(`[1,2]`))
	p.raw([]byte(`"hi"`))
	p.raw([]byte(`42`))
	p.expectSilence()

	p.send(protocol.IntentIdentify, protocol.Identify{Name: "svc-a"})
	p.expect(protocol.IntentConnected)
}

func TestCloseReleasesName(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.identified(t, "svc-a")

	p.transport.Close(websocket.StatusNormalClosure, "")
	p.expectClosed()
	assert.Equal(t, StateClosed, p.conn.State())
	assert.Equal(t, 0, env.broker.Registry().Len())

	env.identified(t, "svc-a")
}

func TestClosedConnectionIsNeverRegistered(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)

	p.conn.forceClose(types.NewError(types.ErrCodeAuthTimeout, "test"))
	p.expectClosed()

	err := p.conn.promote("svc-a", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.Equal(t, 0, env.broker.Registry().Len())
}

func TestBaseMetricsStoredOnIdentify(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.connect(t)
	p.send(protocol.IntentIdentify, protocol.Identify{
		Name:        "svc-a",
		BaseMetrics: protocol.Metrics{"memory": 10.5, "cpu": 1.0},
	})
	p.expect(protocol.IntentConnected)
	assert.Equal(t, protocol.Metrics{"memory": 10.5, "cpu": 1.0}, p.conn.Metrics())

	q := env.connect(t)
	q.send(protocol.IntentIdentify, protocol.Identify{
		Name:        "svc-b",
		BaseMetrics: protocol.Metrics{"memory": "lots"},
	})
	q.expect(protocol.IntentConnected)
	assert.Nil(t, q.conn.Metrics())
}

func TestBrokerCloseRejectsNewConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.identified(t, "svc-a")

	require.NoError(t, env.broker.Close())
	p.expectClosed()
	assert.Equal(t, websocket.StatusGoingAway, p.transport.code())

	_, err := env.broker.Accept(newMemTransport("10.0.0.2:1"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
