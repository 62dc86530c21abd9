package protocol

import (
	"encoding/json"
	"testing"

	"github.com/blip/broker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(nil))
	assert.True(t, IsBlank([]byte(" \n\t ")))
	assert.False(t, IsBlank([]byte("{}")))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		malformed  bool
		incomplete bool
		intent     string
	}{
		{name: "valid", raw: `{"i":"ipc","d":{"to":"svc-b"}}`, intent: "ipc"},
		{name: "null payload is present", raw: `{"i":"ipc/discover","d":null}`, intent: "ipc/discover"},
		{name: "not json", raw: `{"i":`, malformed: true},
		{name: "json array", raw: `[1,2]`, incomplete: true},
		{name: "json string", raw: `"hi"`, incomplete: true},
		{name: "json number", raw: `42`, incomplete: true},
		{name: "json null", raw: `null`, incomplete: true},
		{name: "missing intent", raw: `{"d":{}}`, incomplete: true},
		{name: "missing payload", raw: `{"i":"ipc"}`, incomplete: true},
		{name: "non-string intent", raw: `{"i":5,"d":{}}`, incomplete: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			switch {
			case tt.malformed:
				assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPayload))
			case tt.incomplete:
				assert.True(t, IsIncomplete(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.intent, env.Intent)
			}
		})
	}
}

func TestDecodeErrorFlag(t *testing.T) {
	env, err := Decode([]byte(`{"i":"debug/error","d":{"code":"NAME_IN_USE"},"e":true}`))
	require.NoError(t, err)
	assert.True(t, env.Error)
}

func TestEncodeErrorFlattensFields(t *testing.T) {
	frame, err := EncodeError(UnknownServiceError("svc-c", OptionalNonce("n1")))
	require.NoError(t, err)

	var raw struct {
		I string         `json:"i"`
		D map[string]any `json:"d"`
		E bool           `json:"e"`
	}
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, IntentError, raw.I)
	assert.True(t, raw.E)
	assert.Equal(t, types.ErrCodeUnknownService, raw.D["code"])
	assert.Equal(t, true, raw.D["unknownService"])
	assert.Equal(t, "svc-c", raw.D["serviceName"])
	assert.Equal(t, "n1", raw.D["nonce"])
	assert.Equal(t, false, raw.D["goodbye"])

	env, err := Decode(frame)
	require.NoError(t, err)
	var payload ErrorPayload
	require.NoError(t, DecodePayload(env.Data, &payload))
	assert.Equal(t, "n1", payload.Nonce())
	assert.Equal(t, types.ErrCodeUnknownService, payload.Err().Code)
}

func TestEncodeOmitsErrorFlagOnNormalFrames(t *testing.T) {
	frame, err := Encode(IntentConnected, Connected{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"i":"connection/connected","d":{}}`, string(frame))
}

func TestNewErrorPayload(t *testing.T) {
	p := NewErrorPayload(types.NewError(types.ErrCodeAuthTimeout, "identify not received in time"), true)
	assert.Equal(t, types.ErrCodeAuthTimeout, p.Code)
	assert.True(t, p.Goodbye)
	assert.Empty(t, p.Nonce())
}

func TestDecodePayload(t *testing.T) {
	var req IPCRequest
	require.NoError(t, DecodePayload(json.RawMessage(`{"to":"svc-b","message":"ping","nonce":"n1"}`), &req))
	assert.Equal(t, "svc-b", req.To)
	assert.JSONEq(t, `"ping"`, string(req.Message))
	require.NoError(t, req.Validate())

	err := DecodePayload(json.RawMessage(`{"to":42}`), &req)
	assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPayload))

	err = DecodePayload(json.RawMessage(`null`), &req)
	assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedPayload))

	empty := IPCRequest{}
	assert.True(t, types.IsErrCode(empty.Validate(), types.ErrCodeMalformedPayload))
}

func TestIdentifyValidate(t *testing.T) {
	p := Identify{Name: "  svc-a "}
	require.NoError(t, p.Validate())
	assert.Equal(t, "svc-a", p.Name)

	p = Identify{Name: "   "}
	assert.True(t, types.IsErrCode(p.Validate(), types.ErrCodeMalformedPayload))
}

func TestMetricsValidate(t *testing.T) {
	decode := func(s string) Metrics {
		var m Metrics
		require.NoError(t, json.Unmarshal([]byte(s), &m))
		return m
	}

	assert.NoError(t, decode(`{"memory":12.5,"cpu":3}`).Validate())
	assert.NoError(t, decode(`{"memory":12.5,"cpu":{"user":1,"system":2},"queue":7}`).Validate())

	for _, bad := range []string{`{"cpu":1}`, `{"memory":"12","cpu":1}`, `{"memory":1}`, `{"memory":1,"cpu":"high"}`} {
		assert.True(t, types.IsErrCode(decode(bad).Validate(), types.ErrCodeInvalidMetrics), bad)
	}
	assert.Error(t, Metrics(nil).Validate())
}
