package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/blip/broker/pkg/types"
)

// Intents sent by clients
const (
	IntentIdentify      = "connection/identify"
	IntentIPC           = "ipc"
	IntentDiscover      = "ipc/discover"
	IntentMetricsUpdate = "metrics/update"
	IntentMetricsFetch  = "metrics/fetch"
)

// Intents sent by the broker
const (
	IntentConnected  = "connection/connected"
	IntentMetricsAll = "metrics/all"
	IntentError      = "debug/error"
)

// Envelope is a single wire frame
type Envelope struct {
	Intent string          `json:"i"`
	Data   json.RawMessage `json:"d"`
	Error  bool            `json:"e,omitempty"`
}

// errIncompleteEnvelope marks a frame that parsed but lacks i or d
var errIncompleteEnvelope = types.NewError(types.ErrCodeInvalid, "envelope is missing intent or payload")

// IsBlank reports whether a frame is empty or whitespace only
func IsBlank(raw []byte) bool {
	return len(bytes.TrimSpace(raw)) == 0
}

// IsIncomplete reports whether err came from a frame lacking i or d
func IsIncomplete(err error) bool {
	return err == errIncompleteEnvelope
}

// Decode parses a frame. Unparsable input yields MALFORMED_PAYLOAD. Valid
// JSON that is not an object, or an object without a string "i" or without
// a "d" key, yields an error for which IsIncomplete is true.
func Decode(raw []byte) (*Envelope, error) {
	if !json.Valid(raw) {
		return nil, types.NewError(types.ErrCodeMalformedPayload, "frame is not valid JSON")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errIncompleteEnvelope
	}

	rawIntent, hasIntent := fields["i"]
	data, hasData := fields["d"]
	if !hasIntent || !hasData {
		return nil, errIncompleteEnvelope
	}

	env := &Envelope{Data: data}
	if err := json.Unmarshal(rawIntent, &env.Intent); err != nil || env.Intent == "" {
		return nil, errIncompleteEnvelope
	}
	if rawErr, ok := fields["e"]; ok {
		// a non-boolean flag is treated as absent
		_ = json.Unmarshal(rawErr, &env.Error)
	}
	return env, nil
}

// Encode builds a frame for intent with payload data
func Encode(intent string, data any) ([]byte, error) {
	return encode(intent, data, false)
}

// EncodeError builds a debug/error frame
func EncodeError(payload *ErrorPayload) ([]byte, error) {
	return encode(IntentError, payload, true)
}

func encode(intent string, data any, isErr bool) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode "+intent+" payload", err)
	}
	frame, err := json.Marshal(Envelope{Intent: intent, Data: payload, Error: isErr})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode "+intent+" frame", err)
	}
	return frame, nil
}

// DecodePayload unmarshals an envelope payload into v. Failures carry
// MALFORMED_PAYLOAD.
func DecodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return types.NewError(types.ErrCodeMalformedPayload, "payload is empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.WrapError(types.ErrCodeMalformedPayload, "payload has the wrong shape", err)
	}
	return nil
}
