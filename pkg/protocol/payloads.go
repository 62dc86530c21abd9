package protocol

import (
	"encoding/json"
	"strings"

	"github.com/blip/broker/pkg/types"
)

// Identify is the connection/identify payload
type Identify struct {
	Name        string  `json:"name"`
	BaseMetrics Metrics `json:"baseMetrics,omitempty"`
	PSK         string  `json:"psk,omitempty"`
	Token       string  `json:"token,omitempty"`
}

// Validate checks the identify payload shape
func (p *Identify) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return types.NewError(types.ErrCodeMalformedPayload, "identify requires a non-empty name")
	}
	return nil
}

// Connected is the connection/connected payload
type Connected struct {
	NewToken string `json:"newToken,omitempty"`
}

// IPCRequest is an ipc payload sent by a client
type IPCRequest struct {
	To      string          `json:"to"`
	Message json.RawMessage `json:"message"`
	// Nonce is nil when the key is absent; a present value, even "", is
	// echoed verbatim.
	Nonce   *string         `json:"nonce,omitempty"`
}

// Validate checks the ipc request shape
func (p *IPCRequest) Validate() error {
	if p.To == "" {
		return types.NewError(types.ErrCodeMalformedPayload, "ipc requires a recipient")
	}
	return nil
}

// IPCDelivery is an ipc payload sent by the broker to the recipient
type IPCDelivery struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
	Nonce   *string         `json:"nonce,omitempty"`
}

// DiscoverResult is the ipc/discover reply payload
type DiscoverResult struct {
	Services []string `json:"services"`
}

// Metrics is an opaque metrics snapshot. "memory" and "cpu" are required;
// any other keys are custom metrics carried verbatim.
type Metrics map[string]any

// Validate checks that memory is a number and cpu is a number or an object
func (m Metrics) Validate() error {
	if m == nil {
		return types.NewError(types.ErrCodeInvalidMetrics, "metrics must be an object")
	}
	if _, ok := m["memory"].(float64); !ok {
		return types.NewError(types.ErrCodeInvalidMetrics, "metrics.memory must be a number")
	}
	switch m["cpu"].(type) {
	case float64, map[string]any:
	default:
		return types.NewError(types.ErrCodeInvalidMetrics, "metrics.cpu must be a number or an object")
	}
	return nil
}

// MetricsAll maps each identified service to its latest snapshot, which is
// nil for services that never reported
type MetricsAll map[string]Metrics

// ErrorPayload is the debug/error payload. Fields carries extra
// error-specific keys, flattened next to code, message and goodbye.
type ErrorPayload struct {
	Code    string
	Message string
	Goodbye bool
	Fields  map[string]any
}

// NewErrorPayload builds an error payload from err. Errors without a code
// are reported as INTERNAL.
func NewErrorPayload(err error, goodbye bool) *ErrorPayload {
	p := &ErrorPayload{Code: types.ErrCodeInternal, Message: err.Error(), Goodbye: goodbye}
	if e, ok := types.AsError(err); ok {
		p.Code = e.Code
		p.Message = e.Message
	}
	return p
}

// UnknownServiceError builds the error returned when an ipc recipient is
// not connected
func UnknownServiceError(service string, nonce *string) *ErrorPayload {
	p := &ErrorPayload{
		Code:    types.ErrCodeUnknownService,
		Message: "no service named " + service + " is connected",
		Fields: map[string]any{
			"unknownService": true,
			"serviceName":    service,
		},
	}
	if nonce != nil {
		p.Fields["nonce"] = *nonce
	}
	return p
}

// OptionalNonce returns nil for an empty nonce so it is omitted on the wire
func OptionalNonce(nonce string) *string {
	if nonce == "" {
		return nil
	}
	return &nonce
}

// NonceValue dereferences an optional nonce
func NonceValue(nonce *string) string {
	if nonce == nil {
		return ""
	}
	return *nonce
}

// Nonce returns the correlated request nonce, if any
func (p *ErrorPayload) Nonce() string {
	nonce, _ := p.Fields["nonce"].(string)
	return nonce
}

// HasNonce reports whether the payload carries a nonce key, even an empty one
func (p *ErrorPayload) HasNonce() bool {
	_, ok := p.Fields["nonce"].(string)
	return ok
}

// Err converts the payload into a coded error
func (p *ErrorPayload) Err() *types.Error {
	return types.NewError(p.Code, p.Message)
}

// MarshalJSON flattens Fields alongside the fixed keys
func (p *ErrorPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+3)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["code"] = p.Code
	if p.Message != "" {
		out["message"] = p.Message
	}
	out["goodbye"] = p.Goodbye
	return json.Marshal(out)
}

// UnmarshalJSON splits the fixed keys from the extra fields
func (p *ErrorPayload) UnmarshalJSON(data []byte) error {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	p.Code, _ = all["code"].(string)
	p.Message, _ = all["message"].(string)
	p.Goodbye, _ = all["goodbye"].(bool)
	delete(all, "code")
	delete(all, "message")
	delete(all, "goodbye")
	p.Fields = all
	return nil
}
