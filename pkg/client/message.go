package client

import (
	"context"
	"encoding/json"

	"github.com/blip/broker/pkg/types"
)

// Message is an inbound IPC message that did not answer a pending request
type Message struct {
	From  string
	Nonce string
	Data  json.RawMessage

	client *Client
}

// Decode unmarshals the message body into v
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to decode message from "+m.From, err)
	}
	return nil
}

// Reply sends message back to the sender with the original nonce. It fails
// with NO_NONCE when the sender did not ask for a reply.
func (m *Message) Reply(ctx context.Context, message any) error {
	if m.Nonce == "" {
		return types.NewError(types.ErrCodeNoNonce, "message from "+m.From+" has no nonce to reply to")
	}
	_, err := m.client.IPC(ctx, m.From, message, WithNonce(m.Nonce))
	return err
}
