package fabric

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CallRequest names a remote function to invoke: an explicit module / class /
// function triple plus its arguments. Class is empty for module-level
// functions; instance-bound targets are not expressible on the wire.
type CallRequest struct {
	Module   string         `cbor:"module"`
	Class    string         `cbor:"class,omitempty"`
	Function string         `cbor:"function"`
	Args     []any          `cbor:"args,omitempty"`
	Kwargs   map[string]any `cbor:"kwargs,omitempty"`
}

// MakeCallMessage encodes req as a CALL_FUNCTION message.
func MakeCallMessage(req CallRequest) (*Message, error) {
	data, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding call request: %w", err)
	}
	return &Message{Handle: HandleCallFunction, Data: data}, nil
}

// DecodeCallRequest parses a CALL_FUNCTION payload.
func DecodeCallRequest(data []byte) (CallRequest, error) {
	var req CallRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return CallRequest{}, fmt.Errorf("decoding call request: %w", err)
	}
	return req, nil
}

// Call invokes a remote function on this context and blocks for the raw
// reply payload.
func (c *Context) Call(ctx context.Context, req CallRequest) ([]byte, error) {
	m, err := MakeCallMessage(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.SendAwait(ctx, m)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}
