package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/canvaslink/relay/pkg/types"
)

// Version is the wire protocol version the relay speaks. A join frame may
// carry an explicit version; zero means "current".
const Version = 1

// FrameType identifies the kind of a wire frame
type FrameType string

const (
	FrameCommand  FrameType = "command"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameJoin     FrameType = "join"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// WireError is the error object carried by response and join frames
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Frame is a single JSON message on the persistent socket.
//
// id is present on a command and its matching response, absent on
// event, ping, pong, and join frames. params, result, and error payloads
// are opaque to the relay.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Name    string          `json:"name,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Version int             `json:"version,omitempty"`
}

// Decode parses a wire frame and performs transport-level validation
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, types.WrapError(types.ErrCodeProtocolViolation, "malformed frame", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes the frame for the wire
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode frame", err)
	}
	return data, nil
}

// Validate checks the transport-level shape of the frame. Command
// semantics (tool names, parameter contents) are not interpreted here.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameCommand:
		if f.ID == "" {
			return types.NewError(types.ErrCodeProtocolViolation, "command frame requires an id")
		}
		if f.Name == "" {
			return types.NewError(types.ErrCodeProtocolViolation, "command frame requires a name")
		}
	case FrameResponse:
		if f.ID == "" {
			return types.NewError(types.ErrCodeProtocolViolation, "response frame requires an id")
		}
		if f.Result == nil && f.Error == nil {
			return types.NewError(types.ErrCodeProtocolViolation, "response frame requires a result or an error")
		}
	case FrameEvent:
		if f.ID != "" {
			return types.NewError(types.ErrCodeProtocolViolation, "event frame must not carry an id")
		}
		if f.Name == "" {
			return types.NewError(types.ErrCodeProtocolViolation, "event frame requires a name")
		}
	case FrameJoin:
		if f.ID != "" {
			return types.NewError(types.ErrCodeProtocolViolation, "join frame must not carry an id")
		}
		if f.Channel == "" {
			return types.NewError(types.ErrCodeProtocolViolation, "join frame requires a channel")
		}
		if f.Version != 0 && f.Version != Version {
			return types.NewError(types.ErrCodeProtocolViolation,
				fmt.Sprintf("unsupported protocol version: %d", f.Version))
		}
	case FramePing, FramePong:
		if f.ID != "" {
			return types.NewError(types.ErrCodeProtocolViolation, string(f.Type)+" frame must not carry an id")
		}
	default:
		return types.NewError(types.ErrCodeProtocolViolation, fmt.Sprintf("unknown frame type: %q", f.Type))
	}
	return nil
}

// NewCommand builds an outgoing command frame stamped with a correlation id
func NewCommand(id, channel, name string, params json.RawMessage) *Frame {
	return &Frame{
		ID:      id,
		Type:    FrameCommand,
		Channel: channel,
		Name:    name,
		Params:  params,
	}
}

// NewResponse builds a success response frame for the given correlation id
func NewResponse(id string, result json.RawMessage) *Frame {
	return &Frame{
		ID:     id,
		Type:   FrameResponse,
		Result: result,
	}
}

// NewErrorResponse builds an error response frame for the given correlation id
func NewErrorResponse(id, kind, message string) *Frame {
	return &Frame{
		ID:   id,
		Type: FrameResponse,
		Error: &WireError{
			Kind:    kind,
			Message: message,
		},
	}
}

// NewJoinAck builds the acknowledgement the relay sends after a successful join
func NewJoinAck(channel string) *Frame {
	return &Frame{
		Type:    FrameJoin,
		Channel: channel,
		Result:  json.RawMessage(`{"ok":true}`),
	}
}

// NewJoinReject builds the rejection the relay sends for a failed join
func NewJoinReject(channel, kind, message string) *Frame {
	return &Frame{
		Type:    FrameJoin,
		Channel: channel,
		Error: &WireError{
			Kind:    kind,
			Message: message,
		},
	}
}

// NewProtocolViolation builds the notice sent to a peer whose frame
// could not be decoded. An undecodable frame yields no correlation id
// to address a response to, so the notice goes out as an event.
func NewProtocolViolation(message string) *Frame {
	return &Frame{
		Type: FrameEvent,
		Name: "protocol_error",
		Error: &WireError{
			Kind:    types.ErrCodeProtocolViolation,
			Message: message,
		},
	}
}

// NewPong builds the reply to an application-level ping frame
func NewPong() *Frame {
	return &Frame{Type: FramePong}
}
