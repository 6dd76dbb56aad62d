// Package protocol defines the wire frames exchanged over a gateway
// WebSocket connection and the codec that encodes and decodes them.
//
// Three frame shapes exist, discriminated on the "type" field:
//   - req:   client -> server method invocation (id, method, params)
//   - res:   server -> client reply correlated by id (ok, payload | error)
//   - event: server -> client push (event name, payload, seq)
//
// The codec is pure: it holds no state and performs no I/O.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version spoken by this server.
const Version = 1

// MaxFrameBytes is the maximum size of a single encoded frame. Oversized
// frames fail to decode rather than being partially accepted.
const MaxFrameBytes = 8 << 20

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is the single wire shape for all three frame types. Unused fields
// are omitted on the wire.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	Event        string         `json:"event,omitempty"`
	OK           *bool          `json:"ok,omitempty"`
	Payload      any            `json:"payload,omitempty"`
	Error        *ErrorShape    `json:"error,omitempty"`
	Seq          *int64         `json:"seq,omitempty"`
	StateVersion map[string]any `json:"stateVersion,omitempty"`
}

// ConnectParams is the params payload of the "connect" request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientInfo     `json:"client"`
	Role        string         `json:"role,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	Device      *DeviceIdent   `json:"device,omitempty"`
	Auth        *AuthPayload   `json:"auth,omitempty"`
	Node        *NodeDescriber `json:"node,omitempty"`
}

// ClientInfo identifies the connecting client program.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode,omitempty"`
	Name     string `json:"name,omitempty"`
}

// DeviceIdent is the signed device-identity block presented by nodes.
// The signature covers nonce|deviceId|signedAt.
type DeviceIdent struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// AuthPayload carries shared-secret credentials.
type AuthPayload struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// NodeDescriber declares what a node-role connection can do.
type NodeDescriber struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
}

// Roles a connection may declare at handshake time.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// NewRequest builds a request frame.
func NewRequest(id, method string, params json.RawMessage) *Frame {
	return &Frame{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// NewResponse builds a success response frame for the given request id.
func NewResponse(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: payload}
}

// NewErrorResponse builds a failure response frame for the given request id.
func NewErrorResponse(id string, shape *ErrorShape) *Frame {
	ok := false
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Error: shape}
}

// NewEvent builds an event frame. The caller assigns seq; events built
// outside the broadcaster carry none.
func NewEvent(event string, payload any) *Frame {
	return &Frame{Type: TypeEvent, Event: event, Payload: payload}
}

// WithSeq stamps a sequence number onto an event frame and returns it.
func (f *Frame) WithSeq(seq int64) *Frame {
	f.Seq = &seq
	return f
}

// Encode serializes a frame, refusing oversized payloads.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedFrame, len(data))
	}
	return data, nil
}

// Decode parses a frame, enforcing the size limit and the per-type shape
// requirements. Request frames are additionally validated against the
// request schema.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedFrame, len(raw))
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		frame.Type = TypeRequest
	}
	switch frame.Type {
	case TypeRequest:
		if err := validateRequestFrame(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	case TypeResponse:
		if frame.ID == "" {
			return nil, fmt.Errorf("%w: response frame missing id", ErrMalformedFrame)
		}
	case TypeEvent:
		if frame.Event == "" {
			return nil, fmt.Errorf("%w: event frame missing event name", ErrMalformedFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported frame type %q", ErrMalformedFrame, frame.Type)
	}
	return &frame, nil
}

// DecodeParams unmarshals request params into the given target, mapping
// JSON errors to the BadRequest code.
func DecodeParams(params json.RawMessage, target any) *ErrorShape {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return &ErrorShape{Code: CodeBadRequest, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
