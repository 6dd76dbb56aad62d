package protocol

import "errors"

// ErrMalformedFrame wraps every decode failure. Callers match it with
// errors.Is and decide whether to ignore the frame or close the socket;
// decode failures never crash a connection loop.
var ErrMalformedFrame = errors.New("malformed frame")

// Error codes carried in ErrorShape.Code. String codes, not numbers, so
// clients can switch on them without a registry.
const (
	CodeMalformedFrame   = "MalformedFrame"
	CodeUnauthorized     = "Unauthorized"
	CodeRateLimited      = "RateLimited"
	CodeMethodNotFound   = "MethodNotFound"
	CodeAuthzDenied      = "AuthzDenied"
	CodeInvokeTimeout    = "InvokeTimeout"
	CodeNodeDisconnected = "NodeDisconnected"
	CodeRunAborted       = "RunAborted"
	CodeSlowConsumer     = "SlowConsumer"
	CodeUnavailable      = "Unavailable"
	CodeBadRequest       = "BadRequest"
)

// WebSocket close codes in the policy range. Sent when the server
// terminates a connection for protocol or policy reasons.
const (
	CloseHandshakeTimeout = 4001
	CloseUnauthorized     = 4003
	CloseSlowConsumer     = 4008
	CloseSuperseded       = 4009
)

// ErrorShape is the structured error carried in failure responses.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Error implements the error interface so shapes can travel through
// ordinary error returns.
func (e *ErrorShape) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// NewError builds an ErrorShape with the given code and message.
func NewError(code, message string) *ErrorShape {
	return &ErrorShape{Code: code, Message: message}
}

// AsErrorShape extracts an ErrorShape from err, synthesizing an
// Unavailable shape for plain errors so handlers can return either.
func AsErrorShape(err error) *ErrorShape {
	if err == nil {
		return nil
	}
	var shape *ErrorShape
	if errors.As(err, &shape) {
		return shape
	}
	if errors.Is(err, ErrMalformedFrame) {
		return &ErrorShape{Code: CodeMalformedFrame, Message: err.Error()}
	}
	return &ErrorShape{Code: CodeUnavailable, Message: err.Error()}
}
