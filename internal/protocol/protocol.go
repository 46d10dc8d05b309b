// Package protocol defines the JSON frame types exchanged between the broker
// and endpoint agents, one frame per WebSocket text message.
//
// Each frame type is a tagged variant: internal code operates on the concrete
// structs and conversion to and from JSON happens only at the socket edges.
// Unknown frame types are reported with ErrUnknownType so receivers can log
// and drop them without closing the connection; frames missing required
// fields are rejected with ErrMalformedFrame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opsfabric/fabric/internal/tools"
)

// Frame type tags on the wire.
const (
	TypeAuthenticate  = "authenticate"
	TypeAuthenticated = "authenticated"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeToolCall      = "tool_call"
	TypeExecuteRaw    = "execute_raw"
	TypeToolResult    = "tool_result"
	TypeDisconnect    = "disconnect"
)

// Codec errors.
var (
	ErrUnknownType    = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one wire message.
type Frame interface {
	// FrameType returns the wire tag for this frame.
	FrameType() string
}

// Authenticate is the first frame an endpoint sends after the socket opens.
type Authenticate struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Authenticated acknowledges a successful device authentication.
type Authenticated struct{}

// ErrorFrame reports a broker-side error to the endpoint.
type ErrorFrame struct {
	Error string `json:"error"`
}

// Ping requests a liveness reply.
type Ping struct{}

// Pong answers a ping.
type Pong struct{}

// Heartbeat is the endpoint's periodic keepalive.
type Heartbeat struct{}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct{}

// ToolCall asks the endpoint to run a registered tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Role      tools.Role     `json:"role"`
}

// ExecuteRaw asks the endpoint to run a raw command through the sandbox.
type ExecuteRaw struct {
	ID      string     `json:"id"`
	Command string     `json:"command"`
	Timeout int        `json:"timeout"`
	Role    tools.Role `json:"role"`
}

// ToolResult carries the outcome of a ToolCall or ExecuteRaw back to the
// broker, correlated by ID.
type ToolResult struct {
	ID              string       `json:"id"`
	Status          tools.Status `json:"status"`
	Output          string       `json:"output"`
	Error           string       `json:"error,omitempty"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
}

// Disconnect tells the endpoint to close and not reconnect.
type Disconnect struct {
	Reason string `json:"reason"`
}

// FrameType implementations.
func (Authenticate) FrameType() string  { return TypeAuthenticate }
func (Authenticated) FrameType() string { return TypeAuthenticated }
func (ErrorFrame) FrameType() string    { return TypeError }
func (Ping) FrameType() string          { return TypePing }
func (Pong) FrameType() string          { return TypePong }
func (Heartbeat) FrameType() string     { return TypeHeartbeat }
func (HeartbeatAck) FrameType() string  { return TypeHeartbeatAck }
func (ToolCall) FrameType() string      { return TypeToolCall }
func (ExecuteRaw) FrameType() string    { return TypeExecuteRaw }
func (ToolResult) FrameType() string    { return TypeToolResult }
func (Disconnect) FrameType() string    { return TypeDisconnect }

// Encode serializes a frame to one UTF-8 JSON wire message.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}
	// A nil Arguments map marshals to JSON null, which the receiver's
	// tool_call schema rejects. Send an empty object instead.
	if call, ok := f.(*ToolCall); ok && call.Arguments == nil {
		clone := *call
		clone.Arguments = map[string]any{}
		f = &clone
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = f.FrameType()
	return json.Marshal(fields)
}

// Decode parses one wire message into its tagged variant, validating
// required fields against the per-type schema.
func Decode(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	if err := validateFrame(envelope.Type, data); err != nil {
		return nil, err
	}

	var frame Frame
	switch envelope.Type {
	case TypeAuthenticate:
		frame = &Authenticate{}
	case TypeAuthenticated:
		frame = &Authenticated{}
	case TypeError:
		frame = &ErrorFrame{}
	case TypePing:
		frame = &Ping{}
	case TypePong:
		frame = &Pong{}
	case TypeHeartbeat:
		frame = &Heartbeat{}
	case TypeHeartbeatAck:
		frame = &HeartbeatAck{}
	case TypeToolCall:
		frame = &ToolCall{}
	case TypeExecuteRaw:
		frame = &ExecuteRaw{}
	case TypeToolResult:
		frame = &ToolResult{}
	case TypeDisconnect:
		frame = &Disconnect{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

// ResultFrame converts an internal result into its wire frame.
func ResultFrame(res *tools.Result) *ToolResult {
	return &ToolResult{
		ID:              res.ID,
		Status:          res.Status,
		Output:          res.Output,
		Error:           res.Error,
		ExecutionTimeMS: res.ExecutionTimeMS,
	}
}

// ToResult converts a wire result frame into the internal record.
func (f *ToolResult) ToResult() *tools.Result {
	return &tools.Result{
		ID:              f.ID,
		Status:          f.Status,
		Output:          f.Output,
		Error:           f.Error,
		ExecutionTimeMS: f.ExecutionTimeMS,
	}
}
