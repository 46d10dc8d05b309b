package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-type required-field schemas. Validation runs on the raw wire bytes
// before unmarshalling so a missing field is rejected, not zero-valued.
const (
	authenticateSchema = `{
		"type": "object",
		"required": ["device_id", "device_token"],
		"properties": {
			"device_id": {"type": "string", "minLength": 1},
			"device_token": {"type": "string", "minLength": 1},
			"fingerprint": {"type": "string"}
		}
	}`

	errorSchema = `{
		"type": "object",
		"required": ["error"],
		"properties": {"error": {"type": "string"}}
	}`

	toolCallSchema = `{
		"type": "object",
		"required": ["id", "name", "arguments", "role"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"arguments": {"type": "object"},
			"role": {"type": "string", "enum": ["ai_agent", "human_agent", "admin"]}
		}
	}`

	executeRawSchema = `{
		"type": "object",
		"required": ["id", "command", "timeout", "role"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"command": {"type": "string", "minLength": 1},
			"timeout": {"type": "integer", "minimum": 1},
			"role": {"type": "string", "enum": ["ai_agent", "human_agent", "admin"]}
		}
	}`

	toolResultSchema = `{
		"type": "object",
		"required": ["id", "status", "output", "execution_time_ms"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["success", "failure", "unauthorized", "timeout", "invalid_arguments", "blocked"]},
			"output": {"type": "string"},
			"error": {"type": "string"},
			"execution_time_ms": {"type": "integer", "minimum": 0}
		}
	}`

	disconnectSchema = `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string"}}
	}`
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	byType  map[string]*jsonschema.Schema
}

var frameSchemas schemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		sources := map[string]string{
			TypeAuthenticate: authenticateSchema,
			TypeError:        errorSchema,
			TypeToolCall:     toolCallSchema,
			TypeExecuteRaw:   executeRawSchema,
			TypeToolResult:   toolResultSchema,
			TypeDisconnect:   disconnectSchema,
		}
		frameSchemas.byType = make(map[string]*jsonschema.Schema, len(sources))
		for name, src := range sources {
			compiled, err := jsonschema.CompileString("frame_"+name, src)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.byType[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateFrame checks the raw frame against the schema for its type.
// Types without a schema (ping, pong, heartbeat and their acks) carry no
// required fields and pass.
func validateFrame(frameType string, raw []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	schema := frameSchemas.byType[frameType]
	if schema == nil {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
