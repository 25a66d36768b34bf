// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the tool registry and dispatch framework.
//
// Tools are named, schema-described callables invoked from model output.
// The dispatcher resolves trailing assistant tool calls against the
// registry and appends role=tool result messages, feeding recoverable
// failures back to the model instead of aborting.
//
// Thread Safety:
//
//	The registry is safe for concurrent use. Tool implementations must
//	be safe for concurrent use.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// Tool is a named callable exposed to the model.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description explains what the tool does, for the model.
	Description() string

	// Schema returns the JSON-Schema parameter description.
	// Immutable after registration.
	Schema() chat.ToolSchema

	// Call invokes the tool.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   args - Parsed JSON arguments.
	//   seed - Deterministic seed for tools that randomize.
	//
	// Outputs:
	//   string - The result text fed back to the model.
	//   error - *ToolError for recoverable argument errors (surfaced to
	//     the model as a role=tool message); anything else is fatal.
	Call(ctx context.Context, args map[string]any, seed int64) (string, error)
}

// ToolError is a recoverable argument-level tool failure. The message
// is surfaced to the model so it can correct the call.
type ToolError struct {
	Msg string
}

// Error implements the error interface.
func (e *ToolError) Error() string { return e.Msg }

// Errorf builds a ToolError with a formatted message.
func Errorf(format string, args ...any) *ToolError {
	return &ToolError{Msg: fmt.Sprintf(format, args...)}
}

// SchemaFor reflects a JSON Schema from a parameter struct.
//
// Description:
//
//	Builds a chat.ToolSchema whose Parameters field is the inlined
//	JSON Schema of v's type. Struct tags (json, jsonschema) drive the
//	field names and descriptions.
//
// Inputs:
//   - name: The tool name.
//   - description: The tool description.
//   - v: A zero value of the parameter struct.
//
// Outputs:
//   - chat.ToolSchema: The schema. Parameters is nil only if
//     reflection fails to marshal, which cannot happen for plain
//     structs.
func SchemaFor(name, description string, v any) chat.ToolSchema {
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(v)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		raw = nil
	}
	return chat.ToolSchema{
		Name:        name,
		Description: description,
		Parameters:  raw,
	}
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Params   chat.ToolSchema
	Fn       func(ctx context.Context, args map[string]any, seed int64) (string, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.Desc }

// Schema implements Tool.
func (f *Func) Schema() chat.ToolSchema { return f.Params }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, args map[string]any, seed int64) (string, error) {
	return f.Fn(ctx, args, seed)
}
