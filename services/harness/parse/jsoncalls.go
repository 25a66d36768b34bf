// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// jsonCall is the wire shape models emit for JSON-style tool calls.
// Both "parameters" and "arguments" are accepted for the payload.
type jsonCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Arguments  json.RawMessage `json:"arguments"`
}

// ParseJSONCalls parses one or more JSON tool calls.
//
// Fragments are separated by ";". Each fragment decodes as either a
// single call object {"name": ..., "parameters": {...}} or a list of
// such objects. Each call receives a fresh unique id.
func ParseJSONCalls(text string) ([]chat.ToolCall, error) {
	var calls []chat.ToolCall
	for _, fragment := range strings.Split(text, ";") {
		fragment = strings.TrimSpace(fragment)
		if fragment == "" {
			continue
		}
		batch, err := decodeJSONFragment(fragment)
		if err != nil {
			return nil, err
		}
		calls = append(calls, batch...)
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("no JSON tool calls in text")
	}
	return calls, nil
}

func decodeJSONFragment(fragment string) ([]chat.ToolCall, error) {
	switch fragment[0] {
	case '{':
		var jc jsonCall
		if err := json.Unmarshal([]byte(fragment), &jc); err != nil {
			return nil, fmt.Errorf("malformed JSON tool call: %w", err)
		}
		call, err := jc.toToolCall()
		if err != nil {
			return nil, err
		}
		return []chat.ToolCall{call}, nil

	case '[':
		var list []jsonCall
		if err := json.Unmarshal([]byte(fragment), &list); err != nil {
			return nil, fmt.Errorf("malformed JSON tool call list: %w", err)
		}
		var calls []chat.ToolCall
		for _, jc := range list {
			call, err := jc.toToolCall()
			if err != nil {
				return nil, err
			}
			calls = append(calls, call)
		}
		return calls, nil

	default:
		return nil, fmt.Errorf("JSON tool call must start with '{' or '['")
	}
}

func (jc *jsonCall) toToolCall() (chat.ToolCall, error) {
	if jc.Name == "" {
		return chat.ToolCall{}, fmt.Errorf("JSON tool call missing name")
	}
	raw := jc.Parameters
	if len(raw) == 0 {
		raw = jc.Arguments
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	// Normalize: arguments must be a JSON object.
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return chat.ToolCall{}, fmt.Errorf("tool %s: arguments are not an object: %w", jc.Name, err)
	}
	norm, err := json.Marshal(obj)
	if err != nil {
		return chat.ToolCall{}, err
	}
	return chat.ToolCall{
		ID:       newCallID(),
		Type:     "function",
		Function: chat.FunctionCall{Name: jc.Name, Arguments: string(norm)},
	}, nil
}
