// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"encoding/json"
	"fmt"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/exec"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// ToolStyle selects how tools and tool calls are rendered into the
// completion prompt.
type ToolStyle string

const (
	// ToolStylePythonic renders calls as [name(arg=value), ...].
	ToolStylePythonic ToolStyle = "pythonic"

	// ToolStyleJSON renders calls as JSON objects.
	ToolStyleJSON ToolStyle = "json"
)

// pythonicChatTemplate renders messages and tool schemas for models
// trained on Pythonic call lists. The shape follows the common
// llama-style chat template: role headers, a tools preamble on the
// system turn, tool results as their own turns.
const pythonicChatTemplate = `{% for message in messages %}<|{{ message.role }}|>
{% if loop.first and tools %}You have access to the following tools:
{% for tool in tools %}- {{ tool.name }}: {{ tool.description }} Parameters: {{ tool.parameters }}
{% endfor %}To call tools, output a Python list of calls, e.g. [tool_name(param="value")].
{% endif %}{% if message.tool_calls %}[{% for call in message.tool_calls %}{{ call.rendered }}{% if not loop.last %}, {% endif %}{% endfor %}]{% else %}{{ message.content }}{% endif %}
{% endfor %}<|assistant|>
`

// jsonChatTemplate is the JSON-call twin of pythonicChatTemplate.
const jsonChatTemplate = `{% for message in messages %}<|{{ message.role }}|>
{% if loop.first and tools %}You have access to the following tools:
{% for tool in tools %}{{ tool.schema_json }}
{% endfor %}To call a tool, output {"name": "tool_name", "parameters": {...}} on its own line.
{% endif %}{% if message.tool_calls %}{% for call in message.tool_calls %}{{ call.rendered }}
{% endfor %}{% else %}{{ message.content }}{% endif %}
{% endfor %}<|assistant|>
`

// ChatTemplate renders a chat transcript plus tool schemas into a
// single completion prompt.
type ChatTemplate struct {
	style ToolStyle
	tpl   *exec.Template
}

// NewChatTemplate compiles the built-in template for a tool style.
func NewChatTemplate(style ToolStyle) (*ChatTemplate, error) {
	var src string
	switch style {
	case ToolStylePythonic, "":
		src = pythonicChatTemplate
		style = ToolStylePythonic
	case ToolStyleJSON:
		src = jsonChatTemplate
	default:
		return nil, fmt.Errorf("unknown tool style %q", style)
	}
	tpl, err := gonja.FromString(src)
	if err != nil {
		return nil, fmt.Errorf("compile chat template: %w", err)
	}
	return &ChatTemplate{style: style, tpl: tpl}, nil
}

// NewChatTemplateFromString compiles a caller-supplied Jinja template,
// for models whose server reports a custom chat template.
func NewChatTemplateFromString(style ToolStyle, src string) (*ChatTemplate, error) {
	tpl, err := gonja.FromString(src)
	if err != nil {
		return nil, fmt.Errorf("compile chat template: %w", err)
	}
	return &ChatTemplate{style: style, tpl: tpl}, nil
}

// Style returns the template's tool style.
func (t *ChatTemplate) Style() ToolStyle { return t.style }

// Render produces the completion prompt for messages and tools.
func (t *ChatTemplate) Render(messages []chat.Message, schemas []chat.ToolSchema) (string, error) {
	msgCtx := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{
			"role":    m.Role,
			"content": m.Text(),
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, call := range m.ToolCalls {
				rendered, err := t.renderCall(call)
				if err != nil {
					return "", err
				}
				calls = append(calls, map[string]any{"rendered": rendered})
			}
			entry["tool_calls"] = calls
		}
		msgCtx = append(msgCtx, entry)
	}

	toolCtx := make([]map[string]any, 0, len(schemas))
	for _, s := range schemas {
		full, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		toolCtx = append(toolCtx, map[string]any{
			"name":        s.Name,
			"description": s.Description,
			"parameters":  string(s.Parameters),
			"schema_json": string(full),
		})
	}

	out, err := t.tpl.Execute(gonja.Context{
		"messages": msgCtx,
		"tools":    toolCtx,
	})
	if err != nil {
		return "", fmt.Errorf("render chat template: %w", err)
	}
	return out, nil
}

// renderCall renders one tool call in the template's style.
func (t *ChatTemplate) renderCall(call chat.ToolCall) (string, error) {
	if t.style == ToolStyleJSON {
		wire := map[string]any{
			"name":       call.Function.Name,
			"parameters": json.RawMessage(call.Function.Arguments),
		}
		out, err := json.Marshal(wire)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "", fmt.Errorf("tool call %s has non-object arguments", call.Function.Name)
	}
	return renderPythonicCall(call.Function.Name, args), nil
}
