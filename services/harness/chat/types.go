// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat defines the backend-independent message and envelope types
// shared by clients, parsers, judges, and strategies.
//
// The shapes mirror the OpenAI chat completion wire format but are owned
// by this package so that every backend (OpenAI, Azure, vLLM completion)
// normalizes into the same structures.
//
// Thread Safety:
//
//	All types in this package are plain data. A value is safe for
//	concurrent reads once fully constructed.
package chat

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is the name/arguments pair inside a tool call.
// Arguments is the raw JSON string as produced by the model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-emitted invocation of a registered tool.
type ToolCall struct {
	// ID is unique within a conversation. Tool result messages refer
	// back to it via Message.ToolCallID.
	ID string `json:"id"`

	// Type is always "function".
	Type string `json:"type"`

	// Function carries the tool name and JSON arguments.
	Function FunctionCall `json:"function"`
}

// Message is a single chat turn.
//
// Content is a pointer so that "no content" (tool-call-only assistant
// turns) is distinguishable from the empty string.
type Message struct {
	Role             string     `json:"role"`
	Content          *string    `json:"content"`
	Name             string     `json:"name,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
}

// Text returns the message content, or "" when content is null.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// SetText sets the content to the given string.
func (m *Message) SetText(s string) {
	m.Content = &s
}

// Valid checks the structural invariants of a message.
//
// A tool message must carry a tool_call_id; an assistant message with
// null content must carry tool calls or reasoning content.
func (m *Message) Valid() bool {
	if m.Role == RoleTool && m.ToolCallID == "" {
		return false
	}
	if m.Content == nil && len(m.ToolCalls) == 0 && m.ReasoningContent == "" {
		return false
	}
	return true
}

// Ptr returns a pointer to s. Convenience for building Message literals.
func Ptr(s string) *string { return &s }

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: &content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: &content}
}

// Assistant builds an assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: &content}
}

// ToolResult builds a tool result message answering the given call id.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: &content, ToolCallID: callID}
}

// ToolSchema describes a tool to the model. Parameters is a JSON Schema
// object. Immutable after registration.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is the backend-independent request envelope. Zero-valued
// optional fields are dropped at send time by the concrete client.
type Request struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float32     `json:"temperature,omitempty"`
	TopP        *float32     `json:"top_p,omitempty"`
	Seed        *int         `json:"seed,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	Grammar     *Grammar     `json:"grammar,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports server-side token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the backend-independent response envelope.
type Response struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// First returns the first choice's message, or nil when there is none.
func (r *Response) First() *Message {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0].Message
}

// FinishReason returns the first choice's finish reason, or "".
func (r *Response) FinishReason() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].FinishReason
}

// CallStats records one request's token and wall-clock accounting.
// An entry is appended when the request starts and closed when the
// response (or the final streaming usage chunk) arrives. Entries are
// never mutated after completion.
type CallStats struct {
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Start        time.Time      `json:"start_time"`
	End          time.Time      `json:"end_time,omitzero"`
	ToolCalls    map[string]int `json:"tool_calls,omitempty"`
}

// Duration returns the wall-clock time of the call, 0 if still open.
func (c *CallStats) Duration() time.Duration {
	if c.End.IsZero() {
		return 0
	}
	return c.End.Sub(c.Start)
}

// TokensPerSecond returns output tokens divided by duration, 0 when
// the entry is open or instantaneous.
func (c *CallStats) TokensPerSecond() float64 {
	d := c.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(c.OutputTokens) / d
}
