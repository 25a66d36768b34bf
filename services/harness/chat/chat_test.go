// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"user with content", User("hi"), true},
		{"tool result", ToolResult("call_1", "31"), true},
		{"tool without call id", Message{Role: RoleTool, Content: Ptr("31")}, false},
		{"assistant null content no calls", Message{Role: RoleAssistant}, false},
		{
			"assistant tool-call only",
			Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c", Type: "function"}}},
			true,
		},
		{
			"assistant reasoning only",
			Message{Role: RoleAssistant, ReasoningContent: "thinking"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleAssistant}
	if m.Text() != "" {
		t.Errorf("Text() on null content = %q", m.Text())
	}
	m.SetText("answer")
	if m.Text() != "answer" {
		t.Errorf("Text() = %q", m.Text())
	}
}

func TestNullContentMarshal(t *testing.T) {
	// Tool-call-only turns must serialize content as null, not "".
	m := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Type: "function"}}}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if v, present := decoded["content"]; !present || v != nil {
		t.Errorf("content = %v, want explicit null", v)
	}
}

func TestResponseAccessors(t *testing.T) {
	var nilResp *Response
	if nilResp.First() != nil || nilResp.FinishReason() != "" {
		t.Error("nil response accessors must be safe")
	}
	empty := &Response{}
	if empty.First() != nil {
		t.Error("empty response First() must be nil")
	}
	resp := &Response{Choices: []Choice{{Message: Assistant("ok"), FinishReason: "stop"}}}
	if resp.First().Text() != "ok" || resp.FinishReason() != "stop" {
		t.Errorf("accessors = %q, %q", resp.First().Text(), resp.FinishReason())
	}
}

func TestTagGrammar(t *testing.T) {
	g, err := TagGrammar("yes/no")
	if err != nil {
		t.Fatalf("TagGrammar error = %v", err)
	}
	if !reflect.DeepEqual(g.ChoiceSet(), []string{"yes", "no"}) {
		t.Errorf("ChoiceSet = %v", g.ChoiceSet())
	}
	if _, err := TagGrammar("maybe/so"); err == nil {
		t.Error("expected error for unknown tag")
	}
}

func TestChoiceSetByKind(t *testing.T) {
	choices := ChoiceGrammar([]string{"rock", "paper", "scissors"})
	if len(choices.ChoiceSet()) != 3 {
		t.Errorf("choices ChoiceSet = %v", choices.ChoiceSet())
	}
	schema := SchemaGrammar(json.RawMessage(`{"type":"object"}`))
	if schema.ChoiceSet() != nil {
		t.Errorf("schema ChoiceSet = %v, want nil", schema.ChoiceSet())
	}
}

func TestStrictSchema(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"properties": {
			"ranking": {"type": "array", "minItems": 1, "items": {"type": "string"}},
			"answer": {"type": "integer", "minimum": 0, "maximum": 10}
		}
	}`)
	out, err := StrictSchema(in)
	if err != nil {
		t.Fatalf("StrictSchema error = %v", err)
	}
	var node map[string]any
	if err := json.Unmarshal(out, &node); err != nil {
		t.Fatal(err)
	}
	if node["additionalProperties"] != false {
		t.Error("additionalProperties must be false")
	}
	if !reflect.DeepEqual(node["required"], []any{"answer", "ranking"}) {
		t.Errorf("required = %v, want sorted property names", node["required"])
	}
	props := node["properties"].(map[string]any)
	answer := props["answer"].(map[string]any)
	if _, ok := answer["minimum"]; ok {
		t.Error("minimum must be stripped")
	}
	ranking := props["ranking"].(map[string]any)
	if _, ok := ranking["minItems"]; ok {
		t.Error("minItems must be stripped")
	}
}

func TestStrictSchemaRejectsNonObject(t *testing.T) {
	if _, err := StrictSchema(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("expected error for non-object schema")
	}
}

func TestCallStats(t *testing.T) {
	start := time.Now()
	open := CallStats{InputTokens: 10, Start: start}
	if open.Duration() != 0 || open.TokensPerSecond() != 0 {
		t.Error("open entry must report zero duration and rate")
	}
	closed := CallStats{OutputTokens: 50, Start: start, End: start.Add(2 * time.Second)}
	if closed.Duration() != 2*time.Second {
		t.Errorf("Duration = %v", closed.Duration())
	}
	if closed.TokensPerSecond() != 25 {
		t.Errorf("TokensPerSecond = %v", closed.TokensPerSecond())
	}
}
