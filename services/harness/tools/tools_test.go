// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// echoTool returns its "text" argument and records the seed it saw.
func echoTool(name string) *Func {
	return &Func{
		ToolName: name,
		Desc:     "echo the text argument",
		Params:   SchemaFor(name, "echo the text argument", struct{ Text string }{}),
		Fn: func(ctx context.Context, args map[string]any, seed int64) (string, error) {
			text, _ := args["text"].(string)
			return fmt.Sprintf("%s (seed %d)", text, seed), nil
		},
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := reg.Register(echoTool("echo")); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Register error = %v", err)
	}
	if err := reg.Register(nil); !errors.Is(err, ErrNilTool) {
		t.Errorf("nil Register error = %v", err)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}

	reg.MustRegister(echoTool("alpha"))
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"alpha", "echo"}) {
		t.Errorf("Names = %v, want sorted", got)
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d", reg.Len())
	}

	schemas := reg.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "alpha" {
		t.Errorf("Schemas = %+v", schemas)
	}
}

func TestSchemaFor(t *testing.T) {
	type params struct {
		City  string `json:"city" jsonschema:"description=The city name"`
		Count int    `json:"count"`
	}
	schema := SchemaFor("lookup", "look something up", params{})
	if schema.Name != "lookup" || schema.Description != "look something up" {
		t.Errorf("schema header = %+v", schema)
	}
	var node map[string]any
	if err := json.Unmarshal(schema.Parameters, &node); err != nil {
		t.Fatalf("parameters not valid JSON: %v", err)
	}
	props, ok := node["properties"].(map[string]any)
	if !ok {
		t.Fatalf("no properties in %v", node)
	}
	if _, ok := props["city"]; !ok {
		t.Errorf("properties = %v, want city", props)
	}
}

func assistantWithCalls(calls ...chat.ToolCall) chat.Message {
	return chat.Message{Role: chat.RoleAssistant, ToolCalls: calls}
}

func call(name, arguments string) chat.ToolCall {
	return chat.ToolCall{
		ID:       "call-" + name,
		Type:     "function",
		Function: chat.FunctionCall{Name: name, Arguments: arguments},
	}
}

func TestDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo"))

	messages := []chat.Message{
		chat.User("run the tool"),
		assistantWithCalls(call("echo", `{"text": "hello"}`)),
	}
	out, res, err := Dispatch(context.Background(), reg, messages, 42)
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("messages = %d, want tool result appended", len(out))
	}
	last := out[2]
	if last.Role != chat.RoleTool || last.ToolCallID != "call-echo" {
		t.Errorf("tool message = %+v", last)
	}
	if last.Text() != "hello (seed 42)" {
		t.Errorf("result = %q", last.Text())
	}
	if res.Counts["echo"] != 1 || res.FailedCount != 0 {
		t.Errorf("result accounting = %+v", res)
	}
}

func TestDispatchNothingToDo(t *testing.T) {
	reg := NewRegistry()
	messages := []chat.Message{chat.User("hi"), chat.Assistant("hello")}
	out, res, err := Dispatch(context.Background(), reg, messages, 0)
	if err != nil || res != nil {
		t.Errorf("Dispatch = %v, %v", res, err)
	}
	if len(out) != 2 {
		t.Errorf("messages changed: %d", len(out))
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewRegistry()
	messages := []chat.Message{assistantWithCalls(call("nope", `{}`))}
	out, res, err := Dispatch(context.Background(), reg, messages, 0)
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	if res.FailedCount != 1 || res.Counts["nope"] != 1 {
		t.Errorf("accounting = %+v", res)
	}
	if !strings.Contains(out[len(out)-1].Text(), "does not exist") {
		t.Errorf("result = %q", out[len(out)-1].Text())
	}
}

func TestDispatchBadArguments(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo"))
	messages := []chat.Message{assistantWithCalls(call("echo", `not json`))}
	out, res, err := Dispatch(context.Background(), reg, messages, 0)
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	if res.FailedCount != 1 {
		t.Errorf("FailedCount = %d", res.FailedCount)
	}
	if !strings.Contains(out[len(out)-1].Text(), "invalid arguments") {
		t.Errorf("result = %q", out[len(out)-1].Text())
	}
}

func TestDispatchRecoverableToolError(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Func{
		ToolName: "flaky",
		Desc:     "always fails recoverably",
		Params:   SchemaFor("flaky", "always fails recoverably", struct{}{}),
		Fn: func(ctx context.Context, args map[string]any, seed int64) (string, error) {
			return "", Errorf("quota exceeded")
		},
	})
	messages := []chat.Message{assistantWithCalls(call("flaky", `{}`))}
	out, res, err := Dispatch(context.Background(), reg, messages, 0)
	if err != nil {
		t.Fatalf("recoverable failure must not abort dispatch: %v", err)
	}
	if res.FailedCount != 1 {
		t.Errorf("FailedCount = %d", res.FailedCount)
	}
	if out[len(out)-1].Text() != "Error: quota exceeded" {
		t.Errorf("result = %q", out[len(out)-1].Text())
	}
}

func TestDispatchFatalToolError(t *testing.T) {
	boom := errors.New("disk gone")
	reg := NewRegistry()
	reg.MustRegister(&Func{
		ToolName: "fatal",
		Desc:     "always fails fatally",
		Params:   SchemaFor("fatal", "always fails fatally", struct{}{}),
		Fn: func(ctx context.Context, args map[string]any, seed int64) (string, error) {
			return "", boom
		},
	})
	messages := []chat.Message{assistantWithCalls(call("fatal", `{}`))}
	if _, _, err := Dispatch(context.Background(), reg, messages, 0); !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped fatal error", err)
	}
}

func TestDispatchCallCap(t *testing.T) {
	invocations := 0
	reg := NewRegistry()
	reg.MustRegister(&Func{
		ToolName: "count",
		Desc:     "counts invocations",
		Params:   SchemaFor("count", "counts invocations", struct{}{}),
		Fn: func(ctx context.Context, args map[string]any, seed int64) (string, error) {
			invocations++
			return "ok", nil
		},
	})
	var calls []chat.ToolCall
	for i := 0; i < MaxCallsPerDispatch+5; i++ {
		calls = append(calls, call("count", `{}`))
	}
	if _, _, err := Dispatch(context.Background(), reg, []chat.Message{assistantWithCalls(calls...)}, 0); err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	if invocations != MaxCallsPerDispatch {
		t.Errorf("invocations = %d, want the cap", invocations)
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{"empty string", "", map[string]any{}, false},
		{"null", "null", map[string]any{}, false},
		{"object", `{"a": 1}`, map[string]any{"a": float64(1)}, false},
		{"array", `[1]`, nil, true},
		{"garbage", `{{`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArguments(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseArguments = %v, want %v", got, tt.want)
			}
		})
	}
}
