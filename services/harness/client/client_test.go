// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/client/testutil"
	"github.com/AleutianAI/gauntlet/services/harness/tools"
)

func newClient(t *testing.T, backend client.Backend, opts ...client.Option) *client.Client {
	t.Helper()
	temp := float32(0.2)
	return client.New(backend, client.Config{
		Model:       "test-model",
		MaxTokens:   256,
		Temperature: &temp,
	}, opts...)
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Func{
		ToolName: "echo",
		Desc:     "Echoes the text argument.",
		Params: tools.SchemaFor("echo", "Echoes the text argument.", struct {
			Text string `json:"text"`
		}{}),
		Fn: func(_ context.Context, args map[string]any, _ int64) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	})
	return reg
}

func TestWrapChatDefaults(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend())

	req := c.WrapChat([]chat.Message{chat.User("hi")}, client.Params{})
	if req.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", req.Model)
	}
	if req.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Temperature)
	}
	if len(req.Tools) != 0 {
		t.Errorf("Tools attached without WithTools: %v", req.Tools)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text() != "hi" {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestWrapChatOverrides(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend(), client.WithTools(echoRegistry(t)))

	temp := float32(0.9)
	seed := 7
	req := c.WrapChat([]chat.Message{chat.User("hi")}, client.Params{
		Model:       "other-model",
		MaxTokens:   32,
		Temperature: &temp,
		Seed:        &seed,
		WithTools:   true,
	})
	if req.Model != "other-model" {
		t.Errorf("Model = %q, want other-model", req.Model)
	}
	if req.MaxTokens != 32 {
		t.Errorf("MaxTokens = %d, want 32", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.9 {
		t.Errorf("Temperature = %v, want 0.9", req.Temperature)
	}
	if req.Seed == nil || *req.Seed != 7 {
		t.Errorf("Seed = %v, want 7", req.Seed)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "echo" {
		t.Errorf("Tools = %+v, want the echo schema", req.Tools)
	}
}

func TestSendNormalizesToolCallChoice(t *testing.T) {
	backend := testutil.NewScriptedBackend(testutil.Turn{
		Message: &chat.Message{
			Content: chat.Ptr(""),
			ToolCalls: []chat.ToolCall{{
				ID:       "call-1",
				Type:     "function",
				Function: chat.FunctionCall{Name: "echo", Arguments: `{"text":"x"}`},
			}},
		},
	})
	c := newClient(t, backend)

	resp, err := c.Send(context.Background(), c.WrapChat([]chat.Message{chat.User("go")}, client.Params{}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := resp.First()
	if msg.Role != chat.RoleAssistant {
		t.Errorf("Role = %q, want assistant", msg.Role)
	}
	if msg.Content != nil {
		t.Errorf("Content = %q, want nil for a tool-call-only message", *msg.Content)
	}
}

// emptyBackend replies with zero choices.
type emptyBackend struct{}

func (emptyBackend) Name() string { return "empty" }

func (emptyBackend) Complete(context.Context, *chat.Request) (*chat.Response, error) {
	return &chat.Response{}, nil
}

func (emptyBackend) OpenStream(context.Context, *chat.Request) (client.Stream, error) {
	return nil, errors.New("not streamable")
}

func TestSendNoChoices(t *testing.T) {
	c := newClient(t, emptyBackend{})

	_, err := c.Send(context.Background(), c.WrapChat([]chat.Message{chat.User("hi")}, client.Params{}))
	if !errors.Is(err, client.ErrNoChoices) {
		t.Fatalf("Send error = %v, want ErrNoChoices", err)
	}
}

func TestSendBackendErrorNamesBackend(t *testing.T) {
	boom := errors.New("connection refused")
	c := newClient(t, testutil.NewScriptedBackend(testutil.Turn{Err: boom}))

	_, err := c.Send(context.Background(), c.WrapChat([]chat.Message{chat.User("hi")}, client.Params{}))
	if !errors.Is(err, boom) {
		t.Fatalf("Send error = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "scripted") {
		t.Errorf("error %q does not name the backend", err)
	}
}

func TestSendRaiseLengthLimit(t *testing.T) {
	backend := testutil.NewScriptedBackend(testutil.Turn{Text: "truncat", FinishReason: "length"})
	c := client.New(backend, client.Config{
		Model:            "test-model",
		MaxTokens:        16,
		RaiseLengthLimit: true,
	})

	resp, err := c.Send(context.Background(), c.WrapChat([]chat.Message{chat.User("hi")}, client.Params{}))
	if !errors.Is(err, client.ErrBudget) {
		t.Fatalf("Send error = %v, want ErrBudget", err)
	}
	if resp == nil || resp.First().Text() != "truncat" {
		t.Errorf("truncated response not returned alongside ErrBudget")
	}
}

func TestSendLengthTolerated(t *testing.T) {
	backend := testutil.NewScriptedBackend(testutil.Turn{Text: "truncat", FinishReason: "length"})
	c := newClient(t, backend)

	if _, err := c.Send(context.Background(), c.WrapChat([]chat.Message{chat.User("hi")}, client.Params{})); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestStepAppendsAssistantTurn(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend(testutil.Turn{Text: "pong"}))

	messages := []chat.Message{chat.User("ping")}
	resp, err := c.Step(context.Background(), &messages, client.Params{})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if resp.First().Text() != "pong" {
		t.Errorf("response = %q, want pong", resp.First().Text())
	}
	if len(messages) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(messages))
	}
	last := messages[1]
	if last.Role != chat.RoleAssistant || last.Text() != "pong" {
		t.Errorf("appended turn = %+v", last)
	}
}

func TestDialogueBudget(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend(
		testutil.Turn{Text: "first"},
		testutil.Turn{Text: "second"},
	))

	d := c.MultiTurn([]chat.Message{chat.User("q")}, client.Params{}, 1)
	if d.Remaining() != 2 {
		t.Fatalf("Remaining = %d, want 2", d.Remaining())
	}

	if _, err := d.Next(context.Background()); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	d.Append(chat.User("again"))
	if _, err := d.Next(context.Background()); err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if _, err := d.Next(context.Background()); !errors.Is(err, client.ErrTurnsExhausted) {
		t.Fatalf("third Next error = %v, want ErrTurnsExhausted", err)
	}

	if got := d.Last().Text(); got != "second" {
		t.Errorf("Last = %q, want second", got)
	}
	if len(d.Messages()) != 4 {
		t.Errorf("transcript has %d messages, want 4", len(d.Messages()))
	}
}

func TestResolveToolCallsRecordsStats(t *testing.T) {
	backend := testutil.NewScriptedBackend(testutil.Turn{
		Message: &chat.Message{
			Role: chat.RoleAssistant,
			ToolCalls: []chat.ToolCall{{
				ID:       "call-echo",
				Type:     "function",
				Function: chat.FunctionCall{Name: "echo", Arguments: `{"text":"back"}`},
			}},
		},
	})
	c := newClient(t, backend, client.WithTools(echoRegistry(t)))

	messages := []chat.Message{chat.User("call the tool")}
	if _, err := c.Step(context.Background(), &messages, client.Params{WithTools: true}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	out, err := c.ResolveToolCalls(context.Background(), messages, 1)
	if err != nil {
		t.Fatalf("ResolveToolCalls: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("transcript has %d messages, want 3", len(out))
	}
	result := out[2]
	if result.Role != chat.RoleTool || result.Text() != "back" || result.ToolCallID != "call-echo" {
		t.Errorf("tool result = %+v", result)
	}

	summary := c.Stats(0)
	if summary.ToolCalls["echo"] != 1 {
		t.Errorf("ToolCalls = %v, want echo:1", summary.ToolCalls)
	}
}

func TestStatsAndScope(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend(
		testutil.Turn{Text: "one"},
		testutil.Turn{Text: "two"},
	))
	ctx := context.Background()

	if _, err := c.Send(ctx, c.WrapChat([]chat.Message{chat.User("a")}, client.Params{})); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	scope := c.StatsScope()
	if _, err := c.Send(ctx, c.WrapChat([]chat.Message{chat.User("b")}, client.Params{})); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	scoped := scope.Close()
	if scoped.Requests != 1 {
		t.Errorf("scoped Requests = %d, want 1", scoped.Requests)
	}

	total := c.Stats(0)
	if total.Requests != 2 {
		t.Errorf("total Requests = %d, want 2", total.Requests)
	}
	// Server counts win over the local estimate.
	if total.InputTokens != 20 || total.OutputTokens != 10 {
		t.Errorf("tokens = %d/%d, want 20/10", total.InputTokens, total.OutputTokens)
	}
}

func TestReset(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend(testutil.Turn{Text: "x"}))
	if _, err := c.Send(context.Background(), c.WrapChat([]chat.Message{chat.User("a")}, client.Params{})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c.Reset()
	if got := len(c.History()); got != 0 {
		t.Errorf("history has %d entries after Reset", got)
	}
}

func TestSummarize(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []chat.CallStats{
		{InputTokens: 100, OutputTokens: 50, Start: start, End: start.Add(2 * time.Second)},
		{InputTokens: 10, OutputTokens: 40, Start: start, End: start.Add(4 * time.Second)},
		{InputTokens: 5, Start: start}, // still open
	}

	s := client.Summarize(entries)
	if s.Requests != 3 {
		t.Errorf("Requests = %d, want 3", s.Requests)
	}
	if s.InputTokens != 115 || s.OutputTokens != 90 {
		t.Errorf("tokens = %d/%d, want 115/90", s.InputTokens, s.OutputTokens)
	}
	if s.TotalDuration != 6*time.Second {
		t.Errorf("TotalDuration = %v, want 6s", s.TotalDuration)
	}
	if s.Seconds.Min != 2 || s.Seconds.Max != 4 || s.Seconds.Mean != 3 {
		t.Errorf("Seconds = %+v, want 2/3/4", s.Seconds)
	}
	if s.TokensPerSecond.Min != 10 || s.TokensPerSecond.Max != 25 {
		t.Errorf("TokensPerSecond = %+v, want min 10 max 25", s.TokensPerSecond)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := client.Summarize(nil)
	if s.Requests != 0 || s.Seconds != (client.Extremes{}) {
		t.Errorf("Summarize(nil) = %+v, want zero", s)
	}
}

func TestStreamResponse(t *testing.T) {
	c := newClient(t, testutil.NewScriptedBackend(testutil.Turn{Text: "a reply streamed in pieces"}))

	stream, err := c.StreamResponse(context.Background(), []chat.Message{chat.User("go")}, client.Params{})
	if err != nil {
		t.Fatalf("StreamResponse: %v", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		sb.WriteString(chunk.Content)
		if chunk.Done {
			if chunk.Usage == nil || chunk.Usage.CompletionTokens != 5 {
				t.Errorf("final chunk usage = %+v", chunk.Usage)
			}
			break
		}
	}
	if sb.String() != "a reply streamed in pieces" {
		t.Errorf("streamed text = %q", sb.String())
	}

	history := c.History()
	if len(history) != 1 || history[0].OutputTokens != 5 {
		t.Errorf("history = %+v, want one closed entry with 5 output tokens", history)
	}
	if history[0].End.IsZero() {
		t.Errorf("stats entry left open after the usage chunk")
	}
}
