// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package testutil provides a scripted in-memory backend so the full
// client pipeline can be exercised without a server.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
)

// Turn is one scripted exchange. Exactly one of Message, Text, or Err
// drives the reply.
type Turn struct {
	// Text is shorthand for a plain assistant message.
	Text string

	// Message is a full assistant message, for tool-call replies.
	Message *chat.Message

	// Err fails the request instead of replying.
	Err error

	// FinishReason defaults to "stop".
	FinishReason string

	// Usage defaults to a small fixed count.
	Usage *chat.Usage
}

// ScriptedBackend replays turns in order. It records every request it
// receives for assertions.
type ScriptedBackend struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	Requests []*chat.Request
}

// NewScriptedBackend creates a backend that replays turns in order.
func NewScriptedBackend(turns ...Turn) *ScriptedBackend {
	return &ScriptedBackend{turns: turns}
}

// Name implements client.Backend.
func (b *ScriptedBackend) Name() string { return "scripted" }

// Complete implements client.Backend.
func (b *ScriptedBackend) Complete(_ context.Context, req *chat.Request) (*chat.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Requests = append(b.Requests, req)
	if b.next >= len(b.turns) {
		return nil, fmt.Errorf("scripted backend exhausted after %d turns", len(b.turns))
	}
	turn := b.turns[b.next]
	b.next++

	if turn.Err != nil {
		return nil, turn.Err
	}

	msg := turn.Message
	if msg == nil {
		m := chat.Assistant(turn.Text)
		msg = &m
	}
	reason := turn.FinishReason
	if reason == "" {
		reason = "stop"
	}
	usage := chat.Usage{PromptTokens: 10, CompletionTokens: 5}
	if turn.Usage != nil {
		usage = *turn.Usage
	}
	return &chat.Response{
		Choices: []chat.Choice{
			{Message: *msg, FinishReason: reason},
		},
		Usage: usage,
	}, nil
}

// OpenStream implements client.Backend by replaying the next turn's
// text in short fragments.
func (b *ScriptedBackend) OpenStream(ctx context.Context, req *chat.Request) (client.Stream, error) {
	resp, err := b.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &scriptedStream{text: resp.First().Text(), usage: resp.Usage}, nil
}

// Ping implements client.Pinger.
func (b *ScriptedBackend) Ping(context.Context) error { return nil }

// Calls returns how many requests were served.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Requests)
}

type scriptedStream struct {
	text  string
	usage chat.Usage
	pos   int
}

func (s *scriptedStream) Recv() (client.Chunk, error) {
	const step = 8
	if s.pos < len(s.text) {
		end := s.pos + step
		if end > len(s.text) {
			end = len(s.text)
		}
		chunk := client.Chunk{Content: s.text[s.pos:end]}
		s.pos = end
		return chunk, nil
	}
	return client.Chunk{Usage: &s.usage, Done: true}, nil
}

func (s *scriptedStream) Close() error { return nil }
