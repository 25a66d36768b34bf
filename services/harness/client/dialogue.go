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
	"context"
	"errors"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// ErrTurnsExhausted is returned by Dialogue.Next once the turn budget
// is spent.
var ErrTurnsExhausted = errors.New("dialogue turn budget exhausted")

// Dialogue is the multi-turn generator: each Next sends the transcript
// and appends the assistant turn; the caller appends user or tool
// turns between calls.
//
// Thread Safety: a Dialogue is not reentrant; drive it from one
// goroutine.
type Dialogue struct {
	client    *Client
	params    Params
	messages  []chat.Message
	turnsLeft int
}

// MultiTurn opens a dialogue with a budget of maxRetries+1 turns.
func (c *Client) MultiTurn(messages []chat.Message, p Params, maxRetries int) *Dialogue {
	return &Dialogue{
		client:    c,
		params:    p,
		messages:  messages,
		turnsLeft: maxRetries + 1,
	}
}

// Next sends the current transcript and appends the assistant turn.
//
// Outputs:
//   - *chat.Response: The turn's response.
//   - error: ErrTurnsExhausted when the budget is spent; otherwise
//     whatever Send fails with.
func (d *Dialogue) Next(ctx context.Context) (*chat.Response, error) {
	if d.turnsLeft <= 0 {
		return nil, ErrTurnsExhausted
	}
	d.turnsLeft--
	return d.client.Step(ctx, &d.messages, d.params)
}

// Append adds a turn (user, tool result) before the next exchange.
func (d *Dialogue) Append(messages ...chat.Message) {
	d.messages = append(d.messages, messages...)
}

// ResolveToolCalls dispatches trailing tool calls on the transcript.
func (d *Dialogue) ResolveToolCalls(ctx context.Context, seed int64) error {
	out, err := d.client.ResolveToolCalls(ctx, d.messages, seed)
	d.messages = out
	return err
}

// Messages exposes the transcript.
func (d *Dialogue) Messages() []chat.Message { return d.messages }

// Last returns the final message, or nil when empty.
func (d *Dialogue) Last() *chat.Message {
	if len(d.messages) == 0 {
		return nil
	}
	return &d.messages[len(d.messages)-1]
}

// Remaining returns the unspent turn budget.
func (d *Dialogue) Remaining() int { return d.turnsLeft }
