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
	"log/slog"
	"time"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// MaxCallsPerDispatch limits tool calls handled per assistant turn.
const MaxCallsPerDispatch = 20

// DispatchResult reports what one dispatch pass did.
type DispatchResult struct {
	// Results are the appended role=tool messages, in call order.
	Results []string

	// Counts tallies invocations per tool name, including unknown
	// names and recoverable failures.
	Counts map[string]int

	// FailedCount is the number of calls that produced an error
	// message instead of a result.
	FailedCount int

	// TotalDuration is the wall-clock total across all calls.
	TotalDuration time.Duration
}

// Dispatch resolves the trailing assistant tool calls in messages and
// appends role=tool results.
//
// Description:
//
//	Walks the tool calls of the final assistant message. For each call
//	it resolves the tool by name, parses the JSON arguments, invokes
//	Call, and appends a tool message carrying the result and the call
//	id. An unknown tool name or a *ToolError becomes an error message
//	to the model; any other tool error aborts the dispatch.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	reg - The tool registry.
//	messages - The chat transcript; tool results are appended in place
//	  via the returned slice.
//	seed - Deterministic seed passed through to tools.
//
// Outputs:
//
//	[]chat.Message - The transcript with tool results appended.
//	*DispatchResult - Per-call accounting. Nil when there was nothing
//	  to dispatch.
//	error - Non-nil on fatal tool failure or cancellation.
func Dispatch(ctx context.Context, reg *Registry, messages []chat.Message, seed int64) ([]chat.Message, *DispatchResult, error) {
	if len(messages) == 0 {
		return messages, nil, nil
	}
	last := messages[len(messages)-1]
	if last.Role != chat.RoleAssistant || len(last.ToolCalls) == 0 {
		return messages, nil, nil
	}
	calls := last.ToolCalls
	if len(calls) > MaxCallsPerDispatch {
		calls = calls[:MaxCallsPerDispatch]
	}

	res := &DispatchResult{Counts: make(map[string]int)}
	start := time.Now()
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return messages, res, err
		}
		name := call.Function.Name
		res.Counts[name]++

		tool, err := reg.Get(name)
		if err != nil {
			out := fmt.Sprintf("Error: '%s' does not exist", name)
			messages = append(messages, chat.ToolResult(call.ID, out))
			res.Results = append(res.Results, out)
			res.FailedCount++
			continue
		}

		args, err := parseArguments(call.Function.Arguments)
		if err != nil {
			out := fmt.Sprintf("Error: invalid arguments for '%s': %v", name, err)
			messages = append(messages, chat.ToolResult(call.ID, out))
			res.Results = append(res.Results, out)
			res.FailedCount++
			continue
		}

		out, err := tool.Call(ctx, args, seed)
		if err != nil {
			var te *ToolError
			if !errors.As(err, &te) {
				return messages, res, fmt.Errorf("tool %s: %w", name, err)
			}
			out = "Error: " + te.Msg
			res.FailedCount++
			slog.Debug("Tool call failed recoverably",
				slog.String("tool", name),
				slog.String("error", te.Msg),
			)
		}
		messages = append(messages, chat.ToolResult(call.ID, out))
		res.Results = append(res.Results, out)
	}
	res.TotalDuration = time.Since(start)
	return messages, res, nil
}

// parseArguments decodes the JSON arguments string. An empty string is
// an empty argument set.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
